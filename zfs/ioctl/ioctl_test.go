package ioctl

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestRegularFileIsNotABlockDevice(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "image"))
	require.NoError(t, err)
	defer f.Close()
	fd := int(f.Fd())

	// Usually ENOTTY, some filesystems answer unknown requests differently.
	_, err = DeviceSize(fd)
	assert.Error(t, err)
	_, err = Rotational(fd)
	assert.Error(t, err)
	assert.Error(t, FlushBuffers(fd))
}

func TestClosedDescriptor(t *testing.T) {
	_, err := DeviceSize(-1)
	assert.ErrorIs(t, err, unix.EBADF)
}
