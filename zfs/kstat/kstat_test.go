package kstat

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIOQueueTimes(t *testing.T) {
	var k IO
	k.WaitQEnter(100)
	k.WaitQEnter(150)
	k.WaitQExit(200)
	k.RunQEnter(200)
	k.WaitQExit(300)
	k.RunQEnter(300)
	k.RunQExit(400)
	k.RunQExit(500)
	k.Complete(true, 4096)
	k.Complete(false, 8192)

	assert.Equal(t, int64(200), k.WTime)
	// Two entries for 50ns, then two for 50ns, then one for 100ns.
	assert.Equal(t, int64(50+2*50+100), k.WLenTime)
	assert.Equal(t, int64(300), k.RTime)
	assert.Equal(t, int64(100+2*100+100), k.RLenTime)
	assert.Zero(t, k.WCnt)
	assert.Zero(t, k.RCnt)
	assert.Equal(t, uint64(4096), k.NRead)
	assert.Equal(t, uint64(1), k.Writes)
}

func TestNamedRoundTrip(t *testing.T) {
	k := IO{NRead: 1 << 40, NWritten: 12, Reads: 3, Writes: 1, WTime: 99, RLenTime: 1234, WCnt: 2}
	var buf bytes.Buffer
	require.NoError(t, WriteNamed(&buf, 7, 1000, 2000, k.Named()))

	r := Reader{Data: buf.Bytes()}
	got, err := ParseIO(&r)
	require.NoError(t, err)
	assert.Equal(t, k, got)
	assert.Equal(t, Header{KID: 7, Type: TypeNamed, NData: 12, DataSize: 12 * namedSize, CrTime: 1000, SnapTime: 2000}, r.Header)
}

func TestReaderRows(t *testing.T) {
	data := []byte("13 1 0x01 2 96 4096 8192\n" +
		"name                            type data\n" +
		"nunlinks                        4    5\n" +
		"temp                            3    -3\n")
	r := Reader{Data: data}

	name, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "nunlinks", name)
	v, err := r.RowDataAsUInt64()
	require.NoError(t, err)
	assert.Equal(t, uint64(5), v)
	typ, err := r.RowType()
	require.NoError(t, err)
	assert.Equal(t, DataUint64, typ)

	name, err = r.Next()
	require.NoError(t, err)
	assert.Equal(t, "temp", name)
	assert.Equal(t, "-3", r.RowData())
	_, err = r.RowDataAsUInt64()
	assert.Error(t, err)

	_, err = r.Next()
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, uint8(1), r.Header.Flags)
}

func TestReaderRejectsOtherTypes(t *testing.T) {
	r := Reader{Data: []byte("1 3 0x00 1 80 0 0\nnread nwritten\n")}
	_, err := r.Next()
	assert.Error(t, err)

	r = Reader{Data: []byte("1 1 0x00 1 48 0 0\nkey type data\n")}
	_, err = r.Next()
	assert.Error(t, err)
}
