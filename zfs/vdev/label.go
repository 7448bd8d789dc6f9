package vdev

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ReneHollander/zspa/zfs/checksum"
	"github.com/ReneHollander/zspa/zfs/nvlist"
)

var ErrNoValidLabel = errors.New("no valid label found")

// Every device carries four labels, two at the front and two at the back, so that a label survives a
// partial overwrite at either end. Each label is laid out as:
//
//	0x00000  blank         8K
//	0x02000  boot header   8K
//	0x04000  config      112K  packed nvlist, embedded checksum at the end
//	0x20000  uberblocks  128K  ring of 1K slots, each with an embedded checksum
//
// The front labels are followed by the boot block, after which the data area starts.
const (
	LabelSize      = 256 << 10
	Labels         = 4
	BootSize       = 7 << 19
	LabelStartSize = 2*LabelSize + BootSize
	LabelEndSize   = 2 * LabelSize
	MinDeviceSize  = 64 << 20

	ConfigOffset        = 16 << 10
	ConfigSize          = 112 << 10
	UberblockRingOffset = 128 << 10
	UberblockRingSize   = 128 << 10
	UberblockShift      = 10
	UberblockSize       = 1 << UberblockShift
	UberblockCount      = UberblockRingSize >> UberblockShift
)

// LabelOffset maps an offset within label l to a physical offset on a device of psize bytes.
func LabelOffset(psize uint64, l int, offset uint64) uint64 {
	o := offset + uint64(l)*LabelSize
	if l >= Labels/2 {
		o += psize - Labels*LabelSize
	}
	return o
}

// LabelConfig describes the pool and the vdev a label belongs to.
type LabelConfig struct {
	Version      uint64   `nvlist:"version"`
	Name         string   `nvlist:"name"`
	State        uint64   `nvlist:"state"`
	Txg          uint64   `nvlist:"txg"`
	PoolGUID     uint64   `nvlist:"pool_guid"`
	GUID         uint64   `nvlist:"guid"`
	VdevChildren uint64   `nvlist:"vdev_children"`
	Tree         VdevTree `nvlist:"vdev_tree"`
}

// VdevTree is the part of the config that describes the layout of the vdev itself.
type VdevTree struct {
	Type          string `nvlist:"type"`
	ID            uint64 `nvlist:"id"`
	GUID          uint64 `nvlist:"guid"`
	Path          string `nvlist:"path,omitempty"`
	MetaslabShift uint64 `nvlist:"metaslab_shift"`
	Ashift        uint64 `nvlist:"ashift"`
	ASize         uint64 `nvlist:"asize"`
	IsRotational  bool   `nvlist:"is_rotational"`
	// MetaslabArray holds the space map object of every metaslab, zero for never synced ones.
	MetaslabArray []uint64 `nvlist:"metaslab_array"`
}

func checkLabel(l int) error {
	if l < 0 || l >= Labels {
		return fmt.Errorf("label %d does not exist", l)
	}
	return nil
}

// ReadConfig reads and verifies the config of label l.
func (v *Vdev) ReadConfig(ctx context.Context, l int) (LabelConfig, error) {
	var cfg LabelConfig
	if err := checkLabel(l); err != nil {
		return cfg, err
	}
	offset := LabelOffset(v.psize, l, ConfigOffset)
	b, err := v.ReadPhys(ctx, offset, ConfigSize, PrioritySyncRead)
	if err != nil {
		return cfg, err
	}
	if _, err := checksum.Verify(b, offset); err != nil {
		return cfg, fmt.Errorf("label %d: %w", l, err)
	}
	if err := nvlist.Unmarshal(b[:len(b)-checksum.TrailerSize], &cfg); err != nil {
		return cfg, fmt.Errorf("label %d: %w", l, err)
	}
	return cfg, nil
}

// ReadBestConfig returns the valid config with the highest txg and the label it was found in.
func (v *Vdev) ReadBestConfig(ctx context.Context) (LabelConfig, int, error) {
	var best LabelConfig
	found := -1
	for l := range Labels {
		cfg, err := v.ReadConfig(ctx, l)
		if err != nil {
			if ctx.Err() != nil {
				return best, -1, ctx.Err()
			}
			v.logger.Debug("skipping label", "vdev", v.path, "label", l, "error", err)
			continue
		}
		if found < 0 || cfg.Txg > best.Txg {
			best, found = cfg, l
		}
	}
	if found < 0 {
		v.setState(StateCantOpen, AuxCorruptData)
		return best, -1, ErrNoValidLabel
	}
	return best, found, nil
}

// WriteConfig stores cfg in the given labels.
func (v *Vdev) WriteConfig(ctx context.Context, cfg *LabelConfig, labels ...int) error {
	data, err := nvlist.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error packing label config: %w", err)
	}
	if len(data) > ConfigSize-checksum.TrailerSize {
		return fmt.Errorf("label config of %d bytes does not fit", len(data))
	}
	for _, l := range labels {
		if err := checkLabel(l); err != nil {
			return err
		}
		offset := LabelOffset(v.psize, l, ConfigOffset)
		buf := make([]byte, ConfigSize)
		copy(buf, data)
		if err := checksum.Embed(buf, offset, binary.NativeEndian); err != nil {
			return err
		}
		if err := v.WritePhys(ctx, offset, buf, PrioritySyncWrite); err != nil {
			return fmt.Errorf("error writing label %d: %w", l, err)
		}
	}
	return nil
}

// RingOffset is the physical offset of the uberblock ring of label l.
func (v *Vdev) RingOffset(l int) uint64 {
	return LabelOffset(v.psize, l, UberblockRingOffset)
}

func (v *Vdev) ReadRing(ctx context.Context, l int) ([]byte, error) {
	if err := checkLabel(l); err != nil {
		return nil, err
	}
	return v.ReadPhys(ctx, v.RingOffset(l), UberblockRingSize, PrioritySyncRead)
}

func (v *Vdev) WriteRingSlot(ctx context.Context, l, slot int, data []byte) error {
	if err := checkLabel(l); err != nil {
		return err
	}
	if slot < 0 || slot >= UberblockCount || len(data) != UberblockSize {
		return fmt.Errorf("invalid uberblock slot %d of %d bytes", slot, len(data))
	}
	return v.WritePhys(ctx, v.RingOffset(l)+uint64(slot)<<UberblockShift, data, PrioritySyncWrite)
}
