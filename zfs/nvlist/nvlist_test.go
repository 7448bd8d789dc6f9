package nvlist

import (
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type child struct {
	Type string `nvlist:"type"`
	GUID uint64 `nvlist:"guid"`
}

type config struct {
	Name      string   `nvlist:"name"`
	Txg       uint64   `nvlist:"txg"`
	Ashift    uint8    `nvlist:"ashift"`
	Offset    int64    `nvlist:"offset"`
	Rotating  bool     `nvlist:"is_rotational"`
	Objects   []uint64 `nvlist:"metaslab_array"`
	Paths     []string `nvlist:"paths"`
	Tree      child    `nvlist:"vdev_tree"`
	Children  []child  `nvlist:"children"`
	Comment   string   `nvlist:"comment,omitempty"`
	Transient string   `nvlist:"-"`
}

func TestMarshalRoundTrip(t *testing.T) {
	in := config{
		Name:      "tank",
		Txg:       1234,
		Ashift:    12,
		Offset:    -5,
		Rotating:  true,
		Objects:   []uint64{1, 2, 3},
		Paths:     []string{"/dev/a", "/dev/bb"},
		Tree:      child{Type: "disk", GUID: 99},
		Children:  []child{{Type: "file", GUID: 1}, {Type: "file", GUID: 2}},
		Transient: "not stored",
	}
	data, err := Marshal(&in)
	require.NoError(t, err)

	var out config
	require.NoError(t, Unmarshal(data, &out))
	in.Transient = ""
	assert.Equal(t, in, out)
}

func TestUnmarshalIntoMap(t *testing.T) {
	data, err := Marshal(config{Name: "tank", Txg: 7, Tree: child{Type: "disk"}})
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, Unmarshal(data, &out))
	assert.Equal(t, "tank", out["name"])
	assert.Equal(t, uint64(7), out["txg"])
	assert.Equal(t, uint32(0), out["ashift"])
	assert.Equal(t, map[string]any{"type": "disk", "guid": uint64(0)}, out["vdev_tree"])
	assert.NotContains(t, out, "comment")
}

func TestReaderWalksEmbeddedLists(t *testing.T) {
	w := NewWriter()
	w.AddUint64("a", 1)
	w.BeginList("nested")
	w.AddString("b", "x")
	w.BeginList("deeper")
	w.AddBoolean("flag")
	w.EndList()
	w.EndList()
	w.AddUint64("c", 3)
	data, err := w.Bytes()
	require.NoError(t, err)

	r := Reader{Data: data}
	var names []string
	for {
		token, err := r.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, r.Name())
		if token == TypeNvlist && r.Name() == "nested" {
			require.NoError(t, r.Skip())
		}
	}
	assert.Equal(t, []string{"a", "nested", "c"}, names)
}

func TestBigEndian(t *testing.T) {
	w := newWriter(binary.BigEndian)
	w.AddUint64("txg", 0x0102030405060708)
	w.AddUint64Array("ids", []uint64{5, 6})
	data, err := w.Bytes()
	require.NoError(t, err)
	assert.Equal(t, byte(bigEndian), data[1])

	var out struct {
		Txg uint64   `nvlist:"txg"`
		IDs []uint64 `nvlist:"ids"`
	}
	require.NoError(t, Unmarshal(data, &out))
	assert.Equal(t, uint64(0x0102030405060708), out.Txg)
	assert.Equal(t, []uint64{5, 6}, out.IDs)
}

func TestInvalidData(t *testing.T) {
	data, err := Marshal(map[string]any{"name": "tank"})
	require.NoError(t, err)

	var out map[string]any
	assert.ErrorIs(t, Unmarshal(data[:len(data)-12], &out), ErrInvalidData)

	bad := append([]byte(nil), data...)
	bad[0] = byte(EncodingXDR)
	assert.ErrorIs(t, Unmarshal(bad, &out), ErrInvalidEncoding)

	bad[0], bad[1] = byte(EncodingNative), 7
	assert.ErrorIs(t, Unmarshal(bad, &out), ErrInvalidEndianess)

	var typed struct {
		Name uint64 `nvlist:"name"`
	}
	assert.ErrorIs(t, Unmarshal(data, &typed), ErrInvalidValue)

	w := NewWriter()
	w.BeginList("open")
	_, err = w.Bytes()
	assert.ErrorIs(t, err, ErrInvalidValue)
}

func BenchmarkUnmarshal(b *testing.B) {
	data, err := Marshal(config{Name: "tank", Objects: make([]uint64, 512), Children: make([]child, 16)})
	if err != nil {
		b.Fatal(err)
	}
	for b.Loop() {
		var out config
		if err := Unmarshal(data, &out); err != nil {
			b.Fatal(err)
		}
	}
}
