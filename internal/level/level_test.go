package level

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkPosHashRoundTrip(t *testing.T) {
	cases := []ChunkPos{
		{0, 0},
		{1, -1},
		{-1, 1},
		{math.MaxInt32, math.MinInt32},
		{math.MinInt32, math.MaxInt32},
		{-123456, 654321},
	}
	seen := make(map[int64]ChunkPos)
	for _, pos := range cases {
		h := pos.Hash()
		assert.Equal(t, pos, PosFromHash(h))
		if prev, ok := seen[h]; ok {
			t.Fatalf("коллизия ключей %v и %v", prev, pos)
		}
		seen[h] = pos
	}
}

func TestChunkPosHashNegativeZDoesNotLeakIntoX(t *testing.T) {
	h := ChunkPos{X: 0, Z: -1}.Hash()
	assert.Equal(t, int64(0xffffffff), h)
	assert.Equal(t, int32(0), PosFromHash(h).X)
}

func TestNibbleAccess(t *testing.T) {
	data := make([]byte, 4)
	SetNibble(data, 0, 0x3)
	SetNibble(data, 1, 0xa)
	SetNibble(data, 6, 0xf)

	assert.Equal(t, byte(0xa3), data[0])
	assert.Equal(t, byte(0x3), Nibble(data, 0))
	assert.Equal(t, byte(0xa), Nibble(data, 1))
	assert.Equal(t, byte(0xf), Nibble(data, 6))
	assert.Equal(t, byte(0x0), Nibble(data, 7))
}

func TestRawSection(t *testing.T) {
	s := NewRawSection(3)
	assert.True(t, s.Empty())
	assert.Equal(t, 3, s.Y())

	s.IDs[SectionIndex(2, 3, 4)] = 1
	assert.False(t, s.Empty())

	ids, data, err := s.Storage()
	require.NoError(t, err)
	assert.Len(t, ids, SectionBlockCount)
	assert.Len(t, data, SectionNibbleSize)
	assert.Len(t, s.Bytes(), SectionWireSize)

	broken := &RawSection{IDs: make([]byte, 10)}
	_, _, err = broken.Storage()
	assert.ErrorIs(t, err, ErrStorageUnavailable)
	assert.Len(t, broken.Bytes(), SectionWireSize)
}

func TestIndexes(t *testing.T) {
	assert.Equal(t, 0x100+0x20+3, SectionIndex(1, 3, 2))
	assert.Equal(t, 1<<11|2<<7|100, FlatIndex(1, 100, 2))
}

func TestParseLayoutAndDimension(t *testing.T) {
	l, err := ParseLayout("mcregion")
	require.NoError(t, err)
	assert.Equal(t, LayoutMcRegion, l)
	assert.False(t, l.Sectioned())
	assert.True(t, LayoutAnvil.Sectioned())

	_, err = ParseLayout("slime")
	assert.Error(t, err)

	d, err := ParseDimension("the_end")
	require.NoError(t, err)
	assert.Equal(t, End, d)
}

func TestTagEntitySpawnCompound(t *testing.T) {
	e := &TagEntity{ID: "Sign", X: 1, Y: 64, Z: -3, Spawn: true, Tags: map[string]any{"Text": "hi"}}
	tag, err := e.SpawnCompound()
	require.NoError(t, err)
	assert.Equal(t, "Sign", tag["id"])
	assert.Equal(t, int32(64), tag["y"])
	assert.Equal(t, "hi", tag["Text"])
	_, polluted := e.Tags["id"]
	assert.False(t, polluted)
}
