package packet

import (
	"bytes"
	"testing"

	"github.com/annel0/antixray/internal/level"
	"github.com/klauspost/compress/zlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	enc, err := NewEncoder(zlib.BestSpeed)
	require.NoError(t, err)

	payload := bytes.Repeat([]byte{1, 2, 3, 4}, 20000)
	pos := level.ChunkPos{X: -12, Z: 40000}

	batch, err := enc.Encode(pos, payload)
	require.NoError(t, err)
	assert.Equal(t, byte(BatchHeader), batch[0])
	assert.Less(t, len(batch), len(payload), "повторяющиеся данные должны сжиматься")

	gotPos, gotPayload, err := Decode(batch)
	require.NoError(t, err)
	assert.Equal(t, pos, gotPos)
	assert.Equal(t, payload, gotPayload)
}

func TestEncoderReuse(t *testing.T) {
	enc, err := NewEncoder(zlib.DefaultCompression)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		pos := level.ChunkPos{X: int32(i), Z: int32(-i)}
		batch, err := enc.Encode(pos, []byte{byte(i)})
		require.NoError(t, err)

		gotPos, payload, err := Decode(batch)
		require.NoError(t, err)
		assert.Equal(t, pos, gotPos)
		assert.Equal(t, []byte{byte(i)}, payload)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, _, err := Decode(nil)
	assert.ErrorIs(t, err, ErrNotBatch)

	_, _, err = Decode([]byte{0x01, 0x02})
	assert.ErrorIs(t, err, ErrNotBatch)

	_, _, err = Decode([]byte{BatchHeader, 0x00, 0x01})
	assert.Error(t, err)
}

func TestInvalidLevel(t *testing.T) {
	_, err := NewEncoder(42)
	assert.Error(t, err)
}
