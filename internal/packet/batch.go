// Package packet упаковывает буфер чанка в сжатый batch-пакет,
// который кеш хранит вместо сырого буфера.
package packet

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/annel0/antixray/internal/level"
	"github.com/klauspost/compress/zlib"
	"github.com/sandertv/gophertunnel/minecraft/protocol/packet"
)

// BatchHeader - первый байт batch-пакета
const BatchHeader = 0xfe

var (
	ErrNotBatch      = errors.New("packet: missing batch header")
	ErrUnexpectedID  = errors.New("packet: unexpected packet id")
	ErrMalformedBody = errors.New("packet: malformed body")
)

// Encoder собирает пакет LevelChunk и сжимает его zlib
type Encoder struct {
	level int
	pool  sync.Pool
}

// NewEncoder создаёт кодировщик с заданным уровнем сжатия (zlib.DefaultCompression, 0..9)
func NewEncoder(compressionLevel int) (*Encoder, error) {
	if _, err := zlib.NewWriterLevel(io.Discard, compressionLevel); err != nil {
		return nil, fmt.Errorf("packet: invalid compression level %d: %w", compressionLevel, err)
	}
	return &Encoder{level: compressionLevel}, nil
}

// Encode формирует batch: 0xfe + zlib(uvarint len + LevelChunk)
func (e *Encoder) Encode(pos level.ChunkPos, payload []byte) ([]byte, error) {
	body := make([]byte, 0, len(payload)+24)
	body = binary.AppendUvarint(body, uint64(packet.IDLevelChunk))
	body = binary.AppendVarint(body, int64(pos.X))
	body = binary.AppendVarint(body, int64(pos.Z))
	body = binary.AppendUvarint(body, uint64(len(payload)))
	body = append(body, payload...)

	var buf bytes.Buffer
	buf.Grow(len(body)/2 + 16)
	buf.WriteByte(BatchHeader)

	w := e.writer(&buf)
	defer e.pool.Put(w)

	var lenPrefix [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenPrefix[:], uint64(len(body)))
	if _, err := w.Write(lenPrefix[:n]); err != nil {
		return nil, err
	}
	if _, err := w.Write(body); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (e *Encoder) writer(dst io.Writer) *zlib.Writer {
	if w, ok := e.pool.Get().(*zlib.Writer); ok {
		w.Reset(dst)
		return w
	}
	// Уровень проверен в NewEncoder
	w, _ := zlib.NewWriterLevel(dst, e.level)
	return w
}

// Decode разбирает batch обратно в координаты и буфер чанка
func Decode(batch []byte) (level.ChunkPos, []byte, error) {
	var pos level.ChunkPos
	if len(batch) == 0 || batch[0] != BatchHeader {
		return pos, nil, ErrNotBatch
	}

	r, err := zlib.NewReader(bytes.NewReader(batch[1:]))
	if err != nil {
		return pos, nil, fmt.Errorf("packet: zlib: %w", err)
	}
	defer r.Close()

	raw, err := io.ReadAll(r)
	if err != nil {
		return pos, nil, fmt.Errorf("packet: zlib: %w", err)
	}

	rd := bytes.NewReader(raw)
	size, err := binary.ReadUvarint(rd)
	if err != nil || size != uint64(rd.Len()) {
		return pos, nil, ErrMalformedBody
	}

	id, err := binary.ReadUvarint(rd)
	if err != nil {
		return pos, nil, ErrMalformedBody
	}
	if id != uint64(packet.IDLevelChunk) {
		return pos, nil, fmt.Errorf("%w: %d", ErrUnexpectedID, id)
	}

	x, err := binary.ReadVarint(rd)
	if err != nil {
		return pos, nil, ErrMalformedBody
	}
	z, err := binary.ReadVarint(rd)
	if err != nil {
		return pos, nil, ErrMalformedBody
	}
	n, err := binary.ReadUvarint(rd)
	if err != nil || n != uint64(rd.Len()) {
		return pos, nil, ErrMalformedBody
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(rd, payload); err != nil {
		return pos, nil, ErrMalformedBody
	}

	pos.X, pos.Z = int32(x), int32(z)
	return pos, payload, nil
}
