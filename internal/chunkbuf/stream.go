package chunkbuf

import "encoding/binary"

// Stream - растущий буфер для записи wire-полей в little-endian
type Stream struct {
	buf []byte
}

// NewStream создаёт поток с заданной начальной ёмкостью
func NewStream(capacity int) *Stream {
	return &Stream{buf: make([]byte, 0, capacity)}
}

func (s *Stream) PutByte(b byte) { s.buf = append(s.buf, b) }

func (s *Stream) Put(p []byte) { s.buf = append(s.buf, p...) }

// PutVarInt пишет знаковый zigzag varint (32-битное значение)
func (s *Stream) PutVarInt(v int32) { s.buf = binary.AppendVarint(s.buf, int64(v)) }

func (s *Stream) PutLInt(v int32) { s.buf = binary.LittleEndian.AppendUint32(s.buf, uint32(v)) }

func (s *Stream) PutLShort(v uint16) { s.buf = binary.LittleEndian.AppendUint16(s.buf, v) }

func (s *Stream) Len() int { return len(s.buf) }

// Bytes возвращает накопленные данные (без копирования)
func (s *Stream) Bytes() []byte { return s.buf }
