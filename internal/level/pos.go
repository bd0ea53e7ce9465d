package level

import "fmt"

// ChunkPos - координаты чанка (колонки 16x16) в мире
type ChunkPos struct {
	X, Z int32
}

// Hash упаковывает координаты в 64-битный ключ: старшие 32 бита - X, младшие - Z.
// Обратим для всего диапазона int32, используется как ключ кеша и очереди.
func (p ChunkPos) Hash() int64 {
	return int64(p.X)<<32 | int64(uint32(p.Z))
}

// PosFromHash восстанавливает координаты из ключа Hash
func PosFromHash(h int64) ChunkPos {
	return ChunkPos{X: int32(h >> 32), Z: int32(h)}
}

// String возвращает "(x,z)"
func (p ChunkPos) String() string {
	return fmt.Sprintf("(%d,%d)", p.X, p.Z)
}
