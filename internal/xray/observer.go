package xray

import "github.com/annel0/antixray/internal/level"

// Payload - данные чанка для отправки наблюдателю.
// Batched=true: Data уже упакован в сжатый batch-пакет (так хранит кеш),
// иначе Data - сырой буфер чанка, который сетевой слой оборачивает сам.
type Payload struct {
	Data    []byte
	Batched bool
}

// Observer - получатель чанков (сессия игрока).
// Методы вызываются из цикла тиков и не должны блокироваться.
type Observer interface {
	// ID - стабильный идентификатор; повторный запрос с тем же ID не дублирует доставку
	ID() uint64
	// Connected сообщает, активна ли сессия
	Connected() bool
	// InView сообщает, находится ли чанк всё ещё в зоне видимости
	InView(pos level.ChunkPos) bool
	// SendChunk передаёт чанк сетевому слою
	SendChunk(pos level.ChunkPos, payload Payload)
}
