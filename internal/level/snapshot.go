package level

import (
	"context"
	"errors"
	"fmt"
)

// Размеры массивов плоских форматов (LevelDB, McRegion): 16x16x128
const (
	FlatBlockCount = 16 * 16 * 128 // 32768
	FlatNibbleSize = FlatBlockCount / 2
	ColumnSize     = 256 // карта высот и биомов: 16x16

	SectionBlockCount = 16 * 16 * 16 // 4096
	SectionNibbleSize = SectionBlockCount / 2
	SectionWireSize   = SectionBlockCount + SectionNibbleSize // 6144
)

var (
	// ErrChunkNotFound возвращается Provider, если чанк отсутствует в хранилище
	ErrChunkNotFound = errors.New("chunk not found")

	// ErrStorageUnavailable возвращается Section.Storage, если внутреннее
	// представление секции не даёт доступа к сырым массивам
	ErrStorageUnavailable = errors.New("section storage unavailable")
)

// Layout - вариант формата хранения чанка
type Layout int

const (
	// LayoutAnvil - секционированный формат: до 16 секций 16x16x16
	LayoutAnvil Layout = iota
	// LayoutLevelDB - плоские массивы на всю высоту, NBT сущностей в little-endian
	LayoutLevelDB
	// LayoutMcRegion - плоские массивы на всю высоту, NBT сущностей в network little-endian
	LayoutMcRegion
)

// String возвращает имя формата
func (l Layout) String() string {
	switch l {
	case LayoutAnvil:
		return "anvil"
	case LayoutLevelDB:
		return "leveldb"
	case LayoutMcRegion:
		return "mcregion"
	default:
		return fmt.Sprintf("layout(%d)", int(l))
	}
}

// Sectioned сообщает, делится ли формат на вертикальные секции
func (l Layout) Sectioned() bool {
	return l == LayoutAnvil
}

// ParseLayout разбирает имя формата из конфигурации
func ParseLayout(s string) (Layout, error) {
	switch s {
	case "anvil":
		return LayoutAnvil, nil
	case "leveldb":
		return LayoutLevelDB, nil
	case "mcregion":
		return LayoutMcRegion, nil
	default:
		return 0, fmt.Errorf("unknown chunk layout %q", s)
	}
}

// Dimension - классификация мира, определяет блок-приманку
type Dimension int

const (
	Overworld Dimension = iota
	Nether
	End
)

// ParseDimension разбирает имя измерения из конфигурации
func ParseDimension(s string) (Dimension, error) {
	switch s {
	case "overworld", "":
		return Overworld, nil
	case "nether":
		return Nether, nil
	case "end", "the_end":
		return End, nil
	default:
		return 0, fmt.Errorf("unknown dimension %q", s)
	}
}

// Section - вертикальная секция 16x16x16 секционированного формата.
// Storage даёт явный доступ на чтение к сырым массивам id/метаданных;
// если реализация не может их отдать, она возвращает ErrStorageUnavailable.
type Section interface {
	Y() int
	Empty() bool
	Storage() (ids, data []byte, err error)
	// Bytes возвращает сырую wire-форму секции: 4096 байт id + 2048 байт метаданных
	Bytes() []byte
}

// BlockEntity - блочная сущность чанка
type BlockEntity interface {
	// Spawnable сообщает, нужно ли отправлять сущность клиенту
	Spawnable() bool
	// SpawnCompound возвращает NBT-представление для клиента
	SpawnCompound() (map[string]any, error)
}

// Snapshot - состояние чанка, прочитанное из хранилища в момент времени
type Snapshot struct {
	Pos     ChunkPos
	Layout  Layout
	Changes int64 // счётчик модификаций на момент чтения

	// Плоские форматы
	BlockIDs   []byte
	BlockData  []byte
	SkyLight   []byte
	BlockLight []byte

	// Секционированный формат
	Sections []Section

	HeightMap []byte
	Biomes    []byte

	// Extra - дополнительные данные блоков: индекс блока -> значение
	Extra         map[int32]uint16
	BlockEntities []BlockEntity
}

// Provider - коллаборатор хранилища чанков хоста
type Provider interface {
	// Chunk читает снапшот чанка; ErrChunkNotFound, если чанка нет
	Chunk(ctx context.Context, pos ChunkPos) (*Snapshot, error)
	// Changes возвращает текущий счётчик модификаций загруженного чанка без I/O
	Changes(pos ChunkPos) (int64, bool)
}
