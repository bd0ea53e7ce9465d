package level

// RawSection - простая реализация Section поверх массивов в памяти
type RawSection struct {
	SectionY int
	IDs      []byte
	Data     []byte
}

// NewRawSection создаёт пустую секцию с выделенными массивами
func NewRawSection(y int) *RawSection {
	return &RawSection{
		SectionY: y,
		IDs:      make([]byte, SectionBlockCount),
		Data:     make([]byte, SectionNibbleSize),
	}
}

func (s *RawSection) Y() int { return s.SectionY }

// Empty сообщает, что в секции нет ни одного непустого блока
func (s *RawSection) Empty() bool {
	for _, id := range s.IDs {
		if id != 0 {
			return false
		}
	}
	return true
}

// Storage отдаёт массивы только при корректных размерах
func (s *RawSection) Storage() ([]byte, []byte, error) {
	if len(s.IDs) != SectionBlockCount || len(s.Data) != SectionNibbleSize {
		return nil, nil, ErrStorageUnavailable
	}
	return s.IDs, s.Data, nil
}

// Bytes возвращает wire-форму; недостающие байты заполняются нулями
func (s *RawSection) Bytes() []byte {
	out := make([]byte, SectionWireSize)
	copy(out[:SectionBlockCount], s.IDs)
	copy(out[SectionBlockCount:], s.Data)
	return out
}

// SectionIndex - индекс блока внутри секции (порядок XZY)
func SectionIndex(x, y, z int) int {
	return x<<8 | z<<4 | y
}

// FlatIndex - индекс блока в плоской колонке 16x16x128 (порядок XZY)
func FlatIndex(x, y, z int) int {
	return x<<11 | z<<7 | y
}

// Nibble читает 4-битное значение метаданных по индексу блока
func Nibble(data []byte, index int) byte {
	b := data[index>>1]
	if index&1 == 0 {
		return b & 0x0f
	}
	return b >> 4
}

// SetNibble записывает 4-битное значение метаданных по индексу блока
func SetNibble(data []byte, index int, v byte) {
	i := index >> 1
	if index&1 == 0 {
		data[i] = data[i]&0xf0 | v&0x0f
	} else {
		data[i] = data[i]&0x0f | v<<4
	}
}

// TagEntity - блочная сущность, хранящая своё клиентское представление как NBT-карту
type TagEntity struct {
	ID    string
	X     int32
	Y     int32
	Z     int32
	Spawn bool
	Tags  map[string]any
}

func (e *TagEntity) Spawnable() bool { return e.Spawn }

// SpawnCompound возвращает копию тегов с координатами и идентификатором
func (e *TagEntity) SpawnCompound() (map[string]any, error) {
	out := make(map[string]any, len(e.Tags)+4)
	for k, v := range e.Tags {
		out[k] = v
	}
	out["id"] = e.ID
	out["x"] = e.X
	out["y"] = e.Y
	out["z"] = e.Z
	return out, nil
}
