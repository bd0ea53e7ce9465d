// Package chunkbuf собирает бинарный буфер чанка в wire-формате клиента.
//
// Формат зависит от варианта хранения:
//
//	Anvil:    [count][0x00 + 6144 байт секции]*count [769: height@0, biome@512]
//	          [varint n + (varint key, u16 value)*n | varint 0] [NBT сущностей]
//	LevelDB/  [ids 32768][data 16384][sky 16384][light 16384][height 256][biome 256]
//	McRegion: [i32 n + (i32 key, u16 value)*n] [NBT сущностей]
//
// Все многобайтовые целые - little-endian.
package chunkbuf

import (
	"context"
	"runtime"
	"sort"

	"github.com/annel0/antixray/internal/level"
	"github.com/annel0/antixray/internal/logging"
	"github.com/annel0/antixray/internal/obfuscator"
	"github.com/sandertv/gophertunnel/minecraft/nbt"
)

// Смещения и размеры фиксированной части плоского формата
const (
	flatIDsOffset        = 0
	flatDataOffset       = flatIDsOffset + level.FlatBlockCount
	flatSkyLightOffset   = flatDataOffset + level.FlatNibbleSize
	flatBlockLightOffset = flatSkyLightOffset + level.FlatNibbleSize
	flatHeightMapOffset  = flatBlockLightOffset + level.FlatNibbleSize
	flatBiomeOffset      = flatHeightMapOffset + level.ColumnSize

	// FlatPrefixSize - размер фиксированного префикса плоских форматов (82432)
	FlatPrefixSize = flatBiomeOffset + level.ColumnSize

	// AnvilTrailerSize - блок карты высот и биомов секционированного формата
	AnvilTrailerSize  = 769
	anvilBiomeOffset  = 512
	anvilSectionCount = 16
)

// emptySection - каноническая пустая секция
var emptySection [level.SectionWireSize]byte

// Options - настройки сборщика
type Options struct {
	// Workers ограничивает параллельную сериализацию сущностей; 0 - GOMAXPROCS
	Workers int
}

// Output - результат сборки
type Output struct {
	Data     []byte
	Replaced int // число подменённых блоков
	Degraded int // секций/массивов, отданных без обработки из-за ошибки извлечения
}

// Assembler собирает буферы чанков одного мира
type Assembler struct {
	analyzer *obfuscator.Analyzer
	workers  int
}

// NewAssembler создаёт сборщик поверх анализатора экспозиции
func NewAssembler(analyzer *obfuscator.Analyzer, opts Options) *Assembler {
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &Assembler{analyzer: analyzer, workers: workers}
}

// Assemble строит буфер для снапшота согласно его формату
func (a *Assembler) Assemble(ctx context.Context, snap *level.Snapshot) (*Output, error) {
	if snap == nil {
		return nil, level.ErrChunkNotFound
	}

	switch snap.Layout {
	case level.LayoutAnvil:
		return a.assembleSectioned(ctx, snap, true)
	case level.LayoutLevelDB:
		return a.assembleFlat(ctx, snap, nbt.LittleEndian, true)
	case level.LayoutMcRegion:
		return a.assembleFlat(ctx, snap, nbt.NetworkLittleEndian, true)
	default:
		return a.passThrough(ctx, snap)
	}
}

// passThrough отдаёт чанк неизвестного формата без обфускации: по форме
// снапшота (секции или плоские массивы), сущности в network little-endian.
func (a *Assembler) passThrough(ctx context.Context, snap *level.Snapshot) (*Output, error) {
	logging.Warn("chunkbuf: формат %s чанка %s не поддерживается, отдаётся без обработки", snap.Layout, snap.Pos)

	var (
		out *Output
		err error
	)
	if len(snap.Sections) > 0 {
		out, err = a.assembleSectioned(ctx, snap, false)
	} else {
		out, err = a.assembleFlat(ctx, snap, nbt.NetworkLittleEndian, false)
	}
	if err != nil {
		return nil, err
	}
	out.Degraded++
	return out, nil
}

func (a *Assembler) assembleSectioned(ctx context.Context, snap *level.Snapshot, obfuscate bool) (*Output, error) {
	tiles, err := encodeBlockEntities(ctx, snap.BlockEntities, nbt.NetworkLittleEndian, a.workers)
	if err != nil {
		return nil, err
	}

	sections := snap.Sections
	if len(sections) > anvilSectionCount {
		sections = sections[:anvilSectionCount]
	}

	count := 0
	for i := len(sections) - 1; i >= 0; i-- {
		if sections[i] != nil && !sections[i].Empty() {
			count = i + 1
			break
		}
	}

	out := &Output{}
	stream := NewStream(1 + count*(1+level.SectionWireSize) + AnvilTrailerSize + 4 + len(tiles))
	stream.PutByte(byte(count))

	for i := 0; i < count; i++ {
		stream.PutByte(0)
		section := sections[i]
		switch {
		case section == nil || section.Empty():
			stream.Put(emptySection[:])
		case obfuscate && a.analyzer.SectionInRange(section.Y()):
			stream.Put(a.obfuscateSection(snap.Pos, section, out))
		default:
			stream.Put(section.Bytes())
		}
	}

	var trailer [AnvilTrailerSize]byte
	copy(trailer[:level.ColumnSize], snap.HeightMap)
	copy(trailer[anvilBiomeOffset:anvilBiomeOffset+level.ColumnSize], snap.Biomes)
	stream.Put(trailer[:])

	if len(snap.Extra) == 0 {
		stream.PutVarInt(0)
	} else {
		stream.PutVarInt(int32(len(snap.Extra)))
		for _, key := range sortedKeys(snap.Extra) {
			stream.PutVarInt(key)
			stream.PutLShort(snap.Extra[key])
		}
	}

	stream.Put(tiles)
	out.Data = stream.Bytes()
	return out, nil
}

// obfuscateSection возвращает обработанную секцию или, при ошибке извлечения,
// её сырые байты
func (a *Assembler) obfuscateSection(pos level.ChunkPos, section level.Section, out *Output) []byte {
	ids, data, err := section.Storage()
	if err == nil {
		var res obfuscator.Result
		res, err = a.analyzer.ObfuscateSection(ids, data)
		if err == nil {
			out.Replaced += res.Replaced
			merged := make([]byte, 0, level.SectionWireSize)
			merged = append(merged, res.IDs...)
			return append(merged, res.Data...)
		}
	}

	out.Degraded++
	logging.Debug("chunkbuf: секция %d чанка %s отдана без обработки: %v", section.Y(), pos, err)
	return section.Bytes()
}

func (a *Assembler) assembleFlat(ctx context.Context, snap *level.Snapshot, encoding nbt.Encoding, obfuscate bool) (*Output, error) {
	tiles, err := encodeBlockEntities(ctx, snap.BlockEntities, encoding, a.workers)
	if err != nil {
		return nil, err
	}

	out := &Output{}
	ids, data := snap.BlockIDs, snap.BlockData
	if obfuscate {
		res, err := a.analyzer.ObfuscateColumn(ids, data)
		if err == nil {
			ids, data = res.IDs, res.Data
			out.Replaced = res.Replaced
		} else {
			out.Degraded++
			logging.Debug("chunkbuf: массивы чанка %s отданы без обработки: %v", snap.Pos, err)
		}
	}

	stream := NewStream(FlatPrefixSize + 4 + len(snap.Extra)*6 + len(tiles))
	var prefix [FlatPrefixSize]byte
	copy(prefix[flatIDsOffset:flatDataOffset], ids)
	copy(prefix[flatDataOffset:flatSkyLightOffset], data)
	copy(prefix[flatSkyLightOffset:flatBlockLightOffset], snap.SkyLight)
	copy(prefix[flatBlockLightOffset:flatHeightMapOffset], snap.BlockLight)
	copy(prefix[flatHeightMapOffset:flatBiomeOffset], snap.HeightMap)
	copy(prefix[flatBiomeOffset:], snap.Biomes)
	stream.Put(prefix[:])

	stream.PutLInt(int32(len(snap.Extra)))
	for _, key := range sortedKeys(snap.Extra) {
		stream.PutLInt(key)
		stream.PutLShort(snap.Extra[key])
	}

	stream.Put(tiles)
	out.Data = stream.Bytes()
	return out, nil
}

func sortedKeys(m map[int32]uint16) []int32 {
	keys := make([]int32, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
