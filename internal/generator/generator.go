// Package generator строит детерминированные тестовые чанки с рудами и пещерами.
// Используется для наполнения хранилища и нагрузочных прогонов.
package generator

import (
	"math/rand"

	"github.com/annel0/antixray/internal/level"
)

// Идентификаторы блоков
const (
	Air      byte = 0
	Stone    byte = 1
	Grass    byte = 2
	Dirt     byte = 3
	Bedrock  byte = 7
	Gold     byte = 14
	Iron     byte = 15
	Coal     byte = 16
	Lapis    byte = 21
	Diamond  byte = 56
	Redstone byte = 73
)

// Ограничения высоты колонки
const (
	minSurface = 8
	maxSurface = 120
)

// OreVein описывает распределение одной руды
type OreVein struct {
	ID       byte
	MaxY     int // руда встречается ниже этой высоты
	Attempts int // число жил на чанк
	Size     int // блоков в жиле
}

// DefaultOres - распределение руд по умолчанию
var DefaultOres = []OreVein{
	{ID: Coal, MaxY: 128, Attempts: 20, Size: 8},
	{ID: Iron, MaxY: 64, Attempts: 20, Size: 6},
	{ID: Gold, MaxY: 32, Attempts: 2, Size: 6},
	{ID: Redstone, MaxY: 16, Attempts: 8, Size: 5},
	{ID: Diamond, MaxY: 16, Attempts: 1, Size: 5},
	{ID: Lapis, MaxY: 32, Attempts: 1, Size: 5},
}

// Generator генерирует ландшафт мира
type Generator struct {
	Seed          int64
	Layout        level.Layout
	NoiseScale    float64 // масштаб шума высоты
	CaveScale     float64 // масштаб шума пещер
	CaveThreshold float64 // выше порога - пустота
	BaseHeight    int
	Amplitude     int
	Ores          []OreVein

	height noise
	caves  noise
}

// New создаёт генератор для формата хранения layout
func New(seed int64, layout level.Layout) *Generator {
	return &Generator{
		Seed:          seed,
		Layout:        layout,
		NoiseScale:    0.01,
		CaveScale:     0.08,
		CaveThreshold: 0.72,
		BaseHeight:    48,
		Amplitude:     40,
		Ores:          DefaultOres,
		height:        newNoise(seed),
		caves:         newNoise(seed + 42),
	}
}

// column - временный буфер блоков чанка 16x128x16 (или 16x256x16)
type column struct {
	ids    []byte
	height int
}

func (c *column) index(x, y, z int) int {
	return x*16*c.height + z*c.height + y
}

func (c *column) get(x, y, z int) byte     { return c.ids[c.index(x, y, z)] }
func (c *column) set(x, y, z int, id byte) { c.ids[c.index(x, y, z)] = id }

// Generate строит снапшот чанка. Результат детерминирован по (seed, pos).
func (g *Generator) Generate(pos level.ChunkPos) *level.Snapshot {
	worldHeight := 128
	if g.Layout.Sectioned() {
		worldHeight = 256
	}
	col := &column{ids: make([]byte, 16*16*worldHeight), height: worldHeight}

	// Локальный генератор случайных чисел для детерминированности
	chunkSeed := g.Seed + int64(pos.X)*341873128712 + int64(pos.Z)*132897987541
	rng := rand.New(rand.NewSource(chunkSeed))

	heightMap := make([]byte, level.ColumnSize)
	biomes := make([]byte, level.ColumnSize)

	baseX, baseZ := int(pos.X)<<4, int(pos.Z)<<4
	for x := 0; x < 16; x++ {
		for z := 0; z < 16; z++ {
			wx, wz := float64(baseX+x), float64(baseZ+z)
			surface := g.BaseHeight + int(g.height.at2(wx*g.NoiseScale, wz*g.NoiseScale)*float64(g.Amplitude))
			surface = max(minSurface, min(surface, maxSurface))

			col.set(x, 0, z, Bedrock)
			for y := 1; y < surface; y++ {
				switch {
				case y < surface-3:
					col.set(x, y, z, Stone)
				default:
					col.set(x, y, z, Dirt)
				}
			}
			col.set(x, surface, z, Grass)

			// Пещеры не выходят на поверхность
			for y := 1; y < surface-4; y++ {
				if g.caves.at3(wx*g.CaveScale, float64(y)*g.CaveScale, wz*g.CaveScale) > g.CaveThreshold {
					col.set(x, y, z, Air)
				}
			}

			heightMap[z<<4|x] = byte(surface + 1)
			biomes[z<<4|x] = 1
		}
	}

	for _, vein := range g.Ores {
		for i := 0; i < vein.Attempts; i++ {
			g.placeVein(col, vein, rng)
		}
	}

	snap := &level.Snapshot{
		Pos:       pos,
		Layout:    g.Layout,
		HeightMap: heightMap,
		Biomes:    biomes,
	}
	if g.Layout.Sectioned() {
		snap.Sections = toSections(col)
	} else {
		snap.BlockIDs, snap.BlockData = toFlat(col)
		snap.SkyLight = make([]byte, level.FlatNibbleSize)
		snap.BlockLight = make([]byte, level.FlatNibbleSize)
	}
	return snap
}

// placeVein размещает жилу случайным блужданием; руда заменяет только камень
func (g *Generator) placeVein(col *column, vein OreVein, rng *rand.Rand) {
	maxY := min(vein.MaxY, col.height-1)
	if maxY <= 1 {
		return
	}
	x, y, z := rng.Intn(16), 1+rng.Intn(maxY-1), rng.Intn(16)
	for n := 0; n < vein.Size; n++ {
		if col.get(x, y, z) == Stone {
			col.set(x, y, z, vein.ID)
		}
		switch rng.Intn(6) {
		case 0:
			x = min(x+1, 15)
		case 1:
			x = max(x-1, 0)
		case 2:
			y = min(y+1, maxY)
		case 3:
			y = max(y-1, 1)
		case 4:
			z = min(z+1, 15)
		default:
			z = max(z-1, 0)
		}
	}
}

func toFlat(col *column) (ids, data []byte) {
	ids = make([]byte, level.FlatBlockCount)
	data = make([]byte, level.FlatNibbleSize)
	for x := 0; x < 16; x++ {
		for z := 0; z < 16; z++ {
			for y := 0; y < 128; y++ {
				ids[level.FlatIndex(x, y, z)] = col.get(x, y, z)
			}
		}
	}
	return ids, data
}

func toSections(col *column) []level.Section {
	sections := make([]level.Section, 0, col.height>>4)
	for sy := 0; sy < col.height>>4; sy++ {
		s := level.NewRawSection(sy)
		for x := 0; x < 16; x++ {
			for z := 0; z < 16; z++ {
				for y := 0; y < 16; y++ {
					s.IDs[level.SectionIndex(x, y, z)] = col.get(x, sy<<4|y, z)
				}
			}
		}
		sections = append(sections, s)
	}
	// Пустые верхние секции не хранятся
	for len(sections) > 0 && sections[len(sections)-1].Empty() {
		sections = sections[:len(sections)-1]
	}
	return sections
}
