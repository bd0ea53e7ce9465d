// Package obfuscator скрывает руды, не контактирующие с прозрачными блоками.
//
// Позиция считается скрытой, если все шесть соседей по граням входят в набор
// непрозрачных блоков (filters). Крайние слои чанка по X/Z и нижний/верхний
// слой по Y не обрабатываются: их соседи могут лежать в соседнем, ещё не
// загруженном чанке.
package obfuscator

import (
	"errors"
	"fmt"

	"github.com/annel0/antixray/internal/level"
	"github.com/annel0/antixray/internal/logging"
)

// ErrBadDimensions - размеры массивов не совпадают с геометрией формата
var ErrBadDimensions = errors.New("obfuscator: unexpected array size")

// Options - настройки анализатора
type Options struct {
	Filters []int // непрозрачные блоки
	Ores    []int // скрываемые руды
	Decoys  []int // список подмен для режима Replace; по умолчанию равен Ores
	Replace bool  // заменять все скрытые блоки значениями из Decoys
	Height  int   // максимальная обрабатываемая высота мира

	Dimension     level.Dimension
	FakeOverworld int
	FakeNether    int
}

func validID(id int) bool { return id >= 0 && id <= 255 }

// blockSet - множество id блоков (id трактуются как беззнаковый байт)
type blockSet [256]bool

func newBlockSet(ids []int, name string) blockSet {
	var s blockSet
	for _, id := range ids {
		if !validID(id) {
			logging.Warn("obfuscator: id %d в %s вне диапазона 0..255, пропущен", id, name)
			continue
		}
		s[id] = true
	}
	return s
}

// geometry описывает раскладку массива: шаги по X и Z (шаг по Y всегда 1)
// и диапазон сканируемых Y включительно.
type geometry struct {
	strideX, strideZ int
	yMin, yMax       int
	blocks           int
}

// Result - обфусцированные копии массивов
type Result struct {
	IDs      []byte
	Data     []byte
	Replaced int
}

// Analyzer выполняет анализ экспозиции. Безопасен для конкурентного использования.
type Analyzer struct {
	filters blockSet
	ores    blockSet
	decoys  []byte
	modulo  int
	replace bool
	height  int
	fake    byte
}

// New создаёт анализатор
func New(opts Options) (*Analyzer, error) {
	if opts.Height < 0 {
		return nil, fmt.Errorf("obfuscator: negative height %d", opts.Height)
	}

	a := &Analyzer{
		filters: newBlockSet(opts.Filters, "filters"),
		ores:    newBlockSet(opts.Ores, "ores"),
		replace: opts.Replace,
		height:  opts.Height,
	}

	decoys := opts.Decoys
	if len(decoys) == 0 {
		decoys = opts.Ores
	}
	for _, id := range decoys {
		if !validID(id) {
			logging.Warn("obfuscator: id %d в decoys вне диапазона 0..255, пропущен", id)
			continue
		}
		a.decoys = append(a.decoys, byte(id))
	}
	if a.replace && len(a.decoys) == 0 {
		return nil, errors.New("obfuscator: replace mode requires a non-empty decoy list")
	}
	// Индекс подмены: index % (len-1). Для списка из одного элемента - всегда 0.
	a.modulo = len(a.decoys) - 1

	switch opts.Dimension {
	case level.Overworld:
		a.fake = byte(opts.FakeOverworld)
	case level.Nether:
		a.fake = byte(opts.FakeNether)
	default:
		a.fake = 0
	}

	return a, nil
}

// SectionInRange сообщает, попадает ли секция под обработку с учётом потолка высоты
func (a *Analyzer) SectionInRange(sectionY int) bool {
	return sectionY <= a.height>>4
}

// ObfuscateSection обрабатывает секцию 16x16x16 (индекс x<<8 | z<<4 | y)
func (a *Analyzer) ObfuscateSection(ids, data []byte) (Result, error) {
	return a.obfuscate(ids, data, geometry{
		strideX: 1 << 8,
		strideZ: 1 << 4,
		yMin:    1,
		yMax:    14,
		blocks:  level.SectionBlockCount,
	})
}

// ObfuscateColumn обрабатывает плоскую колонку 16x16x128 (индекс x<<11 | z<<7 | y)
func (a *Analyzer) ObfuscateColumn(ids, data []byte) (Result, error) {
	yMax := a.height
	if yMax > 126 {
		yMax = 126
	}
	return a.obfuscate(ids, data, geometry{
		strideX: 1 << 11,
		strideZ: 1 << 7,
		yMin:    1,
		yMax:    yMax,
		blocks:  level.FlatBlockCount,
	})
}

func (a *Analyzer) obfuscate(ids, data []byte, g geometry) (Result, error) {
	if len(ids) != g.blocks || len(data) != g.blocks/2 {
		return Result{}, fmt.Errorf("%w: ids=%d data=%d, want %d/%d",
			ErrBadDimensions, len(ids), len(data), g.blocks, g.blocks/2)
	}

	out := Result{
		IDs:  append([]byte(nil), ids...),
		Data: append([]byte(nil), data...),
	}

	// Соседи читаются из исходного массива, запись идёт только в копию
	for x := 1; x < 15; x++ {
		tx := x * g.strideX
		for z := 1; z < 15; z++ {
			xz := tx + z*g.strideZ
			for y := g.yMin; y <= g.yMax; y++ {
				index := xz + y
				if !a.concealed(ids, index, g) {
					continue
				}

				if a.replace {
					out.IDs[index] = a.decoyAt(index)
				} else if a.ores[ids[index]] {
					out.IDs[index] = a.fake
				} else {
					continue
				}
				out.Replaced++

				if level.Nibble(out.Data, index) != 0 {
					level.SetNibble(out.Data, index, 0)
				}
			}
		}
	}

	return out, nil
}

func (a *Analyzer) concealed(ids []byte, index int, g geometry) bool {
	f := &a.filters
	return f[ids[index+g.strideX]] &&
		f[ids[index-g.strideX]] &&
		f[ids[index+g.strideZ]] &&
		f[ids[index-g.strideZ]] &&
		f[ids[index+1]] &&
		f[ids[index-1]]
}

func (a *Analyzer) decoyAt(index int) byte {
	if a.modulo <= 0 {
		return a.decoys[0]
	}
	return a.decoys[index%a.modulo]
}
