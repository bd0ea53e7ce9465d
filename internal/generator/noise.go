package generator

import (
	"github.com/aquilax/go-perlin"
)

// Параметры шума Перлина
const (
	noiseAlpha   = 2.0 // Сглаживание шума
	noiseBeta    = 2.0 // Частота шума
	noiseOctaves = 3   // Количество октав
)

// noise - генератор шума Перлина, привязанный к своему сиду
type noise struct {
	p *perlin.Perlin
}

func newNoise(seed int64) noise {
	return noise{p: perlin.NewPerlin(noiseAlpha, noiseBeta, noiseOctaves, seed)}
}

// at2 возвращает значение шума для указанных координат (от 0 до 1)
func (n noise) at2(x, y float64) float64 {
	return (n.p.Noise2D(x, y) + 1.0) / 2.0
}

// at3 - трёхмерный вариант, тоже от 0 до 1
func (n noise) at3(x, y, z float64) float64 {
	return (n.p.Noise3D(x, y, z) + 1.0) / 2.0
}
