package terrain

import (
	"github.com/go-gl/mathgl/mgl64"
)

// Settings shape the height field.
type Settings struct {
	Seed        int64
	Amplitude   float64 // relative to the sphere radius
	Frequency   float64 // noise cycles per unit of the normalized sphere
	Octaves     int
	Persistence float64
	Lacunarity  float64
}

// DefaultSettings gives gentle continents on a unit sphere.
func DefaultSettings() Settings {
	return Settings{
		Seed:        1337,
		Amplitude:   0.02,
		Frequency:   2.0,
		Octaves:     5,
		Persistence: 0.5,
		Lacunarity:  2.0,
	}
}

// Generator samples surface heights over the unit sphere.
type Generator struct {
	s Settings
}

// NewGenerator creates a generator. It holds no mutable state and is safe
// for concurrent use.
func NewGenerator(s Settings) *Generator {
	return &Generator{s: s}
}

func (g *Generator) Settings() Settings { return g.s }

// HeightAt returns the radial offset in [-Amplitude, Amplitude] for a unit
// direction.
func (g *Generator) HeightAt(dir mgl64.Vec3) float64 {
	p := dir.Mul(g.s.Frequency)
	n := octaveNoise3D(p.X(), p.Y(), p.Z(), g.s.Seed, g.s.Octaves, g.s.Persistence, g.s.Lacunarity)
	return (n*2 - 1) * g.s.Amplitude
}

// SurfaceAt returns the displaced point on the unit sphere for a direction.
func (g *Generator) SurfaceAt(dir mgl64.Vec3) mgl64.Vec3 {
	d := dir.Normalize()
	return d.Mul(1 + g.HeightAt(d))
}
