package sphere

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"

	"quadsphere/internal/quadtree"
)

// POIProvider supplies the points detail should refine toward, in world
// space. It is polled once per tick while no build is running; the result
// may be empty and carries no ordering guarantee.
type POIProvider interface {
	POIs() []mgl64.Vec3
}

// POIFunc adapts a function to POIProvider.
type POIFunc func() []mgl64.Vec3

func (f POIFunc) POIs() []mgl64.Vec3 { return f() }

// Transform places the sphere in world space.
type Transform struct {
	Position mgl64.Vec3
	Rotation mgl64.Quat
	Radius   float64
}

// ToLocal maps a world point into the sphere's normalized space, where the
// surface is the unit sphere.
func (t Transform) ToLocal(p mgl64.Vec3) mgl64.Vec3 {
	return t.Rotation.Inverse().Rotate(p.Sub(t.Position)).Mul(1 / t.Radius)
}

// ToWorld is the inverse of ToLocal.
func (t Transform) ToWorld(p mgl64.Vec3) mgl64.Vec3 {
	return t.Rotation.Rotate(p.Mul(t.Radius)).Add(t.Position)
}

// localPOIs transforms pois and drops those whose height above the unit
// surface exceeds cullMultiple times the root subdivision range.
func localPOIs(t Transform, pois []mgl64.Vec3, cullMultiple float64) []mgl64.Vec3 {
	limit := 1 + cullMultiple*quadtree.EdgeSize(0)
	out := make([]mgl64.Vec3, 0, len(pois))
	for _, p := range pois {
		l := t.ToLocal(p)
		if l.Len() > limit {
			continue
		}
		out = append(out, l)
	}
	return out
}

// poisChanged compares two POI sequences position by position with a
// per-axis absolute threshold.
func poisChanged(prev, next []mgl64.Vec3, threshold float64) bool {
	if len(prev) != len(next) {
		return true
	}
	for i := range next {
		for k := range 3 {
			if math.Abs(next[i][k]-prev[i][k]) > threshold {
				return true
			}
		}
	}
	return false
}
