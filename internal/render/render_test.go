package render

import (
	"math"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/go-gl/mathgl/mgl64"
	"github.com/stretchr/testify/assert"

	"quadsphere/internal/modifier"
	"quadsphere/internal/sphere"
)

func TestInterleave(t *testing.T) {
	m := &modifier.Mesh{
		Vertices: []mgl32.Vec3{{1, 2, 3}, {4, 5, 6}},
		Normals:  []mgl32.Vec3{{0, 1, 0}, {0, 0, 1}},
		UVs:      []mgl32.Vec2{{0, 0}, {1, 0.5}},
	}
	assert.Equal(t, []float32{
		1, 2, 3, 0, 1, 0, 0, 0,
		4, 5, 6, 0, 0, 1, 1, 0.5,
	}, Interleave(m))
}

func TestModelMatrixIsEyeRelative(t *testing.T) {
	tr := sphere.Transform{
		Position: mgl64.Vec3{1e6, 0, 0},
		Rotation: mgl64.QuatRotate(math.Pi/2, mgl64.Vec3{0, 1, 0}),
		Radius:   1000,
	}
	origin := mgl64.Vec3{1000, 0, 0}
	eye := mgl64.Vec3{1e6, 0, -1010}

	m := ModelMatrix(tr, origin, eye)
	got := m.Mul4x1(mgl32.Vec4{0, 0, 0, 1})
	// Local +X maps to world -Z under the rotation; the eye sits 10 units
	// beyond that point.
	assert.True(t, got.Vec3().ApproxEqualThreshold(mgl32.Vec3{0, 0, 10}, 1e-3), "got %v", got)
}

func TestOrbitCamera(t *testing.T) {
	c := NewOrbitCamera(mgl64.Vec3{5, 0, 0}, 10, 800, 600)
	assert.True(t, c.Position().ApproxEqual(mgl64.Vec3{15, 0, 0}))

	c.Orbit(math.Pi/2, 0)
	assert.True(t, c.Position().ApproxEqualThreshold(mgl64.Vec3{5, 0, 10}, 1e-9))

	c.Orbit(0, 10)
	assert.Less(t, c.Pitch, math.Pi/2)
	assert.InDelta(t, 10, c.Position().Sub(c.Target).Len(), 1e-9)

	c.MinDistance = 2
	c.Zoom(0.01)
	assert.Equal(t, 2.0, c.Distance)
}

func TestFrameLimiter(t *testing.T) {
	f := NewFrameLimiter(0)
	start := time.Now()
	for range 100 {
		f.Wait()
	}
	assert.Less(t, time.Since(start), 50*time.Millisecond)

	f.Limit = 100
	start = time.Now()
	for range 5 {
		f.Wait()
	}
	assert.GreaterOrEqual(t, time.Since(start), 45*time.Millisecond)
}
