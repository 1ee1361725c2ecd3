// Package physics answers ray queries against baked patch colliders.
package physics

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"

	"quadsphere/internal/modifier"
	"quadsphere/internal/profiling"
)

const epsilon = 1e-9

// RaycastResult stores the nearest hit of a ray. Point and Normal are in
// the frame the ray was given in; Normal faces the ray origin.
type RaycastResult struct {
	Point    mgl64.Vec3
	Normal   mgl64.Vec3
	Distance float64
	Hit      bool
}

// Raycast returns the nearest hit in [minDist, maxDist] against colliders.
// start and dir share the colliders' frame, which is the sphere's unrotated
// local space scaled by its radius; dir need not be normalized.
func Raycast(start, dir mgl64.Vec3, minDist, maxDist float64, colliders []*modifier.Collider) RaycastResult {
	defer profiling.Track("physics.Raycast")()
	result := RaycastResult{Distance: maxDist}
	if dir.Len() < epsilon {
		return RaycastResult{}
	}
	dir = dir.Normalize()

	for _, c := range colliders {
		if c == nil {
			continue
		}
		if r := raycastCollider(c, start, dir, minDist, result.Distance); r.Hit {
			result = r
		}
	}
	if !result.Hit {
		return RaycastResult{}
	}
	return result
}

// raycastCollider tests one collider; dir must be unit length.
func raycastCollider(c *modifier.Collider, start, dir mgl64.Vec3, minDist, maxDist float64) RaycastResult {
	local := start.Sub(c.Origin)
	if !hitsBounds(c, local, dir, minDist, maxDist) {
		return RaycastResult{}
	}

	best := RaycastResult{Distance: maxDist}
	for i := 0; i+2 < len(c.Triangles); i += 3 {
		a := vec64(c, c.Triangles[i])
		b := vec64(c, c.Triangles[i+1])
		d := vec64(c, c.Triangles[i+2])
		t, ok := intersectTriangle(local, dir, a, b, d)
		if !ok || t < minDist || t > best.Distance {
			continue
		}
		n := b.Sub(a).Cross(d.Sub(a)).Normalize()
		if n.Dot(dir) > 0 {
			n = n.Mul(-1)
		}
		best = RaycastResult{
			Point:    start.Add(dir.Mul(t)),
			Normal:   n,
			Distance: t,
			Hit:      true,
		}
	}
	return best
}

func vec64(c *modifier.Collider, i uint32) mgl64.Vec3 {
	v := c.Vertices[i]
	return mgl64.Vec3{float64(v[0]), float64(v[1]), float64(v[2])}
}

// hitsBounds is a slab test of the ray segment against the collider bounds.
func hitsBounds(c *modifier.Collider, start, dir mgl64.Vec3, minDist, maxDist float64) bool {
	lo, hi := minDist, maxDist
	for k := range 3 {
		bmin, bmax := float64(c.Min[k])-epsilon, float64(c.Max[k])+epsilon
		if math.Abs(dir[k]) < epsilon {
			if start[k] < bmin || start[k] > bmax {
				return false
			}
			continue
		}
		t0 := (bmin - start[k]) / dir[k]
		t1 := (bmax - start[k]) / dir[k]
		if t0 > t1 {
			t0, t1 = t1, t0
		}
		lo, hi = max(lo, t0), min(hi, t1)
		if lo > hi {
			return false
		}
	}
	return true
}

// intersectTriangle is the Möller-Trumbore test, two sided.
func intersectTriangle(o, dir, a, b, c mgl64.Vec3) (float64, bool) {
	e1 := b.Sub(a)
	e2 := c.Sub(a)
	p := dir.Cross(e2)
	det := e1.Dot(p)
	if math.Abs(det) < epsilon {
		return 0, false
	}
	inv := 1 / det
	s := o.Sub(a)
	u := s.Dot(p) * inv
	if u < 0 || u > 1 {
		return 0, false
	}
	q := s.Cross(e1)
	v := dir.Dot(q) * inv
	if v < 0 || u+v > 1 {
		return 0, false
	}
	return e2.Dot(q) * inv, true
}
