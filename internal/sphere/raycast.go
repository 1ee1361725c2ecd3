package sphere

import (
	"github.com/go-gl/mathgl/mgl64"

	"quadsphere/internal/modifier"
	"quadsphere/internal/physics"
)

// Raycast casts a world-space ray against the colliders of the active
// patches and returns the nearest hit in world space. Patches built without
// a collider are transparent to it.
func (s *Sphere) Raycast(start, dir mgl64.Vec3, maxDist float64) physics.RaycastResult {
	t := s.Transform()

	s.mu.RLock()
	colliders := make([]*modifier.Collider, 0, len(s.patches))
	for _, p := range s.patches {
		if p.Active && p.Collider != nil {
			colliders = append(colliders, p.Collider)
		}
	}
	s.mu.RUnlock()

	inv := t.Rotation.Inverse()
	r := physics.Raycast(inv.Rotate(start.Sub(t.Position)), inv.Rotate(dir), 0, maxDist, colliders)
	if !r.Hit {
		return r
	}
	r.Point = t.Rotation.Rotate(r.Point).Add(t.Position)
	r.Normal = t.Rotation.Rotate(r.Normal)
	return r
}
