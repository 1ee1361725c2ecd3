package modifier

import (
	"github.com/go-gl/mathgl/mgl32"
	"github.com/go-gl/mathgl/mgl64"
)

const NameCollider = "collider"

// DefaultColliderCells is the collision grid resolution per patch edge.
const DefaultColliderCells = 8

// ColliderBaker builds a collision mesh sampled every few grid vertices so
// that at most cells quads span a patch edge.
func ColliderBaker(cells int) Modifier {
	if cells <= 0 {
		cells = DefaultColliderCells
	}
	return New(NameCollider, ModeCollider, func() WorkUnit { return &colliderUnit{cells: cells} })
}

type colliderUnit struct {
	cells  int
	radius float64
	origin mgl64.Vec3
	buf    *Buffers
	out    *Collider
}

func (u *colliderUnit) Initialize(p *Patch, _ Snapshot) error {
	u.radius, u.origin, u.buf = p.Params.Radius, p.Origin(), p.Buffers
	return nil
}

func (u *colliderUnit) Execute() error {
	b := u.buf
	step := max(b.n/u.cells, 1)
	side := b.n/step + 1
	c := &Collider{
		Origin:    u.origin,
		Vertices:  make([]mgl32.Vec3, 0, side*side),
		Triangles: make([]uint32, 0, (side-1)*(side-1)*6),
	}
	for y := 0; y <= b.n; y += step {
		for x := 0; x <= b.n; x += step {
			v := vec3f(b.Position(x, y).Mul(u.radius).Sub(u.origin))
			if len(c.Vertices) == 0 {
				c.Min, c.Max = v, v
			}
			for k := range 3 {
				c.Min[k] = min(c.Min[k], v[k])
				c.Max[k] = max(c.Max[k], v[k])
			}
			c.Vertices = append(c.Vertices, v)
		}
	}
	for y := 0; y < side-1; y++ {
		for x := 0; x < side-1; x++ {
			sw := uint32(y*side + x)
			se := sw + 1
			nw := sw + uint32(side)
			ne := nw + 1
			c.Triangles = append(c.Triangles, sw, se, ne, sw, ne, nw)
		}
	}
	u.out = c
	return nil
}

func (u *colliderUnit) Finish(p *Patch) error {
	if u.out != nil {
		p.Collider = u.out
	}
	return nil
}

func (u *colliderUnit) Dispose() {
	u.buf = nil
	u.out = nil
}

func (u *colliderUnit) Clone() WorkUnit { return &colliderUnit{cells: u.cells} }
