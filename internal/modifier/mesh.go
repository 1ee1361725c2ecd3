package modifier

import (
	"github.com/go-gl/mathgl/mgl32"
	"github.com/go-gl/mathgl/mgl64"

	"quadsphere/internal/quadtree"
)

const (
	NameInitMesh = "init-mesh"
	NameFinalize = "finalize"
)

// InitMesh lays out the patch grid: face-local coordinates projected onto
// the unit sphere, patch UVs and two counter-clockwise triangles per cell.
func InitMesh() Modifier {
	return New(NameInitMesh, ModeBoth, func() WorkUnit { return &initMeshUnit{} })
}

type initMeshUnit struct {
	node   *quadtree.Node
	params Params
	buf    *Buffers
}

func (u *initMeshUnit) Initialize(p *Patch, _ Snapshot) error {
	u.node, u.params, u.buf = p.Node, p.Params, p.Buffers
	return nil
}

func (u *initMeshUnit) Execute() error {
	if err := u.params.CheckIndexRange(); err != nil {
		return err
	}
	b := u.buf
	n := b.n
	face := u.node.Face()
	c := u.node.Center()
	h := u.node.HalfExtent()
	step := 2 * h / float64(n)
	for y := 0; y <= n; y++ {
		for x := 0; x <= n; x++ {
			uv := mgl64.Vec2{c.X() - h + step*float64(x), c.Y() - h + step*float64(y)}
			i := b.Index(x, y)
			b.Positions[i] = face.ToSphere(uv)
			b.UVs[i] = mgl32.Vec2{float32(x) / float32(n), float32(y) / float32(n)}
		}
	}
	b.Triangles = b.Triangles[:0]
	for y := 0; y < n; y++ {
		for x := 0; x < n; x++ {
			sw := uint32(b.Index(x, y))
			se := uint32(b.Index(x+1, y))
			ne := uint32(b.Index(x+1, y+1))
			nw := uint32(b.Index(x, y+1))
			b.Triangles = append(b.Triangles, sw, se, ne, sw, ne, nw)
		}
	}
	b.NormalsValid = false
	return nil
}

func (u *initMeshUnit) Finish(*Patch) error { return nil }

func (u *initMeshUnit) Dispose() { *u = initMeshUnit{} }

func (u *initMeshUnit) Clone() WorkUnit { return &initMeshUnit{} }

// Finalize copies the scratch buffers into a consumer-owned Mesh scaled to
// the sphere radius and publishes it in Finish.
func Finalize() Modifier {
	return New(NameFinalize, ModeBoth, func() WorkUnit { return &finalizeUnit{} })
}

type finalizeUnit struct {
	params Params
	origin mgl64.Vec3
	buf    *Buffers
	mesh   *Mesh
}

func (u *finalizeUnit) Initialize(p *Patch, _ Snapshot) error {
	u.params, u.origin, u.buf = p.Params, p.Origin(), p.Buffers
	return nil
}

func (u *finalizeUnit) Execute() error {
	if err := u.params.CheckIndexRange(); err != nil {
		return err
	}
	b := u.buf
	r := u.params.Radius
	m := &Mesh{
		Origin:   u.origin,
		Radius:   r,
		N:        b.n,
		Vertices: make([]mgl32.Vec3, len(b.Positions)),
		Normals:  make([]mgl32.Vec3, len(b.Positions)),
		Tangents: make([]mgl32.Vec4, len(b.Positions)),
		UVs:      append([]mgl32.Vec2(nil), b.UVs...),
	}
	for i, pos := range b.Positions {
		m.Vertices[i] = vec3f(pos.Mul(r).Sub(u.origin))
		nrm := b.Normals[i]
		if !b.NormalsValid {
			nrm = pos.Normalize()
		}
		m.Normals[i] = vec3f(nrm)
		t := b.Tangents[i]
		m.Tangents[i] = mgl32.Vec4{float32(t[0]), float32(t[1]), float32(t[2]), float32(t[3])}
	}
	if u.params.IndexFormat == IndexUint16 {
		m.Indices16 = make([]uint16, len(b.Triangles))
		for i, idx := range b.Triangles {
			m.Indices16[i] = uint16(idx)
		}
	} else {
		m.Indices32 = append([]uint32(nil), b.Triangles...)
	}
	u.mesh = m
	return nil
}

func (u *finalizeUnit) Finish(p *Patch) error {
	if u.mesh != nil {
		p.Mesh = u.mesh
	}
	return nil
}

func (u *finalizeUnit) Dispose() { *u = finalizeUnit{} }

func (u *finalizeUnit) Clone() WorkUnit { return &finalizeUnit{} }

func vec3f(v mgl64.Vec3) mgl32.Vec3 {
	return mgl32.Vec3{float32(v[0]), float32(v[1]), float32(v[2])}
}
