package modifier

import (
	"github.com/go-gl/mathgl/mgl64"

	"quadsphere/internal/terrain"
)

const (
	NameHeightmap = "heightmap"
	NameNormals   = "normals"
)

// Heightmap displaces every vertex radially by the generator's height.
func Heightmap(gen *terrain.Generator) Modifier {
	return New(NameHeightmap, ModeVisual, func() WorkUnit { return &heightmapUnit{gen: gen} })
}

type heightmapUnit struct {
	gen *terrain.Generator
	buf *Buffers
}

func (u *heightmapUnit) Initialize(p *Patch, _ Snapshot) error {
	u.buf = p.Buffers
	return nil
}

func (u *heightmapUnit) Execute() error {
	for i, pos := range u.buf.Positions {
		u.buf.Positions[i] = u.gen.SurfaceAt(pos)
	}
	return nil
}

func (u *heightmapUnit) Finish(*Patch) error { return nil }

func (u *heightmapUnit) Dispose() { u.buf = nil }

func (u *heightmapUnit) Clone() WorkUnit { return &heightmapUnit{gen: u.gen} }

// Normals computes area-weighted vertex normals and u-aligned tangents.
func Normals() Modifier {
	return New(NameNormals, ModeVisual, func() WorkUnit { return &normalsUnit{} })
}

type normalsUnit struct {
	buf *Buffers
}

func (u *normalsUnit) Initialize(p *Patch, _ Snapshot) error {
	u.buf = p.Buffers
	return nil
}

func (u *normalsUnit) Execute() error {
	b := u.buf
	for i := range b.Normals {
		b.Normals[i] = mgl64.Vec3{}
	}
	for i := 0; i+2 < len(b.Triangles); i += 3 {
		ia, ib, ic := b.Triangles[i], b.Triangles[i+1], b.Triangles[i+2]
		a, c1, c2 := b.Positions[ia], b.Positions[ib], b.Positions[ic]
		// Unnormalized cross product weights by triangle area.
		fn := c1.Sub(a).Cross(c2.Sub(a))
		b.Normals[ia] = b.Normals[ia].Add(fn)
		b.Normals[ib] = b.Normals[ib].Add(fn)
		b.Normals[ic] = b.Normals[ic].Add(fn)
	}
	for i, nrm := range b.Normals {
		if nrm.Len() < 1e-12 {
			b.Normals[i] = b.Positions[i].Normalize()
			continue
		}
		b.Normals[i] = nrm.Normalize()
	}

	n := b.n
	for y := 0; y <= n; y++ {
		for x := 0; x <= n; x++ {
			i := b.Index(x, y)
			t := b.Position(min(x+1, n), y).Sub(b.Position(max(x-1, 0), y))
			nrm := b.Normals[i]
			t = t.Sub(nrm.Mul(nrm.Dot(t)))
			if t.Len() < 1e-12 {
				b.Tangents[i] = mgl64.Vec4{}
				continue
			}
			t = t.Normalize()
			b.Tangents[i] = mgl64.Vec4{t[0], t[1], t[2], 1}
		}
	}
	b.NormalsValid = true
	return nil
}

func (u *normalsUnit) Finish(*Patch) error { return nil }

func (u *normalsUnit) Dispose() { u.buf = nil }

func (u *normalsUnit) Clone() WorkUnit { return &normalsUnit{} }
