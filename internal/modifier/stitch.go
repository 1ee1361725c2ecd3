package modifier

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"

	"quadsphere/internal/quadtree"
)

const NameStitch = "stitch"

// Stitch hides T-junction cracks: every edge that faces a coarser neighbor
// has its vertices snapped onto that neighbor's edge. When the neighbor
// has a published surface, its edge polyline is copied during Initialize;
// otherwise the edge is linearly interpolated at the coarse vertex
// spacing.
func Stitch() Modifier {
	return New(NameStitch, ModeVisual, func() WorkUnit { return &stitchUnit{} })
}

type seam struct {
	dir   quadtree.Dir
	delta int
	// poly is nil when the neighbor had no published surface.
	poly []mgl64.Vec3
}

type stitchUnit struct {
	buf   *Buffers
	seams []seam
}

func (u *stitchUnit) Initialize(p *Patch, snap Snapshot) error {
	u.buf = p.Buffers
	u.seams = u.seams[:0]
	node := p.Node
	for d := range quadtree.Dir(quadtree.DirCount) {
		nb := p.Topology.Neighbor(node, d)
		if nb == nil || nb.Level() >= node.Level() {
			continue
		}
		s := seam{dir: d, delta: node.Level() - nb.Level()}
		if surf, ok := snap.Lookup(nb); ok && surf != nil {
			s.poly = facingEdge(surf, u.edgeMidpoint(d))
		}
		u.seams = append(u.seams, s)
	}
	return nil
}

func (u *stitchUnit) edgeMidpoint(d quadtree.Dir) mgl64.Vec3 {
	pts := EdgePoints(u.buf.n, d)
	mid := pts[len(pts)/2]
	return u.buf.Position(mid[0], mid[1])
}

// facingEdge returns a copy of the neighbor edge closest to p.
func facingEdge(s Surface, p mgl64.Vec3) []mgl64.Vec3 {
	var best []mgl64.Vec3
	bestDist := math.Inf(1)
	for d := range quadtree.Dir(quadtree.DirCount) {
		poly := EdgePolyline(s, d)
		if dist := closestOnPolyline(poly, p).Sub(p).LenSqr(); dist < bestDist {
			best, bestDist = poly, dist
		}
	}
	return best
}

func closestOnPolyline(poly []mgl64.Vec3, p mgl64.Vec3) mgl64.Vec3 {
	if len(poly) == 1 {
		return poly[0]
	}
	best := poly[0]
	bestDist := math.Inf(1)
	for i := 0; i+1 < len(poly); i++ {
		a, b := poly[i], poly[i+1]
		ab := b.Sub(a)
		t := 0.0
		if l := ab.LenSqr(); l > 0 {
			t = mgl64.Clamp(p.Sub(a).Dot(ab)/l, 0, 1)
		}
		q := a.Add(ab.Mul(t))
		if d := q.Sub(p).LenSqr(); d < bestDist {
			best, bestDist = q, d
		}
	}
	return best
}

func (u *stitchUnit) Execute() error {
	b := u.buf
	for _, s := range u.seams {
		pts := EdgePoints(b.n, s.dir)
		if s.poly != nil {
			for _, pt := range pts {
				i := b.Index(pt[0], pt[1])
				b.Positions[i] = closestOnPolyline(s.poly, b.Positions[i])
			}
			continue
		}
		stride := min(1<<s.delta, b.n)
		for i := range pts {
			i0 := (i / stride) * stride
			if i0 == i {
				continue
			}
			i1 := min(i0+stride, b.n)
			t := float64(i-i0) / float64(i1-i0)
			p0 := b.Position(pts[i0][0], pts[i0][1])
			p1 := b.Position(pts[i1][0], pts[i1][1])
			b.Positions[b.Index(pts[i][0], pts[i][1])] = p0.Add(p1.Sub(p0).Mul(t))
		}
	}
	return nil
}

func (u *stitchUnit) Finish(*Patch) error { return nil }

func (u *stitchUnit) Dispose() {
	u.buf = nil
	u.seams = nil
}

func (u *stitchUnit) Clone() WorkUnit { return &stitchUnit{} }
