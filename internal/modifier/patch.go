package modifier

import (
	"math"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/go-gl/mathgl/mgl64"
	"github.com/pkg/errors"

	"quadsphere/internal/quadtree"
)

// ErrIndexRange is returned when a patch grid has more vertices than the
// configured index format can address.
var ErrIndexRange = errors.New("vertex count exceeds index format range")

// IndexFormat selects the width of triangle indices.
type IndexFormat uint8

const (
	IndexUint16 IndexFormat = iota
	IndexUint32
)

// ParseIndexFormat accepts uint16 or uint32.
func ParseIndexFormat(s string) (IndexFormat, error) {
	switch s {
	case "uint16":
		return IndexUint16, nil
	case "uint32":
		return IndexUint32, nil
	}
	return 0, errors.Errorf("unknown index format %q", s)
}

// MaxVertices is the number of distinct vertices the format can index.
func (f IndexFormat) MaxVertices() int64 {
	if f == IndexUint16 {
		return math.MaxUint16 + 1
	}
	return math.MaxUint32 + 1
}

func (f IndexFormat) String() string {
	if f == IndexUint16 {
		return "uint16"
	}
	return "uint32"
}

// Params are the build-wide settings every patch shares.
type Params struct {
	EdgeSubdivisions int
	Radius           float64
	IndexFormat      IndexFormat
}

// VertexCount returns the grid vertex count for the edge subdivisions.
func (p Params) VertexCount() int {
	return (p.EdgeSubdivisions + 1) * (p.EdgeSubdivisions + 1)
}

// CheckIndexRange fails with ErrIndexRange when the grid is too large for
// the index format.
func (p Params) CheckIndexRange() error {
	if n := p.VertexCount(); int64(n) > p.IndexFormat.MaxVertices() {
		return errors.Wrapf(ErrIndexRange, "%d vertices with %s indices", n, p.IndexFormat)
	}
	return nil
}

// Surface is read-only access to the vertex grid of one patch, in unit
// sphere space. Grid coordinates run x along the face u axis (west to
// east) and y along v (south to north).
type Surface interface {
	EdgeSubdivisions() int
	Position(x, y int) mgl64.Vec3
}

// Snapshot exposes the surfaces of existing patches during Initialize.
type Snapshot interface {
	Lookup(n *quadtree.Node) (Surface, bool)
}

// SurfaceMap is the plain map implementation of Snapshot.
type SurfaceMap map[*quadtree.Node]Surface

func (m SurfaceMap) Lookup(n *quadtree.Node) (Surface, bool) {
	s, ok := m[n]
	return s, ok
}

// EdgePoints returns the grid coordinates along edge d of an n-subdivided
// grid, ordered by increasing u for north and south and increasing v for
// east and west.
func EdgePoints(n int, d quadtree.Dir) [][2]int {
	out := make([][2]int, n+1)
	for i := range out {
		switch d {
		case quadtree.North:
			out[i] = [2]int{i, n}
		case quadtree.South:
			out[i] = [2]int{i, 0}
		case quadtree.East:
			out[i] = [2]int{n, i}
		case quadtree.West:
			out[i] = [2]int{0, i}
		}
	}
	return out
}

// EdgePolyline copies the positions along edge d of s.
func EdgePolyline(s Surface, d quadtree.Dir) []mgl64.Vec3 {
	pts := EdgePoints(s.EdgeSubdivisions(), d)
	out := make([]mgl64.Vec3, len(pts))
	for i, p := range pts {
		out[i] = s.Position(p[0], p[1])
	}
	return out
}

// Buffers is the scratch geometry of a patch under construction.
type Buffers struct {
	n         int
	Positions []mgl64.Vec3
	Normals   []mgl64.Vec3
	Tangents  []mgl64.Vec4
	UVs       []mgl32.Vec2
	Triangles []uint32

	// NormalsValid is set once a modifier has computed Normals.
	NormalsValid bool
}

// NewBuffers allocates buffers for an n by n cell grid.
func NewBuffers(n int) *Buffers {
	verts := (n + 1) * (n + 1)
	return &Buffers{
		n:         n,
		Positions: make([]mgl64.Vec3, verts),
		Normals:   make([]mgl64.Vec3, verts),
		Tangents:  make([]mgl64.Vec4, verts),
		UVs:       make([]mgl32.Vec2, verts),
		Triangles: make([]uint32, 0, n*n*6),
	}
}

func (b *Buffers) EdgeSubdivisions() int { return b.n }

// Index returns the vertex index of grid point (x, y).
func (b *Buffers) Index(x, y int) int { return y*(b.n+1) + x }

func (b *Buffers) Position(x, y int) mgl64.Vec3 { return b.Positions[b.Index(x, y)] }

// Patch is the build context of one node. It is owned by the orchestrating
// goroutine; work units reach it only through Initialize and Finish, and
// Execute works on the Buffers pointer captured during Initialize.
type Patch struct {
	Node     *quadtree.Node
	Topology quadtree.View
	Params   Params
	Buffers  *Buffers

	// Outputs published by Finish hooks.
	Mesh     *Mesh
	Collider *Collider
}

// NewPatch creates the context for building n against the given topology.
func NewPatch(n *quadtree.Node, topo quadtree.View, params Params) *Patch {
	return &Patch{
		Node:     n,
		Topology: topo,
		Params:   params,
		Buffers:  NewBuffers(params.EdgeSubdivisions),
	}
}

// Origin is the patch center scaled to the sphere radius. Output vertices
// are stored relative to it so float32 keeps precision on large spheres.
func (p *Patch) Origin() mgl64.Vec3 {
	return p.Node.SphereCenter().Mul(p.Params.Radius)
}

// Mesh is the visual output of a patch. Vertices are relative to Origin in
// sphere-local units.
type Mesh struct {
	Origin    mgl64.Vec3
	Radius    float64
	N         int
	Vertices  []mgl32.Vec3
	Normals   []mgl32.Vec3
	Tangents  []mgl32.Vec4
	UVs       []mgl32.Vec2
	Indices16 []uint16
	Indices32 []uint32
}

// IndexCount returns the number of triangle indices in whichever format
// the mesh was built with.
func (m *Mesh) IndexCount() int {
	if m.Indices16 != nil {
		return len(m.Indices16)
	}
	return len(m.Indices32)
}

func (m *Mesh) EdgeSubdivisions() int { return m.N }

// Position reconstructs the unit sphere space position of grid point (x, y).
func (m *Mesh) Position(x, y int) mgl64.Vec3 {
	v := m.Vertices[y*(m.N+1)+x]
	return m.Origin.Add(mgl64.Vec3{float64(v[0]), float64(v[1]), float64(v[2])}).Mul(1 / m.Radius)
}

// Collider is the collision output of a patch: a possibly decimated
// triangle soup relative to Origin, with its bounds.
type Collider struct {
	Origin    mgl64.Vec3
	Vertices  []mgl32.Vec3
	Triangles []uint32
	Min, Max  mgl32.Vec3
}
