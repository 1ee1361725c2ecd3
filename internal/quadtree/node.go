package quadtree

import (
	"fmt"
	"math"
	"sync/atomic"

	"github.com/go-gl/mathgl/mgl64"
)

// Child quadrants in fixed enumeration order. The order doubles as the
// tie-break when several children are equally close to a point.
const (
	NW = iota
	NE
	SW
	SE
)

// quadrantSign gives the (u, v) offset sign of each child quadrant.
var quadrantSign = [4][2]float64{
	NW: {-1, 1},
	NE: {1, 1},
	SW: {-1, -1},
	SE: {1, -1},
}

// siblingAcross[i][d] is the sibling reached by leaving child i through
// edge d, or -1 when that edge lies on the parent's border.
var siblingAcross = [4][DirCount]int{
	NW: {North: -1, East: NE, South: SW, West: -1},
	NE: {North: -1, East: -1, South: SE, West: NW},
	SW: {North: NW, East: SE, South: -1, West: -1},
	SE: {North: NE, East: -1, South: -1, West: SW},
}

var nodeIDs atomic.Uint64

// Node is a single quadtree cell. Nodes are handled by pointer only; two
// nodes on either side of a face seam can share coordinates and are still
// distinct.
type Node struct {
	id       uint64
	level    int
	face     Face
	quadrant int
	center   mgl64.Vec2
	sphere   mgl64.Vec3

	parent    *Node
	children  *[4]*Node
	neighbors [DirCount]*Node
}

func newNode(face Face, level, quadrant int, center mgl64.Vec2, parent *Node) *Node {
	return &Node{
		id:       nodeIDs.Add(1),
		level:    level,
		face:     face,
		quadrant: quadrant,
		center:   center,
		sphere:   face.ToSphere(center),
		parent:   parent,
	}
}

// newChildren creates the four children of n. They point at n but n does
// not point at them until the owning change set is applied.
func newChildren(n *Node) [4]*Node {
	var kids [4]*Node
	q := n.HalfExtent() / 2
	for i, s := range quadrantSign {
		c := mgl64.Vec2{n.center.X() + s[0]*q, n.center.Y() + s[1]*q}
		kids[i] = newNode(n.face, n.level+1, i, c, n)
	}
	return kids
}

// ID is a process-unique identifier, useful for logs and stable ordering.
func (n *Node) ID() uint64 { return n.id }

func (n *Node) Level() int { return n.level }

func (n *Node) Face() Face { return n.face }

// Quadrant is the node's index among its siblings; roots report -1.
func (n *Node) Quadrant() int {
	if n.parent == nil {
		return -1
	}
	return n.quadrant
}

// Center is the face-local center in [-1, 1]^2.
func (n *Node) Center() mgl64.Vec2 { return n.center }

// SphereCenter is the center projected onto the unit sphere.
func (n *Node) SphereCenter() mgl64.Vec3 { return n.sphere }

func (n *Node) Parent() *Node { return n.parent }

func (n *Node) IsLeaf() bool { return n.children == nil }

// Children returns the four children and true, or false for a leaf.
func (n *Node) Children() ([4]*Node, bool) {
	if n.children == nil {
		return [4]*Node{}, false
	}
	return *n.children, true
}

// Neighbor returns the same-or-coarser node across edge d.
func (n *Node) Neighbor(d Dir) *Node { return n.neighbors[d] }

// HalfExtent is half the node's side length in face-local units.
func (n *Node) HalfExtent() float64 { return math.Ldexp(1, -n.level) }

// EdgeSize is the subdivision range of the node in normalized sphere units.
func (n *Node) EdgeSize() float64 { return EdgeSize(n.level) }

// EdgeSize is 1 at the root level and halves with every level.
func EdgeSize(level int) float64 { return math.Ldexp(1, -level) }

// Corners returns the face-local corners in NW, NE, SW, SE order.
func (n *Node) Corners() [4]mgl64.Vec2 {
	var out [4]mgl64.Vec2
	h := n.HalfExtent()
	for i, s := range quadrantSign {
		out[i] = mgl64.Vec2{n.center.X() + s[0]*h, n.center.Y() + s[1]*h}
	}
	return out
}

func (n *Node) String() string {
	return fmt.Sprintf("%s/L%d#%d(%.4f,%.4f)", n.face, n.level, n.id, n.center.X(), n.center.Y())
}

// closest returns the candidate whose sphere center is nearest to p. Ties
// go to the lowest index.
func closest(candidates [4]*Node, p mgl64.Vec3) *Node {
	best := candidates[0]
	bestDist := best.sphere.Sub(p).LenSqr()
	for _, c := range candidates[1:] {
		if d := c.sphere.Sub(p).LenSqr(); d < bestDist {
			best, bestDist = c, d
		}
	}
	return best
}
