package quadtree

import (
	"github.com/go-gl/mathgl/mgl64"
	"go.uber.org/zap"
)

// View answers topology questions about a tree. The live Tree implements
// it, and so does a ChangeSet, describing the tree as it will look once
// the change set is applied.
type View interface {
	IsLeaf(n *Node) bool
	Children(n *Node) ([4]*Node, bool)
	Neighbor(n *Node, d Dir) *Node
}

// Tree holds the six face hierarchies of one sphere.
type Tree struct {
	roots      [FaceCount]*Node
	maxDepth   int
	generation uint64
	logger     *zap.SugaredLogger
}

// New returns an uninitialized tree. The first ComputeChanges creates its
// roots.
func New(maxDepth int, logger *zap.SugaredLogger) *Tree {
	if maxDepth < 0 {
		maxDepth = 0
	}
	return &Tree{
		maxDepth: maxDepth,
		logger:   logger.Named("quadtree"),
	}
}

// NewRoots builds six level-0 nodes wired with the cube adjacency table.
func NewRoots() [FaceCount]*Node {
	var roots [FaceCount]*Node
	for f := range FaceCount {
		roots[f] = newNode(Face(f), 0, 0, mgl64.Vec2{}, nil)
	}
	for f, r := range roots {
		for d := range DirCount {
			r.neighbors[d] = roots[faceAdjacency[f][d]]
		}
	}
	return roots
}

func (t *Tree) Initialized() bool { return t.roots[0] != nil }

func (t *Tree) MaxDepth() int { return t.maxDepth }

// SetMaxDepth changes the depth bound for later diffs. Existing deeper
// nodes collapse only once the POIs move away.
func (t *Tree) SetMaxDepth(d int) { t.maxDepth = max(d, 0) }

// Generation increases with every Apply and Reset.
func (t *Tree) Generation() uint64 { return t.generation }

// Root returns the root of face f, or nil before initialization.
func (t *Tree) Root(f Face) *Node { return t.roots[f] }

func (t *Tree) Roots() [FaceCount]*Node { return t.roots }

// Reset drops every node; the next diff starts again from fresh roots.
func (t *Tree) Reset() {
	t.roots = [FaceCount]*Node{}
	t.generation++
}

// Walk visits every node breadth-first until fn returns false.
func (t *Tree) Walk(fn func(n *Node) bool) {
	if !t.Initialized() {
		return
	}
	queue := make([]*Node, 0, 64)
	queue = append(queue, t.roots[:]...)
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if !fn(n) {
			return
		}
		if n.children != nil {
			queue = append(queue, n.children[:]...)
		}
	}
}

// Leaves returns every leaf in breadth-first order.
func (t *Tree) Leaves() []*Node {
	var out []*Node
	t.Walk(func(n *Node) bool {
		if n.IsLeaf() {
			out = append(out, n)
		}
		return true
	})
	return out
}

// Count returns the number of nodes in the tree.
func (t *Tree) Count() int {
	count := 0
	t.Walk(func(*Node) bool {
		count++
		return true
	})
	return count
}

func (t *Tree) IsLeaf(n *Node) bool { return n.IsLeaf() }

func (t *Tree) Children(n *Node) ([4]*Node, bool) { return n.Children() }

func (t *Tree) Neighbor(n *Node, d Dir) *Node { return n.Neighbor(d) }
