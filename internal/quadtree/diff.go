package quadtree

import (
	"github.com/go-gl/mathgl/mgl64"
	"github.com/pkg/errors"

	"quadsphere/internal/profiling"
)

// ErrStaleChangeSet is returned when a change set is applied to a tree that
// changed after the set was computed.
var ErrStaleChangeSet = errors.New("change set was computed against a different tree generation")

// ShouldSubdivide reports whether any POI lies within the node's edge size
// of its sphere center.
func ShouldSubdivide(n *Node, pois []mgl64.Vec3) bool {
	r2 := n.EdgeSize() * n.EdgeSize()
	for _, p := range pois {
		if p.Sub(n.sphere).LenSqr() < r2 {
			return true
		}
	}
	return false
}

// ShouldUnsubdivide is the inverse of ShouldSubdivide, meant for non-leaf
// nodes.
func ShouldUnsubdivide(n *Node, pois []mgl64.Vec3) bool {
	return !ShouldSubdivide(n, pois)
}

// ChangeSet is a speculative diff against a Tree. Nothing in the live tree
// is touched until Apply.
type ChangeSet struct {
	generation uint64
	roots      *[FaceCount]*Node

	subdivide      map[*Node][4]*Node
	subdivideOrder []*Node
	collapse       map[*Node]struct{}
	collapseOrder  []*Node
	removed        []*Node

	// relinks holds new neighbor pointers for nodes that already exist.
	relinks     map[*Node][DirCount]*Node
	relinkOrder []*Node

	created map[*Node]struct{}
}

// AnythingChanged reports whether applying the set would alter the tree.
func (cs *ChangeSet) AnythingChanged() bool {
	return cs.roots != nil || len(cs.subdivide) > 0 || len(cs.collapse) > 0
}

// Generation is the tree generation the set was computed against.
func (cs *ChangeSet) Generation() uint64 { return cs.generation }

// Roots returns the fresh roots and true when the set initializes the tree.
func (cs *ChangeSet) Roots() ([FaceCount]*Node, bool) {
	if cs.roots == nil {
		return [FaceCount]*Node{}, false
	}
	return *cs.roots, true
}

// Subdivided lists the nodes gaining children, in breadth-first order.
func (cs *ChangeSet) Subdivided() []*Node { return cs.subdivideOrder }

// NewChildren returns the pending children of n.
func (cs *ChangeSet) NewChildren(n *Node) ([4]*Node, bool) {
	kids, ok := cs.subdivide[n]
	return kids, ok
}

// Collapsed lists the non-leaf nodes that become leaves.
func (cs *ChangeSet) Collapsed() []*Node { return cs.collapseOrder }

// Relinked lists existing nodes whose neighbor pointers change.
func (cs *ChangeSet) Relinked() []*Node { return cs.relinkOrder }

// IsCreated reports whether n was created by this change set.
func (cs *ChangeSet) IsCreated(n *Node) bool {
	_, ok := cs.created[n]
	return ok
}

// Created lists every node the set creates, in breadth-first order.
func (cs *ChangeSet) Created() []*Node {
	out := make([]*Node, 0, len(cs.created))
	if cs.roots != nil {
		out = append(out, cs.roots[:]...)
	}
	for _, n := range cs.subdivideOrder {
		kids := cs.subdivide[n]
		out = append(out, kids[:]...)
	}
	return out
}

// Removed lists the existing nodes that leave the tree: every descendant
// of a collapsed node. The list is fixed when the set is computed, so it
// stays valid after Apply.
func (cs *ChangeSet) Removed() []*Node { return cs.removed }

// IsLeaf reports whether n is a leaf once the set is applied.
func (cs *ChangeSet) IsLeaf(n *Node) bool {
	if _, ok := cs.subdivide[n]; ok {
		return false
	}
	if _, ok := cs.collapse[n]; ok {
		return true
	}
	return n.IsLeaf()
}

// Children returns the children of n once the set is applied.
func (cs *ChangeSet) Children(n *Node) ([4]*Node, bool) {
	if kids, ok := cs.subdivide[n]; ok {
		return kids, true
	}
	if _, ok := cs.collapse[n]; ok {
		return [4]*Node{}, false
	}
	return n.Children()
}

// Neighbor returns the neighbor of n across d once the set is applied.
func (cs *ChangeSet) Neighbor(n *Node, d Dir) *Node {
	if r, ok := cs.relinks[n]; ok {
		return r[d]
	}
	return n.neighbors[d]
}

// addSubdivide queues kids under n. When n was already queued the latest
// children win and the replaced ones are returned.
func (cs *ChangeSet) addSubdivide(t *Tree, n *Node, kids [4]*Node) (replaced [4]*Node, dup bool) {
	if cs.subdivide == nil {
		cs.subdivide = make(map[*Node][4]*Node)
	}
	if old, ok := cs.subdivide[n]; ok {
		t.logger.Warnw("node queued for subdivision twice, keeping the latest children", "node", n)
		for _, k := range old {
			delete(cs.created, k)
		}
		replaced, dup = old, true
	} else {
		cs.subdivideOrder = append(cs.subdivideOrder, n)
	}
	cs.subdivide[n] = kids
	for _, k := range kids {
		cs.created[k] = struct{}{}
	}
	return replaced, dup
}

func (cs *ChangeSet) addCollapse(t *Tree, n *Node) {
	if cs.collapse == nil {
		cs.collapse = make(map[*Node]struct{})
	}
	if _, ok := cs.collapse[n]; ok {
		t.logger.Warnw("node queued for collapse twice", "node", n)
		return
	}
	cs.collapse[n] = struct{}{}
	cs.collapseOrder = append(cs.collapseOrder, n)

	var stack []*Node
	if n.children != nil {
		stack = append(stack, n.children[:]...)
	}
	for len(stack) > 0 {
		c := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		cs.removed = append(cs.removed, c)
		if c.children != nil {
			stack = append(stack, c.children[:]...)
		}
	}
}

// live maps a node to the node that stands for it after the set is
// applied: the topmost collapsing ancestor, or the node itself.
func (cs *ChangeSet) live(n *Node) *Node {
	if n == nil {
		return nil
	}
	out := n
	for p := n.parent; p != nil; p = p.parent {
		if _, ok := cs.collapse[p]; ok {
			out = p
		}
	}
	return out
}

// refine walks from nb toward the descendant closest to n that is not
// finer than n.
func (cs *ChangeSet) refine(n, nb *Node) *Node {
	nb = cs.live(nb)
	for nb != nil && nb.level < n.level {
		kids, ok := cs.Children(nb)
		if !ok {
			break
		}
		nb = closest(kids, n.sphere)
	}
	return nb
}

// relink re-derives the neighbor pointers of a node that survives the
// change. New nodes are updated in place; existing ones get a relink
// entry so the live tree stays untouched.
func (cs *ChangeSet) relink(n *Node) {
	var next [DirCount]*Node
	changed := false
	for d := range DirCount {
		cur := n.neighbors[d]
		nb := cs.refine(n, cur)
		next[d] = nb
		if nb != cur {
			changed = true
		}
	}
	if !changed {
		return
	}
	if cs.IsCreated(n) {
		n.neighbors = next
		return
	}
	if cs.relinks == nil {
		cs.relinks = make(map[*Node][DirCount]*Node)
	}
	if _, ok := cs.relinks[n]; !ok {
		cs.relinkOrder = append(cs.relinkOrder, n)
	}
	cs.relinks[n] = next
}

// resolveChildren wires the neighbor pointers of freshly created children.
// Edges inside the parent point at siblings; outer edges start from the
// parent's post-change neighbor and descend toward the closest node that
// is not finer than the child.
func (cs *ChangeSet) resolveChildren(parent *Node, kids [4]*Node) {
	for i, c := range kids {
		for d := range DirCount {
			if s := siblingAcross[i][d]; s >= 0 {
				c.neighbors[d] = kids[s]
				continue
			}
			c.neighbors[d] = cs.refine(c, cs.Neighbor(parent, Dir(d)))
		}
	}
}

// ComputeChanges diffs the tree against the POI set without mutating it.
// The traversal is breadth-first; neighbor pointers are resolved between
// levels, once every node of the level has been decided.
func (t *Tree) ComputeChanges(pois []mgl64.Vec3) *ChangeSet {
	defer profiling.Track("quadtree.ComputeChanges")()

	cs := &ChangeSet{
		generation: t.generation,
		created:    make(map[*Node]struct{}),
	}

	roots := t.roots
	if !t.Initialized() {
		roots = NewRoots()
		cs.roots = &roots
		for _, r := range roots {
			cs.created[r] = struct{}{}
		}
	}

	frontier := append([]*Node(nil), roots[:]...)
	for len(frontier) > 0 {
		var next []*Node
		var parents []*Node
		for _, n := range frontier {
			if n.IsLeaf() {
				if n.level < t.maxDepth && ShouldSubdivide(n, pois) {
					kids := newChildren(n)
					if old, dup := cs.addSubdivide(t, n, kids); dup {
						next = dropNodes(next, old)
					} else {
						parents = append(parents, n)
					}
					next = append(next, kids[:]...)
				}
				continue
			}
			if ShouldUnsubdivide(n, pois) {
				cs.addCollapse(t, n)
				continue
			}
			next = append(next, n.children[:]...)
		}

		for _, n := range frontier {
			cs.relink(n)
		}
		for _, p := range parents {
			cs.resolveChildren(p, cs.subdivide[p])
		}
		frontier = next
	}
	return cs
}

// dropNodes removes every node of drop from list, in place.
func dropNodes(list []*Node, drop [4]*Node) []*Node {
	out := list[:0]
	for _, n := range list {
		if n != drop[0] && n != drop[1] && n != drop[2] && n != drop[3] {
			out = append(out, n)
		}
	}
	return out
}

// Apply commits a change set to the live tree.
func (t *Tree) Apply(cs *ChangeSet) error {
	if cs.generation != t.generation {
		return errors.Wrapf(ErrStaleChangeSet, "set %d, tree %d", cs.generation, t.generation)
	}
	if cs.roots != nil {
		t.roots = *cs.roots
	}
	for _, n := range cs.subdivideOrder {
		kids := cs.subdivide[n]
		n.children = &kids
	}
	for _, n := range cs.collapseOrder {
		n.children = nil
	}
	for _, n := range cs.relinkOrder {
		n.neighbors = cs.relinks[n]
	}
	t.generation++
	return nil
}
