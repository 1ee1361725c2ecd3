package pipeline

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"quadsphere/internal/config"
	"quadsphere/internal/jobs"
	"quadsphere/internal/modifier"
	"quadsphere/internal/quadtree"
)

type counters struct {
	init, exec, finish, dispose atomic.Int64
}

// probe is a configurable synthetic work unit.
type probe struct {
	counts   *counters
	onInit   func(p *modifier.Patch, snap modifier.Snapshot) error
	onExec   func(p *modifier.Patch) error
	onFinish func(p *modifier.Patch) error

	patch *modifier.Patch
}

func (u *probe) Initialize(p *modifier.Patch, snap modifier.Snapshot) error {
	u.counts.init.Add(1)
	u.patch = p
	if u.onInit != nil {
		return u.onInit(p, snap)
	}
	return nil
}

func (u *probe) Execute() error {
	u.counts.exec.Add(1)
	if u.onExec != nil {
		return u.onExec(u.patch)
	}
	return nil
}

func (u *probe) Finish(p *modifier.Patch) error {
	u.counts.finish.Add(1)
	if u.onFinish != nil {
		return u.onFinish(p)
	}
	return nil
}

func (u *probe) Dispose() {
	u.counts.dispose.Add(1)
	u.patch = nil
}

func (u *probe) Clone() modifier.WorkUnit {
	return &probe{counts: u.counts, onInit: u.onInit, onExec: u.onExec, onFinish: u.onFinish}
}

func probeModifier(name string, mode modifier.Mode, proto *probe) modifier.Modifier {
	return modifier.New(name, mode, func() modifier.WorkUnit { return proto.Clone() })
}

func newPool(t *testing.T) *jobs.Pool {
	pool := jobs.NewWorkerPool(4)
	t.Cleanup(pool.Shutdown)
	return pool
}

func roots(n int) []*quadtree.Node {
	r := quadtree.NewRoots()
	return append([]*quadtree.Node(nil), r[:n]...)
}

func opts(nodes []*quadtree.Node, stages ...[]modifier.Modifier) Options {
	return Options{
		Nodes:  nodes,
		Stages: stages,
		Mode:   modifier.ModeBoth,
		Params: modifier.Params{EdgeSubdivisions: 2, Radius: 1, IndexFormat: modifier.IndexUint16},
	}
}

func drive(t *testing.T, p *Pipeline) int {
	t.Helper()
	steps := 0
	for !p.Advance(context.Background()) {
		steps++
		require.Less(t, steps, 100, "pipeline did not finish")
	}
	return steps
}

func TestStageBarrierPublishesWrites(t *testing.T) {
	for size := 1; size <= quadtree.FaceCount; size++ {
		var mu sync.Mutex
		seen := make(map[*quadtree.Node]mgl64.Vec3)

		writer := &probe{counts: &counters{}, onExec: func(p *modifier.Patch) error {
			time.Sleep(time.Duration(rand.Intn(3)) * time.Millisecond)
			p.Buffers.Positions[0] = mgl64.Vec3{float64(p.Node.Face()), 42, 0}
			return nil
		}}
		reader := &probe{counts: &counters{}, onInit: func(p *modifier.Patch, _ modifier.Snapshot) error {
			mu.Lock()
			seen[p.Node] = p.Buffers.Positions[0]
			mu.Unlock()
			return nil
		}}

		nodes := roots(size)
		p := New(opts(nodes,
			[]modifier.Modifier{probeModifier("writer", modifier.ModeBoth, writer)},
			[]modifier.Modifier{probeModifier("reader", modifier.ModeBoth, reader)},
		), newPool(t), zaptest.NewLogger(t).Sugar())
		drive(t, p)

		require.Len(t, seen, size)
		for _, n := range nodes {
			assert.Equal(t, mgl64.Vec3{float64(n.Face()), 42, 0}, seen[n], "batch %d node %s", size, n)
		}
	}
}

func TestAdvanceStateMachine(t *testing.T) {
	c := &counters{}
	proto := &probe{counts: c}
	p := New(opts(roots(3),
		[]modifier.Modifier{probeModifier("a", modifier.ModeBoth, proto), probeModifier("b", modifier.ModeBoth, proto)},
		[]modifier.Modifier{probeModifier("c", modifier.ModeBoth, proto)},
	), newPool(t), zaptest.NewLogger(t).Sugar())

	require.Equal(t, 2, p.StageCount())
	assert.Equal(t, -1, p.LastStartedStage())
	assert.Equal(t, -1, p.LastFinishedStage())
	assert.Nil(t, p.Results())

	ctx := context.Background()
	require.False(t, p.Advance(ctx))
	assert.Equal(t, 0, p.LastStartedStage())
	assert.Equal(t, -1, p.LastFinishedStage())
	assert.True(t, p.InFlight())
	assert.Equal(t, int64(6), c.init.Load())

	require.False(t, p.Advance(ctx))
	assert.Equal(t, 0, p.LastFinishedStage())
	assert.Equal(t, int64(6), c.finish.Load())
	assert.Equal(t, int64(6), c.dispose.Load())

	require.False(t, p.Advance(ctx))
	require.True(t, p.Advance(ctx))
	assert.True(t, p.IsDone())
	assert.Equal(t, 1, p.LastFinishedStage())
	assert.Equal(t, int64(9), c.exec.Load())
	assert.Equal(t, int64(9), c.finish.Load())
	assert.Len(t, p.Results(), 3)

	// Further calls are no-ops.
	assert.True(t, p.Advance(ctx))
	assert.Equal(t, int64(9), c.exec.Load())
}

func TestFinishFailureIsScopedToOnePatch(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	nodes := roots(5)
	bad := nodes[2]

	var finished []*quadtree.Node
	proto := &probe{counts: &counters{}, onFinish: func(p *modifier.Patch) error {
		if p.Node == bad {
			panic("finish exploded")
		}
		finished = append(finished, p.Node)
		p.Mesh = &modifier.Mesh{N: 2}
		return nil
	}}
	after := &counters{}
	p := New(opts(nodes,
		[]modifier.Modifier{probeModifier("publisher", modifier.ModeBoth, proto)},
		[]modifier.Modifier{probeModifier("after", modifier.ModeBoth, &probe{counts: after})},
	), newPool(t), zap.New(core).Sugar())

	ctx := context.Background()
	require.False(t, p.Advance(ctx))
	require.False(t, p.Advance(ctx))
	assert.Equal(t, 0, p.LastFinishedStage())
	assert.Len(t, finished, 4)
	assert.NotContains(t, finished, bad)

	entries := logs.FilterMessage("work unit failed").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "finish", fields["phase"])
	assert.Equal(t, "publisher", fields["unit"])
	assert.Equal(t, bad.String(), fields["node"])
	assert.Equal(t, p.ID().String(), fields["pipeline"])

	drive(t, p)
	assert.Equal(t, int64(5), after.finish.Load())
	results := p.Results()
	require.Len(t, results, 5)
	for _, n := range nodes {
		if n == bad {
			assert.Nil(t, results[n].Mesh)
			continue
		}
		assert.NotNil(t, results[n].Mesh)
	}
}

func TestInitializeFailureSkipsExecuteAndFinish(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	nodes := roots(2)
	c := &counters{}
	proto := &probe{counts: c, onInit: func(p *modifier.Patch, _ modifier.Snapshot) error {
		if p.Node == nodes[0] {
			return errors.New("no topology")
		}
		return nil
	}}
	p := New(opts(nodes, []modifier.Modifier{probeModifier("picky", modifier.ModeBoth, proto)}),
		newPool(t), zap.New(core).Sugar())
	drive(t, p)

	assert.Equal(t, int64(2), c.init.Load())
	assert.Equal(t, int64(1), c.exec.Load())
	assert.Equal(t, int64(1), c.finish.Load())
	assert.Equal(t, int64(2), c.dispose.Load())
	require.Equal(t, 1, logs.FilterField(zap.String("phase", "initialize")).Len())
}

func TestExecuteFailureStillFinishes(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	c := &counters{}
	proto := &probe{counts: c, onExec: func(*modifier.Patch) error { return modifier.ErrIndexRange }}
	p := New(opts(roots(3), []modifier.Modifier{probeModifier("big", modifier.ModeBoth, proto)}),
		newPool(t), zap.New(core).Sugar())
	drive(t, p)

	assert.True(t, p.IsDone())
	assert.Equal(t, int64(3), c.finish.Load())
	assert.Equal(t, 3, logs.FilterField(zap.String("phase", "execute")).Len())
}

func TestUnitsOfOnePatchRunInOrder(t *testing.T) {
	var mu sync.Mutex
	order := make(map[*quadtree.Node][]string)
	step := func(name string) *probe {
		return &probe{counts: &counters{}, onExec: func(p *modifier.Patch) error {
			time.Sleep(time.Millisecond)
			mu.Lock()
			order[p.Node] = append(order[p.Node], name)
			mu.Unlock()
			return nil
		}}
	}
	nodes := roots(4)
	p := New(opts(nodes, []modifier.Modifier{
		probeModifier("first", modifier.ModeBoth, step("first")),
		probeModifier("second", modifier.ModeBoth, step("second")),
		probeModifier("third", modifier.ModeBoth, step("third")),
	}), newPool(t), zaptest.NewLogger(t).Sugar())
	drive(t, p)

	for _, n := range nodes {
		assert.Equal(t, []string{"first", "second", "third"}, order[n])
	}
}

func TestAbortWaitsForDispatchedWork(t *testing.T) {
	release := make(chan struct{})
	c := &counters{}
	proto := &probe{counts: c, onExec: func(*modifier.Patch) error {
		<-release
		return nil
	}}
	p := New(opts(roots(3),
		[]modifier.Modifier{probeModifier("slow", modifier.ModeBoth, proto)},
		[]modifier.Modifier{probeModifier("never", modifier.ModeBoth, proto)},
	), newPool(t), zaptest.NewLogger(t).Sugar())
	require.False(t, p.Advance(context.Background()))

	aborted := make(chan struct{})
	go func() {
		p.Abort()
		close(aborted)
	}()
	select {
	case <-aborted:
		t.Fatal("abort returned while work was still running")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	<-aborted

	assert.Equal(t, int64(3), c.exec.Load())
	assert.Equal(t, int64(0), c.finish.Load())
	assert.Equal(t, int64(6), c.dispose.Load())
	assert.False(t, p.IsDone())
	assert.Nil(t, p.Results())
	assert.False(t, p.Advance(context.Background()))

	p.Abort()
	assert.Equal(t, int64(6), c.dispose.Load())
}

func TestEmptyFilterIsDoneImmediately(t *testing.T) {
	c := &counters{}
	o := opts(roots(2), []modifier.Modifier{probeModifier("visual-only", modifier.ModeVisual, &probe{counts: c})})
	o.Mode = modifier.ModeCollider
	p := New(o, newPool(t), zaptest.NewLogger(t).Sugar())

	assert.Equal(t, 0, p.StageCount())
	assert.True(t, p.IsDone())
	assert.True(t, p.Advance(context.Background()))
	assert.Empty(t, p.Results())
	assert.Equal(t, int64(0), c.init.Load())
}

func TestBuiltinStagesBuildEveryRoot(t *testing.T) {
	cfg := config.Default()
	cfg.EdgeSubdivisions = 8
	stages, err := modifier.NewRegistry().Build(cfg)
	require.NoError(t, err)

	tree := quadtree.New(cfg.MaxDepth, zaptest.NewLogger(t).Sugar())
	cs := tree.ComputeChanges(nil)
	rs, ok := cs.Roots()
	require.True(t, ok)

	p := New(Options{
		Nodes:  rs[:],
		View:   cs,
		Stages: stages,
		Mode:   modifier.ModeBoth,
		Params: modifier.Params{EdgeSubdivisions: 8, Radius: cfg.Radius, IndexFormat: modifier.IndexUint16},
	}, newPool(t), zaptest.NewLogger(t).Sugar())
	steps := drive(t, p)
	assert.Equal(t, 2*p.StageCount()-1, steps)

	for _, n := range rs {
		r := p.Results()[n]
		require.NotNil(t, r, n.String())
		require.NotNil(t, r.Mesh)
		require.NotNil(t, r.Collider)
		assert.Len(t, r.Mesh.Vertices, 81)
		assert.Len(t, r.Mesh.Indices16, 8*8*6)
	}
}
