package sphere

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-gl/mathgl/mgl64"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"quadsphere/internal/config"
	"quadsphere/internal/modifier"
	"quadsphere/internal/quadtree"
)

type movablePOIs struct {
	mu  sync.Mutex
	pts []mgl64.Vec3
}

func (m *movablePOIs) POIs() []mgl64.Vec3 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]mgl64.Vec3(nil), m.pts...)
}

func (m *movablePOIs) set(pts ...mgl64.Vec3) {
	m.mu.Lock()
	m.pts = pts
	m.mu.Unlock()
}

type recorder struct {
	mu         sync.Mutex
	published  int
	destroyed  int
	activated  int
	deactivate int
}

func (r *recorder) Publish(*Patch) {
	r.mu.Lock()
	r.published++
	r.mu.Unlock()
}

func (r *recorder) SetActive(_ *Patch, active bool) {
	r.mu.Lock()
	if active {
		r.activated++
	} else {
		r.deactivate++
	}
	r.mu.Unlock()
}

func (r *recorder) Destroy(*Patch) {
	r.mu.Lock()
	r.destroyed++
	r.mu.Unlock()
}

func (r *recorder) counts() (published, destroyed int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.published, r.destroyed
}

func testConfig() config.Sphere {
	cfg := config.Default()
	cfg.Radius = 10
	cfg.Position = [3]float64{100, 0, 0}
	cfg.MaxDepth = 2
	cfg.EdgeSubdivisions = 4
	cfg.Workers = 2
	cfg.TickInterval = 10 * time.Millisecond
	cfg.SlowTick = 0
	return cfg
}

func newTestSphere(t *testing.T, cfg config.Sphere, logger *zap.SugaredLogger, opts ...Option) (*Sphere, *movablePOIs, *recorder) {
	t.Helper()
	stages, err := modifier.NewRegistry().Build(cfg)
	require.NoError(t, err)
	pois := &movablePOIs{}
	rec := &recorder{}
	s, err := New(cfg, stages, pois, rec, logger, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, pois, rec
}

// surface returns the world point on the undisplaced surface along dir.
func surface(cfg config.Sphere, dir mgl64.Vec3) mgl64.Vec3 {
	return mgl64.Vec3(cfg.Position).Add(dir.Normalize().Mul(cfg.Radius))
}

func settle(t *testing.T, s *Sphere) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.Tick(ctx))
	for i := 0; s.Building(); i++ {
		require.Less(t, i, 100, "build did not complete")
		require.NoError(t, s.Tick(ctx))
	}
}

// consistencyErr checks, under the read lock, that the realized patches
// match the live tree exactly.
func consistencyErr(s *Sphere) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inTree := make(map[*quadtree.Node]bool)
	s.tree.Walk(func(n *quadtree.Node) bool {
		inTree[n] = true
		return true
	})
	for n, p := range s.patches {
		if !inTree[n] {
			return fmt.Errorf("patch for detached node %s", n)
		}
		if p.Active != n.IsLeaf() {
			return fmt.Errorf("patch %s active=%v leaf=%v", n, p.Active, n.IsLeaf())
		}
	}
	for n := range inTree {
		if _, ok := s.patches[n]; !ok && n.IsLeaf() {
			return fmt.Errorf("leaf %s has no patch", n)
		}
	}
	return nil
}

func TestFirstTickBuildsSixRoots(t *testing.T) {
	cfg := testConfig()
	s, _, rec := newTestSphere(t, cfg, zaptest.NewLogger(t).Sugar())

	require.NoError(t, s.Tick(context.Background()))
	assert.True(t, s.Building())
	settle(t, s)

	st := s.Stats()
	assert.Equal(t, 6, st.Nodes)
	assert.Equal(t, 6, st.Leaves)
	assert.Equal(t, 6, st.Patches)
	assert.Equal(t, 6, st.ActivePatches)
	assert.False(t, st.Building)
	published, destroyed := rec.counts()
	assert.Equal(t, 6, published)
	assert.Equal(t, 0, destroyed)
	require.NoError(t, consistencyErr(s))

	for _, p := range s.ActivePatches() {
		require.NotNil(t, p.Mesh)
		require.NotNil(t, p.Collider)
		assert.Len(t, p.Mesh.Vertices, 25)
	}
}

func TestPOIRefinesAndCollapses(t *testing.T) {
	cfg := testConfig()
	s, pois, rec := newTestSphere(t, cfg, zaptest.NewLogger(t).Sugar())

	pois.set(surface(cfg, mgl64.Vec3{1, 0, 0}))
	settle(t, s)
	require.NoError(t, consistencyErr(s))

	st := s.Stats()
	assert.Equal(t, 10, st.Nodes)
	assert.Equal(t, 9, st.Leaves)
	assert.Equal(t, 10, st.Patches, "the split root keeps an inactive patch")
	assert.Equal(t, 9, st.ActivePatches)

	var xp *quadtree.Node
	var xpKids []*quadtree.Node
	for _, n := range s.Leaves() {
		if n.Face() == quadtree.FaceXp {
			xp = n.Parent()
			xpKids = append(xpKids, n)
		}
	}
	require.NotNil(t, xp)
	require.Len(t, xpKids, 4)
	xpPatch, ok := s.Patch(xp)
	require.True(t, ok)
	assert.False(t, xpPatch.Active)
	published, destroyed := rec.counts()
	assert.Equal(t, 10, published)
	assert.Equal(t, 0, destroyed)

	// Xp collapses and Xn splits. No surviving leaf changes neighbors, so
	// only the four new Xn children are built and the four Xp children are
	// destroyed.
	pois.set(surface(cfg, mgl64.Vec3{-1, 0, 0}))
	settle(t, s)
	require.NoError(t, consistencyErr(s))

	again, ok := s.Patch(xp)
	require.True(t, ok)
	assert.Same(t, xpPatch, again, "collapse reuses the kept patch")
	assert.True(t, again.Active)
	for _, k := range xpKids {
		_, ok := s.Patch(k)
		assert.False(t, ok, "patch of removed node %s is still realized", k)
	}

	published, destroyed = rec.counts()
	assert.Equal(t, 14, published)
	assert.Equal(t, 4, destroyed)
	rec.mu.Lock()
	assert.Equal(t, 1, rec.activated, "only the collapsed Xp patch comes back")
	assert.Equal(t, 1, rec.deactivate, "Xn splits; Xp was built inactive in the first build")
	rec.mu.Unlock()
	st = s.Stats()
	assert.Equal(t, 10, st.Nodes)
	assert.Equal(t, 10, st.Patches)
}

func TestRandomPOIWalkKeepsPatchesConsistent(t *testing.T) {
	cfg := testConfig()
	cfg.MaxDepth = 5
	s, pois, rec := newTestSphere(t, cfg, zaptest.NewLogger(t).Sugar())
	rng := rand.New(rand.NewSource(7))

	for step := range 15 {
		dir := mgl64.Vec3{rng.NormFloat64(), rng.NormFloat64(), rng.NormFloat64()}
		if dir.Len() < 1e-6 {
			dir = mgl64.Vec3{0, 1, 0}
		}
		altitude := 1 + rng.Float64()*0.2
		pts := []mgl64.Vec3{mgl64.Vec3(cfg.Position).Add(dir.Normalize().Mul(cfg.Radius * altitude))}
		if step%5 == 4 {
			// Drop every POI so the whole tree collapses several levels at once.
			pts = nil
		}
		pois.set(pts...)
		settle(t, s)
		require.NoError(t, consistencyErr(s), "step %d", step)

		published, destroyed := rec.counts()
		assert.Equal(t, s.Stats().Patches, published-destroyed, "step %d leaked patches", step)
	}
}

func TestUnchangedPOIsDoNotRebuild(t *testing.T) {
	cfg := testConfig()
	s, pois, _ := newTestSphere(t, cfg, zaptest.NewLogger(t).Sugar())
	p := surface(cfg, mgl64.Vec3{0, 0, 1})
	pois.set(p)
	settle(t, s)
	gen := s.Stats().Generation

	// Well under the per-axis threshold once normalized by the radius.
	pois.set(p.Add(mgl64.Vec3{cfg.Radius * 1e-4, 0, 0}))
	require.NoError(t, s.Tick(context.Background()))
	assert.False(t, s.Building())
	assert.Equal(t, gen, s.Stats().Generation)
	assert.InDelta(t, 0, s.lastPOIs[0].Sub(mgl64.Vec3{0, 0, 1}).Len(), 1e-12)
}

func TestFarPOIsAreCulled(t *testing.T) {
	cfg := testConfig()
	s, pois, _ := newTestSphere(t, cfg, zaptest.NewLogger(t).Sugar())
	pois.set(surface(cfg, mgl64.Vec3{1, 0, 0}).Mul(50))
	settle(t, s)
	assert.Empty(t, s.lastPOIs)
	assert.Equal(t, 6, s.Stats().Nodes)
}

func TestRotationMovesPOIsIntoLocalSpace(t *testing.T) {
	cfg := testConfig()
	s, pois, _ := newTestSphere(t, cfg, zaptest.NewLogger(t).Sugar())
	// Local +X faces world +Y.
	s.SetRotation(mgl64.QuatRotate(math.Pi/2, mgl64.Vec3{0, 0, 1}))
	pois.set(surface(cfg, mgl64.Vec3{0, 1, 0}))
	settle(t, s)

	for _, n := range s.Leaves() {
		if n.Level() > 0 {
			assert.Equal(t, quadtree.FaceXp, n.Face())
		}
	}
	assert.Equal(t, 10, s.Stats().Nodes)
}

func TestTransformRoundTrip(t *testing.T) {
	tr := Transform{
		Position: mgl64.Vec3{1, 2, 3},
		Rotation: mgl64.QuatRotate(0.7, mgl64.Vec3{1, 1, 0}.Normalize()),
		Radius:   250,
	}
	p := mgl64.Vec3{40, -300, 12}
	assert.True(t, tr.ToWorld(tr.ToLocal(p)).ApproxEqualThreshold(p, 1e-9))
	assert.InDelta(t, 1, tr.ToLocal(tr.ToWorld(mgl64.Vec3{0, 0, 1})).Len(), 1e-12)
}

func TestPOIsChanged(t *testing.T) {
	a := []mgl64.Vec3{{1, 0, 0}, {0, 1, 0}}
	assert.False(t, poisChanged(a, []mgl64.Vec3{{1.0005, 0, 0}, {0, 1, 0}}, 0.001))
	assert.True(t, poisChanged(a, []mgl64.Vec3{{1, 0, 0}, {0, 1.01, 0}}, 0.001))
	assert.True(t, poisChanged(a, a[:1], 0.001))
	assert.False(t, poisChanged(nil, nil, 0))
}

func TestReconfigureRejectedWhileBuilding(t *testing.T) {
	cfg := testConfig()
	s, _, rec := newTestSphere(t, cfg, zaptest.NewLogger(t).Sugar())
	stages, err := modifier.NewRegistry().Build(cfg)
	require.NoError(t, err)

	require.NoError(t, s.Tick(context.Background()))
	require.True(t, s.Building())
	require.ErrorIs(t, s.Reconfigure(cfg, stages), ErrPipelineRunning)
	assert.True(t, s.Building())

	settle(t, s)
	require.Equal(t, 6, s.Stats().Patches)

	next := cfg
	next.EdgeSubdivisions = 8
	require.NoError(t, s.Reconfigure(next, stages))
	st := s.Stats()
	assert.Equal(t, 0, st.Patches)
	assert.Equal(t, 0, st.Nodes)
	_, destroyed := rec.counts()
	assert.Equal(t, 6, destroyed)

	settle(t, s)
	for _, p := range s.ActivePatches() {
		assert.Len(t, p.Mesh.Vertices, 81)
	}
	assert.Equal(t, 6, s.Stats().ActivePatches)
}

func TestReconfigureRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	s, _, _ := newTestSphere(t, cfg, zaptest.NewLogger(t).Sugar())
	bad := cfg
	bad.Radius = -1
	require.Error(t, s.Reconfigure(bad, nil))
	assert.Equal(t, cfg.Radius, s.Transform().Radius)
}

func TestCloseStopsTicking(t *testing.T) {
	cfg := testConfig()
	s, _, rec := newTestSphere(t, cfg, zaptest.NewLogger(t).Sugar())
	settle(t, s)
	require.NoError(t, s.Tick(context.Background()))

	require.NoError(t, s.Close())
	require.ErrorIs(t, s.Close(), ErrClosed)
	require.ErrorIs(t, s.Tick(context.Background()), ErrClosed)
	_, destroyed := rec.counts()
	assert.Equal(t, 6, destroyed)
}

func TestCloseAbortsInFlightBuild(t *testing.T) {
	cfg := testConfig()
	s, _, rec := newTestSphere(t, cfg, zaptest.NewLogger(t).Sugar())
	require.NoError(t, s.Tick(context.Background()))
	require.True(t, s.Building())
	require.NoError(t, s.Close())
	assert.False(t, s.Building())
	published, _ := rec.counts()
	assert.Equal(t, 0, published)
}

func TestRunTicksOnClock(t *testing.T) {
	cfg := testConfig()
	mock := clock.NewMock()
	s, pois, _ := newTestSphere(t, cfg, zaptest.NewLogger(t).Sugar(), WithClock(mock))
	pois.set(surface(cfg, mgl64.Vec3{0, -1, 0}))

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() { errs <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		mock.Add(cfg.TickInterval)
		st := s.Stats()
		return st.Nodes == 10 && !st.Building
	}, 5*time.Second, time.Millisecond)

	cancel()
	require.ErrorIs(t, <-errs, context.Canceled)
	require.NoError(t, consistencyErr(s))
}

func TestReadersNeverSeeHalfSwappedState(t *testing.T) {
	cfg := testConfig()
	s, pois, _ := newTestSphere(t, cfg, zaptest.NewLogger(t).Sugar())

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			assert.NoError(t, consistencyErr(s))
			_ = s.ActivePatches()
			_ = s.Stats()
		}
	}()

	dirs := []mgl64.Vec3{{1, 0, 0}, {0, 1, 0}, {-1, 0, 0}, {0, 0, -1}, {1, 1, 1}}
	for _, d := range dirs {
		pois.set(surface(cfg, d))
		settle(t, s)
	}
	close(stop)
	wg.Wait()
	require.NoError(t, consistencyErr(s))
}

func TestSlowTickIsLogged(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	cfg := testConfig()
	cfg.SlowTick = time.Nanosecond
	s, _, _ := newTestSphere(t, cfg, zap.New(core).Sugar())
	require.NoError(t, s.Tick(context.Background()))
	assert.NotZero(t, logs.FilterMessage("slow tick").Len())
}

func TestNewRejectsStagesWithoutModifiersForMode(t *testing.T) {
	cfg := testConfig()
	cfg.BuildMode = "collider"
	cfg.Stages = [][]config.Modifier{{{Name: "heightmap"}}, {{Name: "normals"}}}
	stages, err := modifier.NewRegistry().Build(cfg)
	require.NoError(t, err)

	_, err = New(cfg, stages, &movablePOIs{}, nil, zaptest.NewLogger(t).Sugar())
	require.ErrorIs(t, err, ErrNoModifiers)

	s, _, _ := newTestSphere(t, testConfig(), zaptest.NewLogger(t).Sugar())
	require.ErrorIs(t, s.Reconfigure(cfg, stages), ErrNoModifiers)
	assert.Equal(t, "both", s.cfg.BuildMode, "a rejected config leaves the old one in place")
}

func TestNewRequiresPOIProvider(t *testing.T) {
	_, err := New(testConfig(), nil, nil, nil, zaptest.NewLogger(t).Sugar())
	require.Error(t, err)
}
