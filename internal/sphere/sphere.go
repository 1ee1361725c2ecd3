// Package sphere owns the live quadtree and the realized patches of one
// planet, and drives builds as points of interest move.
package sphere

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-gl/mathgl/mgl64"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"quadsphere/internal/config"
	"quadsphere/internal/jobs"
	"quadsphere/internal/modifier"
	"quadsphere/internal/pipeline"
	"quadsphere/internal/profiling"
	"quadsphere/internal/quadtree"
)

var (
	// ErrPipelineRunning is returned by operations that may not run while
	// a build is in flight.
	ErrPipelineRunning = errors.New("a build pipeline is running")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("sphere is closed")
	// ErrNoModifiers is returned when no configured modifier runs in the
	// build mode, so no patch could ever be produced.
	ErrNoModifiers = errors.New("no modifier matches the build mode")
)

// Patch is a realized patch. Active patches belong to current leaves;
// inactive ones are kept for interior nodes so a collapse can show them
// again without a rebuild.
type Patch struct {
	Node     *quadtree.Node
	Mesh     *modifier.Mesh
	Collider *modifier.Collider
	Active   bool
}

// Consumer receives realized patches. Calls happen on the goroutine driving
// Tick while the sphere holds its write lock, so a consumer must not call
// back into the sphere.
type Consumer interface {
	// Publish hands over a freshly built patch; p.Active gives its initial
	// visibility.
	Publish(p *Patch)
	SetActive(p *Patch, active bool)
	Destroy(p *Patch)
}

// NopConsumer ignores every signal.
type NopConsumer struct{}

func (NopConsumer) Publish(*Patch) {}

func (NopConsumer) SetActive(*Patch, bool) {}

func (NopConsumer) Destroy(*Patch) {}

// Option customizes a Sphere.
type Option func(*Sphere)

// WithClock replaces the wall clock driving Run and slow-tick detection.
func WithClock(c clock.Clock) Option {
	return func(s *Sphere) { s.clock = c }
}

// WithPool runs builds on an existing pool. The sphere does not shut it
// down.
func WithPool(p *jobs.Pool) Option {
	return func(s *Sphere) {
		s.pool = p
		s.ownsPool = false
	}
}

// Stats is a point-in-time summary for diagnostics.
type Stats struct {
	Generation    uint64
	Nodes         int
	Leaves        int
	Patches       int
	ActivePatches int
	Building      bool
}

// Sphere orchestrates diffs and builds. Tick, Run, Reconfigure and Close
// are serialized; the read methods may be called from any goroutine.
type Sphere struct {
	logger   *zap.SugaredLogger
	clock    clock.Clock
	pool     *jobs.Pool
	ownsPool bool
	pois     POIProvider
	consumer Consumer

	// tickMu serializes the driving methods.
	tickMu    sync.Mutex
	cfg       config.Sphere
	stages    [][]modifier.Modifier
	mode      modifier.Mode
	params    modifier.Params
	transform Transform
	lastPOIs  []mgl64.Vec3
	dirty     bool
	pipe      *pipeline.Pipeline
	pending   *quadtree.ChangeSet
	closed    bool
	building  atomic.Bool

	// mu guards the live tree and the realized patches as seen by readers.
	mu      sync.RWMutex
	tree    *quadtree.Tree
	patches map[*quadtree.Node]*Patch
}

// New creates a sphere. Nothing is built until the first Tick.
func New(
	cfg config.Sphere,
	stages [][]modifier.Modifier,
	pois POIProvider,
	consumer Consumer,
	logger *zap.SugaredLogger,
	opts ...Option,
) (*Sphere, error) {
	if pois == nil {
		return nil, errors.New("a POI provider is required")
	}
	if consumer == nil {
		consumer = NopConsumer{}
	}
	s := &Sphere{
		logger:   logger.Named("sphere"),
		clock:    clock.New(),
		ownsPool: true,
		pois:     pois,
		consumer: consumer,
		patches:  make(map[*quadtree.Node]*Patch),
		transform: Transform{
			Rotation: mgl64.QuatIdent(),
		},
	}
	for _, o := range opts {
		o(s)
	}
	if err := s.configure(cfg, stages); err != nil {
		return nil, err
	}
	s.tree = quadtree.New(cfg.MaxDepth, s.logger)
	if s.ownsPool {
		s.pool = jobs.NewWorkerPool(cfg.Workers)
	}
	return s, nil
}

func (s *Sphere) configure(cfg config.Sphere, stages [][]modifier.Modifier) error {
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "invalid sphere config")
	}
	mode, err := modifier.ParseMode(cfg.BuildMode)
	if err != nil {
		return err
	}
	format, err := modifier.ParseIndexFormat(cfg.IndexFormat)
	if err != nil {
		return err
	}
	if flat, _ := modifier.FilterForMode(stages, mode); len(flat) == 0 {
		return errors.Wrapf(ErrNoModifiers, "build mode %s", mode)
	}
	s.cfg = cfg
	s.stages = stages
	s.mode = mode
	s.params = modifier.Params{
		EdgeSubdivisions: cfg.EdgeSubdivisions,
		Radius:           cfg.Radius,
		IndexFormat:      format,
	}
	s.transform.Position = mgl64.Vec3(cfg.Position)
	s.transform.Radius = cfg.Radius
	s.dirty = true
	return nil
}

// SetRotation orients the sphere. POIs are re-evaluated on the next tick.
func (s *Sphere) SetRotation(q mgl64.Quat) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()
	s.transform.Rotation = q.Normalize()
	s.dirty = true
}

// SetPosition moves the sphere center in world space.
func (s *Sphere) SetPosition(p mgl64.Vec3) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()
	s.transform.Position = p
	s.dirty = true
}

// Transform returns the current placement.
func (s *Sphere) Transform() Transform {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()
	return s.transform
}

// Tick advances the running build by one step, or polls POIs and starts a
// new build when they moved.
func (s *Sphere) Tick(ctx context.Context) error {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()
	if s.closed {
		return ErrClosed
	}

	profiling.ResetTick()
	start := s.clock.Now()
	defer func() {
		if elapsed := s.clock.Since(start); s.cfg.SlowTick > 0 && elapsed > s.cfg.SlowTick {
			s.logger.Warnw("slow tick", "elapsed", elapsed, "top", profiling.TopN(5))
		}
	}()

	if s.pipe != nil {
		if s.pipe.Advance(ctx) {
			s.complete()
		}
		return nil
	}

	pois := localPOIs(s.transform, s.pois.POIs(), s.cfg.POICullMultiple)
	if !s.dirty && !poisChanged(s.lastPOIs, pois, s.cfg.POIThreshold) {
		return nil
	}
	s.lastPOIs = pois
	s.dirty = false

	cs := s.diff(ctx, pois)
	if !cs.AnythingChanged() {
		return nil
	}
	s.start(ctx, cs)
	return nil
}

func (s *Sphere) diff(ctx context.Context, pois []mgl64.Vec3) *quadtree.ChangeSet {
	_, span := tracer.Start(ctx, "sphere.diff", trace.WithAttributes(attribute.Int("pois", len(pois))))
	defer span.End()
	cs := s.tree.ComputeChanges(pois)
	span.SetAttributes(
		attribute.Int("subdivided", len(cs.Subdivided())),
		attribute.Int("collapsed", len(cs.Collapsed())),
	)
	return cs
}

// buildSet picks the nodes a change set needs built: every created node,
// collapsed nodes without a kept patch and, when enabled, surviving
// leaves whose neighbors changed.
func (s *Sphere) buildSet(cs *quadtree.ChangeSet) []*quadtree.Node {
	seen := make(map[*quadtree.Node]struct{})
	var out []*quadtree.Node
	add := func(n *quadtree.Node) {
		if _, ok := seen[n]; ok {
			return
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	for _, n := range cs.Created() {
		add(n)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, n := range cs.Collapsed() {
		if _, ok := s.patches[n]; !ok {
			add(n)
		}
	}
	if s.cfg.RebuildNeighbors {
		for _, n := range cs.Relinked() {
			if _, ok := s.patches[n]; ok && cs.IsLeaf(n) {
				add(n)
			}
		}
	}
	return out
}

func (s *Sphere) snapshot() modifier.SurfaceMap {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := make(modifier.SurfaceMap, len(s.patches))
	for n, p := range s.patches {
		if p.Mesh != nil {
			snap[n] = p.Mesh
		}
	}
	return snap
}

func (s *Sphere) start(ctx context.Context, cs *quadtree.ChangeSet) {
	nodes := s.buildSet(cs)
	s.pending = cs
	s.pipe = pipeline.New(pipeline.Options{
		Nodes:    nodes,
		View:     cs,
		Stages:   s.stages,
		Mode:     s.mode,
		Params:   s.params,
		Snapshot: s.snapshot(),
	}, s.pool, s.logger)
	s.building.Store(true)
	s.logger.Debugw("build started",
		"pipeline", s.pipe.ID().String(),
		"nodes", len(nodes),
		"subdivided", len(cs.Subdivided()),
		"collapsed", len(cs.Collapsed()),
	)
	if s.pipe.Advance(ctx) {
		s.complete()
	}
}

// complete swaps the finished build in under the write lock so readers see
// either the old tree and patches or the new ones.
func (s *Sphere) complete() {
	defer profiling.Track("sphere.swap")()
	cs, pipe := s.pending, s.pipe
	s.pending, s.pipe = nil, nil
	defer s.building.Store(false)
	results := pipe.Results()
	pipe.Dispose()

	removed := cs.Removed()

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.tree.Apply(cs); err != nil {
		s.logger.Errorw("discarding build", "pipeline", pipe.ID().String(), "error", err)
		s.dirty = true
		return
	}
	instrumentChangeSet(cs)

	for _, n := range removed {
		if p, ok := s.patches[n]; ok {
			s.consumer.Destroy(p)
			delete(s.patches, n)
		}
	}
	for _, n := range cs.Subdivided() {
		if p, ok := s.patches[n]; ok && p.Active {
			p.Active = false
			s.consumer.SetActive(p, false)
		}
	}
	for _, n := range cs.Collapsed() {
		if _, rebuilt := results[n]; rebuilt {
			continue
		}
		if p, ok := s.patches[n]; ok && !p.Active {
			p.Active = true
			s.consumer.SetActive(p, true)
		}
	}
	for n, r := range results {
		if old, ok := s.patches[n]; ok {
			s.consumer.Destroy(old)
		}
		p := &Patch{
			Node:     n,
			Mesh:     r.Mesh,
			Collider: r.Collider,
			Active:   n.IsLeaf(),
		}
		s.patches[n] = p
		s.consumer.Publish(p)
	}
	realizedPatches.Set(float64(len(s.patches)))
	s.logger.Debugw("build committed",
		"pipeline", pipe.ID().String(),
		"built", len(results),
		"patches", len(s.patches),
		"generation", s.tree.Generation(),
	)
}

// Run ticks on the configured interval until ctx ends. An in-flight build
// is aborted on the way out.
func (s *Sphere) Run(ctx context.Context) error {
	ticker := s.clock.Ticker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.abort()
			return ctx.Err()
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				return err
			}
		}
	}
}

func (s *Sphere) abort() {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()
	s.abortLocked()
}

func (s *Sphere) abortLocked() {
	if s.pipe == nil {
		return
	}
	s.pipe.Abort()
	s.pipe, s.pending = nil, nil
	s.building.Store(false)
	// The POIs that triggered the aborted build still need one.
	s.dirty = true
}

// Building reports whether a pipeline is in flight.
func (s *Sphere) Building() bool { return s.building.Load() }

// Reconfigure swaps the configuration and modifier stages. Every realized
// patch is destroyed and the next tick rebuilds from six fresh roots. It
// fails with ErrPipelineRunning while a build is in flight and leaves the
// sphere untouched.
func (s *Sphere) Reconfigure(cfg config.Sphere, stages [][]modifier.Modifier) error {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.pipe != nil {
		return ErrPipelineRunning
	}
	if err := s.configure(cfg, stages); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.destroyAllLocked()
	s.tree.Reset()
	s.tree.SetMaxDepth(cfg.MaxDepth)
	s.lastPOIs = nil
	s.logger.Infow("reconfigured", "max_depth", cfg.MaxDepth, "edge_subdivisions", cfg.EdgeSubdivisions, "build_mode", cfg.BuildMode)
	return nil
}

func (s *Sphere) destroyAllLocked() {
	for n, p := range s.patches {
		s.consumer.Destroy(p)
		delete(s.patches, n)
	}
	realizedPatches.Set(0)
}

// Close aborts any build, destroys every patch and stops the pool if the
// sphere owns it.
func (s *Sphere) Close() error {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.closed = true
	s.abortLocked()

	s.mu.Lock()
	s.destroyAllLocked()
	s.mu.Unlock()

	if s.ownsPool {
		s.pool.Shutdown()
	}
	return nil
}

// Patch returns the realized patch of n.
func (s *Sphere) Patch(n *quadtree.Node) (*Patch, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.patches[n]
	return p, ok
}

// ActivePatches lists the patches of the current leaves.
func (s *Sphere) ActivePatches() []*Patch {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Patch, 0, len(s.patches))
	for _, p := range s.patches {
		if p.Active {
			out = append(out, p)
		}
	}
	return out
}

// Leaves returns the current leaves of the live tree.
func (s *Sphere) Leaves() []*quadtree.Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree.Leaves()
}

func (s *Sphere) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Stats{
		Generation: s.tree.Generation(),
		Nodes:      s.tree.Count(),
		Leaves:     len(s.tree.Leaves()),
		Patches:    len(s.patches),
		Building:   s.building.Load(),
	}
	for _, p := range s.patches {
		if p.Active {
			st.ActivePatches++
		}
	}
	return st
}

// TickInterval returns the configured tick period.
func (s *Sphere) TickInterval() time.Duration {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()
	return s.cfg.TickInterval
}
