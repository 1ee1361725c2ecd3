// Package pipeline drives a batch of patches through the staged work units
// with a hard barrier between stages.
package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"quadsphere/internal/jobs"
	"quadsphere/internal/modifier"
	"quadsphere/internal/profiling"
	"quadsphere/internal/quadtree"
)

// Options describe one build.
type Options struct {
	Nodes  []*quadtree.Node
	View   quadtree.View
	Stages [][]modifier.Modifier
	Mode   modifier.Mode
	Params modifier.Params
	// Snapshot holds the published surfaces work units may read during
	// Initialize. It is never written to by the pipeline.
	Snapshot modifier.Snapshot
}

// PatchBuildState is the in-flight state of one node: its patch context and
// scratch buffers, one work unit per filtered modifier and the completion
// handle of every dispatched Execute.
type PatchBuildState struct {
	Patch   *modifier.Patch
	units   []modifier.WorkUnit
	handles []*jobs.Handle
	skipped []bool
}

// Result is what a completed build publishes for one node.
type Result struct {
	Node     *quadtree.Node
	Mesh     *modifier.Mesh
	Collider *modifier.Collider
}

// Pipeline is a single build. It is driven from one goroutine; only Execute
// bodies run on the pool.
type Pipeline struct {
	id     uuid.UUID
	logger *zap.SugaredLogger
	pool   *jobs.Pool

	nodes    []*quadtree.Node
	view     quadtree.View
	params   modifier.Params
	snapshot modifier.Snapshot
	mods     []modifier.Modifier
	starts   []int

	states       []*PatchBuildState
	lastStarted  int
	lastFinished int

	stageBegan time.Time
	stageSpan  trace.Span

	results  map[*quadtree.Node]*Result
	released bool
}

// New prepares a pipeline over opts.Nodes. Nothing is allocated or
// scheduled until the first Advance.
func New(opts Options, pool *jobs.Pool, logger *zap.SugaredLogger) *Pipeline {
	id := uuid.New()
	mods, starts := modifier.FilterForMode(opts.Stages, opts.Mode)
	snap := opts.Snapshot
	if snap == nil {
		snap = modifier.SurfaceMap{}
	}
	p := &Pipeline{
		id:           id,
		logger:       logger.Named("pipeline").With("pipeline", id.String()),
		pool:         pool,
		nodes:        opts.Nodes,
		view:         opts.View,
		params:       opts.Params,
		snapshot:     snap,
		mods:         mods,
		starts:       starts,
		lastStarted:  -1,
		lastFinished: -1,
	}
	if p.IsDone() {
		p.results = make(map[*quadtree.Node]*Result)
	}
	return p
}

func (p *Pipeline) ID() uuid.UUID { return p.id }

// Nodes returns the batch being built.
func (p *Pipeline) Nodes() []*quadtree.Node { return p.nodes }

// StageCount is the number of stages left after mode filtering.
func (p *Pipeline) StageCount() int { return len(p.starts) }

func (p *Pipeline) LastStartedStage() int { return p.lastStarted }

func (p *Pipeline) LastFinishedStage() int { return p.lastFinished }

// IsDone reports whether every stage has finished.
func (p *Pipeline) IsDone() bool { return p.lastFinished == len(p.starts)-1 }

// InFlight reports whether a stage has been dispatched and not yet finished.
func (p *Pipeline) InFlight() bool { return p.lastStarted > p.lastFinished }

// Results returns the published patches once the pipeline is done, and nil
// before.
func (p *Pipeline) Results() map[*quadtree.Node]*Result { return p.results }

// Advance moves the pipeline one step: it either dispatches the next stage
// or waits for the dispatched one and runs its Finish hooks. It returns
// true once the pipeline is done. Advance blocks at the stage barrier; no
// timeout applies.
func (p *Pipeline) Advance(ctx context.Context) bool {
	if p.IsDone() {
		return true
	}
	if p.released {
		return false
	}
	if p.states == nil {
		p.allocate()
	}
	if p.InFlight() {
		p.finishStage()
		if p.IsDone() {
			p.finalize()
			return true
		}
		return false
	}
	p.startStage(ctx)
	return false
}

func (p *Pipeline) allocate() {
	defer profiling.Track("pipeline.allocate")()

	protos := make([]modifier.WorkUnit, len(p.mods))
	for i, m := range p.mods {
		protos[i] = m.WorkUnit()
	}
	p.states = make([]*PatchBuildState, len(p.nodes))
	for i, n := range p.nodes {
		st := &PatchBuildState{
			Patch:   modifier.NewPatch(n, p.view, p.params),
			units:   make([]modifier.WorkUnit, len(protos)),
			handles: make([]*jobs.Handle, len(protos)),
			skipped: make([]bool, len(protos)),
		}
		for j, proto := range protos {
			st.units[j] = proto.Clone()
		}
		p.states[i] = st
	}
	p.logger.Debugw("pipeline allocated", "patches", len(p.nodes), "units", len(p.mods), "stages", len(p.starts))
}

func (p *Pipeline) startStage(ctx context.Context) {
	defer profiling.Track("pipeline.dispatch")()

	stage := p.lastStarted + 1
	begin, end := modifier.StageBounds(p.starts, len(p.mods), stage)
	_, p.stageSpan = tracer.Start(ctx, "pipeline.stage", trace.WithAttributes(
		attribute.String("pipeline", p.id.String()),
		attribute.Int("stage", stage),
		attribute.Int("patches", len(p.states)),
	))
	p.stageBegan = time.Now()

	// Every unit of the stage is initialized before any is dispatched so
	// Initialize never observes a neighbor's Execute in progress.
	for _, st := range p.states {
		for j := begin; j < end; j++ {
			u := st.units[j]
			if err := jobs.Run(func() error { return u.Initialize(st.Patch, p.snapshot) }); err != nil {
				st.skipped[j] = true
				p.unitFailed(st, j, phaseInitialize, err)
			}
		}
	}
	// Units of one patch share its buffers, so they are chained; patches
	// run independently.
	for _, st := range p.states {
		var prev *jobs.Handle
		for j := begin; j < end; j++ {
			if st.skipped[j] {
				continue
			}
			prev = p.pool.Schedule(st.units[j].Execute, prev)
			st.handles[j] = prev
		}
	}
	p.lastStarted = stage
}

func (p *Pipeline) stageHandles(begin, end int) []*jobs.Handle {
	handles := make([]*jobs.Handle, 0, len(p.states)*(end-begin))
	for _, st := range p.states {
		handles = append(handles, st.handles[begin:end]...)
	}
	return handles
}

func (p *Pipeline) finishStage() {
	stage := p.lastFinished + 1
	begin, end := modifier.StageBounds(p.starts, len(p.mods), stage)

	done := profiling.Track("pipeline.barrier")
	jobs.WaitAll(p.stageHandles(begin, end))
	done()

	defer profiling.Track("pipeline.finish")()
	failures := 0
	for _, st := range p.states {
		for j := begin; j < end; j++ {
			if h := st.handles[j]; h != nil {
				if err := h.Wait(); err != nil {
					failures++
					p.unitFailed(st, j, phaseExecute, err)
				}
			}
			if !st.skipped[j] {
				u := st.units[j]
				if err := jobs.Run(func() error { return u.Finish(st.Patch) }); err != nil {
					failures++
					p.unitFailed(st, j, phaseFinish, err)
				}
			}
			p.disposeUnit(st, j)
		}
	}

	instrumentStage(p.stageBegan)
	p.stageSpan.SetAttributes(attribute.Int("failures", failures))
	p.stageSpan.End()
	p.stageSpan = nil
	p.lastFinished = stage
}

func (p *Pipeline) finalize() {
	p.results = make(map[*quadtree.Node]*Result, len(p.states))
	for _, st := range p.states {
		p.results[st.Patch.Node] = &Result{
			Node:     st.Patch.Node,
			Mesh:     st.Patch.Mesh,
			Collider: st.Patch.Collider,
		}
		st.Patch.Buffers = nil
	}
	patchesBuilt.Add(float64(len(p.states)))
	p.logger.Debugw("pipeline done", "patches", len(p.states))
	p.states = nil
	p.released = true
}

func (p *Pipeline) disposeUnit(st *PatchBuildState, j int) {
	u := st.units[j]
	if u == nil {
		return
	}
	st.units[j] = nil
	st.handles[j] = nil
	if err := jobs.Run(func() error { u.Dispose(); return nil }); err != nil {
		p.unitFailed(st, j, "dispose", err)
	}
}

func (p *Pipeline) unitFailed(st *PatchBuildState, j int, phase string, err error) {
	instrumentWorkUnitError(phase)
	p.logger.Errorw("work unit failed",
		"node", st.Patch.Node.String(),
		"unit", p.mods[j].Name(),
		"phase", phase,
		"error", err,
	)
}

// Abort waits for any dispatched stage, then disposes every work unit and
// buffer. Nothing is published. Aborting a done or already aborted
// pipeline is a no-op.
func (p *Pipeline) Abort() {
	if p.released {
		return
	}
	pipelinesAborted.Inc()
	p.logger.Infow("aborting pipeline", "last_started", p.lastStarted, "last_finished", p.lastFinished)
	p.Dispose()
}

// Dispose releases the build state, waiting for in-flight work first.
func (p *Pipeline) Dispose() {
	if p.released {
		return
	}
	p.released = true
	if p.InFlight() {
		begin, end := modifier.StageBounds(p.starts, len(p.mods), p.lastStarted)
		jobs.WaitAll(p.stageHandles(begin, end))
		if p.stageSpan != nil {
			p.stageSpan.End()
			p.stageSpan = nil
		}
	}
	for _, st := range p.states {
		for j := range st.units {
			p.disposeUnit(st, j)
		}
		st.Patch.Buffers = nil
	}
	p.states = nil
}
