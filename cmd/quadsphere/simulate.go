package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"quadsphere/internal/config"
	"quadsphere/internal/logging"
	"quadsphere/internal/modifier"
	"quadsphere/internal/sphere"
)

type simulateOptions struct {
	configPath  string
	ticks       int
	metricsAddr string
	altitude    float64
	step        float64
}

func newSimulateCmd() *cobra.Command {
	var opts simulateOptions
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Fly a point of interest around the sphere and build patches",
		Long: `Runs a sphere with a single point of interest orbiting the equator.
With --ticks the sphere is ticked that many times as fast as possible;
otherwise it ticks on the configured interval until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSimulate(cmd, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "YAML config file (defaults when empty)")
	cmd.Flags().IntVar(&opts.ticks, "ticks", 0, "number of ticks to run; 0 runs until interrupted")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	cmd.Flags().Float64Var(&opts.altitude, "altitude", 0.01, "orbit altitude as a fraction of the radius")
	cmd.Flags().Float64Var(&opts.step, "step", 0.02, "orbit advance in radians per POI poll")
	return cmd
}

// orbit is a POI provider circling the equator of the configured sphere.
type orbit struct {
	mu     sync.Mutex
	center mgl64.Vec3
	radius float64
	step   float64
	angle  float64
	last   mgl64.Vec3
	polled bool
}

func newOrbit(cfg config.Sphere, altitude, step float64) *orbit {
	return &orbit{
		center: mgl64.Vec3(cfg.Position),
		radius: cfg.Radius * (1 + altitude),
		step:   step,
	}
}

func (o *orbit) POIs() []mgl64.Vec3 {
	o.mu.Lock()
	defer o.mu.Unlock()
	p := o.center.Add(mgl64.Vec3{math.Cos(o.angle), 0, math.Sin(o.angle)}.Mul(o.radius))
	o.angle = math.Mod(o.angle+o.step, 2*math.Pi)
	o.last, o.polled = p, true
	return []mgl64.Vec3{p}
}

// current returns the last polled POI.
func (o *orbit) current() (mgl64.Vec3, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.last, o.polled
}

// counter is a consumer that only keeps tallies.
type counter struct {
	mu                            sync.Mutex
	published, destroyed, toggled int
	vertices, colliderTriangles   int
}

func (c *counter) Publish(p *sphere.Patch) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published++
	if p.Mesh != nil {
		c.vertices += len(p.Mesh.Vertices)
	}
	if p.Collider != nil {
		c.colliderTriangles += len(p.Collider.Triangles) / 3
	}
}

func (c *counter) SetActive(*sphere.Patch, bool) {
	c.mu.Lock()
	c.toggled++
	c.mu.Unlock()
}

func (c *counter) Destroy(*sphere.Patch) {
	c.mu.Lock()
	c.destroyed++
	c.mu.Unlock()
}

func runSimulate(cmd *cobra.Command, opts simulateOptions) error {
	logger, err := logging.NewLogger(logLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	stages, err := modifier.NewRegistry().Build(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.metricsAddr != "" {
		srv := serveMetrics(opts.metricsAddr, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	tally := &counter{}
	orb := newOrbit(cfg, opts.altitude, opts.step)
	s, err := sphere.New(cfg, stages, orb, tally, logger)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	logger.Infow("simulation started",
		"radius", cfg.Radius,
		"max_depth", cfg.MaxDepth,
		"edge_subdivisions", cfg.EdgeSubdivisions,
		"build_mode", cfg.BuildMode,
		"ticks", opts.ticks,
	)

	if opts.ticks > 0 {
		for i := 0; i < opts.ticks; i++ {
			if err := s.Tick(ctx); err != nil {
				return err
			}
			if ctx.Err() != nil {
				break
			}
		}
	} else if err := s.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	st := s.Stats()
	if p, ok := orb.current(); ok {
		if hit := s.Raycast(p, orb.center.Sub(p), 2*cfg.Radius); hit.Hit {
			logger.Infow("ground below orbiter", "altitude", hit.Distance)
		}
	}
	tally.mu.Lock()
	defer tally.mu.Unlock()
	fmt.Fprintf(cmd.OutOrStdout(),
		"generation=%d nodes=%d leaves=%d patches=%d active=%d published=%d destroyed=%d toggled=%d vertices=%d collider_triangles=%d\n",
		st.Generation, st.Nodes, st.Leaves, st.Patches, st.ActivePatches,
		tally.published, tally.destroyed, tally.toggled, tally.vertices, tally.colliderTriangles,
	)
	return nil
}

func serveMetrics(addr string, logger *zap.SugaredLogger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Infow("serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorw("metrics server stopped", "error", err)
		}
	}()
	return srv
}
