// Command sphereview opens a window and flies an orbit camera around a sphere,
// using the camera as the point of interest.
package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/go-gl/gl/v4.1-core/gl"
	"github.com/go-gl/glfw/v3.3/glfw"
	"github.com/go-gl/mathgl/mgl64"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"quadsphere/internal/config"
	"quadsphere/internal/logging"
	"quadsphere/internal/modifier"
	"quadsphere/internal/profiling"
	"quadsphere/internal/render"
	"quadsphere/internal/sphere"
)

const (
	windowWidth  = 1280
	windowHeight = 720

	orbitSpeed = 1.0 // radians per second
	zoomSpeed  = 1.5 // distance factor per second
)

func init() {
	runtime.LockOSThread()
}

func main() {
	var (
		configPath, logLevel string
		fpsLimit             int
	)
	cmd := &cobra.Command{
		Use:          "sphereview",
		Short:        "Interactive quadtree sphere viewer",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := logging.NewLogger(logLevel)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			cfg := config.Default()
			if configPath != "" {
				if cfg, err = config.LoadFile(configPath); err != nil {
					return err
				}
			}
			return run(cmd.Context(), cfg, fpsLimit, logger)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "YAML config file (defaults when empty)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.Flags().IntVar(&fpsLimit, "fps-limit", 0, "frame rate cap with vsync off; 0 keeps vsync")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Sphere, fpsLimit int, logger *zap.SugaredLogger) error {
	stages, err := modifier.NewRegistry().Build(cfg)
	if err != nil {
		return err
	}

	if err := glfw.Init(); err != nil {
		return err
	}
	defer glfw.Terminate()

	glfw.WindowHint(glfw.ContextVersionMajor, 4)
	glfw.WindowHint(glfw.ContextVersionMinor, 1)
	glfw.WindowHint(glfw.OpenGLProfile, glfw.OpenGLCoreProfile)
	glfw.WindowHint(glfw.OpenGLForwardCompatible, glfw.True)
	glfw.WindowHint(glfw.Resizable, glfw.False)

	window, err := glfw.CreateWindow(windowWidth, windowHeight, "sphereview", nil, nil)
	if err != nil {
		return err
	}
	window.MakeContextCurrent()
	if fpsLimit > 0 {
		glfw.SwapInterval(0)
	} else {
		glfw.SwapInterval(1)
	}
	limiter := render.NewFrameLimiter(fpsLimit)

	if err := gl.Init(); err != nil {
		return err
	}
	gl.Enable(gl.DEPTH_TEST)
	gl.Enable(gl.CULL_FACE)
	gl.CullFace(gl.BACK)
	gl.FrontFace(gl.CCW)
	gl.ClearColor(0.05, 0.06, 0.1, 1.0)

	center := mgl64.Vec3(cfg.Position)
	cam := render.NewOrbitCamera(center, cfg.Radius*3, windowWidth, windowHeight)
	cam.MinDistance = cfg.Radius * (1 + cfg.Terrain.Amplitude + 0.001)
	cam.NearPlane = float32(cfg.Radius * 1e-4)
	cam.FarPlane = float32(cfg.Radius * 20)

	consumer, err := render.NewConsumer(logger)
	if err != nil {
		return err
	}
	defer consumer.Dispose()

	pois := sphere.POIFunc(func() []mgl64.Vec3 { return []mgl64.Vec3{cam.Position()} })
	s, err := sphere.New(cfg, stages, pois, consumer, logger)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	window.SetKeyCallback(func(w *glfw.Window, key glfw.Key, _ int, action glfw.Action, _ glfw.ModifierKey) {
		if action != glfw.Press {
			return
		}
		switch key {
		case glfw.KeyEscape:
			w.SetShouldClose(true)
		case glfw.KeyF:
			consumer.Wireframe = !consumer.Wireframe
		}
	})

	frames := 0
	last := time.Now()
	prev := last
	fpsTicker := time.NewTicker(time.Second)
	defer fpsTicker.Stop()

	for !window.ShouldClose() {
		now := time.Now()
		dt := now.Sub(prev).Seconds()
		prev = now

		handleCamera(window, cam, dt)
		// Near plane follows altitude.
		cam.NearPlane = float32(max((cam.Distance-cfg.Radius)*0.1, cfg.Radius*1e-6))

		if err := s.Tick(ctx); err != nil {
			return err
		}
		consumer.SetTransform(s.Transform())

		gl.Clear(gl.COLOR_BUFFER_BIT | gl.DEPTH_BUFFER_BIT)
		consumer.Draw(cam)

		window.SwapBuffers()
		glfw.PollEvents()
		limiter.Wait()
		frames++

		select {
		case <-fpsTicker.C:
			elapsed := time.Since(last).Seconds()
			st := s.Stats()
			uploaded, active := consumer.Count()
			logger.Infow("frame stats",
				"fps", int(float64(frames)/elapsed+0.5),
				"leaves", st.Leaves,
				"uploaded", uploaded,
				"active", active,
				"building", st.Building,
				"altitude", cam.Distance-cfg.Radius,
				"top", profiling.TopN(3),
			)
			frames = 0
			last = time.Now()
		default:
		}
	}
	return nil
}

func handleCamera(w *glfw.Window, cam *render.OrbitCamera, dt float64) {
	step := orbitSpeed * dt
	if w.GetKey(glfw.KeyLeft) == glfw.Press {
		cam.Orbit(-step, 0)
	}
	if w.GetKey(glfw.KeyRight) == glfw.Press {
		cam.Orbit(step, 0)
	}
	if w.GetKey(glfw.KeyUp) == glfw.Press {
		cam.Orbit(0, step)
	}
	if w.GetKey(glfw.KeyDown) == glfw.Press {
		cam.Orbit(0, -step)
	}
	if w.GetKey(glfw.KeyW) == glfw.Press {
		zoomTowardSurface(cam, 1/(1+zoomSpeed*dt))
	}
	if w.GetKey(glfw.KeyS) == glfw.Press {
		zoomTowardSurface(cam, 1+zoomSpeed*dt)
	}
}

// zoomTowardSurface scales the altitude rather than the distance so the
// approach slows near the ground.
func zoomTowardSurface(cam *render.OrbitCamera, factor float64) {
	ground := cam.MinDistance
	cam.Distance = ground + (cam.Distance-ground)*factor
}
