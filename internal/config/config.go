package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"quadsphere/internal/terrain"
)

// Modifier names one entry of a build stage. Mode overrides the modifier's
// default mode when set.
type Modifier struct {
	Name string `yaml:"name"`
	Mode string `yaml:"mode,omitempty"`
}

// Terrain configures the height field used by the heightmap modifier.
type Terrain struct {
	Seed        int64   `yaml:"seed"`
	Amplitude   float64 `yaml:"amplitude"`
	Frequency   float64 `yaml:"frequency"`
	Octaves     int     `yaml:"octaves"`
	Persistence float64 `yaml:"persistence"`
	Lacunarity  float64 `yaml:"lacunarity"`
}

// Settings converts to the generator's settings.
func (t Terrain) Settings() terrain.Settings {
	return terrain.Settings{
		Seed:        t.Seed,
		Amplitude:   t.Amplitude,
		Frequency:   t.Frequency,
		Octaves:     t.Octaves,
		Persistence: t.Persistence,
		Lacunarity:  t.Lacunarity,
	}
}

// Sphere is the static configuration of one sphere instance.
type Sphere struct {
	Radius           float64       `yaml:"radius"`
	Position         [3]float64    `yaml:"position"`
	MaxDepth         int           `yaml:"max_depth"`
	EdgeSubdivisions int           `yaml:"edge_subdivisions"`
	IndexFormat      string        `yaml:"index_format"`
	BuildMode        string        `yaml:"build_mode"`
	POIThreshold     float64       `yaml:"poi_threshold"`
	POICullMultiple  float64       `yaml:"poi_cull_multiple"`
	RebuildNeighbors bool          `yaml:"rebuild_neighbors"`
	Workers          int           `yaml:"workers"`
	TickInterval     time.Duration `yaml:"tick_interval"`
	SlowTick         time.Duration `yaml:"slow_tick"`
	Terrain          Terrain       `yaml:"terrain"`
	Stages           [][]Modifier  `yaml:"stages"`
}

const (
	maxDepthLimit      = 24
	minEdgeSubdivision = 2
	maxEdgeSubdivision = 256
)

// Default returns a configuration that builds a complete sphere.
func Default() Sphere {
	ts := terrain.DefaultSettings()
	return Sphere{
		Radius:           1000,
		MaxDepth:         8,
		EdgeSubdivisions: 16,
		IndexFormat:      "uint16",
		BuildMode:        "both",
		POIThreshold:     0.001,
		POICullMultiple:  2,
		RebuildNeighbors: true,
		TickInterval:     16 * time.Millisecond,
		SlowTick:         16 * time.Millisecond,
		Terrain: Terrain{
			Seed:        ts.Seed,
			Amplitude:   ts.Amplitude,
			Frequency:   ts.Frequency,
			Octaves:     ts.Octaves,
			Persistence: ts.Persistence,
			Lacunarity:  ts.Lacunarity,
		},
		Stages: [][]Modifier{
			{{Name: "init-mesh"}, {Name: "heightmap", Mode: "both"}},
			{{Name: "stitch"}},
			{{Name: "normals"}, {Name: "collider"}},
			{{Name: "finalize"}},
		},
	}
}

// LoadFile reads a YAML file on top of the defaults and validates it.
func LoadFile(path string) (Sphere, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "failed to read config file")
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "failed to parse %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, errors.Wrapf(err, "invalid config %s", path)
	}
	return cfg, nil
}

// Marshal renders the configuration as YAML.
func (c Sphere) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

var (
	indexFormats = map[string]bool{"uint16": true, "uint32": true}
	buildModes   = map[string]bool{"visual": true, "collider": true, "both": true}
)

// Validate reports every violation at once.
func (c Sphere) Validate() error {
	var err error
	if c.Radius <= 0 {
		err = multierr.Append(err, fmt.Errorf("radius must be positive, got %g", c.Radius))
	}
	if c.MaxDepth < 0 || c.MaxDepth > maxDepthLimit {
		err = multierr.Append(err, fmt.Errorf("max_depth must be in [0, %d], got %d", maxDepthLimit, c.MaxDepth))
	}
	n := c.EdgeSubdivisions
	if n < minEdgeSubdivision || n > maxEdgeSubdivision || n&(n-1) != 0 {
		err = multierr.Append(err, fmt.Errorf("edge_subdivisions must be a power of two in [%d, %d], got %d",
			minEdgeSubdivision, maxEdgeSubdivision, n))
	}
	if !indexFormats[c.IndexFormat] {
		err = multierr.Append(err, fmt.Errorf("index_format must be uint16 or uint32, got %q", c.IndexFormat))
	}
	if !buildModes[c.BuildMode] {
		err = multierr.Append(err, fmt.Errorf("build_mode must be visual, collider or both, got %q", c.BuildMode))
	}
	if c.POIThreshold < 0 {
		err = multierr.Append(err, fmt.Errorf("poi_threshold must not be negative, got %g", c.POIThreshold))
	}
	if c.POICullMultiple <= 0 {
		err = multierr.Append(err, fmt.Errorf("poi_cull_multiple must be positive, got %g", c.POICullMultiple))
	}
	if c.Workers < 0 {
		err = multierr.Append(err, fmt.Errorf("workers must not be negative, got %d", c.Workers))
	}
	if c.TickInterval <= 0 {
		err = multierr.Append(err, fmt.Errorf("tick_interval must be positive, got %s", c.TickInterval))
	}
	if c.Terrain.Octaves < 0 {
		err = multierr.Append(err, fmt.Errorf("terrain.octaves must not be negative, got %d", c.Terrain.Octaves))
	}
	if len(c.Stages) == 0 {
		err = multierr.Append(err, errors.New("at least one stage is required"))
	}
	for i, stage := range c.Stages {
		for j, m := range stage {
			if m.Name == "" {
				err = multierr.Append(err, fmt.Errorf("stages[%d][%d]: name is required", i, j))
			}
			if m.Mode != "" && !buildModes[m.Mode] {
				err = multierr.Append(err, fmt.Errorf("stages[%d][%d]: unknown mode %q", i, j, m.Mode))
			}
		}
	}
	return err
}
