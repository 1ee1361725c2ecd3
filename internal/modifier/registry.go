package modifier

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"quadsphere/internal/config"
	"quadsphere/internal/terrain"
)

// ErrUnknownModifier is returned when a stage names an unregistered modifier.
var ErrUnknownModifier = errors.New("unknown modifier")

// Factory builds a modifier from the sphere configuration.
type Factory func(cfg config.Sphere) Modifier

// Registry maps configuration names to modifier factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry holding the built-in modifiers.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register(NameInitMesh, func(config.Sphere) Modifier { return InitMesh() })
	r.Register(NameHeightmap, func(cfg config.Sphere) Modifier {
		return Heightmap(terrain.NewGenerator(cfg.Terrain.Settings()))
	})
	r.Register(NameStitch, func(config.Sphere) Modifier { return Stitch() })
	r.Register(NameNormals, func(config.Sphere) Modifier { return Normals() })
	r.Register(NameCollider, func(config.Sphere) Modifier { return ColliderBaker(DefaultColliderCells) })
	r.Register(NameFinalize, func(config.Sphere) Modifier { return Finalize() })
	return r
}

// Register adds or replaces a factory.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Names lists the registered modifier names in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build resolves the configured stages. Every unknown name and invalid mode
// is reported.
func (r *Registry) Build(cfg config.Sphere) ([][]Modifier, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var errs error
	stages := make([][]Modifier, 0, len(cfg.Stages))
	for i, stage := range cfg.Stages {
		mods := make([]Modifier, 0, len(stage))
		for j, entry := range stage {
			f, ok := r.factories[entry.Name]
			if !ok {
				errs = multierr.Append(errs, errors.Wrapf(ErrUnknownModifier, "stages[%d][%d] %q", i, j, entry.Name))
				continue
			}
			m := f(cfg)
			if entry.Mode != "" {
				mode, err := ParseMode(entry.Mode)
				if err != nil {
					errs = multierr.Append(errs, errors.Wrapf(err, "stages[%d][%d]", i, j))
					continue
				}
				m = WithMode(m, mode)
			}
			mods = append(mods, m)
		}
		stages = append(stages, mods)
	}
	if errs != nil {
		return nil, errs
	}
	return stages, nil
}
