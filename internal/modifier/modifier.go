// Package modifier defines the per-patch computation units a build runs
// through, the patch context they operate on, and the built-in units.
package modifier

import (
	"strings"

	"github.com/pkg/errors"
)

// Mode tags what a modifier contributes to.
type Mode uint8

const (
	ModeVisual Mode = 1 << iota
	ModeCollider

	ModeBoth = ModeVisual | ModeCollider
)

// Intersects reports whether m shares any bit with mask.
func (m Mode) Intersects(mask Mode) bool { return m&mask != 0 }

func (m Mode) String() string {
	switch m {
	case ModeVisual:
		return "visual"
	case ModeCollider:
		return "collider"
	case ModeBoth:
		return "both"
	default:
		return "none"
	}
}

// ParseMode accepts visual, collider or both.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "visual":
		return ModeVisual, nil
	case "collider":
		return ModeCollider, nil
	case "both":
		return ModeBoth, nil
	}
	return 0, errors.Errorf("unknown mode %q", s)
}

// WorkUnit is the stateful, per-patch instance of a Modifier for one build.
//
// Initialize and Finish run serially on the orchestrating goroutine.
// Initialize may read the patch topology and any surface in the snapshot;
// whatever Execute needs from other patches must be copied here. Execute
// runs on a worker concurrently with other patches' units and may only
// touch its own patch's buffers and its own state. Finish publishes
// results onto the patch.
type WorkUnit interface {
	Initialize(p *Patch, snap Snapshot) error
	Execute() error
	Finish(p *Patch) error
	Dispose()
	// Clone returns a fresh unit with the same configuration and no
	// working state.
	Clone() WorkUnit
}

// Modifier is a stateless descriptor yielding work units.
type Modifier interface {
	Name() string
	Mode() Mode
	WorkUnit() WorkUnit
}

type modifier struct {
	name    string
	mode    Mode
	newUnit func() WorkUnit
}

// New wraps a unit constructor into a Modifier.
func New(name string, mode Mode, newUnit func() WorkUnit) Modifier {
	return &modifier{name: name, mode: mode, newUnit: newUnit}
}

func (m *modifier) Name() string { return m.name }

func (m *modifier) Mode() Mode { return m.mode }

func (m *modifier) WorkUnit() WorkUnit { return m.newUnit() }

// WithMode returns a copy of m reporting a different mode.
func WithMode(m Modifier, mode Mode) Modifier {
	return New(m.Name(), mode, m.WorkUnit)
}

// FilterForMode flattens the staged modifiers that intersect mask. starts
// holds, for each stage that kept at least one modifier, the index of its
// first survivor in flat; stages that kept nothing leave no entry.
func FilterForMode(stages [][]Modifier, mask Mode) (flat []Modifier, starts []int) {
	for _, stage := range stages {
		begin := len(flat)
		for _, m := range stage {
			if m.Mode().Intersects(mask) {
				flat = append(flat, m)
			}
		}
		if len(flat) > begin {
			starts = append(starts, begin)
		}
	}
	return flat, starts
}

// StageBounds returns the [begin, end) range of stage i in a flat array.
func StageBounds(starts []int, total, i int) (int, int) {
	end := total
	if i+1 < len(starts) {
		end = starts[i+1]
	}
	return starts[i], end
}
