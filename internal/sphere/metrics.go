package sphere

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"

	"quadsphere/internal/quadtree"
)

const kindLabel = "kind"

var tracer = otel.Tracer("quadsphere/sphere")

var (
	realizedPatches = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quadsphere_realized_patches",
		Help: "Patches currently held by the sphere, active or not.",
	})

	changesetNodes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quadsphere_changeset_nodes_total",
		Help: "Nodes touched by committed change sets, by kind.",
	}, []string{
		kindLabel,
	})
)

func instrumentChangeSet(cs *quadtree.ChangeSet) {
	for kind, n := range map[string]int{
		"subdivided": len(cs.Subdivided()),
		"collapsed":  len(cs.Collapsed()),
		"created":    len(cs.Created()),
		"relinked":   len(cs.Relinked()),
	} {
		changesetNodes.With(prometheus.Labels{kindLabel: kind}).Add(float64(n))
	}
}
