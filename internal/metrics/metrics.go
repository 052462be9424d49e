// Package metrics holds the Prometheus collectors of the placement service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PartsReceived counts completion events by kind (single, multipart).
	PartsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tusplacer_parts_received_total",
		Help: "Completion events received from the upload protocol layer",
	}, []string{"kind"})

	// Assemblies counts finished assembly attempts by result (assembled, abandoned).
	Assemblies = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tusplacer_assemblies_total",
		Help: "Multipart assembly attempts by result",
	}, []string{"result"})

	AssembledBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tusplacer_assembled_bytes_total",
		Help: "Bytes appended onto anchor blobs during assembly",
	})

	GroupsPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tusplacer_groups_pending",
		Help: "Assembly records currently held by the tracker",
	})

	// Placements counts completion outcomes by status.
	Placements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tusplacer_placements_total",
		Help: "Completion outcomes by status",
	}, []string{"status"})

	PlacementDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tusplacer_placement_duration_seconds",
		Help:    "Time from completion event to terminal outcome",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
	})

	CrossDeviceMoves = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tusplacer_cross_device_moves_total",
		Help: "Placements that fell back to copy-then-delete",
	})

	PrecheckConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tusplacer_precheck_conflicts_total",
		Help: "Upload creations rejected by the prevent policy",
	})
)
