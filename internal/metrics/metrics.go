// Package metrics exposes the Prometheus instrumentation for the bridging
// engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsIngested counts accepted inbound events by partner and type.
	EventsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "householdiq",
		Subsystem: "ingest",
		Name:      "events_total",
		Help:      "Inbound tracking events accepted for processing.",
	}, []string{"partner", "event_type"})

	// EventsSkipped counts events dropped before resolution, by reason.
	EventsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "householdiq",
		Subsystem: "ingest",
		Name:      "events_skipped_total",
		Help:      "Inbound events skipped before resolution, by reason.",
	}, []string{"reason"})

	// Resolutions counts terminal resolution outcomes by path and status.
	Resolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "householdiq",
		Subsystem: "bridging",
		Name:      "resolutions_total",
		Help:      "Terminal resolution outcomes.",
	}, []string{"path", "status"})

	// ResolutionDuration observes end-to-end resolver latency per path.
	ResolutionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "householdiq",
		Subsystem: "bridging",
		Name:      "resolution_duration_seconds",
		Help:      "Resolver execution time.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"path"})

	// JobsEnqueued counts bridging jobs handed to the task queue.
	JobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "householdiq",
		Subsystem: "queue",
		Name:      "jobs_enqueued_total",
		Help:      "Bridging jobs enqueued, by kind.",
	}, []string{"kind"})

	// CappingDenied counts impressions refused by the frequency cap.
	CappingDenied = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "householdiq",
		Subsystem: "capping",
		Name:      "denied_total",
		Help:      "Impressions denied by the sliding-window frequency cap.",
	})

	// HouseholdMerges counts household merge operations.
	HouseholdMerges = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "householdiq",
		Subsystem: "graph",
		Name:      "household_merges_total",
		Help:      "Household merge operations performed.",
	})

	// PrunedRecords counts graph records removed by maintenance sweeps.
	PrunedRecords = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "householdiq",
		Subsystem: "maintenance",
		Name:      "pruned_records_total",
		Help:      "Stale graph records removed by the maintenance sweep.",
	})
)
