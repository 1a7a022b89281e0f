// Package metrics holds the Prometheus collectors exported by the server and the viewer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Fetch queue.
var (
	FetchBatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "viewer_fetch_batches_total",
		Help: "Tracing geometry batches issued by the fetch queue, by outcome",
	}, []string{"outcome"})

	FetchTracingsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "viewer_fetch_tracings_total",
		Help: "Tracings received from batched geometry requests",
	})

	FetchPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "viewer_fetch_pending",
		Help: "Tracing ids waiting in the fetch queue",
	})

	FetchBatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "viewer_fetch_batch_duration_seconds",
		Help:    "Round trip of batched tracing geometry requests",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})
)

// Scene engines.
var (
	SceneActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "viewer_scene_actions_total",
		Help: "Scene mutations applied by reconcile, by engine and action",
	}, []string{"engine", "action"})

	SceneLoadFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "viewer_scene_load_failures_total",
		Help: "Geometry loads that failed, by engine",
	}, []string{"engine"})
)

// Geometry server.
var (
	TracingsServedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "server_tracings_served_total",
		Help: "Tracings returned by the batched endpoint, by source",
	}, []string{"source"})

	TracingBatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "server_tracing_batch_size",
		Help:    "Number of ids requested per batch",
		Buckets: prometheus.LinearBuckets(1, 5, 10),
	})

	MeshRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "server_mesh_requests_total",
		Help: "Compartment mesh requests, by result",
	}, []string{"result"})

	ImportJobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "server_import_jobs_total",
		Help: "SWC import jobs finished, by status",
	}, []string{"status"})
)
