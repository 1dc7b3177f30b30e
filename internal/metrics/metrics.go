// Package metrics exposes the indexer's Prometheus gauges and
// counters: pipeline progress and per-kind error counts. Grounded on
// _examples/other_examples/.../0xkanth-polymarket-indexer syncer.go's
// promauto.NewGauge/NewCounterVec usage.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PipelinePercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "indexer_pipeline_percent",
		Help: "Percentage of the requested time range consumed by the current run.",
	})

	PipelineRecordsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "indexer_pipeline_records_total",
		Help: "Total fills processed by the pipeline consumer.",
	})

	PipelineBehindSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "indexer_pipeline_behind_seconds",
		Help: "Seconds between the last processed fill timestamp and wall clock.",
	})

	ErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "indexer_errors_total",
		Help: "Total number of errors by kind.",
	}, []string{"kind"})
)
