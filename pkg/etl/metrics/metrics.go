package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "clientmart_etl_build_info",
		Help: "Build information of the clientmart ETL",
	}, []string{"version", "commit", "date"})

	RunsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clientmart_etl_runs_started_total", Help: "Total pipeline runs started.",
	})
	RunOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clientmart_etl_run_outcomes_total", Help: "Pipeline run outcomes.",
	}, []string{"result"})
	RunsSkippedActive = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clientmart_etl_runs_skipped_active_total", Help: "Runs skipped because a run was already active.",
	})
	RunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "clientmart_etl_run_duration_seconds",
		Help:    "Wall-clock duration of complete pipeline runs.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})

	TaskOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clientmart_etl_task_outcomes_total", Help: "Per-task terminal statuses.",
	}, []string{"task", "status"})
	TaskRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clientmart_etl_task_retries_total", Help: "Task attempts beyond the first.",
	}, []string{"task"})

	StagedRows = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clientmart_etl_staged_rows_total", Help: "Rows written to staging, per source.",
	}, []string{"source"})
	MergedRows = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clientmart_etl_merged_rows_total", Help: "Rows merged into ODS, per source.",
	}, []string{"source"})
	MartRows = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "clientmart_etl_mart_rows_last_run", Help: "Mart rows written by the most recent build.",
	})
)
