// Package etl assembles the daily load: extract the CRM registry and the
// telemetry events, stage them, merge staging into ODS, and rebuild the
// mart partition for the processing date. One pipeline run is one task
// graph execution; at most one run is active at a time and a trigger that
// arrives while a run is active is skipped, not queued.
package etl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/meridianlabs/clientmart/pkg/dag"
	"github.com/meridianlabs/clientmart/pkg/etl/metrics"
	"github.com/meridianlabs/clientmart/pkg/runctx"
	"github.com/meridianlabs/clientmart/pkg/sources/crm"
	"github.com/meridianlabs/clientmart/pkg/sources/telemetry"
)

// ErrRunActive is returned when a run is triggered while another run is
// still in flight.
var ErrRunActive = errors.New("pipeline run already active")

const (
	TaskExtractRegistry  = "extract_registry"
	TaskStageRegistry    = "stage_registry"
	TaskMergeRegistry    = "merge_registry"
	TaskExtractTelemetry = "extract_telemetry"
	TaskStageTelemetry   = "stage_telemetry"
	TaskMergeTelemetry   = "merge_telemetry"
	TaskBuildMart        = "build_mart"
)

// taskNames is the full graph in declaration order.
var taskNames = []string{
	TaskExtractRegistry, TaskStageRegistry, TaskMergeRegistry,
	TaskExtractTelemetry, TaskStageTelemetry, TaskMergeTelemetry,
	TaskBuildMart,
}

// RegistrySource pulls client records changed since a point in time.
type RegistrySource interface {
	FetchUpdatedSince(ctx context.Context, since time.Time) ([]crm.ClientRecord, error)
}

// TelemetrySource pulls raw events for one calendar day.
type TelemetrySource interface {
	FetchEventsForDate(ctx context.Context, day time.Time) ([]telemetry.Event, error)
}

// StagingStore replaces a load-date slice of a staging table.
type StagingStore interface {
	ReplaceClients(ctx context.Context, loadDate time.Time, records []crm.ClientRecord) (int64, error)
	ReplaceEvents(ctx context.Context, loadDate time.Time, events []telemetry.Event) (int64, error)
}

// ODSStore merges one load-date slice of staging into the ODS tables. The
// event merge also clears the run's processing window so replays replace
// facts an earlier run loaded for the same day.
type ODSStore interface {
	MergeClients(ctx context.Context, loadDate time.Time) (int64, error)
	MergeEvents(ctx context.Context, loadDate, windowStart, windowEnd time.Time) (int64, error)
}

// MartBuilder rebuilds the mart partition for a processing date.
type MartBuilder interface {
	Build(ctx context.Context, ds time.Time) (int, error)
}

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	Registry  RegistrySource
	Telemetry TelemetrySource
	Staging   StagingStore
	ODS       ODSStore
	Mart      MartBuilder

	// MaxRetries is the number of re-attempts after a task's first failure.
	// 0 means a task runs exactly once; the daily default of 2 lives in the
	// binary's flag handling.
	MaxRetries int
	// RetryDelay is the fixed delay between task attempts.
	RetryDelay time.Duration
	// TaskTimeout bounds a single task attempt. 0 disables the timeout.
	TaskTimeout time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Registry == nil {
		return errors.New("registry source is required")
	}
	if cfg.Telemetry == nil {
		return errors.New("telemetry source is required")
	}
	if cfg.Staging == nil {
		return errors.New("staging store is required")
	}
	if cfg.ODS == nil {
		return errors.New("ods store is required")
	}
	if cfg.Mart == nil {
		return errors.New("mart builder is required")
	}
	if cfg.MaxRetries < 0 {
		return errors.New("max retries must not be negative")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Pipeline runs the daily load as a task graph.
type Pipeline struct {
	log *slog.Logger
	cfg Config

	running atomic.Bool
}

func New(cfg Config) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Pipeline{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

// RunOnce runs the pipeline for the day before now, the normal daily
// trigger. Returns ErrRunActive if a run is already in flight.
func (p *Pipeline) RunOnce(ctx context.Context, now time.Time) error {
	return p.run(ctx, runctx.Resolve(now))
}

// RunForDate replays the pipeline for an explicit processing date, used
// for backfills. The run is built from current source state, so a replay
// of an old date reloads whatever the sources return today.
func (p *Pipeline) RunForDate(ctx context.Context, processingDate time.Time) error {
	return p.run(ctx, runctx.ForDate(processingDate, p.cfg.Clock.Now()))
}

func (p *Pipeline) run(ctx context.Context, rc runctx.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		metrics.RunsSkippedActive.Inc()
		p.log.Warn("pipeline: run skipped, another run is active",
			"runID", rc.RunID,
			"processingDate", rc.ProcessingDate.Format(time.DateOnly))
		return ErrRunActive
	}
	defer p.running.Store(false)

	metrics.RunsStarted.Inc()
	started := p.cfg.Clock.Now()
	p.log.Info("pipeline: run started",
		"runID", rc.RunID,
		"processingDate", rc.ProcessingDate.Format(time.DateOnly),
		"loadDate", rc.LoadDate.Format(time.DateOnly))

	graph, err := p.buildGraph(rc)
	if err != nil {
		metrics.RunOutcomes.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to build task graph: %w", err)
	}

	runErr := graph.Run(ctx)

	for _, name := range taskNames {
		metrics.TaskOutcomes.WithLabelValues(name, string(graph.Status(name))).Inc()
	}
	metrics.RunDuration.Observe(p.cfg.Clock.Since(started).Seconds())

	if runErr != nil {
		metrics.RunOutcomes.WithLabelValues("failure").Inc()
		p.log.Error("pipeline: run finished with failures", "runID", rc.RunID, "error", runErr)
		return fmt.Errorf("run %s: %w", rc.RunID, runErr)
	}
	metrics.RunOutcomes.WithLabelValues("success").Inc()
	p.log.Info("pipeline: run succeeded", "runID", rc.RunID, "duration", p.cfg.Clock.Since(started))
	return nil
}

// buildGraph wires the seven tasks of one run. The two sources flow
// through independent extract -> stage -> merge branches that execute in
// parallel; build_mart fans in on both merges. Extracted batches and
// staged row counts are shared between tasks through the run's closures.
func (p *Pipeline) buildGraph(rc runctx.Context) (*dag.Graph, error) {
	graph, err := dag.New(dag.Config{
		Logger:      p.log,
		MaxRetries:  p.cfg.MaxRetries,
		RetryDelay:  p.cfg.RetryDelay,
		TaskTimeout: p.cfg.TaskTimeout,
	})
	if err != nil {
		return nil, err
	}

	var (
		clients      []crm.ClientRecord
		events       []telemetry.Event
		clientsReady atomic.Bool
		eventsReady  atomic.Bool

		stagedClients atomic.Int64
		stagedEvents  atomic.Int64
	)

	tasks := []dag.Task{
		{
			Name: TaskExtractRegistry,
			Run: func(ctx context.Context) error {
				batch, err := p.cfg.Registry.FetchUpdatedSince(ctx, rc.WindowStart)
				if err != nil {
					return fmt.Errorf("failed to extract registry: %w", err)
				}
				clients = batch
				clientsReady.Store(true)
				return nil
			},
		},
		{
			Name:      TaskStageRegistry,
			DependsOn: []string{TaskExtractRegistry},
			Run: func(ctx context.Context) error {
				if !clientsReady.Load() {
					return errors.New("registry batch not extracted")
				}
				n, err := p.cfg.Staging.ReplaceClients(ctx, rc.LoadDate, clients)
				if err != nil {
					return fmt.Errorf("failed to stage registry: %w", err)
				}
				stagedClients.Store(n)
				metrics.StagedRows.WithLabelValues("crm_clients").Add(float64(n))
				return nil
			},
		},
		{
			Name:      TaskMergeRegistry,
			DependsOn: []string{TaskStageRegistry},
			Run: func(ctx context.Context) error {
				if stagedClients.Load() == 0 {
					p.log.Info("pipeline: nothing staged for registry, merge skipped", "runID", rc.RunID)
					return nil
				}
				n, err := p.cfg.ODS.MergeClients(ctx, rc.LoadDate)
				if err != nil {
					return fmt.Errorf("failed to merge registry: %w", err)
				}
				metrics.MergedRows.WithLabelValues("crm_clients").Add(float64(n))
				return nil
			},
		},
		{
			Name: TaskExtractTelemetry,
			Run: func(ctx context.Context) error {
				batch, err := p.cfg.Telemetry.FetchEventsForDate(ctx, rc.ProcessingDate)
				if err != nil {
					return fmt.Errorf("failed to extract telemetry: %w", err)
				}
				events = batch
				eventsReady.Store(true)
				return nil
			},
		},
		{
			Name:      TaskStageTelemetry,
			DependsOn: []string{TaskExtractTelemetry},
			Run: func(ctx context.Context) error {
				if !eventsReady.Load() {
					return errors.New("telemetry batch not extracted")
				}
				n, err := p.cfg.Staging.ReplaceEvents(ctx, rc.LoadDate, events)
				if err != nil {
					return fmt.Errorf("failed to stage telemetry: %w", err)
				}
				stagedEvents.Store(n)
				metrics.StagedRows.WithLabelValues("telemetry").Add(float64(n))
				return nil
			},
		},
		{
			Name:      TaskMergeTelemetry,
			DependsOn: []string{TaskStageTelemetry},
			Run: func(ctx context.Context) error {
				if stagedEvents.Load() == 0 {
					p.log.Info("pipeline: nothing staged for telemetry, merge skipped", "runID", rc.RunID)
					return nil
				}
				n, err := p.cfg.ODS.MergeEvents(ctx, rc.LoadDate, rc.WindowStart, rc.WindowEnd)
				if err != nil {
					return fmt.Errorf("failed to merge telemetry: %w", err)
				}
				metrics.MergedRows.WithLabelValues("telemetry").Add(float64(n))
				return nil
			},
		},
		{
			Name:      TaskBuildMart,
			DependsOn: []string{TaskMergeRegistry, TaskMergeTelemetry},
			Run: func(ctx context.Context) error {
				n, err := p.cfg.Mart.Build(ctx, rc.ProcessingDate)
				if err != nil {
					return fmt.Errorf("failed to build mart: %w", err)
				}
				metrics.MartRows.Set(float64(n))
				return nil
			},
		},
	}

	for _, t := range tasks {
		t.Run = countRetries(t.Name, t.Run)
		if err := graph.Add(t); err != nil {
			return nil, err
		}
	}
	return graph, nil
}

func countRetries(name string, run func(ctx context.Context) error) func(ctx context.Context) error {
	var calls atomic.Int64
	return func(ctx context.Context) error {
		if calls.Add(1) > 1 {
			metrics.TaskRetries.WithLabelValues(name).Inc()
		}
		return run(ctx)
	}
}
