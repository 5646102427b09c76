package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/meridianlabs/clientmart/pkg/etl"
	"github.com/meridianlabs/clientmart/pkg/etl/mart"
	"github.com/meridianlabs/clientmart/pkg/etl/metrics"
	"github.com/meridianlabs/clientmart/pkg/etl/ods"
	"github.com/meridianlabs/clientmart/pkg/etl/stage"
	"github.com/meridianlabs/clientmart/pkg/sources/crm"
	"github.com/meridianlabs/clientmart/pkg/sources/telemetry"
	"github.com/meridianlabs/clientmart/pkg/warehouse"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultMetricsAddr = ":9090"
	defaultTriggerAt   = "02:00"
	defaultMaxRetries  = 2
	defaultRetryDelay  = 5 * time.Minute
	defaultTaskTimeout = 30 * time.Minute
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if cfg.ShowVersion {
		fmt.Printf("version: %s, commit: %s, date: %s\n", version, commit, date)
		return nil
	}

	log := newLogger(cfg.Verbose)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfg.MetricsAddr != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		go func() {
			listener, err := net.Listen("tcp", cfg.MetricsAddr)
			if err != nil {
				log.Error("failed to start prometheus metrics server listener", "error", err)
				os.Exit(1)
			}
			log.Info("prometheus metrics server listening", "address", listener.Addr().String())
			http.Handle("/metrics", promhttp.Handler())
			if err := http.Serve(listener, nil); err != nil {
				log.Error("failed to start prometheus metrics server", "error", err)
				os.Exit(1)
			}
		}()
	}

	olap, err := warehouse.Connect(ctx, warehouse.Config{
		Logger: log,
		DSN:    cfg.OLAPDSN,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to warehouse: %w", err)
	}
	defer olap.Close()

	if err := warehouse.RunMigrations(ctx, log, olap); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	telemetryDB, err := warehouse.Connect(ctx, warehouse.Config{
		Logger: log,
		DSN:    cfg.TelemetryDSN,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to telemetry source: %w", err)
	}
	defer telemetryDB.Close()

	registry, err := crm.NewClient(crm.Config{
		Logger:  log,
		BaseURL: cfg.CRMAPIURL,
		Token:   cfg.CRMAPIToken,
	})
	if err != nil {
		return fmt.Errorf("failed to create crm client: %w", err)
	}

	events, err := telemetry.NewSource(telemetry.SourceConfig{
		Logger: log,
		DB:     telemetryDB,
	})
	if err != nil {
		return fmt.Errorf("failed to create telemetry source: %w", err)
	}

	staging, err := stage.NewStore(stage.StoreConfig{Logger: log, DB: olap})
	if err != nil {
		return fmt.Errorf("failed to create staging store: %w", err)
	}

	odsStore, err := ods.NewStore(ods.StoreConfig{Logger: log, DB: olap})
	if err != nil {
		return fmt.Errorf("failed to create ods store: %w", err)
	}

	martStore, err := mart.NewStore(mart.StoreConfig{Logger: log, DB: olap})
	if err != nil {
		return fmt.Errorf("failed to create mart store: %w", err)
	}
	builder, err := mart.NewBuilder(mart.BuilderConfig{Logger: log, Store: martStore})
	if err != nil {
		return fmt.Errorf("failed to create mart builder: %w", err)
	}

	pipeline, err := etl.New(etl.Config{
		Logger:      log,
		Registry:    registry,
		Telemetry:   events,
		Staging:     staging,
		ODS:         odsStore,
		Mart:        builder,
		MaxRetries:  cfg.MaxRetries,
		RetryDelay:  cfg.RetryDelay,
		TaskTimeout: cfg.TaskTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}

	if cfg.Once {
		if cfg.Date != "" {
			ds, err := time.Parse(time.DateOnly, cfg.Date)
			if err != nil {
				return fmt.Errorf("invalid --date %q: %w", cfg.Date, err)
			}
			return pipeline.RunForDate(ctx, ds)
		}
		return pipeline.RunOnce(ctx, time.Now())
	}

	triggerAt, err := parseTriggerAt(cfg.TriggerAt)
	if err != nil {
		return err
	}
	scheduler, err := etl.NewScheduler(etl.SchedulerConfig{
		Logger:    log,
		Runner:    pipeline,
		TriggerAt: triggerAt,
	})
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	if err := scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("context cancelled, scheduler stopped")
	return nil
}

type Config struct {
	ShowVersion bool
	Verbose     bool
	MetricsAddr string

	Once bool
	Date string

	TriggerAt   string
	MaxRetries  int
	RetryDelay  time.Duration
	TaskTimeout time.Duration

	OLAPDSN      string
	TelemetryDSN string
	CRMAPIURL    string
	CRMAPIToken  string
}

func getenv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", key, v, err)
	}
	return i, nil
}

func getenvDuration(key string, def time.Duration) (time.Duration, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", key, v, err)
	}
	return d, nil
}

func loadConfig() (Config, error) {
	var cfg Config

	flag.BoolVar(&cfg.ShowVersion, "version", false, "show version and exit")
	flag.BoolVar(&cfg.Verbose, "verbose", false, "verbose mode - show debug logs")
	flag.StringVar(&cfg.MetricsAddr, "metrics-addr", getenv("METRICS_ADDR", defaultMetricsAddr), "address to listen on for prometheus metrics (env: METRICS_ADDR)")

	flag.BoolVar(&cfg.Once, "once", false, "run a single load and exit instead of scheduling")
	flag.StringVar(&cfg.Date, "date", "", "explicit processing date YYYY-MM-DD for a replay, implies --once")
	flag.StringVar(&cfg.TriggerAt, "trigger-at", getenv("TRIGGER_AT", defaultTriggerAt), "daily trigger time HH:MM UTC (env: TRIGGER_AT)")

	flag.StringVar(&cfg.OLAPDSN, "olap-dsn", getenv("OLAP_DSN", ""), "warehouse postgres DSN (env: OLAP_DSN)")
	flag.StringVar(&cfg.TelemetryDSN, "telemetry-dsn", getenv("TELEMETRY_DSN", ""), "telemetry source postgres DSN (env: TELEMETRY_DSN)")
	flag.StringVar(&cfg.CRMAPIURL, "crm-api-url", getenv("CRM_API_URL", ""), "CRM API base URL (env: CRM_API_URL)")
	flag.StringVar(&cfg.CRMAPIToken, "crm-api-token", getenv("CRM_API_TOKEN", ""), "CRM API bearer token (env: CRM_API_TOKEN)")

	maxRetries, err := getenvInt("MAX_RETRIES", defaultMaxRetries)
	if err != nil {
		return Config{}, err
	}
	retryDelay, err := getenvDuration("RETRY_DELAY", defaultRetryDelay)
	if err != nil {
		return Config{}, err
	}
	taskTimeout, err := getenvDuration("TASK_TIMEOUT", defaultTaskTimeout)
	if err != nil {
		return Config{}, err
	}
	flag.IntVar(&cfg.MaxRetries, "max-retries", maxRetries, "task re-attempts after the first failure (env: MAX_RETRIES)")
	flag.DurationVar(&cfg.RetryDelay, "retry-delay", retryDelay, "fixed delay between task attempts (env: RETRY_DELAY)")
	flag.DurationVar(&cfg.TaskTimeout, "task-timeout", taskTimeout, "timeout for a single task attempt, 0 disables (env: TASK_TIMEOUT)")

	flag.Parse()

	if cfg.ShowVersion {
		return cfg, nil
	}

	if cfg.Date != "" {
		cfg.Once = true
	}
	if cfg.OLAPDSN == "" {
		return Config{}, errors.New("--olap-dsn is required")
	}
	if cfg.TelemetryDSN == "" {
		return Config{}, errors.New("--telemetry-dsn is required")
	}
	if cfg.CRMAPIURL == "" {
		return Config{}, errors.New("--crm-api-url is required")
	}
	if cfg.CRMAPIToken == "" {
		return Config{}, errors.New("--crm-api-token is required")
	}
	return cfg, nil
}

// parseTriggerAt turns "HH:MM" into an offset from UTC midnight.
func parseTriggerAt(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid --trigger-at %q, want HH:MM: %w", s, err)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

func newLogger(verbose bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level: logLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				t := a.Value.Time().UTC()
				a.Value = slog.StringValue(formatRFC3339Millis(t))
			}
			if s, ok := a.Value.Any().(string); ok && s == "" {
				return slog.Attr{}
			}
			return a
		},
	}))
}

func formatRFC3339Millis(t time.Time) string {
	t = t.UTC()
	base := t.Format("2006-01-02T15:04:05")
	ms := t.Nanosecond() / 1_000_000
	return fmt.Sprintf("%s.%03dZ", base, ms)
}
