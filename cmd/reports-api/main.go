package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	flag "github.com/spf13/pflag"

	"github.com/meridianlabs/clientmart/pkg/reports"
	"github.com/meridianlabs/clientmart/pkg/warehouse"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultListenAddr = ":8080"

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

	olap, err := warehouse.Connect(ctx, warehouse.Config{
		Logger: log,
		DSN:    cfg.OLAPDSN,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to warehouse: %w", err)
	}
	defer olap.Close()

	store, err := reports.NewStore(reports.StoreConfig{Logger: log, DB: olap})
	if err != nil {
		return fmt.Errorf("failed to create report store: %w", err)
	}

	server, err := reports.NewServer(reports.ServerConfig{
		Logger:     log,
		Store:      store,
		ListenAddr: cfg.ListenAddr,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	if err := server.Run(ctx); err != nil {
		return err
	}
	log.Info("context cancelled, server stopped")
	return nil
}

type Config struct {
	ShowVersion bool
	Verbose     bool

	ListenAddr string
	OLAPDSN    string
}

func getenv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func loadConfig() (Config, error) {
	var cfg Config

	flag.BoolVar(&cfg.ShowVersion, "version", false, "show version and exit")
	flag.BoolVar(&cfg.Verbose, "verbose", false, "verbose mode - show debug logs")
	flag.StringVar(&cfg.ListenAddr, "listen-addr", getenv("LISTEN_ADDR", defaultListenAddr), "address to serve the reports API on (env: LISTEN_ADDR)")
	flag.StringVar(&cfg.OLAPDSN, "olap-dsn", getenv("OLAP_DSN", ""), "warehouse postgres DSN (env: OLAP_DSN)")

	flag.Parse()

	if cfg.ShowVersion {
		return cfg, nil
	}
	if cfg.OLAPDSN == "" {
		return Config{}, errors.New("--olap-dsn is required")
	}
	return cfg, nil
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
