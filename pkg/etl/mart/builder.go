package mart

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
)

// BuilderStore is the persistence surface the builder needs. *Store
// implements it against the warehouse.
type BuilderStore interface {
	FactsForDate(ctx context.Context, ds time.Time) ([]Fact, error)
	Dimension(ctx context.Context) ([]DimensionRow, error)
	Replace(ctx context.Context, ds time.Time, rows []Row) error
}

type BuilderConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Store  BuilderStore
}

func (cfg *BuilderConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Builder recomputes the mart partition for one processing date.
type Builder struct {
	log   *slog.Logger
	cfg   BuilderConfig
	store BuilderStore
}

func NewBuilder(cfg BuilderConfig) (*Builder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Builder{
		log:   cfg.Logger,
		cfg:   cfg,
		store: cfg.Store,
	}, nil
}

// Build replaces the mart partition for ds with freshly aggregated rows
// and returns how many rows were written.
func (b *Builder) Build(ctx context.Context, ds time.Time) (int, error) {
	facts, err := b.store.FactsForDate(ctx, ds)
	if err != nil {
		return 0, fmt.Errorf("failed to read facts: %w", err)
	}
	dims, err := b.store.Dimension(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read dimension: %w", err)
	}

	rows := BuildRows(ds, b.cfg.Clock.Now().UTC(), facts, dims)
	if err := b.store.Replace(ctx, ds, rows); err != nil {
		return 0, fmt.Errorf("failed to replace mart partition: %w", err)
	}

	b.log.Info("mart: built partition", "ds", ds.Format(time.DateOnly), "facts", len(facts), "rows", len(rows))
	return len(rows), nil
}
