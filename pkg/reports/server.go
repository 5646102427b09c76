package reports

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jonboulle/clockwork"
	"github.com/meridianlabs/clientmart/pkg/runctx"
)

// ReportStore is the lookup surface the HTTP server needs. *Store
// implements it.
type ReportStore interface {
	Latest(ctx context.Context, clientID string, onOrBefore time.Time) (Report, error)
}

type ServerConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Store  ReportStore

	ListenAddr string
}

func (cfg *ServerConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	return nil
}

type Server struct {
	log *slog.Logger
	cfg ServerConfig
}

func NewServer(cfg ServerConfig) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Server{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/reports/{client_id}", s.handleReport)

	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.ListenAddr,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Error("reports: graceful shutdown failed", "error", err)
		}
	}()

	s.log.Info("reports: server listening", "addr", s.cfg.ListenAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// handleReport serves GET /reports/{client_id}?ds=YYYY-MM-DD. Without ds
// the latest complete day is assumed, which is yesterday: the mart is
// built for the day before the load. A ds past that cutoff has no data by
// construction, so it is rejected rather than answered with a miss.
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "client_id")
	cutoff := runctx.Midnight(s.cfg.Clock.Now()).AddDate(0, 0, -1)

	ds := cutoff
	if raw := r.URL.Query().Get("ds"); raw != "" {
		parsed, err := time.Parse(time.DateOnly, raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "ds must be YYYY-MM-DD")
			return
		}
		ds = runctx.Midnight(parsed)
	}
	if ds.After(cutoff) {
		s.writeError(w, http.StatusBadRequest, "ds must not be after the latest complete day")
		return
	}

	report, err := s.cfg.Store.Latest(r.Context(), clientID, ds)
	if errors.Is(err, ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "no report for client")
		return
	}
	if err != nil {
		s.log.Error("reports: lookup failed", "clientID", clientID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(report); err != nil {
		s.log.Error("reports: failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
