package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/jackalope/internal/config"
)

// ConnectionState reports whether a broker session is up.
type ConnectionState interface {
	IsConnected() bool
}

// Backlog reports buffered and in-flight work.
type Backlog interface {
	Backlog() (queued, inFlight int)
}

// HealthService provides HTTP health check endpoints.
type HealthService struct {
	cfg     *config.Config
	conn    ConnectionState
	backlog Backlog
	server  *http.Server
}

// NewHealthService creates a new HealthService.
func NewHealthService(cfg *config.Config, conn ConnectionState, backlog Backlog) *HealthService {
	return &HealthService{
		cfg:     cfg,
		conn:    conn,
		backlog: backlog,
	}
}

// Start begins the health check server if enabled. A server that cannot
// listen is reported through onFatalError.
func (s *HealthService) Start(ctx context.Context, onFatalError func(error)) {
	if !s.cfg.Healthcheck.Enabled {
		return
	}

	go s.run(ctx, onFatalError)
}

// Handler returns the health check routes.
func (s *HealthService) Handler() http.Handler {
	mux := http.NewServeMux()

	// Liveness
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "healthy"})
	})

	// Ready only while the broker session is up
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if !s.conn.IsConnected() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "disconnected"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	})

	mux.HandleFunc("/queue", func(w http.ResponseWriter, r *http.Request) {
		queued, inFlight := s.backlog.Backlog()
		writeJSON(w, http.StatusOK, map[string]any{
			"queued":    queued,
			"in_flight": inFlight,
			"connected": s.conn.IsConnected(),
		})
	})

	return mux
}

func (s *HealthService) run(ctx context.Context, onFatalError func(error)) {
	addr := fmt.Sprintf("%s:%d", s.cfg.Healthcheck.Host, s.cfg.Healthcheck.Port)

	s.server = &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}

	log.Info().Str("addr", addr).Msg("Starting health check server")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout.Duration())
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Health check server shutdown error")
		}
	}()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("Health check server error")
		if onFatalError != nil {
			onFatalError(fmt.Errorf("health check server: %w", err))
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Debug().Err(err).Msg("Failed to write health response")
	}
}
