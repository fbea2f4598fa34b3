package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/jackalope/internal/config"
)

// App owns the service graph and the daemon context. A fatal service error
// cancels that context, which ends Wait and leads into Stop.
type App struct {
	cfg      *config.Config
	services *Services

	ctx    context.Context
	cancel context.CancelCauseFunc
}

// New opens the work queue and builds every service. Nothing dials the broker yet.
func New(cfg *config.Config) (*App, error) {
	services, err := NewServices(cfg)
	if err != nil {
		return nil, err
	}
	return &App{cfg: cfg, services: services}, nil
}

// Start runs the checkpoint loop, the drain session, the broker client and
// the health server under a context derived from ctx.
func (a *App) Start(ctx context.Context) error {
	a.ctx, a.cancel = context.WithCancelCause(ctx)

	if err := a.services.Start(a.ctx, a.fatal); err != nil {
		return err
	}

	queued, inFlight := a.services.MQTT.Session.Backlog()
	log.Info().
		Str("broker", a.cfg.MQTT.Broker).
		Str("backend", a.cfg.Queue.Backend).
		Int("buffered", queued+inFlight).
		Msg("Jackalope started")
	return nil
}

func (a *App) fatal(err error) {
	log.Error().Err(err).Msg("Fatal error, initiating shutdown")
	a.cancel(err)
}

// Err returns the fatal error that stopped the app, if any.
func (a *App) Err() error {
	if a.ctx == nil {
		return nil
	}
	if err := context.Cause(a.ctx); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// Wait blocks until a shutdown signal or a fatal error.
func (a *App) Wait() {
	if a.ctx != nil {
		<-a.ctx.Done()
	}
}

// Stop cancels background work and closes the broker session before the
// queue, so the final checkpoint is written with nothing in flight.
// Whatever is still buffered is reported and kept for the next start.
func (a *App) Stop() error {
	log.Info().Msg("Shutting down...")

	if a.cancel != nil {
		a.cancel(nil)
	}
	if a.services == nil {
		return nil
	}

	queued, inFlight := a.services.MQTT.Session.Backlog()
	if queued+inFlight > 0 {
		log.Info().Int("queued", queued).Int("in_flight", inFlight).Msg("Work left buffered for next start")
	}
	return a.services.Stop()
}

// SignalContext returns a context cancelled by SIGINT or SIGTERM.
func SignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
