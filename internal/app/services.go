package app

import (
	"context"

	"github.com/dokzlo13/jackalope/internal/config"
)

// Services is a container for all application services.
// It manages service initialization order and dependencies.
type Services struct {
	cfg *config.Config

	Queue  *QueueService
	MQTT   *MQTTService
	Health *HealthService
}

// NewServices creates all services with proper dependency injection.
func NewServices(cfg *config.Config) (*Services, error) {
	s := &Services{cfg: cfg}

	// Recover the work queue before anything can enqueue
	queue, err := NewQueueService(cfg.Queue)
	if err != nil {
		return nil, err
	}
	s.Queue = queue

	s.MQTT = NewMQTTService(cfg, queue.Queue, queue.Clock)
	s.Health = NewHealthService(cfg, s.MQTT.Session, s.MQTT.Session)

	return s, nil
}

// Start starts all background services. onFatalError is called when a
// service cannot keep running.
func (s *Services) Start(ctx context.Context, onFatalError func(error)) error {
	s.Queue.StartBackground(ctx)
	s.MQTT.StartBackground(ctx)
	s.Health.Start(ctx, onFatalError)
	return nil
}

// Stop gracefully stops all services.
func (s *Services) Stop() error {
	s.Close()
	return nil
}

// Close releases all resources. The broker goes first so nothing is
// in flight when the queue writes its final checkpoint.
func (s *Services) Close() {
	if s.MQTT != nil {
		s.MQTT.Close()
	}
	if s.Queue != nil {
		s.Queue.Close()
	}
}
