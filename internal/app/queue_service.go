package app

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/jackalope/internal/config"
	"github.com/dokzlo13/jackalope/internal/expiry"
	"github.com/dokzlo13/jackalope/internal/work"
	"github.com/dokzlo13/jackalope/internal/worklist"
)

// QueueService owns the persistent work queue and its checkpoint loop.
type QueueService struct {
	cfg   config.QueueConfig
	Clock expiry.Clock
	Queue *worklist.Queue[work.Item]
}

// NewQueueService opens the configured storage backend and recovers the queue.
func NewQueueService(cfg config.QueueConfig) (*QueueService, error) {
	clock := expiry.NewMonotonic()
	q, err := OpenQueue(cfg, clock)
	if err != nil {
		return nil, err
	}
	return &QueueService{cfg: cfg, Clock: clock, Queue: q}, nil
}

// OpenQueue opens the work queue described by cfg using clock as time source.
func OpenQueue(cfg config.QueueConfig, clock expiry.Clock) (*worklist.Queue[work.Item], error) {
	storage, err := worklist.OpenStorage(cfg.Backend, cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s queue storage at %s: %w", cfg.Backend, cfg.DataDir, err)
	}

	q, err := worklist.Open(worklist.Config[work.Item]{
		MaxSize:          cfg.MaxSize,
		Storage:          storage,
		Expiration:       work.Expiration,
		UpdateExpiration: work.WithExpiration,
		Clock:            clock,
	})
	if err != nil {
		_ = storage.Close()
		return nil, err
	}

	log.Info().
		Str("backend", cfg.Backend).
		Str("dir", cfg.DataDir).
		Int("count", q.Count()).
		Int("max_size", cfg.MaxSize).
		Msg("Work queue opened")
	return q, nil
}

// StartBackground starts the periodic checkpoint loop.
func (s *QueueService) StartBackground(ctx context.Context) {
	go s.Queue.Run(ctx, s.cfg.CheckpointInterval.Duration())
}

// Close writes a final checkpoint and closes storage.
func (s *QueueService) Close() {
	if err := s.Queue.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close work queue")
	}
}
