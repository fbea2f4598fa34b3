// Package session drains buffered protocol actions to the broker while a
// connection is up.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/dokzlo13/jackalope/internal/expiry"
	"github.com/dokzlo13/jackalope/internal/work"
	"github.com/dokzlo13/jackalope/internal/worklist"
)

var errUnknownKind = errors.New("unknown work kind")

// Transport executes protocol actions against a connected broker.
// Each call returns once the broker acknowledged the action or ctx ends.
type Transport interface {
	Publish(ctx context.Context, topic string, qos byte, retain bool, payload []byte) error
	Subscribe(ctx context.Context, filters []work.Filter) error
	Unsubscribe(ctx context.Context, topics []string) error
}

// Config contains drain loop settings.
type Config struct {
	DefaultTTL time.Duration // TTL for actions enqueued without one, 0 = never expire
	RateLimit  float64       // Actions per second, 0 = unlimited
	AckTimeout time.Duration // How long to wait for a broker acknowledgement
	RetryDelay time.Duration // Pause before retrying a failed action
}

// Session owns the drain loop over the work list.
type Session struct {
	list      worklist.WorkList[work.Item]
	transport Transport
	clock     expiry.Clock
	cfg       Config
	limiter   *rate.Limiter

	wake chan struct{}

	// claimMu makes enqueue and the head peek+claim atomic with respect to
	// each other. A push between them could evict the peeked head.
	claimMu sync.Mutex

	mu        sync.Mutex
	connected bool
	resetDue  bool
}

// New creates a session. Call SetTransport before Run if the transport is
// constructed after the session.
func New(list worklist.WorkList[work.Item], transport Transport, clock expiry.Clock, cfg Config) *Session {
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 30 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RateLimit > 0 {
		burst := int(cfg.RateLimit)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	return &Session{
		list:      list,
		transport: transport,
		clock:     clock,
		cfg:       cfg,
		limiter:   limiter,
		wake:      make(chan struct{}, 1),
	}
}

// SetTransport replaces the transport. Must be called before Run.
func (s *Session) SetTransport(t Transport) {
	s.transport = t
}

// PublishOptions controls a single publish.
type PublishOptions struct {
	QoS    byte
	Retain bool
	// TTL overrides the default TTL; negative means the message never expires.
	TTL time.Duration
}

// Publish buffers a publish and wakes the drain loop.
func (s *Session) Publish(topic string, payload []byte, opts PublishOptions) error {
	return s.enqueue(work.NewPublish(topic, payload, opts.QoS, opts.Retain, s.expiration(opts.TTL)))
}

// Subscribe buffers a subscribe for filters.
func (s *Session) Subscribe(filters ...work.Filter) error {
	return s.enqueue(work.NewSubscribe(filters, s.expiration(0)))
}

// Unsubscribe buffers an unsubscribe for topics.
func (s *Session) Unsubscribe(topics ...string) error {
	return s.enqueue(work.NewUnsubscribe(topics, s.expiration(0)))
}

func (s *Session) expiration(ttl time.Duration) expiry.Expiration {
	switch {
	case ttl < 0:
		return expiry.Never()
	case ttl == 0:
		return expiry.FromTTL(s.clock, s.cfg.DefaultTTL)
	default:
		return expiry.FromTTL(s.clock, ttl)
	}
}

func (s *Session) enqueue(item work.Item) error {
	s.claimMu.Lock()
	err := s.list.Push(item)
	s.claimMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to buffer %s: %w", item.Kind, err)
	}
	log.Debug().Str("id", item.ID).Str("kind", string(item.Kind)).Str("topic", item.Topic).Msg("Buffered work item")
	s.notify()
	return nil
}

// Connected is called when a broker session comes up.
// Anything left pending by the previous session is returned to the queue first.
func (s *Session) Connected() {
	s.mu.Lock()
	s.connected = true
	s.resetDue = true
	s.mu.Unlock()
	s.notify()
}

// Disconnected is called when the broker session is lost.
func (s *Session) Disconnected(err error) {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
	log.Debug().Err(err).Msg("Session paused until reconnect")
}

// IsConnected reports whether a broker session is up.
func (s *Session) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Backlog returns the number of buffered and in-flight items.
func (s *Session) Backlog() (queued, inFlight int) {
	return s.list.Count(), s.list.CountPending()
}

func (s *Session) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
		// Already woken
	}
}

func (s *Session) takeReset() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	due := s.resetDue
	s.resetDue = false
	return due
}

// Run drains the work list whenever woken until ctx is done.
func (s *Session) Run(ctx context.Context) error {
	log.Info().Float64("rate_limit", s.cfg.RateLimit).Msg("Session drain loop started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Session drain loop stopping")
			return nil
		case <-s.wake:
			s.drain(ctx)
		}
	}
}

func (s *Session) drain(ctx context.Context) {
	for ctx.Err() == nil && s.IsConnected() {
		if s.takeReset() {
			if err := s.list.ResetPending(); err != nil {
				log.Error().Err(err).Msg("Failed to return pending items to the work list")
				s.retryLater(ctx)
				return
			}
		}

		if err := s.limiter.Wait(ctx); err != nil {
			return
		}

		item, token, ok, err := s.claim()
		if err != nil {
			log.Error().Err(err).Msg("Failed to claim work item")
			s.retryLater(ctx)
			return
		}
		if !ok {
			return
		}
		if token == "" {
			// Lapsed head was dropped
			continue
		}

		err = s.execute(ctx, item)
		switch {
		case err == nil:
		case errors.Is(err, errUnknownKind):
			log.Error().Err(err).Str("id", item.ID).Msg("Discarding unsupported work item")
		default:
			log.Warn().Err(err).Str("id", item.ID).Str("kind", string(item.Kind)).Msg("Work item failed, will retry")
			if err := s.list.ResetPending(); err != nil {
				log.Error().Err(err).Msg("Failed to return pending items to the work list")
			}
			s.retryLater(ctx)
			return
		}

		s.complete(token, item)
	}
}

// claim takes the head of the work list under token. Lapsed heads are popped
// and reported with an empty token. The rate limiter runs before the claim so
// no lock is held while waiting.
func (s *Session) claim() (work.Item, string, bool, error) {
	s.claimMu.Lock()
	defer s.claimMu.Unlock()

	item, ok, err := s.list.Peek()
	if err != nil || !ok {
		return item, "", ok, err
	}

	if item.Expires.Reached(s.clock.Now()) {
		log.Info().Str("id", item.ID).Str("kind", string(item.Kind)).Str("topic", item.Topic).Msg("Dropping expired work item")
		if err := s.list.Pop(); err != nil {
			return item, "", false, fmt.Errorf("drop expired item: %w", err)
		}
		return item, "", true, nil
	}

	token := uuid.NewString()
	if err := s.list.Pending(token); err != nil {
		return item, "", false, fmt.Errorf("mark item in flight: %w", err)
	}
	return item, token, true, nil
}

// complete finishes token and checks it covered the item that was sent.
// A mismatched item was never sent, so it goes back on the list.
func (s *Session) complete(token string, sent work.Item) {
	done, err := s.list.Done(token)
	if err != nil {
		log.Warn().Err(err).Str("token", token).Msg("Failed to complete work item")
		return
	}
	if done.ID == sent.ID {
		return
	}

	log.Error().
		Str("sent", sent.ID).
		Str("completed", done.ID).
		Msg("Completed work item does not match the one sent, requeueing it")
	if err := s.enqueue(done); err != nil {
		log.Error().Err(err).Str("id", done.ID).Msg("Failed to requeue unsent work item")
	}
}

func (s *Session) execute(ctx context.Context, item work.Item) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.AckTimeout)
	defer cancel()

	switch item.Kind {
	case work.KindPublish:
		return s.transport.Publish(ctx, item.Topic, item.QoS, item.Retain, item.Payload)
	case work.KindSubscribe:
		return s.transport.Subscribe(ctx, item.Filters)
	case work.KindUnsubscribe:
		return s.transport.Unsubscribe(ctx, item.Topics)
	default:
		return fmt.Errorf("%w %q", errUnknownKind, item.Kind)
	}
}

// retryLater wakes the loop again after RetryDelay unless ctx ends first.
func (s *Session) retryLater(ctx context.Context) {
	timer := time.NewTimer(s.cfg.RetryDelay)
	go func() {
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
			s.notify()
		}
	}()
}
