package worklist

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/jackalope/internal/expiry"
)

// Defaults
const (
	DefaultMaxSize            = 100
	DefaultCheckpointInterval = 10 * time.Minute
)

// Config configures a Queue.
type Config[T any] struct {
	// MaxSize bounds active plus pending items after each push (default: 100).
	MaxSize int

	// Storage holds the encoded items and the clock checkpoint. Required.
	Storage Storage

	// Codec encodes items for Storage (default: JSONCodec).
	Codec Codec[T]

	// Expiration derives an item's expiration. Required.
	Expiration func(T) expiry.Expiration

	// UpdateExpiration returns item with its embedded expiration replaced.
	// Expiration(UpdateExpiration(item, e)) must equal e. Required.
	UpdateExpiration func(T, expiry.Expiration) T

	// Clock is the time source (default: expiry.NewMonotonic()).
	Clock expiry.Clock
}

// Queue is the WorkList implementation over a Storage backend.
// A single mutex serializes every operation, including checkpoints.
type Queue[T any] struct {
	mu sync.Mutex

	storage      Storage
	codec        Codec[T]
	expirationFn func(T) expiry.Expiration
	updateFn     func(T, expiry.Expiration) T
	clock        expiry.Clock
	maxSize      int

	bottom      uint64
	next        uint64
	expired     map[uint64]struct{}
	expirations map[uint64]expiry.Expiration
	pending     map[string]uint64

	// broken is set after a fatal error; state is reloaded from storage
	// before the next operation runs.
	broken bool
	closed bool
}

var _ WorkList[struct{}] = (*Queue[struct{}])(nil)

// Open recovers the queue from storage and returns it ready for use.
func Open[T any](cfg Config[T]) (*Queue[T], error) {
	if cfg.Storage == nil {
		return nil, errors.New("worklist: storage is required")
	}
	if cfg.Expiration == nil || cfg.UpdateExpiration == nil {
		return nil, errors.New("worklist: expiration functions are required")
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	if cfg.Codec == nil {
		cfg.Codec = JSONCodec[T]{}
	}
	if cfg.Clock == nil {
		cfg.Clock = expiry.NewMonotonic()
	}

	q := &Queue[T]{
		storage:      cfg.Storage,
		codec:        cfg.Codec,
		expirationFn: cfg.Expiration,
		updateFn:     cfg.UpdateExpiration,
		clock:        cfg.Clock,
		maxSize:      cfg.MaxSize,
	}

	if err := q.recover(false); err != nil {
		return nil, fmt.Errorf("worklist: recovery failed: %w", err)
	}
	return q, nil
}

func (q *Queue[T]) resetState() {
	q.bottom = 0
	q.next = 0
	q.expired = make(map[uint64]struct{})
	q.expirations = make(map[uint64]expiry.Expiration)
	q.pending = make(map[string]uint64)
}

// recover rebuilds all bookkeeping from storage. Every stored item becomes
// active again, including items that were pending when the process stopped.
// A reload inside the same process keeps the clock epoch, so expirations are
// only rebased after a restart.
func (q *Queue[T]) recover(reload bool) error {
	q.resetState()

	indices, err := q.storage.Indices()
	if err != nil {
		return fmt.Errorf("failed to list stored items: %w", err)
	}

	now := q.clock.Now()
	stop := now
	if !reload {
		ts, ok, err := q.storage.ReadCheckpoint()
		if err != nil {
			return err
		}
		if ok {
			stop = ts
		}
	}

	live := make([]uint64, 0, len(indices))
	for _, index := range indices {
		data, err := q.storage.Read(index)
		if err != nil {
			return err
		}

		item, err := q.codec.Unmarshal(data)
		if err != nil {
			log.Warn().Err(err).Uint64("index", index).Msg("Discarding undecodable work item")
			if err := q.storage.Delete(index); err != nil {
				return err
			}
			continue
		}

		stored := q.expirationFn(item)
		rebased := expiry.Rebase(stored, stop, now)
		if rebased != stored {
			data, err := q.codec.Marshal(q.updateFn(item, rebased))
			if err != nil {
				return fmt.Errorf("failed to encode item %d: %w", index, err)
			}
			if err := q.storage.Rewrite(index, data); err != nil {
				return err
			}
		}

		q.expirations[index] = rebased
		live = append(live, index)
	}

	if len(live) > 0 {
		q.bottom = live[0]
		q.next = live[len(live)-1] + 1

		// Holes between stored items were evicted before the restart.
		j := 0
		for index := q.bottom; index < q.next; index++ {
			if live[j] == index {
				j++
				continue
			}
			q.expired[index] = struct{}{}
		}
	}

	// Without a fresh checkpoint a second crash would subtract the
	// same downtime from the already rebased items again.
	if err := q.storage.WriteCheckpoint(now); err != nil {
		return err
	}

	q.broken = false

	log.Info().
		Int("count", len(live)).
		Uint64("bottom", q.bottom).
		Uint64("next", q.next).
		Int64("checkpoint", stop).
		Msg("Work list recovered")
	return nil
}

// ready must be called with the lock held at the start of each operation.
func (q *Queue[T]) ready() error {
	if q.closed {
		return ErrClosed
	}
	if q.broken {
		log.Warn().Msg("Reloading work list from storage after failure")
		if err := q.recover(true); err != nil {
			return fmt.Errorf("worklist: recovery failed: %w", err)
		}
	}
	return nil
}

// fail marks the in-memory state as untrusted and wraps err for the caller.
func (q *Queue[T]) fail(op string, err error) error {
	q.broken = true
	log.Error().Err(err).Str("op", op).Msg("Work list invariant violated, state will be reloaded")
	return fmt.Errorf("worklist: %s: %w", op, err)
}

// Push implements WorkList.
func (q *Queue[T]) Push(item T) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.ready(); err != nil {
		return err
	}

	data, err := q.codec.Marshal(item)
	if err != nil {
		return fmt.Errorf("worklist: failed to encode item: %w", err)
	}

	index := q.next
	if err := q.storage.Write(index, data); err != nil {
		if errors.Is(err, ErrItemExists) {
			return q.fail("push", err)
		}
		return fmt.Errorf("worklist: push: %w", err)
	}

	q.expirations[index] = q.expirationFn(item)
	q.next++

	if err := q.bound(); err != nil {
		return q.fail("push", err)
	}
	return nil
}

// Peek implements WorkList.
func (q *Queue[T]) Peek() (T, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if err := q.ready(); err != nil {
		return zero, false, err
	}
	if q.bottom >= q.next {
		return zero, false, nil
	}

	data, err := q.storage.Read(q.bottom)
	if err != nil {
		return zero, false, q.fail("peek", err)
	}
	item, err := q.codec.Unmarshal(data)
	if err != nil {
		return zero, false, q.fail("peek", fmt.Errorf("decode index %d: %w", q.bottom, err))
	}
	return item, true, nil
}

// Pop implements WorkList.
func (q *Queue[T]) Pop() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.ready(); err != nil {
		return err
	}
	if q.bottom >= q.next {
		return nil
	}

	if err := q.discard(q.bottom); err != nil {
		return q.fail("pop", err)
	}
	q.advance()
	return nil
}

// Pending implements WorkList. Only an index inside the active window can be
// taken, and every such index has a stored item, so a token is never
// recorded against missing data.
func (q *Queue[T]) Pending(token string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.ready(); err != nil {
		return err
	}
	if _, ok := q.pending[token]; ok {
		return ErrTokenInUse
	}
	if q.bottom >= q.next {
		return ErrEmpty
	}

	q.pending[token] = q.bottom
	q.bottom++
	q.advance()
	return nil
}

// Done implements WorkList.
func (q *Queue[T]) Done(token string) (T, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if err := q.ready(); err != nil {
		return zero, err
	}

	index, ok := q.pending[token]
	if !ok {
		log.Warn().Str("token", token).Msg("Completion for unknown pending token")
		return zero, ErrNotFound
	}

	data, err := q.storage.Read(index)
	if err != nil {
		return zero, q.fail("done", err)
	}
	item, err := q.codec.Unmarshal(data)
	if err != nil {
		return zero, q.fail("done", fmt.Errorf("decode index %d: %w", index, err))
	}

	delete(q.pending, token)
	if err := q.discard(index); err != nil {
		return zero, q.fail("done", err)
	}
	q.prune()
	return item, nil
}

// Count implements WorkList.
func (q *Queue[T]) Count() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.ready(); err != nil {
		q.logUnavailable(err, "active")
		return 0
	}
	return q.activeCount()
}

// CountPending implements WorkList.
func (q *Queue[T]) CountPending() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.ready(); err != nil {
		q.logUnavailable(err, "pending")
		return 0
	}
	return len(q.pending)
}

func (q *Queue[T]) logUnavailable(err error, what string) {
	if errors.Is(err, ErrClosed) {
		return
	}
	log.Error().Err(err).Str("count", what).Msg("Work list unavailable, reporting zero")
}

// Empty implements WorkList.
func (q *Queue[T]) Empty() bool {
	return q.Count() == 0
}

// ResetPending implements WorkList.
func (q *Queue[T]) ResetPending() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.ready(); err != nil {
		return err
	}
	if len(q.pending) == 0 {
		return nil
	}

	lowest := q.bottom
	for _, index := range q.pending {
		if index < lowest {
			lowest = index
		}
	}

	log.Debug().Int("pending", len(q.pending)).Uint64("bottom", lowest).Msg("Returning pending items to the work list")

	q.pending = make(map[string]uint64)
	q.bottom = lowest
	q.advance()
	return nil
}

// RemoveAll implements WorkList.
func (q *Queue[T]) RemoveAll() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.ready(); err != nil {
		return err
	}
	if err := q.storage.Purge(); err != nil {
		return q.fail("remove_all", err)
	}
	q.resetState()
	return nil
}

// Checkpoint persists the current clock reading.
func (q *Queue[T]) Checkpoint() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	return q.storage.WriteCheckpoint(q.clock.Now())
}

// Run checkpoints every interval until ctx is done, then once more.
func (q *Queue[T]) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultCheckpointInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := q.Checkpoint(); err != nil && !errors.Is(err, ErrClosed) {
				log.Warn().Err(err).Msg("Failed to write final work list checkpoint")
			}
			return
		case <-ticker.C:
			if err := q.Checkpoint(); err != nil {
				log.Warn().Err(err).Msg("Failed to write work list checkpoint")
			}
		}
	}
}

// Close writes a final checkpoint and closes the storage.
func (q *Queue[T]) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true

	return errors.Join(
		q.storage.WriteCheckpoint(q.clock.Now()),
		q.storage.Close(),
	)
}

// discard deletes the stored item at index and records the index as gone.
// The record is kept while a pending item below it could still be rewound over.
func (q *Queue[T]) discard(index uint64) error {
	if err := q.storage.Delete(index); err != nil {
		return err
	}
	delete(q.expirations, index)
	q.expired[index] = struct{}{}
	return nil
}

// advance moves bottom past expired indices and trims the expired set.
func (q *Queue[T]) advance() {
	for q.bottom < q.next {
		if _, gone := q.expired[q.bottom]; !gone {
			break
		}
		q.bottom++
	}
	q.prune()
}

// prune drops expired records below both bottom and every pending index.
func (q *Queue[T]) prune() {
	floor := q.bottom
	for _, index := range q.pending {
		if index < floor {
			floor = index
		}
	}
	for index := range q.expired {
		if index < floor {
			delete(q.expired, index)
		}
	}
}

func (q *Queue[T]) activeCount() int {
	if q.next <= q.bottom {
		return 0
	}
	n := int(q.next - q.bottom)
	for index := range q.expired {
		if index >= q.bottom && index < q.next {
			n--
		}
	}
	if n < 0 {
		return 0
	}
	return n
}
