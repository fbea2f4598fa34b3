package worklist

import (
	"sort"

	"github.com/rs/zerolog/log"
)

// bound enforces active+pending <= maxSize after a push.
// Lapsed items go first; if that is not enough, active items are evicted by
// soonest expiration, then lowest index. Pending items are never evicted.
func (q *Queue[T]) bound() error {
	now := q.clock.Now()
	for index := q.bottom; index < q.next; index++ {
		if _, gone := q.expired[index]; gone {
			continue
		}
		if q.expirations[index].Reached(now) {
			if err := q.discard(index); err != nil {
				return err
			}
			log.Debug().Uint64("index", index).Msg("Expired work item")
		}
	}
	q.advance()

	excess := q.activeCount() + len(q.pending) - q.maxSize
	if excess <= 0 {
		return nil
	}

	active := make([]uint64, 0, q.next-q.bottom)
	for index := q.bottom; index < q.next; index++ {
		if _, gone := q.expired[index]; !gone {
			active = append(active, index)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		ei, ej := q.expirations[active[i]], q.expirations[active[j]]
		if ej.After(ei) {
			return true
		}
		if ei.After(ej) {
			return false
		}
		return active[i] < active[j]
	})

	if excess > len(active) {
		log.Warn().
			Int("excess", excess).
			Int("pending", len(q.pending)).
			Int("max_size", q.maxSize).
			Msg("Work list over capacity with pending items, evicting all active items")
		excess = len(active)
	}

	for _, index := range active[:excess] {
		if err := q.discard(index); err != nil {
			return err
		}
		log.Debug().Uint64("index", index).Int("max_size", q.maxSize).Msg("Evicted work item to stay within max size")
	}
	q.advance()
	return nil
}
