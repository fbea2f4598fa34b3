// Package worklist provides the persistent, bounded, expiring FIFO that buffers
// outbound work while the client is offline.
//
// Items are identified by an arrival index. The active window is the index
// range [bottom, next); indices inside it are either active (stored, eligible
// for Peek/Pop) or expired (storage removed). Items taken out of the window by
// Pending keep their stored copy until Done, so in-flight work survives a
// crash and comes back as active on the next start.
package worklist

import (
	"encoding/json"
	"errors"
)

var (
	// ErrNotFound is returned by Done for a token that is not pending.
	ErrNotFound = errors.New("worklist: token not found")

	// ErrEmpty is returned by Pending when the active window is empty.
	ErrEmpty = errors.New("worklist: no active items")

	// ErrTokenInUse is returned by Pending when the token is already pending.
	ErrTokenInUse = errors.New("worklist: token already pending")

	// ErrItemExists reports a write to an index that is already stored.
	ErrItemExists = errors.New("worklist: item already stored")

	// ErrItemMissing reports a stored item that is absent where it must exist.
	ErrItemMissing = errors.New("worklist: item missing from storage")

	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("worklist: closed")
)

// WorkList is the capability consumed by the session layer.
// Implementations serialize every call; ordering, bounding and expiration
// semantics are identical across storage backends.
type WorkList[T any] interface {
	// Push appends item and enforces the size bound.
	Push(item T) error

	// Peek returns the oldest active item. ok is false when nothing is active.
	Peek() (item T, ok bool, err error)

	// Pop discards the oldest active item. Popping an empty list is a no-op.
	Pop() error

	// Pending moves the oldest active item out of the window under token.
	Pending(token string) error

	// Done completes the pending item registered under token and returns it.
	// Returns ErrNotFound when the token is unknown.
	Done(token string) (T, error)

	// Count returns the number of active items.
	Count() int

	// CountPending returns the number of pending items.
	CountPending() int

	// Empty reports whether there are no active items.
	Empty() bool

	// ResetPending returns every pending item to the window in original order.
	ResetPending() error

	// RemoveAll deletes every stored item and resets all bookkeeping.
	RemoveAll() error
}

// Codec converts items to and from their stored form.
type Codec[T any] interface {
	Marshal(item T) ([]byte, error)
	Unmarshal(data []byte) (T, error)
}

// JSONCodec stores items as JSON documents.
type JSONCodec[T any] struct{}

// Marshal implements Codec.
func (JSONCodec[T]) Marshal(item T) ([]byte, error) {
	return json.Marshal(item)
}

// Unmarshal implements Codec.
func (JSONCodec[T]) Unmarshal(data []byte) (T, error) {
	var item T
	err := json.Unmarshal(data, &item)
	return item, err
}
