package worklist

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dokzlo13/jackalope/internal/expiry"
)

type testItem struct {
	ID      int               `json:"id"`
	Body    string            `json:"body"`
	Expires expiry.Expiration `json:"expires"`
}

func itemExpiration(it testItem) expiry.Expiration { return it.Expires }

func withItemExpiration(it testItem, e expiry.Expiration) testItem {
	it.Expires = e
	return it
}

func forever(id int) testItem {
	return testItem{ID: id, Body: "payload"}
}

func expiringAt(id int, at int64) testItem {
	return testItem{ID: id, Body: "payload", Expires: expiry.At(at)}
}

type storageFactory struct {
	name string
	open func(t *testing.T, dir string) Storage
}

func storageFactories() []storageFactory {
	return []storageFactory{
		{
			name: BackendFile,
			open: func(t *testing.T, dir string) Storage {
				t.Helper()
				s, err := OpenFileStorage(dir)
				require.NoError(t, err)
				return s
			},
		},
		{
			name: BackendSQLite,
			open: func(t *testing.T, dir string) Storage {
				t.Helper()
				s, err := OpenSQLiteStorage(dir)
				require.NoError(t, err)
				return s
			},
		},
		{
			name: BackendPebble,
			open: func(t *testing.T, dir string) Storage {
				t.Helper()
				s, err := OpenPebbleStorage(dir)
				require.NoError(t, err)
				return s
			},
		},
	}
}

func openQueue(t *testing.T, storage Storage, clock expiry.Clock, maxSize int) *Queue[testItem] {
	t.Helper()
	q, err := Open(Config[testItem]{
		MaxSize:          maxSize,
		Storage:          storage,
		Expiration:       itemExpiration,
		UpdateExpiration: withItemExpiration,
		Clock:            clock,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func pushAll(t *testing.T, q *Queue[testItem], items ...testItem) {
	t.Helper()
	for _, it := range items {
		require.NoError(t, q.Push(it))
	}
}

func peekID(t *testing.T, q *Queue[testItem]) int {
	t.Helper()
	it, ok, err := q.Peek()
	require.NoError(t, err)
	require.True(t, ok, "expected an active item")
	return it.ID
}

// ttl is a shorthand used by tests that think in durations.
func ttl(clock expiry.Clock, d time.Duration) expiry.Expiration {
	return expiry.FromTTL(clock, d)
}
