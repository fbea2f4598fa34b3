package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dokzlo13/jackalope/internal/expiry"
	"github.com/dokzlo13/jackalope/internal/work"
	"github.com/dokzlo13/jackalope/internal/worklist"
)

type fakeTransport struct {
	mu       sync.Mutex
	calls    []string
	failures int
}

func (f *fakeTransport) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("broker unavailable")
	}
	f.calls = append(f.calls, call)
	return nil
}

func (f *fakeTransport) Publish(_ context.Context, topic string, _ byte, _ bool, payload []byte) error {
	return f.record("pub " + topic + " " + string(payload))
}

func (f *fakeTransport) Subscribe(_ context.Context, filters []work.Filter) error {
	return f.record("sub " + filters[0].Topic)
}

func (f *fakeTransport) Unsubscribe(_ context.Context, topics []string) error {
	return f.record("unsub " + topics[0])
}

func (f *fakeTransport) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func newTestSession(t *testing.T, transport Transport, clock expiry.Clock, cfg Config) (*Session, *worklist.Queue[work.Item]) {
	t.Helper()
	storage, err := worklist.OpenFileStorage(t.TempDir())
	require.NoError(t, err)
	q, err := worklist.Open(worklist.Config[work.Item]{
		MaxSize:          100,
		Storage:          storage,
		Expiration:       work.Expiration,
		UpdateExpiration: work.WithExpiration,
		Clock:            clock,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })

	s := New(q, transport, clock, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = s.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return s, q
}

func TestBuffersWhileOfflineAndDrainsInOrder(t *testing.T) {
	transport := &fakeTransport{}
	s, q := newTestSession(t, transport, expiry.NewManual(0), Config{})

	require.NoError(t, s.Subscribe(work.Filter{Topic: "cmd/#", QoS: 1}))
	require.NoError(t, s.Publish("a", []byte("1"), PublishOptions{QoS: 1}))
	require.NoError(t, s.Publish("b", []byte("2"), PublishOptions{}))
	require.NoError(t, s.Unsubscribe("cmd/#"))

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, transport.Calls())
	assert.Equal(t, 4, q.Count())

	s.Connected()
	require.Eventually(t, func() bool { return len(transport.Calls()) == 4 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"sub cmd/#", "pub a 1", "pub b 2", "unsub cmd/#"}, transport.Calls())

	require.Eventually(t, func() bool { return q.Empty() && q.CountPending() == 0 }, time.Second, 5*time.Millisecond)
}

func TestDropsExpiredItems(t *testing.T) {
	transport := &fakeTransport{}
	clock := expiry.NewManual(0)
	s, q := newTestSession(t, transport, clock, Config{DefaultTTL: 5 * time.Second})

	require.NoError(t, s.Publish("stale", []byte("x"), PublishOptions{}))
	require.NoError(t, s.Publish("keep", []byte("y"), PublishOptions{TTL: -1}))
	clock.Set(10)

	s.Connected()
	require.Eventually(t, func() bool { return len(transport.Calls()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"pub keep y"}, transport.Calls())
	require.Eventually(t, q.Empty, time.Second, 5*time.Millisecond)
}

func TestRetriesFailedItemInOrder(t *testing.T) {
	transport := &fakeTransport{failures: 2}
	s, q := newTestSession(t, transport, expiry.NewManual(0), Config{RetryDelay: 10 * time.Millisecond})

	require.NoError(t, s.Publish("first", []byte("1"), PublishOptions{}))
	require.NoError(t, s.Publish("second", []byte("2"), PublishOptions{}))
	s.Connected()

	require.Eventually(t, func() bool { return len(transport.Calls()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"pub first 1", "pub second 2"}, transport.Calls())
	require.Eventually(t, func() bool { return q.Empty() && q.CountPending() == 0 }, time.Second, 5*time.Millisecond)
}

func TestReconnectReturnsPendingItems(t *testing.T) {
	transport := &fakeTransport{}
	s, q := newTestSession(t, transport, expiry.NewManual(0), Config{})

	require.NoError(t, q.Push(work.NewPublish("left", []byte("over"), 1, false, expiry.Never())))
	require.NoError(t, q.Pending("previous-session"))
	require.Equal(t, 1, q.CountPending())

	s.Connected()
	require.Eventually(t, func() bool { return len(transport.Calls()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"pub left over"}, transport.Calls())
	assert.True(t, s.IsConnected())

	s.Disconnected(errors.New("lost"))
	assert.False(t, s.IsConnected())
	require.NoError(t, s.Publish("later", nil, PublishOptions{}))
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, transport.Calls(), 1)

	queued, inFlight := s.Backlog()
	assert.Equal(t, 1, queued)
	assert.Equal(t, 0, inFlight)
}

func TestUnknownKindIsDiscarded(t *testing.T) {
	transport := &fakeTransport{}
	s, q := newTestSession(t, transport, expiry.NewManual(0), Config{})

	require.NoError(t, q.Push(work.Item{ID: "weird", Kind: "teleport"}))
	require.NoError(t, s.Publish("after", []byte("ok"), PublishOptions{}))
	s.Connected()

	require.Eventually(t, func() bool { return len(transport.Calls()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"pub after ok"}, transport.Calls())
}

// interleavingList pushes through the session right after the first Peek,
// the way a connect callback can enqueue while the drain loop claims the head.
type interleavingList struct {
	worklist.WorkList[work.Item]

	once      sync.Once
	onPeek    func()
	pushed    chan struct{}
	mu        sync.Mutex
	completed []string
}

func (l *interleavingList) Peek() (work.Item, bool, error) {
	item, ok, err := l.WorkList.Peek()
	l.once.Do(func() {
		go func() {
			l.onPeek()
			close(l.pushed)
		}()
		// Leave room for the push to land before the claim.
		time.Sleep(20 * time.Millisecond)
	})
	return item, ok, err
}

func (l *interleavingList) Done(token string) (work.Item, error) {
	select {
	case <-l.pushed:
	case <-time.After(2 * time.Second):
	}
	item, err := l.WorkList.Done(token)
	if err == nil {
		l.mu.Lock()
		l.completed = append(l.completed, "pub "+item.Topic+" "+string(item.Payload))
		l.mu.Unlock()
	}
	return item, err
}

func (l *interleavingList) Completed() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.completed...)
}

func TestPushDuringClaimCompletesTheSentItem(t *testing.T) {
	storage, err := worklist.OpenFileStorage(t.TempDir())
	require.NoError(t, err)
	clock := expiry.NewManual(0)
	q, err := worklist.Open(worklist.Config[work.Item]{
		MaxSize:          2,
		Storage:          storage,
		Expiration:       work.Expiration,
		UpdateExpiration: work.WithExpiration,
		Clock:            clock,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })

	list := &interleavingList{WorkList: q, pushed: make(chan struct{})}
	transport := &fakeTransport{}
	s := New(list, transport, clock, Config{})
	list.onPeek = func() {
		assert.NoError(t, s.Publish("c", []byte("C"), PublishOptions{}))
	}

	require.NoError(t, s.Publish("a", []byte("A"), PublishOptions{}))
	require.NoError(t, s.Publish("b", []byte("B"), PublishOptions{}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = s.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	s.Connected()
	require.Eventually(t, func() bool { return len(list.Completed()) == 2 }, 2*time.Second, 5*time.Millisecond)

	// "a" was claimed before "c" arrived, so the bound evicted "b".
	assert.Equal(t, []string{"pub a A", "pub c C"}, transport.Calls())
	assert.Equal(t, transport.Calls(), list.Completed(), "every completed item must be the one sent")
	assert.True(t, q.Empty())
	assert.Equal(t, 0, q.CountPending())
}

// swappingList completes a different item than the one that was claimed.
type swappingList struct {
	worklist.WorkList[work.Item]
	other work.Item
}

func (l *swappingList) Done(token string) (work.Item, error) {
	if _, err := l.WorkList.Done(token); err != nil {
		return work.Item{}, err
	}
	return l.other, nil
}

func TestMismatchedCompletionIsRequeued(t *testing.T) {
	storage, err := worklist.OpenFileStorage(t.TempDir())
	require.NoError(t, err)
	q, err := worklist.Open(worklist.Config[work.Item]{
		Storage:          storage,
		Expiration:       work.Expiration,
		UpdateExpiration: work.WithExpiration,
		Clock:            expiry.NewManual(0),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })

	unsent := work.NewPublish("unsent", []byte("u"), 1, false, expiry.Never())
	list := &swappingList{WorkList: q, other: unsent}
	s := New(list, &fakeTransport{}, expiry.NewManual(0), Config{})

	sent := work.NewPublish("sent", []byte("s"), 1, false, expiry.Never())
	require.NoError(t, q.Push(sent))
	require.NoError(t, q.Pending("tok"))

	s.complete("tok", sent)

	item, ok, err := q.Peek()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, unsent.ID, item.ID)
	assert.Equal(t, 0, q.CountPending())
}
