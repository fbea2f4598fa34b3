package app

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dokzlo13/jackalope/internal/config"
	"github.com/dokzlo13/jackalope/internal/expiry"
	"github.com/dokzlo13/jackalope/internal/session"
	"github.com/dokzlo13/jackalope/internal/work"
)

type stubState struct {
	connected bool
	queued    int
	inFlight  int
}

func (s stubState) IsConnected() bool               { return s.connected }
func (s stubState) Backlog() (queued, inFlight int) { return s.queued, s.inFlight }

func testConfig(t *testing.T, backend string) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte("{}"))
	require.NoError(t, err)
	cfg.Queue.Backend = backend
	cfg.Queue.DataDir = t.TempDir()
	cfg.MQTT.Broker = "tcp://127.0.0.1:1"
	cfg.ShutdownTimeout = config.Duration(time.Second)
	return cfg
}

func TestHealthEndpoints(t *testing.T) {
	tests := []struct {
		name       string
		state      stubState
		path       string
		wantStatus int
		wantBody   map[string]any
	}{
		{
			name:       "health always ok",
			state:      stubState{},
			path:       "/health",
			wantStatus: http.StatusOK,
			wantBody:   map[string]any{"status": "healthy"},
		},
		{
			name:       "ready while connected",
			state:      stubState{connected: true},
			path:       "/ready",
			wantStatus: http.StatusOK,
			wantBody:   map[string]any{"status": "ready"},
		},
		{
			name:       "not ready while offline",
			state:      stubState{},
			path:       "/ready",
			wantStatus: http.StatusServiceUnavailable,
			wantBody:   map[string]any{"status": "disconnected"},
		},
		{
			name:       "queue counts",
			state:      stubState{queued: 3, inFlight: 1},
			path:       "/queue",
			wantStatus: http.StatusOK,
			wantBody:   map[string]any{"queued": 3.0, "in_flight": 1.0, "connected": false},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthService(testConfig(t, "file"), tt.state, tt.state).Handler()

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			var body map[string]any
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.wantBody, body)
		})
	}
}

func TestOpenQueueAllBackends(t *testing.T) {
	for _, backend := range []string{"file", "sqlite", "pebble"} {
		t.Run(backend, func(t *testing.T) {
			cfg := testConfig(t, backend)

			q, err := OpenQueue(cfg.Queue, expiry.NewManual(0))
			require.NoError(t, err)
			require.NoError(t, q.Push(work.NewPublish("a/b", []byte("x"), 1, false, expiry.Never())))
			require.NoError(t, q.Close())

			q, err = OpenQueue(cfg.Queue, expiry.NewManual(0))
			require.NoError(t, err)
			defer q.Close()

			item, ok, err := q.Peek()
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "a/b", item.Topic)
		})
	}
}

func TestServicesBufferWhileOffline(t *testing.T) {
	cfg := testConfig(t, "file")
	cfg.MQTT.Subscriptions = []config.SubscriptionConfig{{Topic: "cmd/#", QoS: 1}}

	s, err := NewServices(cfg)
	require.NoError(t, err)

	require.NoError(t, s.MQTT.Session.Publish("status", []byte("up"), session.PublishOptions{QoS: 1}))
	assert.False(t, s.MQTT.Session.IsConnected())

	queued, inFlight := s.MQTT.Session.Backlog()
	assert.Equal(t, 1, queued)
	assert.Equal(t, 0, inFlight)

	s.Close()

	// Buffered work survives the restart.
	s, err = NewServices(cfg)
	require.NoError(t, err)
	defer s.Close()
	queued, _ = s.MQTT.Session.Backlog()
	assert.Equal(t, 1, queued)
}

func TestAppStopsWhenHealthPortIsTaken(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	cfg := testConfig(t, "file")
	cfg.Healthcheck.Enabled = true
	cfg.Healthcheck.Host = "127.0.0.1"
	cfg.Healthcheck.Port = busy.Addr().(*net.TCPAddr).Port

	a, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))

	done := make(chan struct{})
	go func() {
		a.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("app kept running after the health server failed to listen")
	}
	require.Error(t, a.Err())
	assert.Contains(t, a.Err().Error(), "health check server")
	require.NoError(t, a.Stop())
}

func TestAppStopKeepsBufferedWork(t *testing.T) {
	cfg := testConfig(t, "file")

	ctx, cancel := context.WithCancel(context.Background())
	a, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, a.Start(ctx))
	require.NoError(t, a.services.MQTT.Session.Publish("status", []byte("down"), session.PublishOptions{QoS: 1}))

	cancel()
	a.Wait()
	assert.NoError(t, a.Err())
	require.NoError(t, a.Stop())

	s, err := NewServices(cfg)
	require.NoError(t, err)
	defer s.Close()
	queued, _ := s.MQTT.Session.Backlog()
	assert.Equal(t, 1, queued)
}
