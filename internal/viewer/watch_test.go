package viewer

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetwatch/internal/database"
	"fleetwatch/internal/hub"
	"fleetwatch/internal/protocol"
)

const waitFor = 2 * time.Second

func envelope(t *testing.T, kind string, payload interface{}) *protocol.Envelope {
	t.Helper()
	frame, err := protocol.Encode(kind, payload)
	require.NoError(t, err)
	env, err := protocol.Decode(frame)
	require.NoError(t, err)
	return env
}

func TestWatcher_Render(t *testing.T) {
	w := NewWatcher("", nil)

	lines := w.render(envelope(t, protocol.TypeSnapshot, protocol.Snapshot{Hosts: []protocol.SnapshotEntry{
		{Host: protocol.HostView{ID: "h2", Name: "web", Status: protocol.StatusOffline}},
		{
			Host: protocol.HostView{ID: "h1", Name: "db", Status: protocol.StatusOnline},
			LatestSample: &protocol.Sample{Metrics: protocol.Metrics{
				CPU:    protocol.CPU{Usage: 42.5},
				Memory: protocol.Memory{Total: 200, Used: 50},
			}},
		},
	}}))
	require.Len(t, lines, 3)
	assert.Equal(t, "2 hosts", lines[0])
	assert.Contains(t, lines[1], "db")
	assert.Contains(t, lines[1], "cpu=42.5% mem=25.0%")
	assert.Equal(t, "  web                  offline", lines[2])

	lines = w.render(envelope(t, protocol.TypeHostOffline, protocol.HostOffline{HostID: "h1"}))
	require.Len(t, lines, 1)
	assert.True(t, strings.HasSuffix(lines[0], " db offline"), lines[0])

	lines = w.render(envelope(t, protocol.TypeHostOnline, protocol.HostOnline{HostID: "h3", Name: "cache"}))
	require.Len(t, lines, 1)
	assert.True(t, strings.HasSuffix(lines[0], " cache online"), lines[0])

	lines = w.render(envelope(t, protocol.TypeMetricsUpdate, protocol.MetricsUpdate{
		HostID:  "unknown",
		Metrics: &protocol.Metrics{Network: protocol.Network{Download: 1536}},
	}))
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "unknown cpu=0.0%")
	assert.Contains(t, lines[0], "down=1.5KiB/s")

	assert.Empty(t, w.render(envelope(t, protocol.TypeHeartbeatAck, nil)))
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestWatcher_Run(t *testing.T) {
	store, err := database.NewBoltStore(filepath.Join(t.TempDir(), "watch.db"))
	require.NoError(t, err)
	defer store.Close()
	host, err := store.CreateHost(context.Background(), "edge-1")
	require.NoError(t, err)

	h := hub.New(store, nil, hub.Options{})
	require.NoError(t, h.Start(context.Background()))
	defer h.Shutdown(context.Background())

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		h.Serve(ws)
	}))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	out := &syncBuffer{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewWatcher(url, out).Run(ctx) }()

	require.Eventually(t, func() bool { return strings.Contains(out.String(), "1 hosts") }, waitFor, 10*time.Millisecond)

	agent, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer agent.Close()
	frame, err := protocol.Encode(protocol.TypeRegister, protocol.Register{Credential: host.Credential})
	require.NoError(t, err)
	require.NoError(t, agent.WriteMessage(websocket.TextMessage, frame))
	frame, err = protocol.Encode(protocol.TypeData, protocol.Data{Metrics: &protocol.Metrics{CPU: protocol.CPU{Usage: 7.5}}})
	require.NoError(t, err)
	require.NoError(t, agent.WriteMessage(websocket.TextMessage, frame))

	require.Eventually(t, func() bool {
		s := out.String()
		return strings.Contains(s, "edge-1 online") && strings.Contains(s, "edge-1 cpu=7.5%")
	}, waitFor, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("watcher did not stop")
	}
}
