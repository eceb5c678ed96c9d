package agent

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetwatch/internal/config"
	"fleetwatch/internal/protocol"
)

const waitFor = 2 * time.Second

type fakeSampler struct {
	cpu float64
}

func (f *fakeSampler) SystemInfo(ctx context.Context) (protocol.SystemInfo, error) {
	return protocol.SystemInfo{Hostname: "edge-1", Platform: "linux", Arch: "amd64"}, nil
}

func (f *fakeSampler) Sample(ctx context.Context) (protocol.Metrics, error) {
	return protocol.Metrics{CPU: protocol.CPU{Usage: f.cpu, Cores: 2}}, nil
}

type fixedProber struct{ ping protocol.Ping }

func (p fixedProber) Probe(ctx context.Context) (protocol.Ping, error) { return p.ping, nil }

// fakeHub accepts agents and answers registration with reply.
type fakeHub struct {
	url      string
	accepted atomic.Int32
	frames   chan *protocol.Envelope
}

func newFakeHub(t *testing.T, reply func(n int32, ws *websocket.Conn, env *protocol.Envelope) bool) *fakeHub {
	t.Helper()
	h := &fakeHub{frames: make(chan *protocol.Envelope, 128)}
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		n := h.accepted.Add(1)

		for {
			_, frame, err := ws.ReadMessage()
			if err != nil {
				return
			}
			env, err := protocol.Decode(frame)
			if err != nil {
				continue
			}
			select {
			case h.frames <- env:
			default:
			}
			if !reply(n, ws, env) {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	h.url = "ws" + strings.TrimPrefix(srv.URL, "http")
	return h
}

func (h *fakeHub) next(t *testing.T, kind string) *protocol.Envelope {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case env := <-h.frames:
			if env.Type == kind {
				return env
			}
		case <-deadline:
			t.Fatalf("no %s frame reached the hub", kind)
			return nil
		}
	}
}

func write(ws *websocket.Conn, kind string, payload interface{}) {
	frame, _ := protocol.Encode(kind, payload)
	ws.WriteMessage(websocket.TextMessage, frame)
}

func acceptAll(n int32, ws *websocket.Conn, env *protocol.Envelope) bool {
	switch env.Type {
	case protocol.TypeRegister:
		write(ws, protocol.TypeRegistered, protocol.Registered{HostID: "h1"})
	case protocol.TypeHeartbeat:
		write(ws, protocol.TypeHeartbeatAck, nil)
	}
	return true
}

func testConfig(url string) *config.AgentConfig {
	return &config.AgentConfig{
		ServerURL:         url,
		Credential:        "cred-1",
		ReportInterval:    50 * time.Millisecond,
		HeartbeatInterval: 80 * time.Millisecond,
		ReconnectDelay:    50 * time.Millisecond,
	}
}

func runAgent(t *testing.T, a *Agent) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- a.Run(ctx) }()
	t.Cleanup(cancel)
	return cancel, errc
}

func TestAgent_RegistersAndReports(t *testing.T) {
	hub := newFakeHub(t, acceptAll)
	a := New(testConfig(hub.url), &fakeSampler{cpu: 42.5}, fixedProber{ping: protocol.Ping{Latency: 12.3, Jitter: 1.1}})
	cancel, errc := runAgent(t, a)

	var reg protocol.Register
	require.NoError(t, hub.next(t, protocol.TypeRegister).DecodeData(&reg))
	assert.Equal(t, "cred-1", reg.Credential)

	// The first report can race the first probe, so look for the latency.
	deadline := time.Now().Add(waitFor)
	for {
		var data protocol.Data
		require.NoError(t, hub.next(t, protocol.TypeData).DecodeData(&data))
		require.NotNil(t, data.Metrics)
		require.NotNil(t, data.SystemInfo)
		assert.Equal(t, 42.5, data.Metrics.CPU.Usage)
		assert.Equal(t, "edge-1", data.SystemInfo.Hostname)
		if data.Metrics.Ping.Latency == 12.3 {
			assert.Equal(t, 1.1, data.Metrics.Ping.Jitter)
			break
		}
		require.True(t, time.Now().Before(deadline), "latency never reported")
	}

	hub.next(t, protocol.TypeHeartbeat)

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("agent did not stop")
	}
}

func TestAgent_StopsOnInvalidCredential(t *testing.T) {
	hub := newFakeHub(t, func(n int32, ws *websocket.Conn, env *protocol.Envelope) bool {
		write(ws, protocol.TypeError, protocol.ErrorReply{Message: protocol.MessageInvalidCredential})
		return false
	})
	a := New(testConfig(hub.url), &fakeSampler{}, nil)
	_, errc := runAgent(t, a)

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrRejected)
	case <-time.After(waitFor):
		t.Fatal("agent kept retrying a rejected credential")
	}
	assert.EqualValues(t, 1, hub.accepted.Load())
}

func TestAgent_ReconnectsAfterDisconnect(t *testing.T) {
	hub := newFakeHub(t, func(n int32, ws *websocket.Conn, env *protocol.Envelope) bool {
		if env.Type == protocol.TypeRegister {
			write(ws, protocol.TypeRegistered, protocol.Registered{HostID: "h1"})
		}
		// Drop the first session after its first report.
		return !(n == 1 && env.Type == protocol.TypeData)
	})
	a := New(testConfig(hub.url), &fakeSampler{}, nil)
	_, errc := runAgent(t, a)

	require.Eventually(t, func() bool { return hub.accepted.Load() >= 2 }, waitFor, 10*time.Millisecond)
	hub.next(t, protocol.TypeRegister)

	select {
	case err := <-errc:
		t.Fatalf("agent exited: %v", err)
	default:
	}
}

func TestAgent_RetriesWhenHubIsDown(t *testing.T) {
	cfg := testConfig("ws://127.0.0.1:1/ws")
	a := New(cfg, &fakeSampler{}, nil)
	cancel, errc := runAgent(t, a)

	time.Sleep(150 * time.Millisecond)
	select {
	case err := <-errc:
		t.Fatalf("agent gave up: %v", err)
	default:
	}

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("agent did not stop")
	}
}
