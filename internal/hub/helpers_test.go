package hub

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fleetwatch/internal/database"
	"fleetwatch/internal/metrics"
	"fleetwatch/internal/protocol"
)

const waitFor = 2 * time.Second

func newTestStore(t *testing.T) database.ExtendedStore {
	t.Helper()
	store, err := database.NewBoltStore(filepath.Join(t.TempDir(), "hub.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestRegistry(t *testing.T, store database.Store) *Registry {
	t.Helper()
	return NewRegistry(store, metrics.NewCollector(store))
}

func createHost(t *testing.T, store database.Store, name string) *database.Host {
	t.Helper()
	host, err := store.CreateHost(context.Background(), name)
	require.NoError(t, err)
	return host
}

func hostStatus(t *testing.T, store database.Store, id string) protocol.HostStatus {
	t.Helper()
	host, err := store.GetHost(context.Background(), id)
	require.NoError(t, err)
	return host.Status
}

// recv pops the next queued frame for c.
func recv(t *testing.T, c *Conn) *protocol.Envelope {
	t.Helper()
	select {
	case frame := <-c.send:
		env, err := protocol.Decode(frame)
		require.NoError(t, err)
		return env
	case <-time.After(waitFor):
		t.Fatalf("no frame queued for %s", c.id)
		return nil
	}
}

func recvKind(t *testing.T, c *Conn, kind string, v interface{}) {
	t.Helper()
	env := recv(t, c)
	require.Equal(t, kind, env.Type, "payload: %s", env.Data)
	if v != nil {
		require.NoError(t, env.DecodeData(v))
	}
}

func requireNoFrame(t *testing.T, c *Conn) {
	t.Helper()
	select {
	case frame := <-c.send:
		t.Fatalf("unexpected frame for %s: %s", c.id, frame)
	case <-time.After(50 * time.Millisecond):
	}
}

func requireClosed(t *testing.T, c *Conn) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(waitFor):
		t.Fatalf("connection %s was not closed", c.id)
	}
}

func newViewer(t *testing.T, r *Registry) *Conn {
	t.Helper()
	v := newConn("viewer", 64)
	require.True(t, r.AddViewer(v))
	require.True(t, v.prime(mustEncode(t, protocol.TypeSnapshot, protocol.Snapshot{})))
	recvKind(t, v, protocol.TypeSnapshot, nil)
	return v
}

func mustEncode(t *testing.T, kind string, payload interface{}) []byte {
	t.Helper()
	frame, err := protocol.Encode(kind, payload)
	require.NoError(t, err)
	return frame
}

// failingStore fails the writes the hub treats as best effort.
type failingStore struct {
	database.Store
	failStatus  bool
	failSamples bool
}

func (f *failingStore) SetHostStatus(ctx context.Context, id string, status protocol.HostStatus) error {
	if f.failStatus {
		return &database.PersistenceError{Op: "set host status", Err: context.DeadlineExceeded}
	}
	return f.Store.SetHostStatus(ctx, id, status)
}

func (f *failingStore) RecordSample(ctx context.Context, hostID string, at time.Time, m protocol.Metrics) error {
	if f.failSamples {
		return &database.PersistenceError{Op: "record sample", Err: context.DeadlineExceeded}
	}
	return f.Store.RecordSample(ctx, hostID, at, m)
}
