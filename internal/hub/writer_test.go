package hub

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetwatch/internal/database"
	"fleetwatch/internal/metrics"
	"fleetwatch/internal/protocol"
)

// blockingStore parks sample writes until release is closed.
type blockingStore struct {
	database.Store
	release chan struct{}
	mu      sync.Mutex
	order   []float64
}

func (b *blockingStore) RecordSample(ctx context.Context, hostID string, at time.Time, m protocol.Metrics) error {
	<-b.release
	b.mu.Lock()
	b.order = append(b.order, m.CPU.Usage)
	b.mu.Unlock()
	return nil
}

func TestSampleWriter_PersistsInOrder(t *testing.T) {
	store := newTestStore(t)
	host := createHost(t, store, "edge-1")

	w := NewSampleWriter(store, metrics.NewCollector(store), 3, 64)
	w.Start()

	base := time.Now().UTC()
	info := &protocol.SystemInfo{Hostname: "edge-1", Platform: "linux"}
	for i := 0; i < 20; i++ {
		m := &protocol.Metrics{CPU: protocol.CPU{Usage: float64(i)}}
		require.True(t, w.Submit(&WriteJob{HostID: host.ID, At: base.Add(time.Duration(i) * time.Millisecond), Metrics: m, SystemInfo: info}))
	}
	w.Stop()

	samples, err := store.RecentSamples(context.Background(), host.ID, 100)
	require.NoError(t, err)
	require.Len(t, samples, 20)
	assert.Equal(t, 19.0, samples[0].CPU.Usage)
	assert.Equal(t, 0.0, samples[19].CPU.Usage)

	got, err := store.GetSystemInfo(context.Background(), host.ID)
	require.NoError(t, err)
	assert.Equal(t, info, got)
}

func TestSampleWriter_FullQueueDrops(t *testing.T) {
	blocking := &blockingStore{Store: newTestStore(t), release: make(chan struct{})}
	w := NewSampleWriter(blocking, metrics.NewCollector(blocking), 1, 1)
	w.Start()

	job := func(cpu float64) *WriteJob {
		return &WriteJob{HostID: "h1", At: time.Now(), Metrics: &protocol.Metrics{CPU: protocol.CPU{Usage: cpu}}}
	}

	// First job parks in the worker, second fills the queue.
	require.True(t, w.Submit(job(1)))
	require.Eventually(t, func() bool { return len(w.workers[0].jobs) == 0 }, waitFor, time.Millisecond)
	require.True(t, w.Submit(job(2)))
	assert.False(t, w.Submit(job(3)))

	close(blocking.release)
	w.Stop()

	assert.Equal(t, []float64{1, 2}, blocking.order)
	assert.False(t, w.Submit(job(4)), "stopped writer refuses jobs")
}

func TestSampleWriter_PersistenceErrorIsDropped(t *testing.T) {
	store := newTestStore(t)
	host := createHost(t, store, "edge-1")
	failing := &failingStore{Store: store, failSamples: true}

	w := NewSampleWriter(failing, metrics.NewCollector(failing), 1, 4)
	w.Start()
	require.True(t, w.Submit(&WriteJob{HostID: host.ID, At: time.Now(), Metrics: &protocol.Metrics{}}))
	w.Stop()

	samples, err := store.RecentSamples(context.Background(), host.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, samples)
}

func TestShard_Stable(t *testing.T) {
	for _, id := range []string{"a", "edge-1", "0b5c7f3e-8a7f-4f6b-9d0e-111111111111"} {
		assert.Equal(t, shard(id, 7), shard(id, 7))
		assert.Less(t, shard(id, 7), 7)
	}
}
