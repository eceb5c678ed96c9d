package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetwatch/internal/protocol"
)

func TestSystemSampler_NetworkRates(t *testing.T) {
	s := NewSystemSampler("/")
	now := time.Unix(1700000000, 0)
	var rx, tx uint64 = 1000, 500
	s.now = func() time.Time { return now }
	s.counters = func(context.Context) (uint64, uint64, error) { return rx, tx, nil }

	first, err := s.network(context.Background())
	require.NoError(t, err)
	assert.Equal(t, protocol.Network{TotalUpload: 500, TotalDownload: 1000}, first, "no rate without a previous reading")

	now = now.Add(2 * time.Second)
	rx, tx = 5000, 1500
	second, err := s.network(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2000.0, second.Download)
	assert.Equal(t, 500.0, second.Upload)
	assert.EqualValues(t, 5000, second.TotalDownload)

	// Counters went backwards.
	now = now.Add(time.Second)
	rx, tx = 10, 10
	third, err := s.network(context.Background())
	require.NoError(t, err)
	assert.Zero(t, third.Download)
	assert.Zero(t, third.Upload)
}

func TestSystemSampler_ReadsLocalHost(t *testing.T) {
	s := NewSystemSampler("/")
	ctx := context.Background()

	info, err := s.SystemInfo(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, info.Hostname)
	assert.NotEmpty(t, info.Arch)

	m, err := s.Sample(ctx)
	require.NoError(t, err)
	assert.Positive(t, m.CPU.Cores)
	assert.Positive(t, m.Memory.Total)
	assert.GreaterOrEqual(t, m.CPU.Usage, 0.0)
	assert.LessOrEqual(t, m.CPU.Usage, 100.0)
}

func TestLatencyStats(t *testing.T) {
	assert.Equal(t, protocol.Ping{}, latencyStats(nil))
	assert.Equal(t, protocol.Ping{Latency: 10, Jitter: 0}, latencyStats([]float64{10}))
	assert.Equal(t, protocol.Ping{Latency: 15, Jitter: 5}, latencyStats([]float64{10, 20}))
	assert.Equal(t, protocol.Ping{Latency: 1.23, Jitter: 0}, latencyStats([]float64{1.234, 1.234}))
}

func TestLatencyProbe_RejectsEmptyTarget(t *testing.T) {
	_, err := NewLatencyProbe(" ", 0, 0).Probe(context.Background())
	assert.Error(t, err)
}
