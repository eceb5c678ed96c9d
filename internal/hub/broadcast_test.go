package hub

import (
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetwatch/internal/metrics"
	"fleetwatch/internal/protocol"
)

type staticViewers []*Conn

func (s staticViewers) Viewers() []*Conn { return s }

func TestBroadcaster_SlowViewerDoesNotBlock(t *testing.T) {
	slow := newConn("slow", 1)
	fast := newConn("fast", 64)
	b := NewBroadcaster(staticViewers{slow, fast}, metrics.NewCollector(nil))

	require.True(t, slow.trySend([]byte(`{"type":"filler"}`)))
	drops := testutil.ToFloat64(metrics.ViewerDrops)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			b.Publish(protocol.TypeHostOffline, protocol.HostOffline{HostID: fmt.Sprint(i)})
		}
	}()

	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("publish blocked on a full viewer")
	}

	requireClosed(t, slow)
	assert.Equal(t, drops+1, testutil.ToFloat64(metrics.ViewerDrops), "a closed viewer is dropped once")

	for i := 0; i < 10; i++ {
		var offline protocol.HostOffline
		recvKind(t, fast, protocol.TypeHostOffline, &offline)
		assert.Equal(t, fmt.Sprint(i), offline.HostID)
	}
}

func TestBroadcaster_HeldViewerGetsSnapshotFirst(t *testing.T) {
	v := newConn("viewer", 8)
	b := NewBroadcaster(staticViewers{v}, metrics.NewCollector(nil))

	v.hold()
	b.Publish(protocol.TypeHostOnline, protocol.HostOnline{HostID: "h1", Name: "edge-1"})
	b.Publish(protocol.TypeHostOffline, protocol.HostOffline{HostID: "h1"})
	requireNoFrame(t, v)

	require.True(t, v.prime(mustEncode(t, protocol.TypeSnapshot, protocol.Snapshot{})))
	recvKind(t, v, protocol.TypeSnapshot, nil)
	recvKind(t, v, protocol.TypeHostOnline, nil)
	recvKind(t, v, protocol.TypeHostOffline, nil)

	b.Publish(protocol.TypeHostOnline, protocol.HostOnline{HostID: "h1"})
	recvKind(t, v, protocol.TypeHostOnline, nil)
}

func TestBroadcaster_HeldBacklogIsBounded(t *testing.T) {
	v := newConn("viewer", 2)
	b := NewBroadcaster(staticViewers{v}, metrics.NewCollector(nil))

	v.hold()
	for i := 0; i < 3; i++ {
		b.Publish(protocol.TypeHostOffline, protocol.HostOffline{HostID: "h1"})
	}
	requireClosed(t, v)
}

func TestBroadcaster_CountsEvents(t *testing.T) {
	b := NewBroadcaster(staticViewers{}, metrics.NewCollector(nil))
	before := testutil.ToFloat64(metrics.EventsPublished.WithLabelValues(protocol.TypeMetricsUpdate))

	b.Publish(protocol.TypeMetricsUpdate, protocol.MetricsUpdate{HostID: "h1"})

	assert.Equal(t, before+1, testutil.ToFloat64(metrics.EventsPublished.WithLabelValues(protocol.TypeMetricsUpdate)))
}
