package metrics

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetwatch/internal/database"
)

func TestCollector_DatabaseOperations(t *testing.T) {
	c := NewCollector(nil)
	ok := DatabaseOperations.WithLabelValues("record_sample", "success")
	failed := DatabaseOperations.WithLabelValues("record_sample", "error")
	okBefore, failedBefore := testutil.ToFloat64(ok), testutil.ToFloat64(failed)

	c.RecordDatabaseOperation("record_sample", nil)
	c.RecordDatabaseOperation("record_sample", nil)
	c.RecordDatabaseOperation("record_sample", errors.New("disk full"))

	assert.Equal(t, okBefore+2, testutil.ToFloat64(ok))
	assert.Equal(t, failedBefore+1, testutil.ToFloat64(failed))
}

func TestCollector_Gauges(t *testing.T) {
	c := NewCollector(nil)

	c.SetAgentsOnline(3)
	c.SetViewers(2)
	assert.Equal(t, 3.0, testutil.ToFloat64(AgentsOnline))
	assert.Equal(t, 2.0, testutil.ToFloat64(ViewerConnections))

	before := testutil.ToFloat64(WebSocketConnections)
	c.RecordWebSocketConnection(1)
	c.RecordWebSocketConnection(1)
	c.RecordWebSocketConnection(-1)
	assert.Equal(t, before+1, testutil.ToFloat64(WebSocketConnections))
}

func TestCollector_Counters(t *testing.T) {
	c := NewCollector(nil)
	rejected := testutil.ToFloat64(Registrations.WithLabelValues(RegistrationRejected))
	dropped := testutil.ToFloat64(SamplesTotal.WithLabelValues(SampleDropped))
	messages := testutil.ToFloat64(MessagesTotal.WithLabelValues("data"))

	c.RecordRegistration(RegistrationRejected)
	c.RecordSample(SampleDropped)
	c.RecordMessage("data")

	assert.Equal(t, rejected+1, testutil.ToFloat64(Registrations.WithLabelValues(RegistrationRejected)))
	assert.Equal(t, dropped+1, testutil.ToFloat64(SamplesTotal.WithLabelValues(SampleDropped)))
	assert.Equal(t, messages+1, testutil.ToFloat64(MessagesTotal.WithLabelValues("data")))
}

func TestCollector_UpdateSystemMetrics(t *testing.T) {
	store, err := database.NewBoltStore(filepath.Join(t.TempDir(), "metrics.db"))
	require.NoError(t, err)
	defer store.Close()

	for _, name := range []string{"a", "b"} {
		_, err := store.CreateHost(context.Background(), name)
		require.NoError(t, err)
	}

	c := NewCollector(store)
	require.NoError(t, c.UpdateSystemMetrics(context.Background()))
	assert.Equal(t, 2.0, testutil.ToFloat64(HostsTotal))

	assert.NoError(t, NewCollector(nil).UpdateSystemMetrics(context.Background()))
}
