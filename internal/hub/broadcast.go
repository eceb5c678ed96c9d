// internal/hub/broadcast.go
package hub

import (
	"github.com/sirupsen/logrus"

	"fleetwatch/internal/metrics"
	"fleetwatch/internal/protocol"
)

// ViewerSource supplies the connections an event goes to.
type ViewerSource interface {
	Viewers() []*Conn
}

// Broadcaster fans events out to viewers. Publish never blocks: a viewer
// whose queue is full is closed and left to its own unregister path.
type Broadcaster struct {
	viewers ViewerSource
	metrics *metrics.Collector
}

func NewBroadcaster(viewers ViewerSource, collector *metrics.Collector) *Broadcaster {
	return &Broadcaster{viewers: viewers, metrics: collector}
}

// Publish encodes the event once and hands it to every current viewer.
// Callers publishing for one host must serialize, which the registry's host
// lock does; each viewer then sees that host's events in order.
func (b *Broadcaster) Publish(kind string, payload interface{}) {
	frame, err := protocol.Encode(kind, payload)
	if err != nil {
		logrus.WithError(err).WithField("kind", kind).Error("Failed to encode event")
		return
	}

	delivered := 0
	for _, v := range b.viewers.Viewers() {
		if v.closed() {
			continue
		}
		if !v.deliver(frame) {
			logrus.WithFields(logrus.Fields{
				"conn_id": v.id,
				"remote":  v.remote,
				"kind":    kind,
			}).Warn("Viewer send buffer full, disconnecting")
			b.metrics.RecordViewerDrop()
			v.Close()
			continue
		}
		delivered++
	}

	b.metrics.RecordEvent(kind)
	logrus.WithFields(logrus.Fields{
		"kind":    kind,
		"viewers": delivered,
	}).Debug("Published event")
}
