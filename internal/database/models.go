// internal/database/models.go
package database

import (
	"time"

	"fleetwatch/internal/protocol"
)

type Host struct {
	ID         string              `json:"id"`
	Name       string              `json:"name"`
	Credential string              `json:"credential,omitempty"`
	Status     protocol.HostStatus `json:"status"`
	LastSeen   time.Time           `json:"last_seen"`
	CreatedAt  time.Time           `json:"created_at"`
}

// View strips the credential so the host can be shown to viewers.
func (h Host) View() protocol.HostView {
	return protocol.HostView{
		ID:        h.ID,
		Name:      h.Name,
		Status:    h.Status,
		LastSeen:  h.LastSeen,
		CreatedAt: h.CreatedAt,
	}
}

type MetricSample struct {
	ID        string    `json:"id"`
	HostID    string    `json:"host_id"`
	Timestamp time.Time `json:"timestamp"`
	protocol.Metrics
}

// Point drops the storage identity of a sample for the wire.
func (s MetricSample) Point() *protocol.Sample {
	return &protocol.Sample{Timestamp: s.Timestamp, Metrics: s.Metrics}
}

type storedSystemInfo struct {
	HostID string `json:"host_id"`
	protocol.SystemInfo
	UpdatedAt time.Time `json:"updated_at"`
}
