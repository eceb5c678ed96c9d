// internal/hub/handler.go - Inbound message dispatch
package hub

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"fleetwatch/internal/database"
	"fleetwatch/internal/metrics"
	"fleetwatch/internal/protocol"
)

// ProtocolError describes an inbound frame that was dropped.
type ProtocolError struct {
	Kind   string
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	msg := e.Reason
	if e.Kind != "" {
		msg = fmt.Sprintf("%s: %s", e.Kind, msg)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Handler runs the per-connection message state machine.
type Handler struct {
	registry *Registry
	writer   *SampleWriter
	store    database.Store
	metrics  *metrics.Collector
}

func NewHandler(registry *Registry, writer *SampleWriter, store database.Store, collector *metrics.Collector) *Handler {
	return &Handler{
		registry: registry,
		writer:   writer,
		store:    store,
		metrics:  collector,
	}
}

// Handle processes one inbound frame from c. It never returns an error:
// bad frames are logged and dropped and the connection stays open.
func (h *Handler) Handle(ctx context.Context, c *Conn, frame []byte) {
	env, err := protocol.Decode(frame)
	if err != nil {
		h.dropped(c, &ProtocolError{Reason: "malformed frame", Err: err})
		return
	}

	switch env.Type {
	case protocol.TypeRegister:
		h.metrics.RecordMessage(env.Type)
		h.handleRegister(ctx, c, env)
	case protocol.TypeData:
		h.metrics.RecordMessage(env.Type)
		h.handleData(c, env)
	case protocol.TypeViewerHello:
		h.metrics.RecordMessage(env.Type)
		h.handleViewerHello(ctx, c)
	case protocol.TypeHeartbeat:
		h.metrics.RecordMessage(env.Type)
		h.reply(c, protocol.TypeHeartbeatAck, nil)
	default:
		h.dropped(c, &ProtocolError{Kind: env.Type, Reason: "unknown message type"})
	}
}

func (h *Handler) handleRegister(ctx context.Context, c *Conn, env *protocol.Envelope) {
	var req protocol.Register
	if err := env.DecodeData(&req); err != nil {
		h.dropped(c, &ProtocolError{Kind: env.Type, Reason: "bad payload", Err: err})
		return
	}

	hostID, err := h.registry.RegisterAgent(ctx, c, req.Credential)
	switch {
	case err == nil:
		h.reply(c, protocol.TypeRegistered, protocol.Registered{HostID: hostID})

	case errors.Is(err, ErrAlreadyRegistered):
		h.reply(c, protocol.TypeError, protocol.ErrorReply{Message: err.Error()})

	case errors.Is(err, ErrInvalidCredential):
		logrus.WithFields(logrus.Fields{
			"conn_id": c.id,
			"remote":  c.remote,
		}).Warn("Rejected agent with invalid credential")
		h.reply(c, protocol.TypeError, protocol.ErrorReply{Message: protocol.MessageInvalidCredential})
		c.Close()

	default:
		logrus.WithError(err).WithField("conn_id", c.id).Error("Agent registration failed")
		h.reply(c, protocol.TypeError, protocol.ErrorReply{Message: "Registration failed"})
		c.Close()
	}
}

func (h *Handler) handleData(c *Conn, env *protocol.Envelope) {
	hostID, ok := h.registry.IsBound(c)
	if !ok {
		// Unbound senders are ignored without a reply.
		return
	}

	var data protocol.Data
	if err := env.DecodeData(&data); err != nil {
		h.dropped(c, &ProtocolError{Kind: env.Type, Reason: "bad payload", Err: err})
		return
	}

	unlock := h.registry.lockHost(hostID)
	defer unlock()

	if bound, ok := h.registry.IsBound(c); !ok || bound != hostID {
		return
	}

	at := time.Now().UTC()
	if data.SystemInfo != nil || data.Metrics != nil {
		h.writer.Submit(&WriteJob{
			HostID:     hostID,
			At:         at,
			SystemInfo: data.SystemInfo,
			Metrics:    data.Metrics,
		})
	}

	h.registry.Events().Publish(protocol.TypeMetricsUpdate, protocol.MetricsUpdate{
		HostID:     hostID,
		SystemInfo: data.SystemInfo,
		Metrics:    data.Metrics,
		Timestamp:  at,
	})
}

func (h *Handler) handleViewerHello(ctx context.Context, c *Conn) {
	if !h.registry.AddViewer(c) {
		h.reply(c, protocol.TypeError, protocol.ErrorReply{Message: "Connection cannot become a viewer"})
		return
	}

	snapshot, err := h.snapshot(ctx)
	if err != nil {
		logrus.WithError(err).WithField("conn_id", c.id).Error("Failed to build snapshot")
		h.registry.RemoveViewer(c)
		h.reply(c, protocol.TypeError, protocol.ErrorReply{Message: "Snapshot unavailable"})
		return
	}

	frame, err := protocol.Encode(protocol.TypeSnapshot, snapshot)
	if err != nil {
		logrus.WithError(err).Error("Failed to encode snapshot")
		h.registry.RemoveViewer(c)
		return
	}

	if !c.prime(frame) {
		logrus.WithField("conn_id", c.id).Warn("Viewer send buffer full during snapshot, disconnecting")
		h.metrics.RecordViewerDrop()
		c.Close()
		return
	}

	logrus.WithFields(logrus.Fields{
		"conn_id": c.id,
		"remote":  c.remote,
		"hosts":   len(snapshot.Hosts),
	}).Info("Viewer subscribed")
}

// snapshot lists every known host with its last system info and sample.
// Status comes from the registry, which is authoritative for liveness.
func (h *Handler) snapshot(ctx context.Context) (*protocol.Snapshot, error) {
	hosts, err := h.store.ListHosts(ctx)
	h.metrics.RecordDatabaseOperation("list_hosts", err)
	if err != nil {
		return nil, err
	}

	online := h.registry.Online()
	snapshot := &protocol.Snapshot{Hosts: make([]protocol.SnapshotEntry, 0, len(hosts))}

	for _, host := range hosts {
		view := host.View()
		view.Status = protocol.StatusOffline
		if online[host.ID] {
			view.Status = protocol.StatusOnline
		}

		info, err := h.store.GetSystemInfo(ctx, host.ID)
		if err != nil {
			return nil, err
		}

		entry := protocol.SnapshotEntry{Host: view, SystemInfo: info}

		latest, err := h.store.LatestSample(ctx, host.ID)
		if err != nil {
			return nil, err
		}
		if latest != nil {
			entry.LatestSample = latest.Point()
		}

		snapshot.Hosts = append(snapshot.Hosts, entry)
	}

	return snapshot, nil
}

func (h *Handler) reply(c *Conn, kind string, payload interface{}) {
	frame, err := protocol.Encode(kind, payload)
	if err != nil {
		logrus.WithError(err).WithField("kind", kind).Error("Failed to encode reply")
		return
	}
	if !c.trySend(frame) {
		logrus.WithFields(logrus.Fields{
			"conn_id": c.id,
			"kind":    kind,
		}).Debug("Reply not queued, connection closing or full")
	}
}

func (h *Handler) dropped(c *Conn, err *ProtocolError) {
	h.metrics.RecordProtocolError()
	logrus.WithFields(logrus.Fields{
		"conn_id": c.id,
		"remote":  c.remote,
	}).WithError(err).Warn("Dropped inbound message")
}
