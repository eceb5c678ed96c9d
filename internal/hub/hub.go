// internal/hub/hub.go
package hub

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"fleetwatch/internal/config"
	"fleetwatch/internal/database"
	"fleetwatch/internal/metrics"
	"fleetwatch/internal/protocol"
)

// Options tunes the transport and the persistence writers.
type Options struct {
	SendBuffer     int
	WriteWait      time.Duration
	PongWait       time.Duration
	MaxMessageSize int64
	Writers        int
	WriteQueue     int
}

func OptionsFromConfig(cfg config.HubConfig) Options {
	return Options{
		SendBuffer:     cfg.SendBuffer,
		WriteWait:      cfg.WriteWait,
		PongWait:       cfg.PongWait,
		MaxMessageSize: cfg.MaxMessageSize,
		Writers:        cfg.Writers,
		WriteQueue:     cfg.WriteQueue,
	}
}

func (o Options) pingPeriod() time.Duration {
	return (o.PongWait * 9) / 10
}

func (o *Options) applyDefaults() {
	d := config.Default().Hub
	if o.SendBuffer == 0 {
		o.SendBuffer = d.SendBuffer
	}
	if o.WriteWait == 0 {
		o.WriteWait = d.WriteWait
	}
	if o.PongWait == 0 {
		o.PongWait = d.PongWait
	}
	if o.MaxMessageSize == 0 {
		o.MaxMessageSize = d.MaxMessageSize
	}
	if o.Writers == 0 {
		o.Writers = d.Writers
	}
	if o.WriteQueue == 0 {
		o.WriteQueue = d.WriteQueue
	}
}

// Hub ties the registry, protocol handler and writers to live websockets.
type Hub struct {
	opts     Options
	store    database.Store
	metrics  *metrics.Collector
	registry *Registry
	writer   *SampleWriter
	handler  *Handler

	ctx    context.Context
	cancel context.CancelFunc
	pumps  sync.WaitGroup
}

func New(store database.Store, collector *metrics.Collector, opts Options) *Hub {
	opts.applyDefaults()
	if collector == nil {
		collector = metrics.NewCollector(store)
	}

	registry := NewRegistry(store, collector)
	writer := NewSampleWriter(store, collector, opts.Writers, opts.WriteQueue)
	ctx, cancel := context.WithCancel(context.Background())

	return &Hub{
		opts:     opts,
		store:    store,
		metrics:  collector,
		registry: registry,
		writer:   writer,
		handler:  NewHandler(registry, writer, store, collector),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (h *Hub) Registry() *Registry { return h.registry }

// Start resets stored statuses, since no agent can be bound before the hub
// runs, and starts the writers.
func (h *Hub) Start(ctx context.Context) error {
	hosts, err := h.store.ListHosts(ctx)
	h.metrics.RecordDatabaseOperation("list_hosts", err)
	if err != nil {
		return err
	}

	reset := 0
	for _, host := range hosts {
		if host.Status == protocol.StatusOffline {
			continue
		}
		if err := h.store.SetHostStatus(ctx, host.ID, protocol.StatusOffline); err != nil {
			logrus.WithError(err).WithField("host_id", host.ID).Warn("Failed to reset host status")
			continue
		}
		reset++
	}
	if reset > 0 {
		logrus.WithField("hosts", reset).Info("Reset stale online hosts to offline")
	}

	h.writer.Start()
	return nil
}

// Serve takes ownership of an upgraded websocket and runs its pumps.
func (h *Hub) Serve(ws *websocket.Conn) {
	c := newConn(ws.RemoteAddr().String(), h.opts.SendBuffer)
	if !h.registry.Track(c, func() { h.pumps.Add(2) }) {
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(h.opts.WriteWait))
		ws.Close()
		return
	}

	h.metrics.RecordWebSocketConnection(1)
	logrus.WithFields(logrus.Fields{
		"conn_id": c.id,
		"remote":  c.remote,
	}).Debug("WebSocket connected")

	go h.writePump(ws, c)
	go h.readPump(ws, c)
}

// Evict disconnects the agent bound to hostID, if any.
func (h *Hub) Evict(hostID string) bool {
	return h.registry.Evict(hostID)
}

// Online returns the ids of hosts with a live agent connection.
func (h *Hub) Online() map[string]bool {
	return h.registry.Online()
}

// Shutdown closes every connection, marks bound hosts offline and drains
// the writers. It returns early with ctx's error if the pumps do not exit.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.registry.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		h.pumps.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		logrus.WithError(err).Warn("Timed out waiting for connections to close")
	}

	h.cancel()
	h.writer.Stop()
	return err
}
