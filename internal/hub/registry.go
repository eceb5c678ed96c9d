// internal/hub/registry.go
package hub

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"fleetwatch/internal/database"
	"fleetwatch/internal/metrics"
	"fleetwatch/internal/protocol"
)

var (
	// ErrInvalidCredential is the authentication failure for register.
	ErrInvalidCredential = errors.New("invalid credential")
	// ErrAlreadyRegistered is returned when a connection that already has a
	// role asks to be bound to another host.
	ErrAlreadyRegistered = errors.New("connection already registered")
	ErrShutdown          = errors.New("hub is shutting down")
)

type hostLock struct {
	mu   sync.Mutex
	refs int
}

// Registry owns which host is bound to which connection and which
// connections are viewers.
//
// mu guards the maps and every Conn's role; it is never held across store
// calls. A per-host lock serializes register, unregister and data for one
// host id so that bind, persist and publish happen as one unit. Lock order
// is host lock, then mu.
type Registry struct {
	store   database.Store
	metrics *metrics.Collector
	events  *Broadcaster

	mu      sync.Mutex
	agents  map[string]*Conn
	viewers map[*Conn]struct{}
	conns   map[*Conn]struct{}
	closed  bool

	locksMu   sync.Mutex
	hostLocks map[string]*hostLock
}

func NewRegistry(store database.Store, collector *metrics.Collector) *Registry {
	r := &Registry{
		store:     store,
		metrics:   collector,
		agents:    make(map[string]*Conn),
		viewers:   make(map[*Conn]struct{}),
		conns:     make(map[*Conn]struct{}),
		hostLocks: make(map[string]*hostLock),
	}
	r.events = NewBroadcaster(r, collector)
	return r
}

// Events is the fan-out fed by this registry's viewer set.
func (r *Registry) Events() *Broadcaster {
	return r.events
}

func (r *Registry) lockHost(id string) func() {
	r.locksMu.Lock()
	l, ok := r.hostLocks[id]
	if !ok {
		l = &hostLock{}
		r.hostLocks[id] = l
	}
	l.refs++
	r.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()

		r.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(r.hostLocks, id)
		}
		r.locksMu.Unlock()
	}
}

// Track records a live connection so Shutdown can close it. accept, if
// set, runs under the registry lock once c is tracked, so anything it
// starts is ordered before a concurrent Shutdown.
func (r *Registry) Track(c *Conn, accept func()) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.conns[c] = struct{}{}
	if accept != nil {
		accept()
	}
	return true
}

// RegisterAgent binds c to the host owning credential. A connection already
// bound to that host is superseded: unbound and closed without an offline
// event.
func (r *Registry) RegisterAgent(ctx context.Context, c *Conn, credential string) (string, error) {
	if credential == "" {
		r.metrics.RecordRegistration(metrics.RegistrationRejected)
		return "", ErrInvalidCredential
	}

	host, err := r.store.FindHostByCredential(ctx, credential)
	r.metrics.RecordDatabaseOperation("find_host_by_credential", ignoreNotFound(err))
	if errors.Is(err, database.ErrHostNotFound) {
		r.metrics.RecordRegistration(metrics.RegistrationRejected)
		return "", ErrInvalidCredential
	}
	if err != nil {
		return "", err
	}

	unlock := r.lockHost(host.ID)
	defer unlock()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", ErrShutdown
	}
	switch c.role {
	case RoleAgent:
		bound := c.hostID
		r.mu.Unlock()
		if bound == host.ID {
			return host.ID, nil
		}
		return "", ErrAlreadyRegistered
	case RoleViewer:
		r.mu.Unlock()
		return "", ErrAlreadyRegistered
	}

	prev := r.agents[host.ID]
	if prev != nil {
		prev.role = RoleUnbound
		prev.hostID = ""
	}
	r.agents[host.ID] = c
	c.role = RoleAgent
	c.hostID = host.ID
	online := len(r.agents)
	r.mu.Unlock()

	r.metrics.SetAgentsOnline(online)

	log := logrus.WithFields(logrus.Fields{
		"host_id": host.ID,
		"host":    host.Name,
		"conn_id": c.id,
		"remote":  c.remote,
	})

	if prev != nil {
		prev.Close()
		r.metrics.RecordRegistration(metrics.RegistrationSuperseded)
		log.WithField("superseded_conn", prev.id).Info("Agent registration superseded previous connection")
	} else {
		r.metrics.RecordRegistration(metrics.RegistrationAccepted)
		log.Info("Agent registered")
	}

	err = r.store.SetHostStatus(ctx, host.ID, protocol.StatusOnline)
	if err != nil {
		log.WithError(err).Error("Failed to mark host online")
	}
	r.metrics.RecordDatabaseOperation("set_host_status", err)

	r.events.Publish(protocol.TypeHostOnline, protocol.HostOnline{HostID: host.ID, Name: host.Name})
	return host.ID, nil
}

// Unregister drops whatever role c held. Safe to call more than once.
func (r *Registry) Unregister(ctx context.Context, c *Conn) {
	r.mu.Lock()
	delete(r.conns, c)
	role, hostID := c.role, c.hostID
	if role == RoleViewer {
		delete(r.viewers, c)
		c.role = RoleUnbound
		viewers := len(r.viewers)
		r.mu.Unlock()
		r.metrics.SetViewers(viewers)
		return
	}
	r.mu.Unlock()

	if role != RoleAgent {
		return
	}

	unlock := r.lockHost(hostID)
	defer unlock()

	r.mu.Lock()
	if c.role != RoleAgent || c.hostID != hostID || r.agents[hostID] != c {
		// superseded or shut down meanwhile
		r.mu.Unlock()
		return
	}
	delete(r.agents, hostID)
	c.role = RoleUnbound
	c.hostID = ""
	online := len(r.agents)
	r.mu.Unlock()

	r.metrics.SetAgentsOnline(online)

	log := logrus.WithFields(logrus.Fields{"host_id": hostID, "conn_id": c.id})
	err := r.store.SetHostStatus(ctx, hostID, protocol.StatusOffline)
	if err != nil {
		log.WithError(err).Error("Failed to mark host offline")
	}
	r.metrics.RecordDatabaseOperation("set_host_status", err)
	log.Info("Agent disconnected")

	r.events.Publish(protocol.TypeHostOffline, protocol.HostOffline{HostID: hostID})
}

// AddViewer subscribes c to broadcasts and starts holding events for it
// until its snapshot is delivered. Agent connections cannot be viewers.
func (r *Registry) AddViewer(c *Conn) bool {
	r.mu.Lock()
	if r.closed || c.role == RoleAgent {
		r.mu.Unlock()
		return false
	}
	c.hold()
	c.role = RoleViewer
	r.viewers[c] = struct{}{}
	viewers := len(r.viewers)
	r.mu.Unlock()

	r.metrics.SetViewers(viewers)
	return true
}

func (r *Registry) RemoveViewer(c *Conn) {
	r.mu.Lock()
	if c.role != RoleViewer {
		r.mu.Unlock()
		return
	}
	delete(r.viewers, c)
	c.role = RoleUnbound
	c.release()
	viewers := len(r.viewers)
	r.mu.Unlock()

	r.metrics.SetViewers(viewers)
}

// IsBound reports the host c is registered for.
func (r *Registry) IsBound(c *Conn) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.role != RoleAgent {
		return "", false
	}
	return c.hostID, true
}

// RoleOf reports the current role of c.
func (r *Registry) RoleOf(c *Conn) Role {
	r.mu.Lock()
	defer r.mu.Unlock()
	return c.role
}

// Evict closes the connection bound to hostID, if any. Its read pump then
// unregisters it.
func (r *Registry) Evict(hostID string) bool {
	r.mu.Lock()
	c := r.agents[hostID]
	r.mu.Unlock()

	if c == nil {
		return false
	}
	c.Close()
	return true
}

// Viewers returns a copy of the viewer set.
func (r *Registry) Viewers() []*Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Conn, 0, len(r.viewers))
	for c := range r.viewers {
		out = append(out, c)
	}
	return out
}

// Online returns the ids of every host with a bound connection.
func (r *Registry) Online() map[string]bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]bool, len(r.agents))
	for id := range r.agents {
		out[id] = true
	}
	return out
}

// Shutdown marks every bound host offline, closes all connections and
// refuses further registrations.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true

	bound := make([]string, 0, len(r.agents))
	for id, c := range r.agents {
		bound = append(bound, id)
		c.role = RoleUnbound
		c.hostID = ""
	}
	for c := range r.viewers {
		c.role = RoleUnbound
	}
	conns := make([]*Conn, 0, len(r.conns))
	for c := range r.conns {
		conns = append(conns, c)
	}
	r.agents = make(map[string]*Conn)
	r.viewers = make(map[*Conn]struct{})
	r.mu.Unlock()

	for _, id := range bound {
		// Waits out a registration that bound id before closed was set.
		unlock := r.lockHost(id)
		err := r.store.SetHostStatus(ctx, id, protocol.StatusOffline)
		unlock()
		if err != nil {
			logrus.WithError(err).WithField("host_id", id).Error("Failed to mark host offline on shutdown")
		}
	}
	for _, c := range conns {
		c.Close()
	}

	r.metrics.SetAgentsOnline(0)
	r.metrics.SetViewers(0)

	logrus.WithFields(logrus.Fields{
		"hosts":       len(bound),
		"connections": len(conns),
	}).Info("Session registry shut down")
}

func ignoreNotFound(err error) error {
	if errors.Is(err, database.ErrHostNotFound) {
		return nil
	}
	return err
}
