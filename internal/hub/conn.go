// internal/hub/conn.go
package hub

import (
	"sync"

	"github.com/google/uuid"
)

// Role is what a connection is to the registry. It only changes through
// Registry methods.
type Role int

const (
	RoleUnbound Role = iota
	RoleAgent
	RoleViewer
)

func (r Role) String() string {
	switch r {
	case RoleAgent:
		return "agent"
	case RoleViewer:
		return "viewer"
	default:
		return "unbound"
	}
}

// Conn is one live websocket as seen by the registry. Frames queued on send
// are written by the connection's write pump; closing done tells both
// pumps to stop. send is never closed.
type Conn struct {
	id     string
	remote string
	send   chan []byte
	done   chan struct{}

	closeOnce sync.Once

	// guarded by Registry.mu
	role   Role
	hostID string

	// Viewer priming: events are held in backlog until the snapshot is out.
	mu      sync.Mutex
	primed  bool
	backlog [][]byte
}

func newConn(remote string, buffer int) *Conn {
	if buffer < 1 {
		buffer = 1
	}
	return &Conn{
		id:     uuid.New().String(),
		remote: remote,
		send:   make(chan []byte, buffer),
		done:   make(chan struct{}),
		primed: true,
	}
}

// Done is closed once the connection has been told to shut down.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Close asks the pumps to flush what is queued and drop the transport.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

func (c *Conn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// trySend queues a frame without blocking. It fails when the connection is
// closing or its buffer is full.
func (c *Conn) trySend(frame []byte) bool {
	if c.closed() {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// hold starts buffering broadcast events until prime is called.
func (c *Conn) hold() {
	c.mu.Lock()
	c.primed = false
	c.mu.Unlock()
}

// deliver queues a broadcast event, or parks it in the backlog while a
// snapshot is being built. The backlog is bounded by the send buffer.
func (c *Conn) deliver(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.primed {
		if len(c.backlog) >= cap(c.send) {
			return false
		}
		c.backlog = append(c.backlog, frame)
		return true
	}
	return c.trySend(frame)
}

// release drops the backlog of a viewer that was never primed.
func (c *Conn) release() {
	c.mu.Lock()
	c.backlog = nil
	c.primed = true
	c.mu.Unlock()
}

// prime sends the snapshot followed by every event held since hold.
func (c *Conn) prime(snapshot []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	backlog := c.backlog
	c.backlog = nil
	c.primed = true

	if !c.trySend(snapshot) {
		return false
	}
	for _, frame := range backlog {
		if !c.trySend(frame) {
			return false
		}
	}
	return true
}
