// internal/hub/pump.go - Per-connection websocket goroutines
package hub

import (
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// readPump feeds inbound frames to the handler until the transport fails.
// Any frame or pong extends the read deadline, so a silent peer is dropped
// after PongWait. Unregister always runs on the way out.
func (h *Hub) readPump(ws *websocket.Conn, c *Conn) {
	defer func() {
		h.registry.Unregister(h.ctx, c)
		c.Close()
		h.metrics.RecordWebSocketConnection(-1)
		h.pumps.Done()
	}()

	ws.SetReadLimit(h.opts.MaxMessageSize)
	ws.SetReadDeadline(time.Now().Add(h.opts.PongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(h.opts.PongWait))
		return nil
	})

	for {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				logrus.WithError(err).WithField("conn_id", c.id).Debug("WebSocket read failed")
			}
			return
		}
		ws.SetReadDeadline(time.Now().Add(h.opts.PongWait))

		select {
		case <-c.Done():
			return
		default:
		}

		h.handler.Handle(h.ctx, c, frame)
	}
}

// writePump is the only writer on ws. When the connection is closed it
// flushes what is already queued, sends a close frame and drops the socket.
func (h *Hub) writePump(ws *websocket.Conn, c *Conn) {
	ticker := time.NewTicker(h.opts.pingPeriod())
	defer func() {
		ticker.Stop()
		ws.Close()
		h.pumps.Done()
	}()

	for {
		select {
		case frame := <-c.send:
			ws.SetWriteDeadline(time.Now().Add(h.opts.WriteWait))
			if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.Close()
				return
			}

		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(h.opts.WriteWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}

		case <-c.Done():
			h.flush(ws, c)
			ws.SetWriteDeadline(time.Now().Add(h.opts.WriteWait))
			ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (h *Hub) flush(ws *websocket.Conn, c *Conn) {
	for {
		select {
		case frame := <-c.send:
			ws.SetWriteDeadline(time.Now().Add(h.opts.WriteWait))
			if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		default:
			return
		}
	}
}
