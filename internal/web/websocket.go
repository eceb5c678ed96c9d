// internal/web/websocket.go
package web

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Agents and the watch client are not browsers.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleWebSocket upgrades /ws and hands the socket to the hub. Agents and
// viewers share the endpoint; the first frame decides the role.
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logrus.WithError(err).WithField("remote", c.ClientIP()).Warn("Failed to upgrade websocket")
		return
	}

	s.hub.Serve(conn)
}

// webSocketURL is the address agents should dial, preferring the configured
// public URL over one derived from the request.
func (s *Server) webSocketURL(r *http.Request) string {
	if s.config.Server.PublicURL != "" {
		return s.config.Server.PublicURL
	}

	scheme := "ws"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "wss"
	}
	return scheme + "://" + r.Host + "/ws"
}
