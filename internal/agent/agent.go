// internal/agent/agent.go
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"fleetwatch/internal/config"
	"fleetwatch/internal/protocol"
)

const (
	writeWait       = 10 * time.Second
	registerTimeout = 10 * time.Second
)

// ErrRejected means the hub refused the credential. Retrying cannot help.
var ErrRejected = errors.New("credential rejected by hub")

// Agent keeps one registered session with the hub and reports samples on
// it, reconnecting after a delay whenever the session ends.
type Agent struct {
	cfg     *config.AgentConfig
	sampler Sampler
	prober  Prober
	dialer  *websocket.Dialer

	mu   sync.Mutex
	ping protocol.Ping
}

// New builds an agent. prober may be nil to report no latency.
func New(cfg *config.AgentConfig, sampler Sampler, prober Prober) *Agent {
	return &Agent{
		cfg:     cfg,
		sampler: sampler,
		prober:  prober,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// Run blocks until ctx is done or the hub rejects the credential.
func (a *Agent) Run(ctx context.Context) error {
	if a.prober != nil {
		go a.probeLoop(ctx)
	}

	for {
		err := a.session(ctx)
		if errors.Is(err, ErrRejected) {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}

		logrus.WithError(err).WithField("delay", a.cfg.ReconnectDelay).Warn("Disconnected from hub, reconnecting")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(a.cfg.ReconnectDelay):
		}
	}
}

func (a *Agent) session(ctx context.Context) error {
	ws, _, err := a.dialer.DialContext(ctx, a.cfg.ServerURL, nil)
	if err != nil {
		return fmt.Errorf("failed to dial hub: %w", err)
	}
	defer ws.Close()

	done := make(chan struct{})
	defer close(done)
	frames := make(chan *protocol.Envelope, 16)
	readErr := make(chan error, 1)
	go a.readLoop(ws, done, frames, readErr)

	if err := send(ws, protocol.TypeRegister, protocol.Register{Credential: a.cfg.Credential}); err != nil {
		return err
	}
	hostID, err := awaitRegistered(ctx, frames, readErr)
	if err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"host_id": hostID,
		"server":  a.cfg.ServerURL,
	}).Info("Registered with hub")

	report := time.NewTicker(a.cfg.ReportInterval)
	defer report.Stop()
	heartbeat := time.NewTicker(a.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	if err := a.report(ctx, ws); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return ctx.Err()
		case err := <-readErr:
			return err
		case env := <-frames:
			switch env.Type {
			case protocol.TypeHeartbeatAck:
				logrus.Debug("Heartbeat acknowledged")
			case protocol.TypeError:
				var reply protocol.ErrorReply
				env.DecodeData(&reply)
				logrus.WithField("message", reply.Message).Warn("Hub reported an error")
			}
		case <-report.C:
			if err := a.report(ctx, ws); err != nil {
				return err
			}
		case <-heartbeat.C:
			if err := send(ws, protocol.TypeHeartbeat, nil); err != nil {
				return err
			}
		}
	}
}

func awaitRegistered(ctx context.Context, frames <-chan *protocol.Envelope, readErr <-chan error) (string, error) {
	timer := time.NewTimer(registerTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
			return "", fmt.Errorf("no registration reply within %s", registerTimeout)
		case err := <-readErr:
			return "", err
		case env := <-frames:
			switch env.Type {
			case protocol.TypeRegistered:
				var ack protocol.Registered
				if err := env.DecodeData(&ack); err != nil {
					return "", err
				}
				return ack.HostID, nil
			case protocol.TypeError:
				var reply protocol.ErrorReply
				env.DecodeData(&reply)
				if reply.Message == protocol.MessageInvalidCredential {
					return "", ErrRejected
				}
				return "", fmt.Errorf("registration failed: %s", reply.Message)
			}
		}
	}
}

// readLoop forwards decoded frames until the socket fails. A silent hub
// fails the read deadline, which every frame and ping pushes forward.
func (a *Agent) readLoop(ws *websocket.Conn, done <-chan struct{}, frames chan<- *protocol.Envelope, readErr chan<- error) {
	idle := 2 * a.cfg.HeartbeatInterval
	if idle < time.Minute {
		idle = time.Minute
	}

	ws.SetReadDeadline(time.Now().Add(idle))
	ws.SetPingHandler(func(data string) error {
		ws.SetReadDeadline(time.Now().Add(idle))
		err := ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			readErr <- fmt.Errorf("failed to read from hub: %w", err)
			return
		}
		ws.SetReadDeadline(time.Now().Add(idle))

		env, err := protocol.Decode(frame)
		if err != nil {
			logrus.WithError(err).Debug("Ignoring malformed frame from hub")
			continue
		}

		select {
		case frames <- env:
		case <-done:
			return
		}
	}
}

func (a *Agent) report(ctx context.Context, ws *websocket.Conn) error {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.ReportInterval)
	defer cancel()

	var data protocol.Data
	if info, err := a.sampler.SystemInfo(ctx); err == nil {
		data.SystemInfo = &info
	} else {
		logrus.WithError(err).Warn("Failed to read system info")
	}

	metrics, err := a.sampler.Sample(ctx)
	if err != nil {
		logrus.WithError(err).Warn("Failed to sample host")
	} else {
		metrics.Ping = a.latestPing()
		data.Metrics = &metrics
	}

	if data.SystemInfo == nil && data.Metrics == nil {
		return nil
	}

	if err := send(ws, protocol.TypeData, data); err != nil {
		return err
	}
	if data.Metrics != nil {
		logrus.WithFields(logrus.Fields{
			"cpu":  data.Metrics.CPU.Usage,
			"ping": data.Metrics.Ping.Latency,
		}).Debug("Reported sample")
	}
	return nil
}

// probeLoop refreshes the latency figure in the background, since one
// probe can outlast a report interval.
func (a *Agent) probeLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.ReportInterval)
	defer ticker.Stop()

	for {
		ping, err := a.prober.Probe(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logrus.WithError(err).Debug("Latency probe failed")
			ping = protocol.Ping{}
		}
		a.mu.Lock()
		a.ping = ping
		a.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (a *Agent) latestPing() protocol.Ping {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ping
}

func send(ws *websocket.Conn, kind string, payload interface{}) error {
	frame, err := protocol.Encode(kind, payload)
	if err != nil {
		return err
	}
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("failed to send %s: %w", kind, err)
	}
	return nil
}
