// internal/viewer/watch.go
package viewer

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"fleetwatch/internal/protocol"
)

const writeWait = 10 * time.Second

// Watcher subscribes to a hub as a viewer and prints the live feed.
type Watcher struct {
	url    string
	out    io.Writer
	dialer *websocket.Dialer
	names  map[string]string
}

func NewWatcher(url string, out io.Writer) *Watcher {
	return &Watcher{
		url:    url,
		out:    out,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		names:  make(map[string]string),
	}
}

// Run prints events until ctx is done or the hub goes away.
func (w *Watcher) Run(ctx context.Context) error {
	ws, _, err := w.dialer.DialContext(ctx, w.url, nil)
	if err != nil {
		return fmt.Errorf("failed to dial hub: %w", err)
	}
	defer ws.Close()

	go func() {
		<-ctx.Done()
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		ws.Close()
	}()

	hello, err := protocol.Encode(protocol.TypeViewerHello, nil)
	if err != nil {
		return err
	}
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.WriteMessage(websocket.TextMessage, hello); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	for {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to read from hub: %w", err)
		}

		env, err := protocol.Decode(frame)
		if err != nil {
			logrus.WithError(err).Debug("Ignoring malformed frame")
			continue
		}
		for _, line := range w.render(env) {
			fmt.Fprintln(w.out, line)
		}
	}
}

func (w *Watcher) render(env *protocol.Envelope) []string {
	switch env.Type {
	case protocol.TypeSnapshot:
		var snap protocol.Snapshot
		if err := env.DecodeData(&snap); err != nil {
			return nil
		}
		lines := []string{fmt.Sprintf("%d hosts", len(snap.Hosts))}
		entries := snap.Hosts
		sort.SliceStable(entries, func(i, j int) bool { return entries[i].Host.Name < entries[j].Host.Name })
		for _, entry := range entries {
			w.names[entry.Host.ID] = entry.Host.Name
			line := fmt.Sprintf("  %-20s %-8s", entry.Host.Name, entry.Host.Status)
			if entry.LatestSample != nil {
				line += " " + summary(entry.LatestSample.Metrics)
			}
			lines = append(lines, strings.TrimRight(line, " "))
		}
		return lines

	case protocol.TypeHostOnline:
		var ev protocol.HostOnline
		if err := env.DecodeData(&ev); err != nil {
			return nil
		}
		w.names[ev.HostID] = ev.Name
		return []string{stamp(time.Now()) + " " + w.name(ev.HostID) + " online"}

	case protocol.TypeHostOffline:
		var ev protocol.HostOffline
		if err := env.DecodeData(&ev); err != nil {
			return nil
		}
		return []string{stamp(time.Now()) + " " + w.name(ev.HostID) + " offline"}

	case protocol.TypeMetricsUpdate:
		var ev protocol.MetricsUpdate
		if err := env.DecodeData(&ev); err != nil || ev.Metrics == nil {
			return nil
		}
		return []string{stamp(ev.Timestamp) + " " + w.name(ev.HostID) + " " + summary(*ev.Metrics)}

	case protocol.TypeError:
		var reply protocol.ErrorReply
		env.DecodeData(&reply)
		return []string{"error: " + reply.Message}
	}
	return nil
}

func (w *Watcher) name(hostID string) string {
	if name, ok := w.names[hostID]; ok && name != "" {
		return name
	}
	return hostID
}

func stamp(t time.Time) string {
	return t.Local().Format("15:04:05")
}

func summary(m protocol.Metrics) string {
	return fmt.Sprintf("cpu=%.1f%% mem=%.1f%% disk=%.1f%% up=%s down=%s ping=%.2fms",
		m.CPU.Usage,
		percent(m.Memory.Used, m.Memory.Total),
		percent(m.Disk.Used, m.Disk.Total),
		rate(m.Network.Upload),
		rate(m.Network.Download),
		m.Ping.Latency)
}

func percent(used, total uint64) float64 {
	if total == 0 {
		return 0
	}
	return float64(used) / float64(total) * 100
}

func rate(bytesPerSecond float64) string {
	if bytesPerSecond <= 0 {
		return "0B/s"
	}
	return strings.ReplaceAll(humanize.IBytes(uint64(bytesPerSecond)), " ", "") + "/s"
}
