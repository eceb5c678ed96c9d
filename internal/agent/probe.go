// internal/agent/probe.go
package agent

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/pion/stun/v3"

	"fleetwatch/internal/protocol"
)

// Prober measures round-trip latency to some target.
type Prober interface {
	Probe(ctx context.Context) (protocol.Ping, error)
}

// LatencyProbe times STUN binding requests against a STUN server. Unlike
// ICMP it needs no privileges, and one UDP round trip is close enough to
// what ping reports.
type LatencyProbe struct {
	Target  string
	Count   int
	Timeout time.Duration
}

func NewLatencyProbe(target string, count int, timeout time.Duration) *LatencyProbe {
	if count <= 0 {
		count = 4
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &LatencyProbe{Target: target, Count: count, Timeout: timeout}
}

// Probe sends Count binding requests over one client and reports the mean
// and standard deviation of the answered ones.
func (p *LatencyProbe) Probe(ctx context.Context) (protocol.Ping, error) {
	uriStr := strings.TrimSpace(p.Target)
	if uriStr == "" {
		return protocol.Ping{}, fmt.Errorf("empty STUN target")
	}
	if !strings.HasPrefix(uriStr, "stun:") {
		uriStr = "stun:" + uriStr
	}

	uri, err := stun.ParseURI(uriStr)
	if err != nil {
		return protocol.Ping{}, fmt.Errorf("failed to parse STUN target: %w", err)
	}

	client, err := stun.DialURI(uri, &stun.DialConfig{})
	if err != nil {
		return protocol.Ping{}, fmt.Errorf("failed to dial STUN target: %w", err)
	}
	defer client.Close()

	rtts := make([]float64, 0, p.Count)
	var lastErr error
	for i := 0; i < p.Count; i++ {
		rtt, err := p.roundTrip(ctx, client)
		if err != nil {
			if ctx.Err() != nil {
				return protocol.Ping{}, ctx.Err()
			}
			lastErr = err
			continue
		}
		rtts = append(rtts, float64(rtt)/float64(time.Millisecond))
	}

	if len(rtts) == 0 {
		return protocol.Ping{}, fmt.Errorf("no STUN responses from %s: %w", p.Target, lastErr)
	}
	return latencyStats(rtts), nil
}

func (p *LatencyProbe) roundTrip(ctx context.Context, client *stun.Client) (time.Duration, error) {
	msg := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	result := make(chan time.Duration, 1)
	fail := make(chan error, 1)

	start := time.Now()
	go func() {
		err := client.Do(msg, func(res stun.Event) {
			if res.Error != nil {
				fail <- res.Error
				return
			}
			result <- time.Since(start)
		})
		if err != nil {
			fail <- err
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	select {
	case rtt := <-result:
		return rtt, nil
	case err := <-fail:
		return 0, err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// latencyStats is the mean and population standard deviation of rtts in
// milliseconds, rounded to two decimals.
func latencyStats(rtts []float64) protocol.Ping {
	if len(rtts) == 0 {
		return protocol.Ping{}
	}

	var sum float64
	for _, v := range rtts {
		sum += v
	}
	mean := sum / float64(len(rtts))

	var sq float64
	for _, v := range rtts {
		sq += (v - mean) * (v - mean)
	}
	stddev := math.Sqrt(sq / float64(len(rtts)))

	return protocol.Ping{Latency: round2(mean), Jitter: round2(stddev)}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
