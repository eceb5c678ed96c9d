// internal/agent/sampler.go
package agent

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
	psnet "github.com/shirou/gopsutil/v4/net"
	"github.com/sirupsen/logrus"

	"fleetwatch/internal/protocol"
)

// Sampler reads the local host. Ping is filled in by the agent.
type Sampler interface {
	SystemInfo(ctx context.Context) (protocol.SystemInfo, error)
	Sample(ctx context.Context) (protocol.Metrics, error)
}

// SystemSampler collects host telemetry with gopsutil.
type SystemSampler struct {
	diskPath string

	mu          sync.Mutex
	counters    func(ctx context.Context) (rx, tx uint64, err error)
	now         func() time.Time
	prevRx      uint64
	prevTx      uint64
	prevTime    time.Time
	initialized bool
}

func NewSystemSampler(diskPath string) *SystemSampler {
	if diskPath == "" {
		diskPath = "/"
	}
	return &SystemSampler{
		diskPath: diskPath,
		counters: interfaceCounters,
		now:      time.Now,
	}
}

func (s *SystemSampler) SystemInfo(ctx context.Context) (protocol.SystemInfo, error) {
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return protocol.SystemInfo{}, fmt.Errorf("failed to read host info: %w", err)
	}

	osVersion := info.KernelVersion
	if info.Platform != "" {
		osVersion = strings.TrimSpace(info.Platform + " " + info.PlatformVersion)
	}

	return protocol.SystemInfo{
		Hostname:  info.Hostname,
		Platform:  info.OS,
		Arch:      runtime.GOARCH,
		OSVersion: osVersion,
		Uptime:    info.Uptime,
	}, nil
}

// Sample takes one measurement. Individual readings that fail are logged
// and left zero so one broken source does not hide the others.
func (s *SystemSampler) Sample(ctx context.Context) (protocol.Metrics, error) {
	var m protocol.Metrics

	if pcts, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pcts) > 0 {
		m.CPU.Usage = round2(pcts[0])
	} else if err != nil {
		logrus.WithError(err).Debug("Failed to read CPU usage")
	}
	if cores, err := cpu.CountsWithContext(ctx, true); err == nil {
		m.CPU.Cores = cores
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		m.Memory.Total = vm.Total
		m.Memory.Used = vm.Used
	} else {
		logrus.WithError(err).Debug("Failed to read memory usage")
	}

	if du, err := disk.UsageWithContext(ctx, s.diskPath); err == nil {
		m.Disk.Total = du.Total
		m.Disk.Used = du.Used
	} else {
		logrus.WithError(err).WithField("path", s.diskPath).Debug("Failed to read disk usage")
	}

	network, err := s.network(ctx)
	if err != nil {
		logrus.WithError(err).Debug("Failed to read network counters")
	}
	m.Network = network

	if ctx.Err() != nil {
		return m, ctx.Err()
	}
	return m, nil
}

// network reports totals and bytes per second since the previous call.
// The first call has no rate.
func (s *SystemSampler) network(ctx context.Context) (protocol.Network, error) {
	rx, tx, err := s.counters(ctx)
	if err != nil {
		return protocol.Network{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	n := protocol.Network{TotalUpload: tx, TotalDownload: rx}
	if s.initialized {
		elapsed := now.Sub(s.prevTime).Seconds()
		if elapsed > 0 {
			n.Upload = rate(s.prevTx, tx, elapsed)
			n.Download = rate(s.prevRx, rx, elapsed)
		}
	}

	s.prevRx, s.prevTx, s.prevTime = rx, tx, now
	s.initialized = true
	return n, nil
}

func rate(prev, cur uint64, seconds float64) float64 {
	// Counters reset when an interface goes away.
	if cur < prev {
		return 0
	}
	return round2(float64(cur-prev) / seconds)
}

// interfaceCounters sums traffic over every non-loopback interface.
func interfaceCounters(ctx context.Context) (uint64, uint64, error) {
	stats, err := psnet.IOCountersWithContext(ctx, true)
	if err != nil {
		return 0, 0, err
	}

	var rx, tx uint64
	for _, st := range stats {
		if strings.HasPrefix(st.Name, "lo") {
			continue
		}
		rx += st.BytesRecv
		tx += st.BytesSent
	}
	return rx, tx, nil
}
