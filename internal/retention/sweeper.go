// internal/retention/sweeper.go
package retention

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"fleetwatch/internal/config"
	"fleetwatch/internal/database"
	"fleetwatch/internal/metrics"
)

// metricsInterval is how often host gauges are refreshed from the store.
const metricsInterval = 30 * time.Second

// Sweeper purges samples past the retention window on a schedule and
// optionally compacts the store afterwards.
type Sweeper struct {
	store     database.ExtendedStore
	metrics   *metrics.Collector
	interval  time.Duration
	retention time.Duration
	compact   time.Duration

	now         func() time.Time
	lastCompact time.Time
}

func New(store database.ExtendedStore, collector *metrics.Collector, cfg config.DatabaseConfig) *Sweeper {
	if collector == nil {
		collector = metrics.NewCollector(store)
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = config.Default().Database.CleanupInterval
	}
	return &Sweeper{
		store:     store,
		metrics:   collector,
		interval:  cfg.CleanupInterval,
		retention: cfg.HistoryRetention,
		compact:   cfg.CompactInterval,
		now:       time.Now,
	}
}

// Run purges once immediately and then on every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	s.lastCompact = s.now()
	s.sweep(ctx)
	s.refreshMetrics(ctx)

	purge := time.NewTicker(s.interval)
	defer purge.Stop()
	refresh := time.NewTicker(metricsInterval)
	defer refresh.Stop()

	logrus.WithFields(logrus.Fields{
		"interval":  s.interval,
		"retention": s.retention,
	}).Info("Scheduled periodic sample purging")

	for {
		select {
		case <-ctx.Done():
			logrus.Debug("Stopping retention sweeper")
			return
		case <-purge.C:
			s.sweep(ctx)
		case <-refresh.C:
			s.refreshMetrics(ctx)
		}
	}
}

// PurgeOnce deletes samples older than the retention window. A zero
// retention keeps everything.
func (s *Sweeper) PurgeOnce(ctx context.Context) (int, error) {
	if s.retention <= 0 {
		return 0, nil
	}

	cutoff := s.now().UTC().Add(-s.retention)
	deleted, err := s.store.PurgeSamplesOlderThan(ctx, cutoff)
	s.metrics.RecordDatabaseOperation("purge_samples", err)
	return deleted, err
}

func (s *Sweeper) sweep(ctx context.Context) {
	if _, err := s.PurgeOnce(ctx); err != nil {
		logrus.WithError(err).Error("Scheduled purge failed")
		return
	}

	if s.compact <= 0 || s.now().Sub(s.lastCompact) < s.compact {
		return
	}
	err := s.store.CompactDatabase(ctx)
	s.metrics.RecordDatabaseOperation("compact", err)
	if err != nil {
		logrus.WithError(err).Error("Scheduled compaction failed")
		return
	}
	s.lastCompact = s.now()
}

func (s *Sweeper) refreshMetrics(ctx context.Context) {
	if err := s.metrics.UpdateSystemMetrics(ctx); err != nil {
		logrus.WithError(err).Error("Failed to update system metrics")
	}
}
