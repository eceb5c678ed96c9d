// internal/database/sqlstore.go - GORM/SQLite implementation
package database

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"fleetwatch/internal/protocol"
)

type hostRow struct {
	ID         string `gorm:"primaryKey"`
	Name       string `gorm:"not null"`
	Credential string `gorm:"uniqueIndex;not null"`
	Status     string `gorm:"not null;default:'offline'"`
	LastSeen   time.Time
	CreatedAt  time.Time `gorm:"index"`
}

func (hostRow) TableName() string { return "hosts" }

func (r hostRow) host() *Host {
	return &Host{
		ID:         r.ID,
		Name:       r.Name,
		Credential: r.Credential,
		Status:     protocol.HostStatus(r.Status),
		LastSeen:   r.LastSeen.UTC(),
		CreatedAt:  r.CreatedAt.UTC(),
	}
}

type systemInfoRow struct {
	HostID    string `gorm:"primaryKey"`
	Hostname  string
	Platform  string
	Arch      string
	OSVersion string
	Uptime    uint64
	UpdatedAt time.Time
}

func (systemInfoRow) TableName() string { return "system_info" }

type sampleRow struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	HostID    string    `gorm:"not null;index:idx_samples_host_time,priority:1"`
	Timestamp time.Time `gorm:"not null;index:idx_samples_host_time,priority:2;index"`

	CPUUsage         float64
	CPUCores         int
	MemoryTotal      uint64
	MemoryUsed       uint64
	DiskTotal        uint64
	DiskUsed         uint64
	NetUpload        float64
	NetDownload      float64
	NetTotalUpload   uint64
	NetTotalDownload uint64
	PingLatency      float64
	PingJitter       float64
}

func (sampleRow) TableName() string { return "samples" }

func newSampleRow(hostID string, at time.Time, m protocol.Metrics) sampleRow {
	return sampleRow{
		HostID:           hostID,
		Timestamp:        at.UTC(),
		CPUUsage:         m.CPU.Usage,
		CPUCores:         m.CPU.Cores,
		MemoryTotal:      m.Memory.Total,
		MemoryUsed:       m.Memory.Used,
		DiskTotal:        m.Disk.Total,
		DiskUsed:         m.Disk.Used,
		NetUpload:        m.Network.Upload,
		NetDownload:      m.Network.Download,
		NetTotalUpload:   m.Network.TotalUpload,
		NetTotalDownload: m.Network.TotalDownload,
		PingLatency:      m.Ping.Latency,
		PingJitter:       m.Ping.Jitter,
	}
}

func (r sampleRow) sample() MetricSample {
	return MetricSample{
		ID:        strconv.FormatUint(uint64(r.ID), 10),
		HostID:    r.HostID,
		Timestamp: r.Timestamp.UTC(),
		Metrics: protocol.Metrics{
			CPU:    protocol.CPU{Usage: r.CPUUsage, Cores: r.CPUCores},
			Memory: protocol.Memory{Total: r.MemoryTotal, Used: r.MemoryUsed},
			Disk:   protocol.Disk{Total: r.DiskTotal, Used: r.DiskUsed},
			Network: protocol.Network{
				Upload:        r.NetUpload,
				Download:      r.NetDownload,
				TotalUpload:   r.NetTotalUpload,
				TotalDownload: r.NetTotalDownload,
			},
			Ping: protocol.Ping{Latency: r.PingLatency, Jitter: r.PingJitter},
		},
	}
}

// SQLStore persists to a single SQLite file through GORM.
type SQLStore struct {
	db   *gorm.DB
	path string
}

func NewSQLStore(path string) (*SQLStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.New(logrus.StandardLogger(), logger.Config{
			SlowThreshold:             500 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get SQL handle: %w", err)
	}
	// SQLite allows one writer; serialize instead of returning SQLITE_BUSY.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&hostRow{}, &systemInfoRow{}, &sampleRow{}); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to auto-migrate: %w", err)
	}

	return &SQLStore{db: db, path: path}, nil
}

func (s *SQLStore) CreateHost(ctx context.Context, name string) (*Host, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, &ValidationError{Field: "name", Message: "must not be empty"}
	}

	row := hostRow{
		ID:         uuid.New().String(),
		Name:       name,
		Credential: uuid.New().String(),
		Status:     string(protocol.StatusOffline),
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return nil, persistErr("create host", err)
	}
	return row.host(), nil
}

func (s *SQLStore) findHost(ctx context.Context, op, query string, arg interface{}) (*Host, error) {
	var row hostRow
	err := s.db.WithContext(ctx).Where(query, arg).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrHostNotFound
	}
	if err != nil {
		return nil, persistErr(op, err)
	}
	return row.host(), nil
}

func (s *SQLStore) GetHost(ctx context.Context, id string) (*Host, error) {
	return s.findHost(ctx, "get host", "id = ?", id)
}

func (s *SQLStore) FindHostByCredential(ctx context.Context, credential string) (*Host, error) {
	if credential == "" {
		return nil, ErrHostNotFound
	}
	return s.findHost(ctx, "find host by credential", "credential = ?", credential)
}

func (s *SQLStore) ListHosts(ctx context.Context) ([]Host, error) {
	var rows []hostRow
	if err := s.db.WithContext(ctx).Order("created_at desc").Find(&rows).Error; err != nil {
		return nil, persistErr("list hosts", err)
	}

	hosts := make([]Host, 0, len(rows))
	for _, r := range rows {
		hosts = append(hosts, *r.host())
	}
	return hosts, nil
}

func (s *SQLStore) SetHostStatus(ctx context.Context, id string, status protocol.HostStatus) error {
	updates := map[string]interface{}{"status": string(status)}
	if status == protocol.StatusOnline {
		updates["last_seen"] = time.Now().UTC()
	}
	err := s.db.WithContext(ctx).Model(&hostRow{}).Where("id = ?", id).Updates(updates).Error
	return persistErr("set host status", err)
}

func (s *SQLStore) DeleteHost(ctx context.Context, id string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("host_id = ?", id).Delete(&sampleRow{}).Error; err != nil {
			return err
		}
		if err := tx.Where("host_id = ?", id).Delete(&systemInfoRow{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", id).Delete(&hostRow{}).Error
	})
	return persistErr("delete host", err)
}

func hostExists(tx *gorm.DB, id string) (bool, error) {
	var n int64
	if err := tx.Model(&hostRow{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLStore) UpsertSystemInfo(ctx context.Context, hostID string, info protocol.SystemInfo) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := hostExists(tx, hostID)
		if err != nil || !ok {
			return err
		}
		row := systemInfoRow{
			HostID:    hostID,
			Hostname:  info.Hostname,
			Platform:  info.Platform,
			Arch:      info.Arch,
			OSVersion: info.OSVersion,
			Uptime:    info.Uptime,
			UpdatedAt: time.Now().UTC(),
		}
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
	})
	return persistErr("upsert system info", err)
}

func (s *SQLStore) GetSystemInfo(ctx context.Context, hostID string) (*protocol.SystemInfo, error) {
	var row systemInfoRow
	err := s.db.WithContext(ctx).Where("host_id = ?", hostID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, persistErr("get system info", err)
	}
	return &protocol.SystemInfo{
		Hostname:  row.Hostname,
		Platform:  row.Platform,
		Arch:      row.Arch,
		OSVersion: row.OSVersion,
		Uptime:    row.Uptime,
	}, nil
}

func (s *SQLStore) RecordSample(ctx context.Context, hostID string, at time.Time, metrics protocol.Metrics) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := hostExists(tx, hostID)
		if err != nil || !ok {
			return err
		}
		row := newSampleRow(hostID, at, metrics)
		return tx.Create(&row).Error
	})
	return persistErr("record sample", err)
}

func (s *SQLStore) LatestSample(ctx context.Context, hostID string) (*MetricSample, error) {
	samples, err := s.RecentSamples(ctx, hostID, 1)
	if err != nil {
		return nil, err
	}
	if len(samples) == 0 {
		return nil, nil
	}
	return &samples[0], nil
}

func (s *SQLStore) RecentSamples(ctx context.Context, hostID string, limit int) ([]MetricSample, error) {
	samples := []MetricSample{}
	if limit <= 0 {
		return samples, nil
	}

	var rows []sampleRow
	err := s.db.WithContext(ctx).
		Where("host_id = ?", hostID).
		Order("timestamp desc").Order("id desc").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, persistErr("read samples", err)
	}

	for _, r := range rows {
		samples = append(samples, r.sample())
	}
	return samples, nil
}

func (s *SQLStore) PurgeSamplesOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	result := s.db.WithContext(ctx).Where("timestamp < ?", cutoff.UTC()).Delete(&sampleRow{})
	if result.Error != nil {
		return 0, persistErr("purge samples", result.Error)
	}

	logrus.WithFields(logrus.Fields{
		"deleted_count": result.RowsAffected,
		"cutoff_time":   cutoff,
	}).Info("Purged old metric samples")

	return int(result.RowsAffected), nil
}

func (s *SQLStore) GetDatabaseStats(ctx context.Context) (*DatabaseStats, error) {
	stats := &DatabaseStats{Backend: TypeSQLite}
	db := s.db.WithContext(ctx)

	var hosts, infos, samples int64
	if err := db.Model(&hostRow{}).Count(&hosts).Error; err != nil {
		return nil, persistErr("get database stats", err)
	}
	if err := db.Model(&systemInfoRow{}).Count(&infos).Error; err != nil {
		return nil, persistErr("get database stats", err)
	}
	if err := db.Model(&sampleRow{}).Count(&samples).Error; err != nil {
		return nil, persistErr("get database stats", err)
	}
	stats.TotalHosts = int(hosts)
	stats.TotalSystemInfo = int(infos)
	stats.TotalSamples = int(samples)

	if samples > 0 {
		var oldest, newest sampleRow
		if err := db.Order("timestamp asc").First(&oldest).Error; err == nil {
			stats.OldestSample = oldest.Timestamp.UTC()
		}
		if err := db.Order("timestamp desc").First(&newest).Error; err == nil {
			stats.NewestSample = newest.Timestamp.UTC()
		}
	}

	if fileInfo, err := os.Stat(s.path); err == nil {
		stats.DatabaseSize = fileInfo.Size()
	}
	return stats, nil
}

func (s *SQLStore) CompactDatabase(ctx context.Context) error {
	logrus.Info("Starting database compaction")
	if err := s.db.WithContext(ctx).Exec("VACUUM").Error; err != nil {
		return persistErr("compact database", err)
	}
	logrus.Info("Database compaction completed successfully")
	return nil
}

func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
