// internal/database/store_extensions.go - Maintenance operations for the admin surface
package database

import (
	"context"
	"time"
)

// ExtendedStore extends the basic Store interface with maintenance operations
type ExtendedStore interface {
	Store

	CompactDatabase(ctx context.Context) error
	GetDatabaseStats(ctx context.Context) (*DatabaseStats, error)
}

// DatabaseStats provides information about database size and health
type DatabaseStats struct {
	Backend         string    `json:"backend"`
	TotalHosts      int       `json:"total_hosts"`
	TotalSystemInfo int       `json:"total_system_info"`
	TotalSamples    int       `json:"total_samples"`
	DatabaseSize    int64     `json:"database_size_bytes"`
	OldestSample    time.Time `json:"oldest_sample"`
	NewestSample    time.Time `json:"newest_sample"`
}
