// internal/database/store.go
package database

import (
	"context"
	"fmt"
	"time"

	"fleetwatch/internal/protocol"
)

// Store defines the interface for database operations
type Store interface {
	// Host operations
	CreateHost(ctx context.Context, name string) (*Host, error)
	GetHost(ctx context.Context, id string) (*Host, error)
	FindHostByCredential(ctx context.Context, credential string) (*Host, error)
	ListHosts(ctx context.Context) ([]Host, error)
	SetHostStatus(ctx context.Context, id string, status protocol.HostStatus) error
	DeleteHost(ctx context.Context, id string) error

	// System info, one record per host
	UpsertSystemInfo(ctx context.Context, hostID string, info protocol.SystemInfo) error
	GetSystemInfo(ctx context.Context, hostID string) (*protocol.SystemInfo, error)

	// Metric samples
	RecordSample(ctx context.Context, hostID string, at time.Time, metrics protocol.Metrics) error
	LatestSample(ctx context.Context, hostID string) (*MetricSample, error)
	RecentSamples(ctx context.Context, hostID string, limit int) ([]MetricSample, error)
	PurgeSamplesOlderThan(ctx context.Context, cutoff time.Time) (int, error)

	// Close the database connection
	Close() error
}

const (
	TypeBolt   = "boltdb"
	TypeSQLite = "sqlite"
)

// Open returns the store backend named by kind.
func Open(kind, path string) (ExtendedStore, error) {
	switch kind {
	case TypeBolt, "":
		store, err := NewBoltStore(path)
		if err != nil {
			return nil, err
		}
		return store, nil
	case TypeSQLite:
		store, err := NewSQLStore(path)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported database type %q", kind)
	}
}
