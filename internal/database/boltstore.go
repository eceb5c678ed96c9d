// internal/database/boltstore.go - BoltDB implementation
package database

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"fleetwatch/internal/protocol"
)

var (
	HostsBucket       = []byte("hosts")
	CredentialsBucket = []byte("credentials")
	SystemInfoBucket  = []byte("system_info")
	SamplesBucket     = []byte("samples")
)

var allBuckets = [][]byte{HostsBucket, CredentialsBucket, SystemInfoBucket, SamplesBucket}

// BoltStore keeps hosts and system info as JSON values keyed by host id.
// Samples are keyed "<host>:<unix nanos, 20 digits>:<sequence>" so a prefix
// scan walks one host's history in time order.
type BoltStore struct {
	mu   sync.RWMutex // guards db across compaction
	db   *bbolt.DB
	path string
}

func NewBoltStore(path string) (*BoltStore, error) {
	// Create directory if it doesn't exist
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := openBolt(path)
	if err != nil {
		return nil, err
	}

	store := &BoltStore{db: db, path: path}

	if err := store.initBuckets(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize buckets: %w", err)
	}

	return store, nil
}

func openBolt(path string) (*bbolt.DB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open BoltDB: %w", err)
	}
	return db, nil
}

func (s *BoltStore) initBuckets() error {
	return s.update(func(tx *bbolt.Tx) error {
		for _, bucket := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
}

func (s *BoltStore) view(fn func(tx *bbolt.Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return ErrStoreUnavailable
	}
	return s.db.View(fn)
}

func (s *BoltStore) update(fn func(tx *bbolt.Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return ErrStoreUnavailable
	}
	return s.db.Update(fn)
}

func (s *BoltStore) CreateHost(ctx context.Context, name string) (*Host, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, &ValidationError{Field: "name", Message: "must not be empty"}
	}

	host := &Host{
		ID:         uuid.New().String(),
		Name:       name,
		Credential: uuid.New().String(),
		Status:     protocol.StatusOffline,
		CreatedAt:  time.Now().UTC(),
	}

	err := s.update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(host)
		if err != nil {
			return fmt.Errorf("failed to marshal host: %w", err)
		}
		if err := tx.Bucket(HostsBucket).Put([]byte(host.ID), data); err != nil {
			return err
		}
		return tx.Bucket(CredentialsBucket).Put([]byte(host.Credential), []byte(host.ID))
	})
	if err != nil {
		return nil, persistErr("create host", err)
	}
	return host, nil
}

func getHost(tx *bbolt.Tx, id string) (*Host, error) {
	v := tx.Bucket(HostsBucket).Get([]byte(id))
	if v == nil {
		return nil, ErrHostNotFound
	}
	var host Host
	if err := json.Unmarshal(v, &host); err != nil {
		return nil, fmt.Errorf("failed to unmarshal host %s: %w", id, err)
	}
	return &host, nil
}

func (s *BoltStore) GetHost(ctx context.Context, id string) (*Host, error) {
	var host *Host
	err := s.view(func(tx *bbolt.Tx) error {
		var err error
		host, err = getHost(tx, id)
		return err
	})
	if err == ErrHostNotFound {
		return nil, err
	}
	if err != nil {
		return nil, persistErr("get host", err)
	}
	return host, nil
}

func (s *BoltStore) FindHostByCredential(ctx context.Context, credential string) (*Host, error) {
	if credential == "" {
		return nil, ErrHostNotFound
	}

	var host *Host
	err := s.view(func(tx *bbolt.Tx) error {
		id := tx.Bucket(CredentialsBucket).Get([]byte(credential))
		if id == nil {
			return ErrHostNotFound
		}
		var err error
		host, err = getHost(tx, string(id))
		return err
	})
	if err == ErrHostNotFound {
		return nil, err
	}
	if err != nil {
		return nil, persistErr("find host by credential", err)
	}
	return host, nil
}

func (s *BoltStore) ListHosts(ctx context.Context) ([]Host, error) {
	hosts := []Host{}

	err := s.view(func(tx *bbolt.Tx) error {
		return tx.Bucket(HostsBucket).ForEach(func(k, v []byte) error {
			var host Host
			if err := json.Unmarshal(v, &host); err != nil {
				return fmt.Errorf("failed to unmarshal host %s: %w", k, err)
			}
			hosts = append(hosts, host)
			return nil
		})
	})
	if err != nil {
		return nil, persistErr("list hosts", err)
	}

	sort.SliceStable(hosts, func(i, j int) bool {
		return hosts[i].CreatedAt.After(hosts[j].CreatedAt)
	})
	return hosts, nil
}

func (s *BoltStore) SetHostStatus(ctx context.Context, id string, status protocol.HostStatus) error {
	err := s.update(func(tx *bbolt.Tx) error {
		host, err := getHost(tx, id)
		if err == ErrHostNotFound {
			return nil // deleted while a message was in flight
		}
		if err != nil {
			return err
		}

		host.Status = status
		if status == protocol.StatusOnline {
			host.LastSeen = time.Now().UTC()
		}

		data, err := json.Marshal(host)
		if err != nil {
			return fmt.Errorf("failed to marshal host: %w", err)
		}
		return tx.Bucket(HostsBucket).Put([]byte(host.ID), data)
	})
	return persistErr("set host status", err)
}

func (s *BoltStore) DeleteHost(ctx context.Context, id string) error {
	err := s.update(func(tx *bbolt.Tx) error {
		host, err := getHost(tx, id)
		if err == ErrHostNotFound {
			return nil
		}
		if err != nil {
			return err
		}

		if err := tx.Bucket(CredentialsBucket).Delete([]byte(host.Credential)); err != nil {
			return err
		}
		if err := tx.Bucket(SystemInfoBucket).Delete([]byte(id)); err != nil {
			return err
		}
		if _, err := deletePrefix(tx.Bucket(SamplesBucket), samplePrefix(id)); err != nil {
			return err
		}
		return tx.Bucket(HostsBucket).Delete([]byte(id))
	})
	return persistErr("delete host", err)
}

func (s *BoltStore) UpsertSystemInfo(ctx context.Context, hostID string, info protocol.SystemInfo) error {
	err := s.update(func(tx *bbolt.Tx) error {
		if tx.Bucket(HostsBucket).Get([]byte(hostID)) == nil {
			return nil
		}
		data, err := json.Marshal(storedSystemInfo{
			HostID:     hostID,
			SystemInfo: info,
			UpdatedAt:  time.Now().UTC(),
		})
		if err != nil {
			return fmt.Errorf("failed to marshal system info: %w", err)
		}
		return tx.Bucket(SystemInfoBucket).Put([]byte(hostID), data)
	})
	return persistErr("upsert system info", err)
}

func (s *BoltStore) GetSystemInfo(ctx context.Context, hostID string) (*protocol.SystemInfo, error) {
	var info *protocol.SystemInfo

	err := s.view(func(tx *bbolt.Tx) error {
		v := tx.Bucket(SystemInfoBucket).Get([]byte(hostID))
		if v == nil {
			return nil
		}
		var stored storedSystemInfo
		if err := json.Unmarshal(v, &stored); err != nil {
			return fmt.Errorf("failed to unmarshal system info %s: %w", hostID, err)
		}
		info = &stored.SystemInfo
		return nil
	})
	if err != nil {
		return nil, persistErr("get system info", err)
	}
	return info, nil
}

func samplePrefix(hostID string) []byte {
	return []byte(hostID + ":")
}

func sampleKey(hostID string, at time.Time, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s:%020d:%010d", hostID, at.UnixNano(), seq))
}

func (s *BoltStore) RecordSample(ctx context.Context, hostID string, at time.Time, metrics protocol.Metrics) error {
	err := s.update(func(tx *bbolt.Tx) error {
		if tx.Bucket(HostsBucket).Get([]byte(hostID)) == nil {
			return nil // host deleted, drop the sample
		}

		b := tx.Bucket(SamplesBucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}

		key := sampleKey(hostID, at, seq)
		data, err := json.Marshal(MetricSample{
			ID:        string(key),
			HostID:    hostID,
			Timestamp: at.UTC(),
			Metrics:   metrics,
		})
		if err != nil {
			return fmt.Errorf("failed to marshal sample: %w", err)
		}
		return b.Put(key, data)
	})
	return persistErr("record sample", err)
}

func (s *BoltStore) LatestSample(ctx context.Context, hostID string) (*MetricSample, error) {
	samples, err := s.RecentSamples(ctx, hostID, 1)
	if err != nil {
		return nil, err
	}
	if len(samples) == 0 {
		return nil, nil
	}
	return &samples[0], nil
}

func (s *BoltStore) RecentSamples(ctx context.Context, hostID string, limit int) ([]MetricSample, error) {
	samples := []MetricSample{}
	if limit <= 0 {
		return samples, nil
	}

	prefix := samplePrefix(hostID)
	// ';' sorts right after ':', so this seeks just past the host's last key.
	end := []byte(hostID + ";")

	err := s.view(func(tx *bbolt.Tx) error {
		c := tx.Bucket(SamplesBucket).Cursor()

		k, v := c.Seek(end)
		if k == nil {
			k, v = c.Last()
		} else {
			k, v = c.Prev()
		}

		for ; k != nil && bytes.HasPrefix(k, prefix) && len(samples) < limit; k, v = c.Prev() {
			var sample MetricSample
			if err := json.Unmarshal(v, &sample); err != nil {
				continue
			}
			samples = append(samples, sample)
		}
		return nil
	})
	if err != nil {
		return nil, persistErr("read samples", err)
	}
	return samples, nil
}

func (s *BoltStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
