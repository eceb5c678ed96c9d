// Retention and maintenance for the BoltDB store
// internal/database/boltstore_extended.go
package database

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"go.etcd.io/bbolt"
)

// PurgeSamplesOlderThan removes every sample recorded strictly before cutoff.
func (s *BoltStore) PurgeSamplesOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	deletedCount := 0
	cutoffNanos := cutoff.UnixNano()

	err := s.update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(SamplesBucket)

		var keysToDelete [][]byte
		cursor := b.Cursor()
		for k, _ := cursor.First(); k != nil; k, _ = cursor.Next() {
			ts, ok := sampleKeyTime(k)
			if !ok {
				continue
			}
			if ts < cutoffNanos {
				keysToDelete = append(keysToDelete, copyBytes(k))
			}
		}

		for _, key := range keysToDelete {
			if err := b.Delete(key); err != nil {
				return fmt.Errorf("failed to delete sample %s: %w", key, err)
			}
			deletedCount++
		}
		return nil
	})
	if err != nil {
		return 0, persistErr("purge samples", err)
	}

	logrus.WithFields(logrus.Fields{
		"deleted_count": deletedCount,
		"cutoff_time":   cutoff,
	}).Info("Purged old metric samples")

	return deletedCount, nil
}

// sampleKeyTime pulls the nanosecond timestamp out of "<host>:<ts>:<seq>".
func sampleKeyTime(key []byte) (int64, bool) {
	last := bytes.LastIndexByte(key, ':')
	if last <= 0 {
		return 0, false
	}
	first := bytes.LastIndexByte(key[:last], ':')
	if first < 0 {
		return 0, false
	}
	ts, err := strconv.ParseInt(string(key[first+1:last]), 10, 64)
	if err != nil {
		return 0, false
	}
	return ts, true
}

func deletePrefix(b *bbolt.Bucket, prefix []byte) (int, error) {
	var keysToDelete [][]byte
	cursor := b.Cursor()
	for k, _ := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = cursor.Next() {
		keysToDelete = append(keysToDelete, copyBytes(k))
	}

	for _, key := range keysToDelete {
		if err := b.Delete(key); err != nil {
			return 0, err
		}
	}
	return len(keysToDelete), nil
}

// GetDatabaseStats returns information about database size and health
func (s *BoltStore) GetDatabaseStats(ctx context.Context) (*DatabaseStats, error) {
	stats := &DatabaseStats{Backend: TypeBolt}

	err := s.view(func(tx *bbolt.Tx) error {
		stats.TotalHosts = tx.Bucket(HostsBucket).Stats().KeyN
		stats.TotalSystemInfo = tx.Bucket(SystemInfoBucket).Stats().KeyN

		samples := tx.Bucket(SamplesBucket)
		stats.TotalSamples = samples.Stats().KeyN

		// Keys are grouped by host, so scan for the time range.
		var oldest, newest int64
		cursor := samples.Cursor()
		for k, _ := cursor.First(); k != nil; k, _ = cursor.Next() {
			ts, ok := sampleKeyTime(k)
			if !ok {
				continue
			}
			if oldest == 0 || ts < oldest {
				oldest = ts
			}
			if ts > newest {
				newest = ts
			}
		}
		if oldest != 0 {
			stats.OldestSample = time.Unix(0, oldest).UTC()
			stats.NewestSample = time.Unix(0, newest).UTC()
		}
		return nil
	})
	if err != nil {
		return nil, persistErr("get database stats", err)
	}

	if fileInfo, err := os.Stat(s.path); err == nil {
		stats.DatabaseSize = fileInfo.Size()
	}

	return stats, nil
}

// CompactDatabase copies every bucket into a fresh file and swaps it in.
func (s *BoltStore) CompactDatabase(ctx context.Context) error {
	logrus.Info("Starting database compaction")

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return persistErr("compact database", ErrStoreUnavailable)
	}

	compactPath := s.path + ".compact.tmp"
	os.Remove(compactPath)

	newDB, err := openBolt(compactPath)
	if err != nil {
		return fmt.Errorf("failed to create compact database: %w", err)
	}

	err = s.db.View(func(oldTx *bbolt.Tx) error {
		return newDB.Update(func(newTx *bbolt.Tx) error {
			for _, name := range allBuckets {
				newBucket, err := newTx.CreateBucket(name)
				if err != nil {
					return fmt.Errorf("failed to create bucket %s: %w", name, err)
				}

				oldBucket := oldTx.Bucket(name)
				if oldBucket == nil {
					continue
				}
				if err := newBucket.SetSequence(oldBucket.Sequence()); err != nil {
					return err
				}
				if err := oldBucket.ForEach(func(k, v []byte) error {
					return newBucket.Put(copyBytes(k), copyBytes(v))
				}); err != nil {
					return fmt.Errorf("failed to copy data: %w", err)
				}
			}
			return nil
		})
	})
	newDB.Close()
	if err != nil {
		os.Remove(compactPath)
		return persistErr("compact database", err)
	}

	if err := s.db.Close(); err != nil {
		os.Remove(compactPath)
		return persistErr("compact database", err)
	}

	s.db = nil

	if err := os.Rename(compactPath, s.path); err != nil {
		os.Remove(compactPath)
		// Old file is still in place; reopen it.
		db, openErr := openBolt(s.path)
		if openErr != nil {
			logrus.WithError(openErr).Error("Failed to reopen database after aborted compaction")
			return persistErr("replace database", errors.Join(err, openErr, ErrStoreUnavailable))
		}
		s.db = db
		return persistErr("replace database", err)
	}

	db, err := openBolt(s.path)
	if err != nil {
		logrus.WithError(err).Error("Failed to reopen compacted database")
		return persistErr("reopen compacted database", errors.Join(err, ErrStoreUnavailable))
	}
	s.db = db

	logrus.Info("Database compaction completed successfully")
	return nil
}

// copyBytes creates a copy of a byte slice
func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	copied := make([]byte, len(b))
	copy(copied, b)
	return copied
}
