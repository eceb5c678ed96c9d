package database

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetwatch/internal/protocol"
)

func TestBoltStore_FailedReplaceLeavesStoreErroring(t *testing.T) {
	dir := t.TempDir()
	s, err := NewBoltStore(filepath.Join(dir, "hub.db"))
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	host, err := s.CreateHost(ctx, "edge-1")
	require.NoError(t, err)

	// A non-empty directory at the target path makes both the rename and
	// the reopen fail.
	blocked := filepath.Join(dir, "blocked")
	require.NoError(t, os.MkdirAll(filepath.Join(blocked, "child"), 0755))
	s.path = blocked

	err = s.CompactDatabase(ctx)
	require.Error(t, err)
	var pe *PersistenceError
	assert.True(t, errors.As(err, &pe))
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.NoFileExists(t, blocked+".compact.tmp")

	assert.NotPanics(t, func() {
		_, err = s.ListHosts(ctx)
		assert.ErrorIs(t, err, ErrStoreUnavailable)
		assert.True(t, errors.As(err, &pe))

		err = s.SetHostStatus(ctx, host.ID, protocol.StatusOffline)
		assert.ErrorIs(t, err, ErrStoreUnavailable)

		err = s.RecordSample(ctx, host.ID, time.Now(), protocol.Metrics{})
		assert.ErrorIs(t, err, ErrStoreUnavailable)

		_, err = s.GetDatabaseStats(ctx)
		assert.ErrorIs(t, err, ErrStoreUnavailable)

		assert.ErrorIs(t, s.CompactDatabase(ctx), ErrStoreUnavailable)
	})
	assert.NoError(t, s.Close())
}

func TestBoltStore_CompactKeepsOriginalOnCopyFailure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hub.db")
	s, err := NewBoltStore(path)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	host, err := s.CreateHost(ctx, "edge-1")
	require.NoError(t, err)

	// A directory where the temp file goes fails before the old handle closes.
	require.NoError(t, os.MkdirAll(filepath.Join(path+".compact.tmp", "child"), 0755))

	require.Error(t, s.CompactDatabase(ctx))

	got, err := s.GetHost(ctx, host.ID)
	require.NoError(t, err)
	assert.Equal(t, "edge-1", got.Name)
	require.NoError(t, s.SetHostStatus(ctx, host.ID, protocol.StatusOnline))
}
