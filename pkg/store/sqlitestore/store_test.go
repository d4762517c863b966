package sqlitestore_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/a-essam23/acars-relay/pkg/store"
	"github.com/a-essam23/acars-relay/pkg/store/sqlitestore"
	"github.com/a-essam23/acars-relay/pkg/store/storetest"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T, now *time.Time) store.Store {
		s, err := sqlitestore.Open(sqlitestore.Config{
			Path:     filepath.Join(t.TempDir(), "relay.db"),
			PoolSize: 4,
			Now:      func() time.Time { return *now },
		})
		require.NoError(t, err)
		return s
	})
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := sqlitestore.Open(sqlitestore.Config{})
	assert.Error(t, err)
}

func TestReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "relay.db")

	s, err := sqlitestore.Open(sqlitestore.Config{Path: path})
	require.NoError(t, err)
	u, err := s.CreateUser(ctx, "erin", "tok-e")
	require.NoError(t, err)
	_, err = s.CreateStation(ctx, "NZAA", "")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = sqlitestore.Open(sqlitestore.Config{Path: path})
	require.NoError(t, err)
	defer s.Close()

	got, err := s.UserByToken(ctx, "tok-e")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)
	_, err = s.StationByCode(ctx, "NZAA")
	assert.NoError(t, err)
}

func TestOneOwnedStationPerUser(t *testing.T) {
	ctx := context.Background()
	s, err := sqlitestore.Open(sqlitestore.Config{Path: filepath.Join(t.TempDir(), "relay.db")})
	require.NoError(t, err)
	defer s.Close()

	_, err = s.CreateStation(ctx, "AAA1", "u1")
	require.NoError(t, err)
	_, err = s.CreateStation(ctx, "BBB2", "u1")
	assert.ErrorIs(t, err, store.ErrConflict)
}
