package authsqlite

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/strogmv/sessionguard/internal/adapter/auth/ledgertest"
	"github.com/strogmv/sessionguard/internal/port"
)

var dbSeq atomic.Int64

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:ledger%d?mode=memory&cache=shared", dbSeq.Add(1))
	db, err := Open(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store := NewStore(db)
	require.NoError(t, store.Migrate(context.Background()))
	return store
}

func TestSQLiteStoreConformance(t *testing.T) {
	ledgertest.Run(t, func(t *testing.T) port.RefreshTokenStore {
		return newTestStore(t)
	})
}

func TestMigrateIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Migrate(context.Background()))
	require.NoError(t, store.Ping(context.Background()))
}
