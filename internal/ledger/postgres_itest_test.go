//go:build itest

package ledger_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/congo-pay/btcvault/internal/infra/pgtest"
	"github.com/congo-pay/btcvault/internal/ledger"
)

func TestMain(m *testing.M) {
	code := m.Run()
	pgtest.Terminate()
	os.Exit(code)
}

func seedWallet(t *testing.T, pool *pgxpool.Pool) string {
	t.Helper()
	ctx := context.Background()
	userID, walletID := uuid.NewString(), uuid.NewString()
	_, err := pool.Exec(ctx, `INSERT INTO users (id, login, password_hash) VALUES ($1, $2, $3)`, userID, "u-"+userID, []byte("x"))
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `INSERT INTO wallets (id, user_id, address, encrypted_private_key, name) VALUES ($1, $2, $3, 'c', 'main')`,
		walletID, userID, "bcrt1q"+walletID)
	require.NoError(t, err)
	return walletID
}

func TestPostgresStoreUpsertAndBalance(t *testing.T) {
	pool := pgtest.NewPool(t)
	store := ledger.NewPostgresStore(pool)
	ctx := context.Background()
	walletID := seedWallet(t, pool)

	entry := ledger.Entry{
		WalletID: walletID, TxID: "tx-in", Amount: 50_000,
		Direction: ledger.DirectionIn, Status: ledger.StatusPending,
		FromAddress: "bcrt1qsender", InputAddresses: []string{"bcrt1qsender"},
	}
	require.NoError(t, store.UpsertBatch(ctx, []ledger.Entry{entry}))
	require.NoError(t, store.UpsertBatch(ctx, []ledger.Entry{entry}))

	entries, err := store.Entries(ctx, walletID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, []string{"bcrt1qsender"}, entries[0].InputAddresses)
	require.Empty(t, entries[0].OutputAddresses)
	require.Nil(t, entries[0].ConfirmedAt)

	balance, err := store.RecomputeBalance(ctx, walletID)
	require.NoError(t, err)
	require.EqualValues(t, 50_000, balance)

	var stored int64
	require.NoError(t, pool.QueryRow(ctx, `SELECT balance FROM wallets WHERE id = $1`, walletID).Scan(&stored))
	require.EqualValues(t, 50_000, stored)
}

func TestPostgresStoreConfirmedIsImmutable(t *testing.T) {
	pool := pgtest.NewPool(t)
	store := ledger.NewPostgresStore(pool)
	ctx := context.Background()
	walletID := seedWallet(t, pool)

	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	confirmed := ledger.Entry{
		WalletID: walletID, TxID: "tx-1", Amount: -12_000, Fee: 300,
		Direction: ledger.DirectionOut, Status: ledger.StatusConfirmed, ConfirmedAt: &at,
	}
	require.NoError(t, store.UpsertBatch(ctx, []ledger.Entry{confirmed}))

	overwrite := confirmed
	overwrite.Amount, overwrite.Status, overwrite.ConfirmedAt = 1, ledger.StatusPending, nil
	require.NoError(t, store.UpsertBatch(ctx, []ledger.Entry{overwrite}))

	entries, err := store.Entries(ctx, walletID)
	require.NoError(t, err)
	require.EqualValues(t, -12_000, entries[0].Amount)
	require.Equal(t, ledger.StatusConfirmed, entries[0].Status)
	require.True(t, at.Equal(*entries[0].ConfirmedAt))

	ids, err := store.ConfirmedTxIDs(ctx, walletID)
	require.NoError(t, err)
	require.Contains(t, ids, "tx-1")
}

func TestPostgresStoreBatchIsAtomic(t *testing.T) {
	pool := pgtest.NewPool(t)
	store := ledger.NewPostgresStore(pool)
	ctx := context.Background()
	walletID := seedWallet(t, pool)

	good := ledger.Entry{WalletID: walletID, TxID: "ok", Amount: 1, Direction: ledger.DirectionIn, Status: ledger.StatusPending}
	orphan := good
	orphan.WalletID, orphan.TxID = uuid.NewString(), "orphan"

	require.Error(t, store.UpsertBatch(ctx, []ledger.Entry{good, orphan}))

	entries, err := store.Entries(ctx, walletID)
	require.NoError(t, err)
	require.Empty(t, entries)
}
