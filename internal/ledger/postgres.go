package ledger

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps ledger entries in PostgreSQL.
type PostgresStore struct {
	db *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore constructs a Postgres-backed ledger store.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) ConfirmedTxIDs(ctx context.Context, walletID string) (map[string]struct{}, error) {
	rows, err := s.db.Query(ctx, `SELECT txid FROM ledger_entries WHERE wallet_id = $1 AND status = $2`, walletID, string(StatusConfirmed))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make(map[string]struct{})
	for rows.Next() {
		var txid string
		if err := rows.Scan(&txid); err != nil {
			return nil, err
		}
		ids[txid] = struct{}{}
	}
	return ids, rows.Err()
}

// upsertEntrySQL leaves CONFIRMED rows untouched. Concurrent workers resolve
// on the primary key, last writer wins.
const upsertEntrySQL = `
INSERT INTO ledger_entries (
    wallet_id, txid, amount, fee, direction, status,
    from_address, to_address, input_addresses, output_addresses, confirmed_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (wallet_id, txid) DO UPDATE SET
    amount           = EXCLUDED.amount,
    fee              = EXCLUDED.fee,
    direction        = EXCLUDED.direction,
    status           = EXCLUDED.status,
    from_address     = EXCLUDED.from_address,
    to_address       = EXCLUDED.to_address,
    input_addresses  = EXCLUDED.input_addresses,
    output_addresses = EXCLUDED.output_addresses,
    confirmed_at     = EXCLUDED.confirmed_at
WHERE ledger_entries.status <> 'CONFIRMED'`

func (s *PostgresStore) UpsertBatch(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	for _, e := range entries {
		if err := e.Validate(); err != nil {
			return err
		}
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(upsertEntrySQL,
			e.WalletID, e.TxID, e.Amount, e.Fee, string(e.Direction), string(e.Status),
			e.FromAddress, e.ToAddress, nonNil(e.InputAddresses), nonNil(e.OutputAddresses), e.ConfirmedAt,
		)
	}
	br := tx.SendBatch(ctx, batch)
	for i := range entries {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("upsert entry %s: %w", entries[i].TxID, err)
		}
	}
	if err := br.Close(); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) Entries(ctx context.Context, walletID string) ([]Entry, error) {
	const query = `
        SELECT wallet_id::text, txid, amount, fee, direction, status,
               COALESCE(from_address, ''), COALESCE(to_address, ''),
               input_addresses, output_addresses, confirmed_at, created_at
        FROM ledger_entries
        WHERE wallet_id = $1
        ORDER BY created_at DESC, txid`
	rows, err := s.db.Query(ctx, query, walletID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]Entry, 0)
	for rows.Next() {
		var e Entry
		var direction, status string
		if err := rows.Scan(&e.WalletID, &e.TxID, &e.Amount, &e.Fee, &direction, &status,
			&e.FromAddress, &e.ToAddress, &e.InputAddresses, &e.OutputAddresses, &e.ConfirmedAt, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Direction, e.Status = Direction(direction), Status(status)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// RecomputeBalance derives and stores the balance in a single statement so the
// sum is taken over one snapshot of the entries.
func (s *PostgresStore) RecomputeBalance(ctx context.Context, walletID string) (int64, error) {
	const query = `
        UPDATE wallets
        SET balance = (
            SELECT COALESCE(SUM(amount), 0)
            FROM ledger_entries
            WHERE wallet_id = $1 AND status <> 'FAILED'
        )
        WHERE id = $1
        RETURNING balance`
	var balance int64
	if err := s.db.QueryRow(ctx, query, walletID).Scan(&balance); err != nil {
		return 0, fmt.Errorf("recompute balance: %w", err)
	}
	return balance, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
