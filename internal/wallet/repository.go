package wallet

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists wallet metadata. Reads never return key material except
// through EncryptedKey.
type Repository interface {
	Create(ctx context.Context, wallet Wallet, encryptedKey string) error
	Get(ctx context.Context, id string) (Wallet, error)
	FindByAddress(ctx context.Context, address string) (Wallet, error)
	ListByUser(ctx context.Context, userID string) ([]Wallet, error)
	EncryptedKey(ctx context.Context, id string) (string, error)
	SetBalance(ctx context.Context, id string, balance int64) error
}

// PostgresRepository stores wallets in PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository builds a repository backed by PostgreSQL.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const walletColumns = `id, user_id, address, name, balance, created_at`

// Create inserts a wallet record.
func (r *PostgresRepository) Create(ctx context.Context, wallet Wallet, encryptedKey string) error {
	walletID, err := uuid.Parse(wallet.ID)
	if err != nil {
		return err
	}
	userID, err := uuid.Parse(wallet.UserID)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `INSERT INTO wallets (id, user_id, address, encrypted_private_key, name, balance, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)`, walletID, userID, wallet.Address, encryptedKey, wallet.Name, wallet.Balance, wallet.CreatedAt.UTC())
	return err
}

// Get fetches wallet metadata by identifier.
func (r *PostgresRepository) Get(ctx context.Context, id string) (Wallet, error) {
	walletID, err := uuid.Parse(id)
	if err != nil {
		return Wallet{}, ErrNotFound
	}
	return scanWallet(r.db.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = $1`, walletID))
}

// FindByAddress resolves the wallet that owns an address.
func (r *PostgresRepository) FindByAddress(ctx context.Context, address string) (Wallet, error) {
	return scanWallet(r.db.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE address = $1`, address))
}

// ListByUser returns a user's wallets, oldest first.
func (r *PostgresRepository) ListByUser(ctx context.Context, userID string) ([]Wallet, error) {
	ownerID, err := uuid.Parse(userID)
	if err != nil {
		return []Wallet{}, nil
	}
	rows, err := r.db.Query(ctx, `SELECT `+walletColumns+` FROM wallets WHERE user_id = $1 ORDER BY created_at, id`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	wallets := make([]Wallet, 0)
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, err
		}
		wallets = append(wallets, w)
	}
	return wallets, rows.Err()
}

// EncryptedKey returns the sealed private key of a wallet.
func (r *PostgresRepository) EncryptedKey(ctx context.Context, id string) (string, error) {
	walletID, err := uuid.Parse(id)
	if err != nil {
		return "", ErrNotFound
	}
	var sealed string
	if err := r.db.QueryRow(ctx, `SELECT encrypted_private_key FROM wallets WHERE id = $1`, walletID).Scan(&sealed); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}
	return sealed, nil
}

// SetBalance overwrites the cached balance.
func (r *PostgresRepository) SetBalance(ctx context.Context, id string, balance int64) error {
	walletID, err := uuid.Parse(id)
	if err != nil {
		return ErrNotFound
	}
	cmd, err := r.db.Exec(ctx, `UPDATE wallets SET balance = $1 WHERE id = $2`, balance, walletID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanWallet(row pgx.Row) (Wallet, error) {
	var (
		w         Wallet
		id        uuid.UUID
		userID    uuid.UUID
		createdAt time.Time
	)
	if err := row.Scan(&id, &userID, &w.Address, &w.Name, &w.Balance, &createdAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Wallet{}, ErrNotFound
		}
		return Wallet{}, err
	}
	w.ID = id.String()
	w.UserID = userID.String()
	w.CreatedAt = createdAt.UTC()
	return w, nil
}
