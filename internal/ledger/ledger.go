package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidEntry is returned when a batch carries an entry that can not be
// stored; the whole batch is rejected.
var ErrInvalidEntry = errors.New("invalid ledger entry")

// Direction is the net flow of a transaction from a wallet's point of view.
type Direction string

const (
	DirectionIn  Direction = "IN"
	DirectionOut Direction = "OUT"
)

// Status tracks chain acceptance of an entry.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusConfirmed Status = "CONFIRMED"
	StatusFailed    Status = "FAILED"
)

// Entry is one chain transaction as seen by one wallet. (WalletID, TxID) is
// unique.
type Entry struct {
	WalletID  string    `json:"walletId"`
	TxID      string    `json:"txid"`
	Amount    int64     `json:"amount"`
	Fee       int64     `json:"fee"`
	Direction Direction `json:"direction"`
	Status    Status    `json:"status"`

	// FromAddress and ToAddress are a best-effort single counterparty.
	FromAddress string `json:"fromAddress"`
	ToAddress   string `json:"toAddress"`

	InputAddresses  []string `json:"inputAddresses"`
	OutputAddresses []string `json:"outputAddresses"`

	ConfirmedAt *time.Time `json:"confirmedAt"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// Validate checks the fields the store relies on.
func (e Entry) Validate() error {
	if e.WalletID == "" || e.TxID == "" {
		return fmt.Errorf("%w: wallet id and txid are required", ErrInvalidEntry)
	}
	switch e.Direction {
	case DirectionIn, DirectionOut:
	default:
		return fmt.Errorf("%w: direction %q", ErrInvalidEntry, e.Direction)
	}
	switch e.Status {
	case StatusPending, StatusConfirmed, StatusFailed:
	default:
		return fmt.Errorf("%w: status %q", ErrInvalidEntry, e.Status)
	}
	return nil
}

// Store persists ledger entries and derives wallet balances from them.
type Store interface {
	// ConfirmedTxIDs returns the txids of the wallet's CONFIRMED entries.
	ConfirmedTxIDs(ctx context.Context, walletID string) (map[string]struct{}, error)

	// UpsertBatch inserts or updates entries keyed by (wallet, txid) in one
	// atomic unit. CONFIRMED rows are never overwritten. CreatedAt of an
	// existing row is preserved.
	UpsertBatch(ctx context.Context, entries []Entry) error

	// Entries lists a wallet's entries, newest first.
	Entries(ctx context.Context, walletID string) ([]Entry, error)

	// RecomputeBalance sets the wallet balance to the sum of its non-FAILED
	// entries and returns it.
	RecomputeBalance(ctx context.Context, walletID string) (int64, error)
}

// Counts toward the wallet balance.
func countsTowardBalance(s Status) bool {
	return s != StatusFailed
}
