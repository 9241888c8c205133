// Package spendlock serializes sends per wallet and remembers outpoints spent
// by broadcast transactions until the chain view catches up.
package spendlock

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrLocked is returned when another send holds the wallet.
	ErrLocked = errors.New("send already in progress for wallet")

	// ErrReserved is returned when a selected outpoint was spent by an
	// earlier send that the chain view does not reflect yet.
	ErrReserved = errors.New("outpoint reserved by a pending send")
)

// Outpoint names a transaction output.
type Outpoint struct {
	TxID  string
	Index uint32
}

// Locker guards the read-build-broadcast section of a send.
type Locker interface {
	// Acquire takes the wallet's lock for at most ttl and returns a release
	// function, or ErrLocked.
	Acquire(ctx context.Context, walletID string, ttl time.Duration) (func(), error)

	// Reserve marks outpoints as spent for ttl.
	Reserve(ctx context.Context, walletID string, outpoints []Outpoint, ttl time.Duration) error

	// CheckFree returns ErrReserved if any outpoint is reserved.
	CheckFree(ctx context.Context, walletID string, outpoints []Outpoint) error
}
