package spendlock

import (
	"context"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/clock"
)

// MemoryLocker is a single-process Locker.
type MemoryLocker struct {
	mu       sync.Mutex
	held     map[string]lease
	reserved map[string]time.Time
	nextID   uint64
	clock    clock.Clock
}

type lease struct {
	id    uint64
	until time.Time
}

var _ Locker = (*MemoryLocker)(nil)

// NewMemoryLocker builds an in-process Locker whose leases follow clk.
func NewMemoryLocker(clk clock.Clock) *MemoryLocker {
	if clk == nil {
		clk = clock.NewDefaultClock()
	}
	return &MemoryLocker{
		held:     make(map[string]lease),
		reserved: make(map[string]time.Time),
		clock:    clk,
	}
}

// Acquire takes the wallet's send lock until ttl passes or release is called.
func (l *MemoryLocker) Acquire(_ context.Context, walletID string, ttl time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	if cur, ok := l.held[walletID]; ok && now.Before(cur.until) {
		return nil, ErrLocked
	}
	l.nextID++
	mine := lease{id: l.nextID, until: now.Add(ttl)}
	l.held[walletID] = mine

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.held[walletID].id == mine.id {
			delete(l.held, walletID)
		}
	}, nil
}

// Reserve marks outpoints as spent for ttl.
func (l *MemoryLocker) Reserve(_ context.Context, walletID string, outpoints []Outpoint, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	until := l.clock.Now().Add(ttl)
	for _, op := range outpoints {
		l.reserved[reserveKey(walletID, op)] = until
	}
	return nil
}

// CheckFree returns ErrReserved when any outpoint is still reserved.
func (l *MemoryLocker) CheckFree(_ context.Context, walletID string, outpoints []Outpoint) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	for _, op := range outpoints {
		key := reserveKey(walletID, op)
		until, ok := l.reserved[key]
		if !ok {
			continue
		}
		if now.Before(until) {
			return ErrReserved
		}
		delete(l.reserved, key)
	}
	return nil
}
