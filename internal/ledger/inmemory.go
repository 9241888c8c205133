package ledger

import (
	"context"
	"sort"
	"sync"

	"github.com/lightningnetwork/lnd/clock"
)

// BalanceWriter receives recomputed balances from the in-memory store.
type BalanceWriter interface {
	SetBalance(ctx context.Context, walletID string, balance int64) error
}

type inMemoryStore struct {
	mu      sync.RWMutex
	entries map[string]map[string]Entry
	sink    BalanceWriter
	clock   clock.Clock
}

// NewInMemory creates a concurrency-safe in-memory store useful for unit
// tests. Recomputed balances are forwarded to sink when it is non-nil.
func NewInMemory(sink BalanceWriter, clk clock.Clock) Store {
	if clk == nil {
		clk = clock.NewDefaultClock()
	}
	return &inMemoryStore{
		entries: make(map[string]map[string]Entry),
		sink:    sink,
		clock:   clk,
	}
}

func (s *inMemoryStore) ConfirmedTxIDs(_ context.Context, walletID string) (map[string]struct{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make(map[string]struct{})
	for txid, e := range s.entries[walletID] {
		if e.Status == StatusConfirmed {
			ids[txid] = struct{}{}
		}
	}
	return ids, nil
}

func (s *inMemoryStore) UpsertBatch(_ context.Context, entries []Entry) error {
	for _, e := range entries {
		if err := e.Validate(); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now().UTC()
	for _, e := range entries {
		byTx, ok := s.entries[e.WalletID]
		if !ok {
			byTx = make(map[string]Entry)
			s.entries[e.WalletID] = byTx
		}
		e.InputAddresses = cloneStrings(e.InputAddresses)
		e.OutputAddresses = cloneStrings(e.OutputAddresses)
		if prev, exists := byTx[e.TxID]; exists {
			if prev.Status == StatusConfirmed {
				continue
			}
			e.CreatedAt = prev.CreatedAt
		} else {
			e.CreatedAt = now
		}
		byTx[e.TxID] = e
	}
	return nil
}

func (s *inMemoryStore) Entries(_ context.Context, walletID string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, 0, len(s.entries[walletID]))
	for _, e := range s.entries[walletID] {
		e.InputAddresses = cloneStrings(e.InputAddresses)
		e.OutputAddresses = cloneStrings(e.OutputAddresses)
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].TxID < out[j].TxID
	})
	return out, nil
}

func (s *inMemoryStore) RecomputeBalance(ctx context.Context, walletID string) (int64, error) {
	s.mu.RLock()
	var balance int64
	for _, e := range s.entries[walletID] {
		if countsTowardBalance(e.Status) {
			balance += e.Amount
		}
	}
	s.mu.RUnlock()

	if s.sink != nil {
		if err := s.sink.SetBalance(ctx, walletID, balance); err != nil {
			return 0, err
		}
	}
	return balance, nil
}

func cloneStrings(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	return out
}
