package wallet

import (
	"context"
	"errors"
	"sort"
	"sync"
)

type storedWallet struct {
	wallet       Wallet
	encryptedKey string
}

// MemoryRepository is an in-memory Repository for tests.
type MemoryRepository struct {
	mu      sync.RWMutex
	storage map[string]storedWallet
}

// NewMemoryRepository constructs an in-memory repository for tests.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{storage: make(map[string]storedWallet)}
}

func (r *MemoryRepository) Create(_ context.Context, wallet Wallet, encryptedKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.storage[wallet.ID]; exists {
		return errors.New("wallet exists")
	}
	for _, s := range r.storage {
		if s.wallet.Address == wallet.Address {
			return errors.New("address exists")
		}
	}
	r.storage[wallet.ID] = storedWallet{wallet: wallet, encryptedKey: encryptedKey}
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id string) (Wallet, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.storage[id]
	if !ok {
		return Wallet{}, ErrNotFound
	}
	return s.wallet, nil
}

func (r *MemoryRepository) FindByAddress(_ context.Context, address string) (Wallet, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.storage {
		if s.wallet.Address == address {
			return s.wallet, nil
		}
	}
	return Wallet{}, ErrNotFound
}

func (r *MemoryRepository) ListByUser(_ context.Context, userID string) ([]Wallet, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Wallet, 0)
	for _, s := range r.storage {
		if s.wallet.UserID == userID {
			out = append(out, s.wallet)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *MemoryRepository) EncryptedKey(_ context.Context, id string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.storage[id]
	if !ok {
		return "", ErrNotFound
	}
	return s.encryptedKey, nil
}

func (r *MemoryRepository) SetBalance(_ context.Context, id string, balance int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.storage[id]
	if !ok {
		return ErrNotFound
	}
	s.wallet.Balance = balance
	r.storage[id] = s
	return nil
}
