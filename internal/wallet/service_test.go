package wallet

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/google/uuid"

	"github.com/congo-pay/btcvault/internal/identity"
	"github.com/congo-pay/btcvault/internal/keyvault"
	"github.com/congo-pay/btcvault/internal/ledger"
	"github.com/congo-pay/btcvault/internal/logging"
	"github.com/congo-pay/btcvault/internal/queue"
)

type knownUsers map[string]bool

func (k knownUsers) Exists(_ context.Context, userID string) error {
	if !k[userID] {
		return identity.ErrUserNotFound
	}
	return nil
}

type fixture struct {
	svc   *Service
	repo  *MemoryRepository
	store ledger.Store
	queue *queue.MemoryQueue
	vault *keyvault.AEADVault
	users knownUsers
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	vault, err := keyvault.New(bytes.Repeat([]byte{1}, 32))
	if err != nil {
		t.Fatalf("vault: %v", err)
	}
	repo := NewMemoryRepository()
	store := ledger.NewInMemory(repo, nil)
	q := queue.NewMemoryQueue(time.Minute, nil)
	users := knownUsers{}
	svc := NewService(Deps{
		Repo:    repo,
		Entries: store,
		Users:   users,
		Vault:   vault,
		Sync:    q,
		Params:  &chaincfg.RegressionNetParams,
		Logger:  logging.Discard(),
	})
	return fixture{svc: svc, repo: repo, store: store, queue: q, vault: vault, users: users}
}

func (f fixture) newUser() string {
	id := uuid.NewString()
	f.users[id] = true
	return id
}

func TestServiceCreateDerivesSegwitAddress(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := f.newUser()

	w, err := f.svc.Create(ctx, CreateInput{UserID: userID, Name: " savings "})
	if err != nil {
		t.Fatalf("create wallet: %v", err)
	}
	if w.Name != "savings" || w.Balance != 0 {
		t.Fatalf("unexpected wallet: %+v", w)
	}

	addr, err := btcutil.DecodeAddress(w.Address, &chaincfg.RegressionNetParams)
	if err != nil {
		t.Fatalf("decode address: %v", err)
	}
	if _, ok := addr.(*btcutil.AddressWitnessPubKeyHash); !ok {
		t.Fatalf("expected p2wpkh address, got %T", addr)
	}

	sealed, err := f.svc.EncryptedKey(ctx, w.ID)
	if err != nil {
		t.Fatalf("encrypted key: %v", err)
	}
	plain, err := f.vault.Decrypt(sealed)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	wif, err := btcutil.DecodeWIF(string(plain))
	if err != nil {
		t.Fatalf("decode wif: %v", err)
	}
	if !wif.IsForNet(&chaincfg.RegressionNetParams) {
		t.Fatalf("wif is for the wrong network")
	}
	derived, _ := btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(wif.SerializePubKey()), &chaincfg.RegressionNetParams)
	if derived.EncodeAddress() != w.Address {
		t.Fatalf("stored key does not control %s", w.Address)
	}
}

func TestServiceCreateUnknownUser(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.Create(context.Background(), CreateInput{UserID: uuid.NewString()}); !errors.Is(err, identity.ErrUserNotFound) {
		t.Fatalf("expected user not found, got %v", err)
	}
}

func TestServiceOwnership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner, other := f.newUser(), f.newUser()

	w, err := f.svc.Create(ctx, CreateInput{UserID: owner})
	if err != nil {
		t.Fatalf("create wallet: %v", err)
	}
	if w.Name != defaultWalletName {
		t.Fatalf("expected default name, got %q", w.Name)
	}

	if _, err := f.svc.Get(ctx, owner, w.ID); err != nil {
		t.Fatalf("get own wallet: %v", err)
	}
	if _, err := f.svc.Get(ctx, other, w.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if _, err := f.svc.Get(ctx, owner, uuid.NewString()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := f.svc.EnqueueSync(ctx, other, w.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden sync, got %v", err)
	}
	if _, err := f.svc.Entries(ctx, other, w.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden entries, got %v", err)
	}

	mine, _ := f.svc.ListByUser(ctx, owner)
	theirs, _ := f.svc.ListByUser(ctx, other)
	if len(mine) != 1 || len(theirs) != 0 {
		t.Fatalf("unexpected listings: %d / %d", len(mine), len(theirs))
	}
}

func TestServiceEnqueueSync(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := f.newUser()
	w, _ := f.svc.Create(ctx, CreateInput{UserID: owner})

	if err := f.svc.EnqueueSync(ctx, owner, w.ID); err != nil {
		t.Fatalf("enqueue sync: %v", err)
	}
	pending := f.queue.Pending()
	if len(pending) != 1 || pending[0].WalletID != w.ID {
		t.Fatalf("unexpected queue content: %+v", pending)
	}
}

func TestServiceEntriesAndBalance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := f.newUser()
	w, _ := f.svc.Create(ctx, CreateInput{UserID: owner})

	err := f.store.UpsertBatch(ctx, []ledger.Entry{{
		WalletID: w.ID, TxID: "abc", Amount: 2_500,
		Direction: ledger.DirectionIn, Status: ledger.StatusPending,
	}})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := f.store.RecomputeBalance(ctx, w.ID); err != nil {
		t.Fatalf("recompute: %v", err)
	}

	entries, err := f.svc.Entries(ctx, owner, w.ID)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 1 || entries[0].TxID != "abc" {
		t.Fatalf("unexpected entries: %+v", entries)
	}

	fetched, _ := f.svc.Get(ctx, owner, w.ID)
	if fetched.Balance != 2_500 {
		t.Fatalf("expected balance 2500, got %d", fetched.Balance)
	}

	found, err := f.svc.FindByAddress(ctx, w.Address)
	if err != nil || found.ID != w.ID {
		t.Fatalf("find by address: %v %+v", err, found)
	}
}
