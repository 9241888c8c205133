package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/google/uuid"

	"github.com/congo-pay/btcvault/internal/keyvault"
	"github.com/congo-pay/btcvault/internal/ledger"
	"github.com/congo-pay/btcvault/internal/logging"
	"github.com/congo-pay/btcvault/internal/queue"
)

const defaultWalletName = "Main wallet"

var (
	ErrNotFound  = errors.New("wallet not found")
	ErrForbidden = errors.New("wallet belongs to another user")
)

// UserChecker confirms a user exists.
type UserChecker interface {
	Exists(ctx context.Context, userID string) error
}

// Service exposes wallet operations.
type Service struct {
	repo    Repository
	entries ledger.Store
	users   UserChecker
	vault   keyvault.Vault
	sync    queue.Producer
	params  *chaincfg.Params
	logger  *slog.Logger
}

// Deps groups the collaborators of a Service.
type Deps struct {
	Repo    Repository
	Entries ledger.Store
	Users   UserChecker
	Vault   keyvault.Vault
	Sync    queue.Producer
	Params  *chaincfg.Params
	Logger  *slog.Logger
}

// NewService builds a wallet service instance.
func NewService(d Deps) *Service {
	return &Service{
		repo:    d.Repo,
		entries: d.Entries,
		users:   d.Users,
		vault:   d.Vault,
		sync:    d.Sync,
		params:  d.Params,
		logger:  logging.Component(d.Logger, "wallet"),
	}
}

// CreateInput captures data required to create a wallet.
type CreateInput struct {
	UserID string
	Name   string
}

// Create generates a fresh key, derives its P2WPKH address on the configured
// network and stores the WIF sealed by the vault.
func (s *Service) Create(ctx context.Context, input CreateInput) (Wallet, error) {
	if err := s.users.Exists(ctx, input.UserID); err != nil {
		return Wallet{}, err
	}

	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return Wallet{}, fmt.Errorf("generate key: %w", err)
	}
	defer priv.Zero()

	pkHash := btcutil.Hash160(priv.PubKey().SerializeCompressed())
	addr, err := btcutil.NewAddressWitnessPubKeyHash(pkHash, s.params)
	if err != nil {
		return Wallet{}, fmt.Errorf("derive address: %w", err)
	}
	wif, err := btcutil.NewWIF(priv, s.params, true)
	if err != nil {
		return Wallet{}, fmt.Errorf("encode key: %w", err)
	}
	sealed, err := s.vault.Encrypt([]byte(wif.String()))
	if err != nil {
		return Wallet{}, fmt.Errorf("%w: seal key", keyvault.ErrKeyUnavailable)
	}

	name := strings.TrimSpace(input.Name)
	if name == "" {
		name = defaultWalletName
	}
	wallet := Wallet{
		ID:        uuid.New().String(),
		UserID:    input.UserID,
		Address:   addr.EncodeAddress(),
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.repo.Create(ctx, wallet, sealed); err != nil {
		return Wallet{}, err
	}

	s.logger.Info("wallet created", slog.String("wallet_id", wallet.ID), slog.String("user_id", wallet.UserID), slog.String("address", wallet.Address))
	return wallet, nil
}

// ListByUser returns every wallet of a user.
func (s *Service) ListByUser(ctx context.Context, userID string) ([]Wallet, error) {
	return s.repo.ListByUser(ctx, userID)
}

// Get returns a wallet after checking it belongs to userID.
func (s *Service) Get(ctx context.Context, userID, walletID string) (Wallet, error) {
	w, err := s.repo.Get(ctx, walletID)
	if err != nil {
		return Wallet{}, err
	}
	if w.UserID != userID {
		return Wallet{}, ErrForbidden
	}
	return w, nil
}

// Entries lists the ledger entries of an owned wallet, newest first.
func (s *Service) Entries(ctx context.Context, userID, walletID string) ([]ledger.Entry, error) {
	if _, err := s.Get(ctx, userID, walletID); err != nil {
		return nil, err
	}
	return s.entries.Entries(ctx, walletID)
}

// EnqueueSync schedules reconciliation of an owned wallet.
func (s *Service) EnqueueSync(ctx context.Context, userID, walletID string) error {
	if _, err := s.Get(ctx, userID, walletID); err != nil {
		return err
	}
	if err := s.sync.Enqueue(ctx, queue.SyncRequest{WalletID: walletID}); err != nil {
		return fmt.Errorf("enqueue sync: %w", err)
	}
	s.logger.Info("wallet sync requested", slog.String("wallet_id", walletID))
	return nil
}

// FindByAddress resolves an address to one of our wallets.
func (s *Service) FindByAddress(ctx context.Context, address string) (Wallet, error) {
	return s.repo.FindByAddress(ctx, address)
}

// EncryptedKey returns the sealed key of a wallet. Only the send flow opens it.
func (s *Service) EncryptedKey(ctx context.Context, walletID string) (string, error) {
	return s.repo.EncryptedKey(ctx, walletID)
}
