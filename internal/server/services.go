package server

import (
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/btcvault/internal/auth"
	"github.com/congo-pay/btcvault/internal/chain"
	"github.com/congo-pay/btcvault/internal/config"
	"github.com/congo-pay/btcvault/internal/identity"
	"github.com/congo-pay/btcvault/internal/keyvault"
	"github.com/congo-pay/btcvault/internal/ledger"
	"github.com/congo-pay/btcvault/internal/payments"
	"github.com/congo-pay/btcvault/internal/queue"
	"github.com/congo-pay/btcvault/internal/reconcile"
	"github.com/congo-pay/btcvault/internal/spendlock"
	"github.com/congo-pay/btcvault/internal/wallet"
)

// SyncQueue is both ends of the wallet sync queue.
type SyncQueue interface {
	queue.Producer
	queue.Consumer
}

// Services holds the wired domain services shared by the API and the worker.
type Services struct {
	Cfg    config.Config
	Logger *slog.Logger

	IdentityRepo identity.Repository
	WalletRepo   wallet.Repository
	Ledger       ledger.Store
	Oracle       chain.Oracle
	Queue        SyncQueue
	Locks        spendlock.Locker

	Identity   *identity.Service
	Auth       *auth.Service
	Wallets    *wallet.Service
	Payments   *payments.Service
	Reconciler *reconcile.Reconciler
}

// NewServices wires every service. Without db or cache, in-memory backends
// are used, which only makes sense for local development and tests. A nil
// oracle selects the configured Esplora endpoint.
func NewServices(cfg config.Config, db *pgxpool.Pool, cache *redis.Client, oracle chain.Oracle, logger *slog.Logger) (*Services, error) {
	params, err := cfg.ChainParams()
	if err != nil {
		return nil, err
	}
	vault, err := keyvault.New(cfg.KeyVaultKey)
	if err != nil {
		return nil, fmt.Errorf("key vault: %w", err)
	}
	if oracle == nil {
		oracle = chain.NewEsploraClient(chain.ClientConfig{
			URL:               cfg.EsploraURL,
			RequestTimeout:    cfg.EsploraTimeout,
			MaxRetries:        cfg.EsploraRetries,
			RequestsPerSecond: cfg.EsploraRPS,
		}, logger)
	}

	s := &Services{Cfg: cfg, Logger: logger, Oracle: oracle}

	if db != nil {
		s.IdentityRepo = identity.NewPostgresRepository(db)
		s.WalletRepo = wallet.NewPostgresRepository(db)
		s.Ledger = ledger.NewPostgresStore(db)
	} else {
		wallets := wallet.NewMemoryRepository()
		s.IdentityRepo = identity.NewMemoryRepository()
		s.WalletRepo = wallets
		s.Ledger = ledger.NewInMemory(wallets, nil)
	}

	if cache != nil {
		s.Queue = queue.NewRedisQueue(cache, queue.RedisOptions{Name: cfg.SyncQueue, Visibility: cfg.SyncVisibility}, logger)
		s.Locks = spendlock.NewRedisLocker(cache, logger)
	} else {
		s.Queue = queue.NewMemoryQueue(cfg.SyncVisibility, nil)
		s.Locks = spendlock.NewMemoryLocker(nil)
	}

	s.Identity = identity.NewService(s.IdentityRepo)
	s.Auth = auth.NewService(cfg, s.Identity)
	s.Wallets = wallet.NewService(wallet.Deps{
		Repo:    s.WalletRepo,
		Entries: s.Ledger,
		Users:   s.Identity,
		Vault:   vault,
		Sync:    s.Queue,
		Params:  params,
		Logger:  logger,
	})
	s.Payments = payments.NewService(payments.Deps{
		Passwords: s.Identity,
		Wallets:   s.Wallets,
		Vault:     vault,
		Oracle:    oracle,
		Sync:      s.Queue,
		Locks:     s.Locks,
		Params:    params,
		MinAmount: cfg.MinSendAmount,
		LockTTL:   cfg.SendLockTTL,
		Logger:    logger,
	})
	s.Reconciler = reconcile.NewReconciler(s.WalletRepo, s.Ledger, oracle, logger)

	return s, nil
}

// SyncWorker builds a reconciliation worker consuming the sync queue.
func (s *Services) SyncWorker() *reconcile.Worker {
	return reconcile.NewWorker(s.Queue, s.Reconciler, reconcile.WorkerOptions{
		Wait:    s.Cfg.SyncWait,
		Timeout: s.Cfg.SyncTimeout,
	}, s.Logger)
}
