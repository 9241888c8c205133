package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"

	"github.com/congo-pay/btcvault/internal/chain"
	"github.com/congo-pay/btcvault/internal/keyvault"
	"github.com/congo-pay/btcvault/internal/logging"
	"github.com/congo-pay/btcvault/internal/queue"
	"github.com/congo-pay/btcvault/internal/spend"
	"github.com/congo-pay/btcvault/internal/spendlock"
	"github.com/congo-pay/btcvault/internal/wallet"
)

const (
	defaultMinAmount  = 1000
	defaultLockTTL    = 2 * time.Minute
	reservationWindow = 30 * time.Minute
)

var (
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrInvalidDestination = errors.New("invalid destination address")
	ErrBroadcastFailed    = errors.New("broadcast failed")
	ErrSendExpired        = errors.New("send did not finish within its lock lease")
)

// PasswordValidator re-checks the caller's password before spending.
type PasswordValidator interface {
	ValidatePassword(ctx context.Context, userID, password string) error
}

// Service orchestrates on-chain sends.
type Service struct {
	passwords PasswordValidator
	wallets   *wallet.Service
	vault     keyvault.Vault
	formatter *spend.Formatter
	fees      *spend.FeeEstimator
	oracle    chain.Oracle
	sync      queue.Producer
	locks     spendlock.Locker
	params    *chaincfg.Params
	minAmount int64
	lockTTL   time.Duration
	logger    *slog.Logger
}

// Deps groups the collaborators of a Service.
type Deps struct {
	Passwords PasswordValidator
	Wallets   *wallet.Service
	Vault     keyvault.Vault
	Oracle    chain.Oracle
	Sync      queue.Producer
	Locks     spendlock.Locker
	Params    *chaincfg.Params
	MinAmount int64
	LockTTL   time.Duration
	Logger    *slog.Logger
}

// NewService constructs a payment service.
func NewService(d Deps) *Service {
	if d.MinAmount <= 0 {
		d.MinAmount = defaultMinAmount
	}
	if d.LockTTL <= 0 {
		d.LockTTL = defaultLockTTL
	}
	return &Service{
		passwords: d.Passwords,
		wallets:   d.Wallets,
		vault:     d.Vault,
		formatter: spend.NewFormatter(d.Oracle, d.Logger),
		fees:      spend.NewFeeEstimator(d.Oracle),
		oracle:    d.Oracle,
		sync:      d.Sync,
		locks:     d.Locks,
		params:    d.Params,
		minAmount: d.MinAmount,
		lockTTL:   d.LockTTL,
		logger:    logging.Component(d.Logger, "payments"),
	}
}

// SendInput captures a send request.
type SendInput struct {
	UserID    string
	WalletID  string
	ToAddress string
	Amount    int64
	Password  string
}

// SendResult describes a broadcast transaction.
type SendResult struct {
	TxID   string
	Fee    int64
	Change int64
	Inputs int
}

// Send spends every UTXO of the wallet to ToAddress, returning the change to
// the wallet's own address, broadcasts the result and schedules reconciliation
// of the sender and, for internal transfers, the recipient.
func (s *Service) Send(ctx context.Context, input SendInput) (SendResult, error) {
	if input.Amount <= 0 || input.Amount < s.minAmount {
		return SendResult{}, fmt.Errorf("%w: minimum is %d satoshis", ErrInvalidAmount, s.minAmount)
	}
	if err := s.passwords.ValidatePassword(ctx, input.UserID, input.Password); err != nil {
		return SendResult{}, err
	}

	source, err := s.wallets.Get(ctx, input.UserID, input.WalletID)
	if err != nil {
		return SendResult{}, err
	}

	toAddress := strings.TrimSpace(input.ToAddress)
	destination, err := btcutil.DecodeAddress(toAddress, s.params)
	if err != nil || !destination.IsForNet(s.params) {
		return SendResult{}, fmt.Errorf("%w: %q", ErrInvalidDestination, toAddress)
	}
	changeAddr, err := btcutil.DecodeAddress(source.Address, s.params)
	if err != nil {
		return SendResult{}, fmt.Errorf("decode wallet address: %w", err)
	}

	release, err := s.locks.Acquire(ctx, source.ID, s.lockTTL)
	if err != nil {
		return SendResult{}, err
	}
	defer release()

	// Everything up to broadcast must finish while the lock is still ours.
	leaseCtx, cancel := context.WithTimeout(ctx, leaseBudget(s.lockTTL))
	defer cancel()

	result, err := s.spendLocked(leaseCtx, ctx, source, destination, changeAddr, input.Amount)
	if err != nil && leaseCtx.Err() != nil && ctx.Err() == nil {
		s.logger.Warn("send outlived its lock lease", slog.String("wallet_id", source.ID), slog.Any("error", err))
		return SendResult{}, fmt.Errorf("%w: %w", ErrSendExpired, err)
	}
	return result, err
}

// spendLocked builds, signs and broadcasts under leaseCtx. Bookkeeping after
// a successful broadcast runs under ctx so it is not cut short by the lease.
func (s *Service) spendLocked(leaseCtx, ctx context.Context, source wallet.Wallet, destination, changeAddr btcutil.Address, amount int64) (SendResult, error) {
	sealed, err := s.wallets.EncryptedKey(leaseCtx, source.ID)
	if err != nil {
		return SendResult{}, err
	}
	plain, err := s.vault.Decrypt(sealed)
	if err != nil {
		return SendResult{}, err
	}
	wif, err := btcutil.DecodeWIF(string(plain))
	clear(plain)
	if err != nil {
		return SendResult{}, fmt.Errorf("%w: stored key is not a valid WIF", keyvault.ErrKeyUnavailable)
	}
	defer wif.PrivKey.Zero()

	inputs, err := s.formatter.Format(leaseCtx, source.Address)
	if err != nil {
		return SendResult{}, err
	}
	if len(inputs) == 0 {
		return SendResult{}, fmt.Errorf("%w: no available funds", spend.ErrInsufficientFunds)
	}
	if err := s.locks.CheckFree(leaseCtx, source.ID, outpointsOf(inputs)); err != nil {
		return SendResult{}, err
	}

	fee, err := s.fees.EstimateFee(leaseCtx, len(inputs), spend.ChangeOutputs)
	if err != nil {
		return SendResult{}, err
	}

	signed, err := spend.Build(spend.BuildRequest{
		Inputs:      inputs,
		Destination: destination,
		Amount:      amount,
		Fee:         fee,
		Change:      changeAddr,
		Key:         wif.PrivKey,
	})
	if err != nil {
		return SendResult{}, err
	}

	txid, err := s.oracle.Broadcast(leaseCtx, signed.Hex)
	if err != nil {
		if errors.Is(err, chain.ErrBroadcastRejected) {
			return SendResult{}, fmt.Errorf("%w: %w", ErrBroadcastFailed, err)
		}
		return SendResult{}, err
	}
	if txid == "" {
		txid = signed.TxID
	} else if txid != signed.TxID {
		s.logger.Warn("broadcast txid differs from local hash", slog.String("txid", txid), slog.String("local_txid", signed.TxID))
	}

	s.logger.Info("transaction broadcast",
		slog.String("wallet_id", source.ID),
		slog.String("txid", txid),
		slog.Int64("amount", amount),
		slog.Int64("fee", fee),
		slog.Int64("change", signed.Change),
		slog.Int("inputs", len(inputs)),
	)

	// From here on the transaction is on the network; failures are logged and
	// the next reconciliation of the wallet picks the transaction up.
	if err := s.locks.Reserve(ctx, source.ID, outpointsOf(inputs), reservationWindow); err != nil {
		s.logger.Warn("reserve spent outpoints failed", slog.String("wallet_id", source.ID), slog.Any("error", err))
	}
	s.enqueueSync(ctx, source.ID, txid)
	if recipient, err := s.wallets.FindByAddress(ctx, destination.EncodeAddress()); err == nil && recipient.ID != source.ID {
		s.enqueueSync(ctx, recipient.ID, txid)
	} else if err != nil && !errors.Is(err, wallet.ErrNotFound) {
		s.logger.Warn("recipient lookup failed", slog.String("txid", txid), slog.Any("error", err))
	}

	return SendResult{TxID: txid, Fee: fee, Change: signed.Change, Inputs: len(inputs)}, nil
}

// leaseBudget leaves a tenth of the lock TTL for release and clock skew.
func leaseBudget(ttl time.Duration) time.Duration {
	return ttl - ttl/10
}

func (s *Service) enqueueSync(ctx context.Context, walletID, txid string) {
	if err := s.sync.Enqueue(ctx, queue.SyncRequest{WalletID: walletID}); err != nil {
		s.logger.Error("enqueue wallet sync failed",
			slog.String("wallet_id", walletID),
			slog.String("txid", txid),
			slog.Any("error", err),
		)
	}
}

func outpointsOf(inputs []spend.Descriptor) []spendlock.Outpoint {
	out := make([]spendlock.Outpoint, len(inputs))
	for i, in := range inputs {
		out[i] = spendlock.Outpoint{TxID: in.TxID, Index: in.OutputIndex}
	}
	return out
}
