// Package reconcile keeps the ledger of each wallet consistent with what the
// chain oracle reports for its address.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/congo-pay/btcvault/internal/chain"
	"github.com/congo-pay/btcvault/internal/ledger"
	"github.com/congo-pay/btcvault/internal/logging"
	"github.com/congo-pay/btcvault/internal/wallet"
)

// WalletLookup resolves wallets by id.
type WalletLookup interface {
	Get(ctx context.Context, id string) (wallet.Wallet, error)
}

// Reconciler diffs chain history against the ledger of one wallet.
type Reconciler struct {
	wallets WalletLookup
	entries ledger.Store
	oracle  chain.Oracle
	logger  *slog.Logger
}

// NewReconciler wires a reconciler.
func NewReconciler(wallets WalletLookup, entries ledger.Store, oracle chain.Oracle, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		wallets: wallets,
		entries: entries,
		oracle:  oracle,
		logger:  logging.Component(logger, "reconcile"),
	}
}

// SyncWallet upserts every chain transaction of the wallet that is not yet
// CONFIRMED in the ledger, in one batch. It returns the number of entries
// written.
func (r *Reconciler) SyncWallet(ctx context.Context, walletID string) (int, error) {
	w, err := r.wallets.Get(ctx, walletID)
	if err != nil {
		return 0, err
	}
	confirmed, err := r.entries.ConfirmedTxIDs(ctx, walletID)
	if err != nil {
		return 0, fmt.Errorf("load confirmed entries: %w", err)
	}
	history, err := r.oracle.AddressTransactions(ctx, w.Address)
	if err != nil {
		return 0, fmt.Errorf("load address history: %w", err)
	}

	batch := make([]ledger.Entry, 0, len(history))
	seen := make(map[string]struct{}, len(history))
	for _, tx := range history {
		if _, done := confirmed[tx.TxID]; done {
			continue
		}
		if _, dup := seen[tx.TxID]; dup {
			continue
		}
		seen[tx.TxID] = struct{}{}
		batch = append(batch, Classify(w.ID, w.Address, tx))
	}

	if len(batch) == 0 {
		r.logger.Debug("no transactions to process", slog.String("wallet_id", walletID))
		return 0, nil
	}
	if err := r.entries.UpsertBatch(ctx, batch); err != nil {
		return 0, fmt.Errorf("upsert entries: %w", err)
	}

	r.logger.Info("wallet transactions synced",
		slog.String("wallet_id", walletID),
		slog.Int("processed", len(batch)),
		slog.Int("skipped_confirmed", len(history)-len(batch)),
	)
	return len(batch), nil
}

// SyncBalance recomputes and stores the wallet balance from its entries.
func (r *Reconciler) SyncBalance(ctx context.Context, walletID string) (int64, error) {
	balance, err := r.entries.RecomputeBalance(ctx, walletID)
	if err != nil {
		return 0, fmt.Errorf("recompute balance: %w", err)
	}
	r.logger.Info("wallet balance synced", slog.String("wallet_id", walletID), slog.Int64("balance", balance))
	return balance, nil
}

// Classify builds the ledger entry of tx as seen by the wallet owning address.
// Amount is the net flow over the wallet's own inputs and outputs. The fee is
// recorded on outgoing entries only, since the receiver does not pay it.
func Classify(walletID, address string, tx chain.Tx) ledger.Entry {
	var sent, received int64
	inputs := make([]string, 0, len(tx.Vin))
	for _, in := range tx.Vin {
		if in.PrevOut == nil {
			continue
		}
		if in.PrevOut.Address == address {
			sent += in.PrevOut.Value
		}
		inputs = appendDistinct(inputs, in.PrevOut.Address)
	}
	outputs := make([]string, 0, len(tx.Vout))
	for _, out := range tx.Vout {
		if out.Address == address {
			received += out.Value
		}
		outputs = appendDistinct(outputs, out.Address)
	}

	entry := ledger.Entry{
		WalletID:        walletID,
		TxID:            tx.TxID,
		Amount:          received - sent,
		InputAddresses:  inputs,
		OutputAddresses: outputs,
		Status:          ledger.StatusPending,
		ConfirmedAt:     tx.Status.ConfirmedAt(),
	}
	if tx.Status.Confirmed {
		entry.Status = ledger.StatusConfirmed
	}

	if entry.Amount > 0 {
		entry.Direction = ledger.DirectionIn
		entry.ToAddress = address
		if len(tx.Vin) > 0 && tx.Vin[0].PrevOut != nil {
			entry.FromAddress = tx.Vin[0].PrevOut.Address
		}
		return entry
	}

	entry.Direction = ledger.DirectionOut
	entry.Fee = tx.Fee
	entry.FromAddress = address
	if len(tx.Vout) > 0 {
		entry.ToAddress = tx.Vout[0].Address
	}
	return entry
}

func appendDistinct(list []string, addr string) []string {
	if addr == "" {
		return list
	}
	for _, have := range list {
		if have == addr {
			return list
		}
	}
	return append(list, addr)
}
