package spend

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/congo-pay/btcvault/internal/chain"
	"github.com/congo-pay/btcvault/internal/logging"
)

// defaultLookupConcurrency bounds parallel transaction-detail lookups.
const defaultLookupConcurrency = 4

// Descriptor is a signer-ready unspent output. It is produced fresh for every
// send and never cached across calls.
type Descriptor struct {
	TxID          string
	OutputIndex   uint32
	Script        []byte
	Value         int64
	SourceAddress string
}

// Formatter turns an address's UTXO set into spend descriptors.
type Formatter struct {
	oracle      chain.Oracle
	concurrency int
	logger      *slog.Logger
}

// NewFormatter builds a Formatter on top of the given oracle.
func NewFormatter(oracle chain.Oracle, logger *slog.Logger) *Formatter {
	return &Formatter{
		oracle:      oracle,
		concurrency: defaultLookupConcurrency,
		logger:      logging.Component(logger, "spend.formatter"),
	}
}

// Format returns one descriptor per unspent output of address, in the order the
// oracle reports them. An address without UTXOs yields an empty slice and no
// error. Each distinct source transaction is fetched once.
func (f *Formatter) Format(ctx context.Context, address string) ([]Descriptor, error) {
	utxos, err := f.oracle.UTXOs(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("list utxos: %w", err)
	}
	if len(utxos) == 0 {
		return []Descriptor{}, nil
	}

	var (
		mu    sync.Mutex
		cache = make(map[string]chain.Tx, len(utxos))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.concurrency)
	seen := make(map[string]struct{}, len(utxos))
	for _, u := range utxos {
		if _, ok := seen[u.TxID]; ok {
			continue
		}
		seen[u.TxID] = struct{}{}

		txid := u.TxID
		g.Go(func() error {
			tx, err := f.oracle.Transaction(gctx, txid)
			if errors.Is(err, chain.ErrTxNotFound) {
				// The oracle listed a UTXO it cannot describe.
				return fmt.Errorf("fetch source tx %s: %w: %w", txid, chain.ErrUnavailable, err)
			}
			if err != nil {
				return fmt.Errorf("fetch source tx %s: %w", txid, err)
			}
			mu.Lock()
			cache[txid] = tx
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	descriptors := make([]Descriptor, 0, len(utxos))
	for _, u := range utxos {
		tx := cache[u.TxID]
		if int(u.Vout) >= len(tx.Vout) {
			return nil, fmt.Errorf("%w: source tx %s has no output %d", chain.ErrUnavailable, u.TxID, u.Vout)
		}
		out := tx.Vout[u.Vout]

		script, err := hex.DecodeString(out.ScriptPubKey)
		if err != nil {
			return nil, fmt.Errorf("decode script of %s:%d: %w", u.TxID, u.Vout, err)
		}
		descriptors = append(descriptors, Descriptor{
			TxID:          u.TxID,
			OutputIndex:   u.Vout,
			Script:        script,
			Value:         u.Value,
			SourceAddress: out.Address,
		})
	}

	f.logger.Debug("formatted utxos",
		slog.String("address", address),
		slog.Int("utxos", len(utxos)),
		slog.Int("source_txs", len(seen)),
	)
	return descriptors, nil
}
