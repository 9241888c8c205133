// Package chaintest provides an in-memory chain.Oracle for tests.
package chaintest

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/wire"

	"github.com/congo-pay/btcvault/internal/chain"
)

// Oracle is a scriptable chain.Oracle. The zero value is not usable; call New.
type Oracle struct {
	mu sync.Mutex

	utxos   map[string][]chain.UTXO
	history map[string][]chain.Tx
	txs     map[string]chain.Tx
	fees    chain.FeeEstimates

	// Err, when set, is returned by every read call.
	Err error
	// BroadcastErr, when set, is returned by Broadcast.
	BroadcastErr error

	Broadcasts []string
	TxCalls    map[string]int
}

var _ chain.Oracle = (*Oracle)(nil)

// New returns an empty oracle quoting a flat 1 sat/vB.
func New() *Oracle {
	return &Oracle{
		utxos:   make(map[string][]chain.UTXO),
		history: make(map[string][]chain.Tx),
		txs:     make(map[string]chain.Tx),
		fees:    chain.FeeEstimates{"1": 1, "6": 1, "144": 1},
		TxCalls: make(map[string]int),
	}
}

// SetUTXOs replaces the unspent set of an address.
func (o *Oracle) SetUTXOs(address string, utxos ...chain.UTXO) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.utxos[address] = utxos
}

// SetFees replaces the fee table.
func (o *Oracle) SetFees(fees chain.FeeEstimates) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.fees = fees
}

// AddTx registers a transaction for lookups and appends it to the history of
// the given addresses.
func (o *Oracle) AddTx(tx chain.Tx, addresses ...string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.txs[tx.TxID] = tx
	for _, addr := range addresses {
		o.history[addr] = append(o.history[addr], tx)
	}
}

// SetHistory replaces the history of an address.
func (o *Oracle) SetHistory(address string, txs ...chain.Tx) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.history[address] = txs
	for _, tx := range txs {
		o.txs[tx.TxID] = tx
	}
}

func (o *Oracle) UTXOs(_ context.Context, address string) ([]chain.UTXO, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.Err != nil {
		return nil, o.Err
	}
	return append([]chain.UTXO(nil), o.utxos[address]...), nil
}

func (o *Oracle) FeeEstimates(context.Context) (chain.FeeEstimates, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.Err != nil {
		return nil, o.Err
	}
	out := make(chain.FeeEstimates, len(o.fees))
	for k, v := range o.fees {
		out[k] = v
	}
	return out, nil
}

func (o *Oracle) AddressTransactions(_ context.Context, address string) ([]chain.Tx, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.Err != nil {
		return nil, o.Err
	}
	return append([]chain.Tx(nil), o.history[address]...), nil
}

func (o *Oracle) Transaction(_ context.Context, txid string) (chain.Tx, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.Err != nil {
		return chain.Tx{}, o.Err
	}
	o.TxCalls[txid]++
	tx, ok := o.txs[txid]
	if !ok {
		return chain.Tx{}, fmt.Errorf("%w: %s", chain.ErrTxNotFound, txid)
	}
	return tx, nil
}

func (o *Oracle) Broadcast(_ context.Context, rawTxHex string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.BroadcastErr != nil {
		return "", o.BroadcastErr
	}
	raw, err := hex.DecodeString(rawTxHex)
	if err != nil {
		return "", fmt.Errorf("%w: %v", chain.ErrBroadcastRejected, err)
	}
	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return "", fmt.Errorf("%w: %v", chain.ErrBroadcastRejected, err)
	}
	o.Broadcasts = append(o.Broadcasts, rawTxHex)
	return tx.TxHash().String(), nil
}
