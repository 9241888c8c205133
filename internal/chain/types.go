package chain

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnavailable indicates the chain data provider could not be reached or
	// answered with a server-side failure.
	ErrUnavailable = errors.New("chain oracle unavailable")

	// ErrTxNotFound is returned when the provider does not know a transaction.
	ErrTxNotFound = errors.New("transaction not found")

	// ErrBroadcastRejected is returned when the provider refuses a raw
	// transaction (invalid, conflicting, below min relay fee...).
	ErrBroadcastRejected = errors.New("broadcast rejected")
)

// Oracle is the read/broadcast surface of the chain data provider. Every call
// addresses one address or one transaction.
type Oracle interface {
	UTXOs(ctx context.Context, address string) ([]UTXO, error)
	FeeEstimates(ctx context.Context) (FeeEstimates, error)
	AddressTransactions(ctx context.Context, address string) ([]Tx, error)
	Transaction(ctx context.Context, txid string) (Tx, error)
	Broadcast(ctx context.Context, rawTxHex string) (string, error)
}

// TxStatus is the confirmation state of a transaction.
type TxStatus struct {
	Confirmed   bool   `json:"confirmed"`
	BlockHeight int64  `json:"block_height,omitempty"`
	BlockHash   string `json:"block_hash,omitempty"`
	BlockTime   int64  `json:"block_time,omitempty"`
}

// ConfirmedAt returns the block time of a confirmed transaction, or nil.
func (s TxStatus) ConfirmedAt() *time.Time {
	if !s.Confirmed {
		return nil
	}
	at := time.Unix(s.BlockTime, 0).UTC()
	return &at
}

// UTXO is an unspent output owned by an address.
type UTXO struct {
	TxID   string   `json:"txid"`
	Vout   uint32   `json:"vout"`
	Status TxStatus `json:"status"`
	Value  int64    `json:"value"`
}

// TxOutput is a transaction output.
type TxOutput struct {
	ScriptPubKey     string `json:"scriptpubkey"`
	ScriptPubKeyType string `json:"scriptpubkey_type"`
	Address          string `json:"scriptpubkey_address,omitempty"`
	Value            int64  `json:"value"`
}

// TxInput is a transaction input. PrevOut is nil for coinbase inputs.
type TxInput struct {
	TxID       string    `json:"txid"`
	Vout       uint32    `json:"vout"`
	PrevOut    *TxOutput `json:"prevout,omitempty"`
	Sequence   uint32    `json:"sequence"`
	IsCoinbase bool      `json:"is_coinbase"`
}

// Tx is the provider's view of a transaction.
type Tx struct {
	TxID    string     `json:"txid"`
	Version int32      `json:"version"`
	Size    int        `json:"size"`
	Weight  int        `json:"weight"`
	Fee     int64      `json:"fee"`
	Vin     []TxInput  `json:"vin"`
	Vout    []TxOutput `json:"vout"`
	Status  TxStatus   `json:"status"`
}

// FeeEstimates maps confirmation targets (in blocks, as strings) to fee rates
// in sat/vB.
type FeeEstimates map[string]float64
