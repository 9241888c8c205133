package spend

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// ChangeOutputs is the number of outputs a send is priced for: destination
// plus change.
const ChangeOutputs = 2

var (
	// ErrInsufficientFunds is returned when the inputs cannot cover amount+fee.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrUnsupportedScript is returned for inputs locked by a script the
	// builder cannot sign (anything but P2WPKH and P2PKH).
	ErrUnsupportedScript = errors.New("unsupported input script")
)

// BuildRequest is everything needed to produce a signed spend.
type BuildRequest struct {
	Inputs      []Descriptor
	Destination btcutil.Address
	Amount      int64
	Fee         int64
	Change      btcutil.Address
	Key         *btcec.PrivateKey
}

// SignedTx is a broadcast-ready transaction.
type SignedTx struct {
	TxID      string
	Hex       string
	Fee       int64
	Change    int64
	Outpoints []wire.OutPoint
}

// Build spends every input to the destination, returns the remainder to the
// change address when it is non-zero and signs each input with req.Key.
// Signatures are RFC6979-deterministic so the same request always produces
// the same transaction.
func Build(req BuildRequest) (*SignedTx, error) {
	if req.Amount <= 0 {
		return nil, fmt.Errorf("amount must be positive, got %d", req.Amount)
	}
	if req.Fee < 0 {
		return nil, fmt.Errorf("fee must not be negative, got %d", req.Fee)
	}
	if req.Key == nil {
		return nil, errors.New("signing key is required")
	}

	var total int64
	for _, in := range req.Inputs {
		total += in.Value
	}
	change := total - req.Amount - req.Fee
	if change < 0 {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrInsufficientFunds, total, req.Amount+req.Fee)
	}

	destScript, err := txscript.PayToAddrScript(req.Destination)
	if err != nil {
		return nil, fmt.Errorf("destination script: %w", err)
	}

	msgTx := wire.NewMsgTx(wire.TxVersion)
	prevOuts := txscript.NewMultiPrevOutFetcher(nil)
	outpoints := make([]wire.OutPoint, 0, len(req.Inputs))
	for _, in := range req.Inputs {
		hash, err := chainhash.NewHashFromStr(in.TxID)
		if err != nil {
			return nil, fmt.Errorf("parse txid %q: %w", in.TxID, err)
		}
		op := wire.NewOutPoint(hash, in.OutputIndex)
		txIn := wire.NewTxIn(op, nil, nil)
		txIn.Sequence = wire.MaxTxInSequenceNum
		msgTx.AddTxIn(txIn)
		prevOuts.AddPrevOut(*op, wire.NewTxOut(in.Value, in.Script))
		outpoints = append(outpoints, *op)
	}

	msgTx.AddTxOut(wire.NewTxOut(req.Amount, destScript))
	if change > 0 {
		changeScript, err := txscript.PayToAddrScript(req.Change)
		if err != nil {
			return nil, fmt.Errorf("change script: %w", err)
		}
		msgTx.AddTxOut(wire.NewTxOut(change, changeScript))
	}

	if err := sign(msgTx, req.Inputs, prevOuts, req.Key); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.Grow(msgTx.SerializeSize())
	if err := msgTx.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("serialize tx: %w", err)
	}

	return &SignedTx{
		TxID:      msgTx.TxHash().String(),
		Hex:       hex.EncodeToString(buf.Bytes()),
		Fee:       req.Fee,
		Change:    change,
		Outpoints: outpoints,
	}, nil
}

func sign(msgTx *wire.MsgTx, inputs []Descriptor, prevOuts *txscript.MultiPrevOutFetcher, key *btcec.PrivateKey) error {
	sigHashes := txscript.NewTxSigHashes(msgTx, prevOuts)

	for i, in := range inputs {
		switch class := txscript.GetScriptClass(in.Script); class {
		case txscript.WitnessV0PubKeyHashTy:
			witness, err := txscript.WitnessSignature(msgTx, sigHashes, i, in.Value, in.Script, txscript.SigHashAll, key, true)
			if err != nil {
				return fmt.Errorf("sign input %d: %w", i, err)
			}
			msgTx.TxIn[i].Witness = witness
		case txscript.PubKeyHashTy:
			sigScript, err := txscript.SignatureScript(msgTx, i, in.Script, txscript.SigHashAll, key, true)
			if err != nil {
				return fmt.Errorf("sign input %d: %w", i, err)
			}
			msgTx.TxIn[i].SignatureScript = sigScript
		default:
			return fmt.Errorf("%w: input %d is %s", ErrUnsupportedScript, i, class)
		}
	}

	// Run every input through the script engine so a key that does not own
	// the inputs fails here instead of at broadcast.
	for i, in := range inputs {
		vm, err := txscript.NewEngine(in.Script, msgTx, i, txscript.StandardVerifyFlags, nil, sigHashes, in.Value, prevOuts)
		if err != nil {
			return fmt.Errorf("verify input %d: %w", i, err)
		}
		if err := vm.Execute(); err != nil {
			return fmt.Errorf("verify input %d: %w", i, err)
		}
	}
	return nil
}
