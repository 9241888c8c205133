package spend

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/congo-pay/btcvault/internal/chain"
)

// Size model, in bytes.
const (
	txOverheadSize = 10
	txInputSize    = 180
	txOutputSize   = 34
)

// ErrNoFeeRate is returned when the oracle quotes no usable fee rate.
var ErrNoFeeRate = errors.New("no fee rate available")

// FeeEstimator prices a transaction shape against the oracle's fee table.
type FeeEstimator struct {
	oracle chain.Oracle
}

// NewFeeEstimator prices fees from oracle quotes.
func NewFeeEstimator(oracle chain.Oracle) *FeeEstimator {
	return &FeeEstimator{oracle: oracle}
}

// EstimateFee returns the absolute fee in satoshis for a transaction with the
// given number of inputs and outputs, priced at the lowest quoted rate.
func (e *FeeEstimator) EstimateFee(ctx context.Context, inputs, outputs int) (int64, error) {
	estimates, err := e.oracle.FeeEstimates(ctx)
	if err != nil {
		return 0, fmt.Errorf("fee estimates: %w", err)
	}
	rate, err := MinRate(estimates)
	if err != nil {
		return 0, err
	}
	return FeeForRate(rate, inputs, outputs), nil
}

// MinRate picks the minimum rate across every confirmation target. Negative
// and non-finite quotes are ignored.
func MinRate(estimates chain.FeeEstimates) (decimal.Decimal, error) {
	var (
		lowest decimal.Decimal
		found  bool
	)
	for _, r := range estimates {
		if math.IsNaN(r) || math.IsInf(r, 0) || r < 0 {
			continue
		}
		d := decimal.NewFromFloat(r)
		if !found || d.LessThan(lowest) {
			lowest, found = d, true
		}
	}
	if !found {
		return decimal.Zero, ErrNoFeeRate
	}
	return lowest, nil
}

// TxSize is the estimated serialized size in bytes.
func TxSize(inputs, outputs int) int64 {
	return txOverheadSize + int64(inputs)*txInputSize + int64(outputs)*txOutputSize
}

// FeeForRate is ceil(rate * size). It never rounds down.
func FeeForRate(rate decimal.Decimal, inputs, outputs int) int64 {
	return rate.Mul(decimal.NewFromInt(TxSize(inputs, outputs))).Ceil().IntPart()
}
