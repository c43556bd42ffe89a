package gasfee

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"
)

var ErrNoEstimate = errors.New("no gas fee estimate available")

// FeeMarketLevel is one tier of an EIP-1559 estimate. Values are GWEI decimal
// strings, e.g. "1.5".
type FeeMarketLevel struct {
	SuggestedMaxFeePerGas         string `json:"suggestedMaxFeePerGas"`
	SuggestedMaxPriorityFeePerGas string `json:"suggestedMaxPriorityFeePerGas"`
	MinWaitTimeEstimate           int64  `json:"minWaitTimeEstimate,omitempty"`
	MaxWaitTimeEstimate           int64  `json:"maxWaitTimeEstimate,omitempty"`
}

type FeeMarketEstimate struct {
	Low              FeeMarketLevel `json:"low"`
	Medium           FeeMarketLevel `json:"medium"`
	High             FeeMarketLevel `json:"high"`
	EstimatedBaseFee string         `json:"estimatedBaseFee"`
}

// LegacyEstimate holds per-tier gas prices in GWEI.
type LegacyEstimate struct {
	Low    string `json:"low"`
	Medium string `json:"medium"`
	High   string `json:"high"`
}

// GasPriceEstimate is a single gas price in GWEI.
type GasPriceEstimate struct {
	GasPrice string `json:"gasPrice"`
}

// Estimate carries at most one populated shape. Sources fill the richest shape
// they can produce.
type Estimate struct {
	FeeMarket *FeeMarketEstimate `json:"feeMarket,omitempty"`
	Legacy    *LegacyEstimate    `json:"legacy,omitempty"`
	GasPrice  *GasPriceEstimate  `json:"gasPrice,omitempty"`
}

func (e *Estimate) Empty() bool {
	return e == nil || (e.FeeMarket == nil && e.Legacy == nil && e.GasPrice == nil)
}

type Estimator interface {
	Estimate(ctx context.Context, chainID int64) (*Estimate, error)
}

// GweiToWeiHex converts a GWEI decimal string to a WEI hex quantity. Fractions
// below one WEI are truncated.
func GweiToWeiHex(gwei string) (string, error) {
	d, err := decimal.NewFromString(gwei)
	if err != nil {
		return "", fmt.Errorf("invalid gwei value %q: %w", gwei, err)
	}
	if d.IsNegative() {
		return "", fmt.Errorf("negative gwei value %q", gwei)
	}
	return hexutil.EncodeBig(d.Shift(9).Truncate(0).BigInt()), nil
}

// WeiToGwei renders a WEI amount as a GWEI decimal string.
func WeiToGwei(wei *big.Int) string {
	return decimal.NewFromBigInt(wei, -9).String()
}
