package gasfee

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/core/types"
)

// NodeClient is the subset of ethclient.Client used to derive estimates.
type NodeClient interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}

// NodeEstimator derives a fee-market estimate from the latest base fee and the
// node's tip suggestion. Chains without a base fee get a gas price estimate.
type NodeEstimator struct {
	client NodeClient
}

func NewNodeEstimator(client NodeClient) *NodeEstimator {
	return &NodeEstimator{client: client}
}

func (n *NodeEstimator) Estimate(ctx context.Context, chainID int64) (*Estimate, error) {
	header, err := n.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest header: %w", err)
	}

	if header.BaseFee == nil {
		gasPrice, err := n.client.SuggestGasPrice(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get gas price: %w", err)
		}
		return &Estimate{GasPrice: &GasPriceEstimate{GasPrice: WeiToGwei(gasPrice)}}, nil
	}

	tip, err := n.client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get gas tip cap: %w", err)
	}

	// maxFee = baseFee * 150 / 100 + tip
	maxFee := new(big.Int).Mul(header.BaseFee, big.NewInt(150))
	maxFee.Div(maxFee, big.NewInt(100))
	maxFee.Add(maxFee, tip)

	level := FeeMarketLevel{
		SuggestedMaxFeePerGas:         WeiToGwei(maxFee),
		SuggestedMaxPriorityFeePerGas: WeiToGwei(tip),
	}
	return &Estimate{FeeMarket: &FeeMarketEstimate{
		Low:              level,
		Medium:           level,
		High:             level,
		EstimatedBaseFee: WeiToGwei(header.BaseFee),
	}}, nil
}
