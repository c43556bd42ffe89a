package service

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"

	"github.com/ethaccount/userop/erc4337"
	"github.com/ethaccount/userop/src/domain"
	"github.com/ethaccount/userop/src/service/gasfee"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/rs/zerolog"
)

var ErrMissingMaxFeePerGas = errors.New("Failed to get gas fee estimate for maxFeePerGas")

// GasPriceReader is the eth_gasPrice fallback; ethclient.Client satisfies it.
type GasPriceReader interface {
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}

// FeeRequest holds everything the resolver looks at for one operation.
type FeeRequest struct {
	ChainID     int64
	Origin      string
	Request     domain.UserOperationRequest
	Transaction *domain.TransactionParams
}

// ResolvedFees are WEI quantities as hex (or the caller's verbatim strings).
type ResolvedFees struct {
	MaxFeePerGas         string
	MaxPriorityFeePerGas string
	UserFeeLevel         domain.FeeLevel
}

type suggestedFees struct {
	maxFeePerGas         string
	maxPriorityFeePerGas string
}

// lazyEstimate fetches the network estimate on first use only.
type lazyEstimate struct {
	once  sync.Once
	fetch func() suggestedFees
	value suggestedFees
}

func (l *lazyEstimate) get() suggestedFees {
	l.once.Do(func() {
		l.value = l.fetch()
	})
	return l.value
}

type FeeResolver struct {
	estimator gasfee.Estimator
	gasPrice  GasPriceReader
}

func NewFeeResolver(estimator gasfee.Estimator, gasPrice GasPriceReader) *FeeResolver {
	return &FeeResolver{estimator: estimator, gasPrice: gasPrice}
}

func (r *FeeResolver) logger(ctx context.Context) *zerolog.Logger {
	l := zerolog.Ctx(ctx).With().Str("service", "fee-resolver").Logger()
	return &l
}

func (r *FeeResolver) Resolve(ctx context.Context, in FeeRequest) (*ResolvedFees, error) {
	requestMaxFee := emptyGasFee(in.Request.MaxFeePerGas)
	requestMaxPriorityFee := emptyGasFee(in.Request.MaxPriorityFeePerGas)

	var legacyGasPrice string
	if in.Transaction != nil {
		legacyGasPrice = emptyGasFee(in.Transaction.GasPrice)
	}
	bothEmpty := requestMaxFee == "" && requestMaxPriorityFee == ""

	estimate := &lazyEstimate{fetch: func() suggestedFees {
		return r.suggestedFees(ctx, in.ChainID)
	}}

	maxFee := requestMaxFee
	switch {
	case maxFee != "":
	case requestMaxPriorityFee == "" && legacyGasPrice != "":
		maxFee = legacyGasPrice
	default:
		maxFee = estimate.get().maxFeePerGas
		if maxFee == "" {
			return nil, ErrMissingMaxFeePerGas
		}
	}

	maxPriorityFee := requestMaxPriorityFee
	switch {
	case maxPriorityFee != "":
	case requestMaxFee == "" && legacyGasPrice != "":
		maxPriorityFee = legacyGasPrice
	default:
		maxPriorityFee = estimate.get().maxPriorityFeePerGas
		if maxPriorityFee == "" {
			maxPriorityFee = maxFee
		}
	}

	fromWallet := in.Origin == domain.WalletOrigin
	level := domain.FeeLevelDappSuggested
	switch {
	case bothEmpty && legacyGasPrice != "":
		if fromWallet {
			level = domain.FeeLevelCustom
		}
	case bothEmpty && estimate.get().maxFeePerGas != "":
		level = domain.FeeLevelMedium
	case fromWallet:
		level = domain.FeeLevelCustom
	}

	r.logger(ctx).Debug().
		Int64("chain_id", in.ChainID).
		Str("max_fee_per_gas", maxFee).
		Str("max_priority_fee_per_gas", maxPriorityFee).
		Str("user_fee_level", string(level)).
		Msg("resolved gas fees")

	return &ResolvedFees{
		MaxFeePerGas:         maxFee,
		MaxPriorityFeePerGas: maxPriorityFee,
		UserFeeLevel:         level,
	}, nil
}

// isGasFeeEmpty reports whether a fee field carries no caller value. The
// canonical zero sentinels count as unset.
func isGasFeeEmpty(s string) bool {
	switch strings.TrimSpace(s) {
	case "", erc4337.EmptyBytes, erc4337.ZeroQuantity:
		return true
	}
	return false
}

func emptyGasFee(s string) string {
	if isGasFeeEmpty(s) {
		return ""
	}
	return s
}

// suggestedFees never fails; an empty result means no source produced a value.
func (r *FeeResolver) suggestedFees(ctx context.Context, chainID int64) suggestedFees {
	if r.estimator != nil {
		estimate, err := r.estimator.Estimate(ctx, chainID)
		if err != nil {
			r.logger(ctx).Error().Err(err).Int64("chain_id", chainID).Msg("failed to get gas fee estimates")
		} else if fees, err := feesFromEstimate(estimate); err != nil {
			r.logger(ctx).Error().Err(err).Int64("chain_id", chainID).Msg("failed to convert gas fee estimates")
		} else if fees.maxFeePerGas != "" {
			return fees
		}
	}

	if r.gasPrice == nil {
		return suggestedFees{}
	}
	gasPrice, err := r.gasPrice.SuggestGasPrice(ctx)
	if err != nil {
		r.logger(ctx).Error().Err(err).Int64("chain_id", chainID).Msg("failed to get gas price")
		return suggestedFees{}
	}
	if gasPrice == nil {
		return suggestedFees{}
	}
	price := hexutil.EncodeBig(gasPrice)
	return suggestedFees{maxFeePerGas: price, maxPriorityFeePerGas: price}
}

func feesFromEstimate(estimate *gasfee.Estimate) (suggestedFees, error) {
	switch {
	case estimate.Empty():
		return suggestedFees{}, nil
	case estimate.FeeMarket != nil:
		maxFee, err := gasfee.GweiToWeiHex(estimate.FeeMarket.Medium.SuggestedMaxFeePerGas)
		if err != nil {
			return suggestedFees{}, err
		}
		fees := suggestedFees{maxFeePerGas: maxFee}
		if priority := estimate.FeeMarket.Medium.SuggestedMaxPriorityFeePerGas; priority != "" {
			if fees.maxPriorityFeePerGas, err = gasfee.GweiToWeiHex(priority); err != nil {
				return suggestedFees{}, err
			}
		}
		return fees, nil
	case estimate.Legacy != nil:
		price, err := gasfee.GweiToWeiHex(estimate.Legacy.Medium)
		if err != nil {
			return suggestedFees{}, err
		}
		return suggestedFees{maxFeePerGas: price, maxPriorityFeePerGas: price}, nil
	default:
		price, err := gasfee.GweiToWeiHex(estimate.GasPrice.GasPrice)
		if err != nil {
			return suggestedFees{}, err
		}
		return suggestedFees{maxFeePerGas: price, maxPriorityFeePerGas: price}, nil
	}
}
