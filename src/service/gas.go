package service

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethaccount/userop/erc4337"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// ProbeVerificationGasLimit is the verification limit sent with the
// estimation probe so account validation does not run out of gas.
const ProbeVerificationGasLimit = 0xF4240

var DefaultGasMultiplier = decimal.RequireFromString("1.5")

type GasEstimator struct {
	multiplier decimal.Decimal
}

func NewGasEstimator(multiplier decimal.Decimal) *GasEstimator {
	if !multiplier.IsPositive() {
		multiplier = DefaultGasMultiplier
	}
	return &GasEstimator{multiplier: multiplier}
}

func (g *GasEstimator) logger(ctx context.Context) *zerolog.Logger {
	l := zerolog.Ctx(ctx).With().Str("service", "gas-estimator").Logger()
	return &l
}

// UpdateGas fills the three gas limits of op. Limits supplied by the account
// are copied as is; otherwise the bundler is asked and each limit is scaled by
// the multiplier.
func (g *GasEstimator) UpdateGas(
	ctx context.Context,
	op *erc4337.UserOperation,
	prepared *PrepareUserOperationResponse,
	bundler erc4337.Bundler,
	entryPoint common.Address,
) error {
	if prepared != nil && prepared.Gas != nil {
		op.CallGasLimit = copyQuantity(prepared.Gas.CallGasLimit)
		op.VerificationGasLimit = copyQuantity(prepared.Gas.VerificationGasLimit)
		op.PreVerificationGas = copyQuantity(prepared.Gas.PreVerificationGas)

		g.logger(ctx).Debug().
			Str("sender", op.Sender.Hex()).
			Msg("using gas limits from account")
		return nil
	}

	probe := op.Copy()
	probe.MaxFeePerGas = erc4337.ToHexBig(new(big.Int))
	probe.MaxPriorityFeePerGas = erc4337.ToHexBig(new(big.Int))
	probe.CallGasLimit = erc4337.ToHexBig(new(big.Int))
	probe.PreVerificationGas = erc4337.ToHexBig(new(big.Int))
	probe.VerificationGasLimit = erc4337.ToHexBig(big.NewInt(ProbeVerificationGasLimit))
	if prepared != nil && len(prepared.DummySignature) > 0 {
		probe.Signature = common.CopyBytes(prepared.DummySignature)
	}

	estimate, err := bundler.EstimateUserOperationGas(ctx, probe, entryPoint)
	if err != nil {
		return fmt.Errorf("failed to estimate user operation gas: %w", err)
	}

	callGasLimit, err := g.scale("callGasLimit", estimate.CallGasLimit)
	if err != nil {
		return err
	}
	verificationGasLimit, err := g.scale("verificationGasLimit", estimate.VerificationGasLimit)
	if err != nil {
		return err
	}
	preVerificationGas, err := g.scale("preVerificationGas", estimate.PreVerificationGas)
	if err != nil {
		return err
	}

	op.CallGasLimit = callGasLimit
	op.VerificationGasLimit = verificationGasLimit
	op.PreVerificationGas = preVerificationGas

	g.logger(ctx).Debug().
		Str("sender", op.Sender.Hex()).
		Str("call_gas_limit", callGasLimit.String()).
		Str("verification_gas_limit", verificationGasLimit.String()).
		Str("pre_verification_gas", preVerificationGas.String()).
		Msg("estimated gas limits")

	return nil
}

// scale multiplies v and rounds up to a whole unit of gas.
func (g *GasEstimator) scale(field string, v *hexutil.Big) (*hexutil.Big, error) {
	if v == nil {
		return nil, fmt.Errorf("bundler returned no %s", field)
	}
	scaled := decimal.NewFromBigInt(v.ToInt(), 0).Mul(g.multiplier).Ceil()
	return erc4337.ToHexBig(scaled.BigInt()), nil
}

func copyQuantity(v *hexutil.Big) *hexutil.Big {
	return erc4337.ToHexBig(erc4337.BigOrZero(v))
}
