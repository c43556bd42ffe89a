package service

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethaccount/userop/erc4337"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hexBig(v int64) *hexutil.Big {
	return (*hexutil.Big)(big.NewInt(v))
}

func gasTestOperation() *erc4337.UserOperation {
	op := erc4337.NewUserOperation(common.HexToAddress("0x1306b01bC3e4AD202612D3843387e94737673F53"))
	op.CallData = hexutil.MustDecode("0xb61d27f6")
	op.MaxFeePerGas = hexBig(0x77359400)
	op.MaxPriorityFeePerGas = hexBig(0x3b9aca00)
	op.CallGasLimit = hexBig(7)
	op.PreVerificationGas = hexBig(9)
	return op
}

func TestGasEstimator_UsesAccountSuppliedGas(t *testing.T) {
	bundler := &fakeBundler{estimateErr: errors.New("must not be called")}
	op := gasTestOperation()

	prepared := &PrepareUserOperationResponse{Gas: &GasLimits{
		CallGasLimit:         hexBig(0x10),
		VerificationGasLimit: hexBig(0x20),
		PreVerificationGas:   hexBig(0x30),
	}}

	err := NewGasEstimator(DefaultGasMultiplier).UpdateGas(context.Background(), op, prepared, bundler, erc4337.EntryPointV06)
	require.NoError(t, err)

	assert.Equal(t, "0x10", op.CallGasLimit.String())
	assert.Equal(t, "0x20", op.VerificationGasLimit.String())
	assert.Equal(t, "0x30", op.PreVerificationGas.String())
	assert.Equal(t, 0, bundler.estimateCount())
}

func TestGasEstimator_EstimatesWithProbe(t *testing.T) {
	bundler := &fakeBundler{estimate: &erc4337.GasEstimates{
		CallGasLimit:         hexBig(0x64),
		VerificationGasLimit: hexBig(0xc8),
		PreVerificationGas:   hexBig(0x12c),
	}}
	op := gasTestOperation()
	prepared := &PrepareUserOperationResponse{DummySignature: DummySignature}

	err := NewGasEstimator(DefaultGasMultiplier).UpdateGas(context.Background(), op, prepared, bundler, erc4337.EntryPointV06)
	require.NoError(t, err)

	assert.Equal(t, "0x96", op.CallGasLimit.String())
	assert.Equal(t, "0x12c", op.VerificationGasLimit.String())
	assert.Equal(t, "0x1c2", op.PreVerificationGas.String())

	require.Equal(t, 1, bundler.estimateCount())
	probe := bundler.estimateCalls[0]
	assert.Equal(t, "0x0", probe.MaxFeePerGas.String())
	assert.Equal(t, "0x0", probe.MaxPriorityFeePerGas.String())
	assert.Equal(t, "0x0", probe.CallGasLimit.String())
	assert.Equal(t, "0x0", probe.PreVerificationGas.String())
	assert.Equal(t, "0xf4240", probe.VerificationGasLimit.String())
	assert.Equal(t, hexutil.Bytes(DummySignature), probe.Signature)
	assert.Equal(t, op.CallData, probe.CallData)

	assert.Equal(t, "0x77359400", op.MaxFeePerGas.String(), "fees on the real operation are untouched")
	assert.Empty(t, op.Signature)
}

func TestGasEstimator_RoundsUp(t *testing.T) {
	bundler := &fakeBundler{estimate: &erc4337.GasEstimates{
		CallGasLimit:         hexBig(3),
		VerificationGasLimit: hexBig(1),
		PreVerificationGas:   hexBig(0),
	}}
	op := gasTestOperation()

	require.NoError(t, NewGasEstimator(DefaultGasMultiplier).UpdateGas(context.Background(), op, nil, bundler, erc4337.EntryPointV06))

	assert.Equal(t, "0x5", op.CallGasLimit.String())
	assert.Equal(t, "0x2", op.VerificationGasLimit.String())
	assert.Equal(t, "0x0", op.PreVerificationGas.String())
}

func TestGasEstimator_CustomMultiplier(t *testing.T) {
	bundler := &fakeBundler{estimate: &erc4337.GasEstimates{
		CallGasLimit:         hexBig(100),
		VerificationGasLimit: hexBig(100),
		PreVerificationGas:   hexBig(100),
	}}
	op := gasTestOperation()

	estimator := NewGasEstimator(decimal.RequireFromString("2"))
	require.NoError(t, estimator.UpdateGas(context.Background(), op, nil, bundler, erc4337.EntryPointV06))
	assert.Equal(t, int64(200), op.CallGasLimit.ToInt().Int64())

	assert.True(t, NewGasEstimator(decimal.Zero).multiplier.Equal(DefaultGasMultiplier))
}

func TestGasEstimator_Errors(t *testing.T) {
	t.Run("rpc failure", func(t *testing.T) {
		bundler := &fakeBundler{estimateErr: errors.New("connection refused")}
		err := NewGasEstimator(DefaultGasMultiplier).UpdateGas(context.Background(), gasTestOperation(), nil, bundler, erc4337.EntryPointV06)
		assert.ErrorContains(t, err, "connection refused")
	})

	t.Run("missing limit", func(t *testing.T) {
		bundler := &fakeBundler{estimate: &erc4337.GasEstimates{CallGasLimit: hexBig(1), PreVerificationGas: hexBig(1)}}
		err := NewGasEstimator(DefaultGasMultiplier).UpdateGas(context.Background(), gasTestOperation(), nil, bundler, erc4337.EntryPointV06)
		assert.ErrorContains(t, err, "verificationGasLimit")
	})
}
