package service

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethaccount/userop/erc4337"
	"github.com/ethaccount/userop/src/testutil"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticChainID int64

func (s staticChainID) ChainID(ctx context.Context) (*big.Int, error) {
	return big.NewInt(int64(s)), nil
}

func TestVerifyChain(t *testing.T) {
	ctx := context.Background()
	bundler := &fakeBundler{}

	// fakeBundler reports chain 1 and the v0.6 entry point.
	require.NoError(t, VerifyChain(ctx, staticChainID(1), bundler, 1, erc4337.EntryPointV06))

	err := VerifyChain(ctx, staticChainID(5), bundler, 1, erc4337.EntryPointV06)
	assert.ErrorContains(t, err, "node chain id 5")

	err = VerifyChain(ctx, staticChainID(5), bundler, 5, erc4337.EntryPointV06)
	assert.ErrorContains(t, err, "bundler chain id 1")

	err = VerifyChain(ctx, staticChainID(1), bundler, 1, common.HexToAddress("0x0000000071727De22E5E9d8BAf0edAc6f37da032"))
	assert.ErrorContains(t, err, "does not support entry point")
}

func TestBlockchainService_Sepolia(t *testing.T) {
	rpcURL := testutil.GetEnv("SEPOLIA_RPC_URL")
	bundlerURL := testutil.GetEnv("SEPOLIA_BUNDLER_URL")
	if rpcURL == "" || bundlerURL == "" {
		t.Skip("SEPOLIA_RPC_URL or SEPOLIA_BUNDLER_URL is not set")
	}

	ctx := context.Background()
	blockchainService, err := NewBlockchainService(ctx, BlockchainConfig{
		RPCURL:     rpcURL,
		BundlerURL: bundlerURL,
		ChainID:    11155111,
		EntryPoint: erc4337.EntryPointV06,
	})
	require.NoError(t, err)
	defer blockchainService.Close()

	require.NoError(t, blockchainService.Verify(ctx))
}
