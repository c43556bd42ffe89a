package service

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethaccount/userop/erc4337"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

type BlockchainConfig struct {
	RPCURL     string
	BundlerURL string
	ChainID    int64
	EntryPoint common.Address
	// SendMethod overrides the bundler submission method.
	SendMethod string
}

// BlockchainService owns the node and bundler connections for one chain.
type BlockchainService struct {
	Client  *ethclient.Client
	Bundler *erc4337.BundlerClient
	config  BlockchainConfig
}

// NewBlockchainService dials the node and the bundler. A zero ChainID is
// filled in from the node.
func NewBlockchainService(ctx context.Context, config BlockchainConfig) (*BlockchainService, error) {
	client, err := ethclient.DialContext(ctx, config.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial rpc: %w", err)
	}

	var opts []erc4337.BundlerOption
	if config.SendMethod != "" {
		opts = append(opts, erc4337.WithSendMethod(config.SendMethod))
	}
	bundler, err := erc4337.DialContext(ctx, config.BundlerURL, opts...)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to dial bundler: %w", err)
	}

	if config.ChainID == 0 {
		chainID, err := client.ChainID(ctx)
		if err != nil {
			client.Close()
			bundler.Close()
			return nil, fmt.Errorf("failed to get chain id: %w", err)
		}
		config.ChainID = chainID.Int64()
	}

	return &BlockchainService{
		Client:  client,
		Bundler: bundler,
		config:  config,
	}, nil
}

// logger wraps the execution context with component info
func (b *BlockchainService) logger(ctx context.Context) *zerolog.Logger {
	l := zerolog.Ctx(ctx).With().Str("service", "blockchain").Logger()
	return &l
}

func (b *BlockchainService) ChainID() int64 {
	return b.config.ChainID
}

// Verify checks that the node and bundler serve the configured chain.
func (b *BlockchainService) Verify(ctx context.Context) error {
	if err := VerifyChain(ctx, b.Client, b.Bundler, b.config.ChainID, b.config.EntryPoint); err != nil {
		return err
	}
	b.logger(ctx).Info().
		Int64("chain_id", b.config.ChainID).
		Str("entry_point", b.config.EntryPoint.Hex()).
		Msg("node and bundler verified")
	return nil
}

// Close closes both connections
func (b *BlockchainService) Close() {
	b.Client.Close()
	b.Bundler.Close()
}

type ChainIDReader interface {
	ChainID(ctx context.Context) (*big.Int, error)
}

// VerifyChain fails when the node or bundler reports a different chain, or
// when the bundler does not accept entryPoint.
func VerifyChain(ctx context.Context, node ChainIDReader, bundler erc4337.Bundler, chainID int64, entryPoint common.Address) error {
	want := big.NewInt(chainID)

	nodeChainID, err := node.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("failed to get node chain id: %w", err)
	}
	if nodeChainID.Cmp(want) != 0 {
		return fmt.Errorf("node chain id %s does not match configured chain id %d", nodeChainID, chainID)
	}

	bundlerChainID, err := bundler.ChainId(ctx)
	if err != nil {
		return fmt.Errorf("failed to get bundler chain id: %w", err)
	}
	if bundlerChainID.Cmp(want) != 0 {
		return fmt.Errorf("bundler chain id %s does not match configured chain id %d", bundlerChainID, chainID)
	}

	entryPoints, err := bundler.SupportedEntryPoints(ctx)
	if err != nil {
		return fmt.Errorf("failed to get supported entry points: %w", err)
	}
	if !lo.Contains(entryPoints, entryPoint) {
		return fmt.Errorf("bundler does not support entry point %s", entryPoint.Hex())
	}
	return nil
}
