package service

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethaccount/userop/erc4337"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
)

type fakeBundler struct {
	mu          sync.Mutex
	estimate    *erc4337.GasEstimates
	estimateErr error
	sendHash    common.Hash
	sendErr     error
	receipt     *erc4337.UserOperationReceipt
	receiptErr  error

	estimateCalls []*erc4337.UserOperation
	sent          []*erc4337.UserOperation
}

func (f *fakeBundler) ChainId(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}

func (f *fakeBundler) SupportedEntryPoints(ctx context.Context) ([]common.Address, error) {
	return []common.Address{erc4337.EntryPointV06}, nil
}

func (f *fakeBundler) EstimateUserOperationGas(ctx context.Context, op *erc4337.UserOperation, entryPoint common.Address) (*erc4337.GasEstimates, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.estimateCalls = append(f.estimateCalls, op.Copy())
	return f.estimate, f.estimateErr
}

func (f *fakeBundler) SendUserOperation(ctx context.Context, op *erc4337.UserOperation, entryPoint common.Address) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, op.Copy())
	return f.sendHash, f.sendErr
}

func (f *fakeBundler) GetUserOperationReceipt(ctx context.Context, userOpHash common.Hash) (*erc4337.UserOperationReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.receipt, f.receiptErr
}

func (f *fakeBundler) estimateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.estimateCalls)
}

func (f *fakeBundler) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// fakeChain answers CodeAt and CallContract with canned values.
type fakeChain struct {
	code  map[common.Address][]byte
	calls map[common.Address][]byte
}

func (f *fakeChain) CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error) {
	return f.code[account], nil
}

func (f *fakeChain) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return f.calls[*call.To], nil
}
