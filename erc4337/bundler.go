package erc4337

import (
	"context"
	"encoding/json"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
)

const (
	// MethodSendUserOperation is the standard ERC-4337 submission method.
	MethodSendUserOperation = "eth_sendUserOperation"
	// MethodSendUserOperationToBundler is the submission method exposed by
	// wallet-side bundler proxies.
	MethodSendUserOperationToBundler = "eth_sendUserOperationToBundler"
)

// GasEstimates is the result of eth_estimateUserOperationGas. Bundlers return
// limits as hex quantities or plain numbers, and older ones name the
// verification limit "verificationGas".
type GasEstimates struct {
	PreVerificationGas   *hexutil.Big `json:"preVerificationGas"`
	VerificationGasLimit *hexutil.Big `json:"verificationGasLimit"`
	CallGasLimit         *hexutil.Big `json:"callGasLimit"`
}

func (g *GasEstimates) UnmarshalJSON(data []byte) error {
	var aux struct {
		PreVerificationGas   quantity `json:"preVerificationGas"`
		VerificationGasLimit quantity `json:"verificationGasLimit"`
		VerificationGas      quantity `json:"verificationGas"`
		CallGasLimit         quantity `json:"callGasLimit"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	g.PreVerificationGas = aux.PreVerificationGas.big()
	g.VerificationGasLimit = aux.VerificationGasLimit.big()
	if g.VerificationGasLimit == nil {
		g.VerificationGasLimit = aux.VerificationGas.big()
	}
	g.CallGasLimit = aux.CallGasLimit.big()
	return nil
}

// ParsedTransaction is the bundle transaction receipt embedded in a user
// operation receipt.
type ParsedTransaction struct {
	BlockHash         common.Hash    `json:"blockHash"`
	BlockNumber       *hexutil.Big   `json:"blockNumber"`
	From              common.Address `json:"from"`
	CumulativeGasUsed *hexutil.Big   `json:"cumulativeGasUsed"`
	GasUsed           *hexutil.Big   `json:"gasUsed"`
	Logs              []*types.Log   `json:"logs"`
	TransactionHash   common.Hash    `json:"transactionHash"`
	TransactionIndex  *hexutil.Big   `json:"transactionIndex"`
	EffectiveGasPrice *hexutil.Big   `json:"effectiveGasPrice"`
}

// UserOperationReceipt is the result of eth_getUserOperationReceipt.
type UserOperationReceipt struct {
	UserOpHash    common.Hash        `json:"userOpHash"`
	Sender        common.Address     `json:"sender"`
	Paymaster     common.Address     `json:"paymaster"`
	Nonce         *hexutil.Big       `json:"nonce"`
	Success       bool               `json:"success"`
	Reason        string             `json:"reason"`
	ActualGasCost *hexutil.Big       `json:"actualGasCost"`
	ActualGasUsed *hexutil.Big       `json:"actualGasUsed"`
	Receipt       *ParsedTransaction `json:"receipt"`
	Logs          []*types.Log       `json:"logs"`
}

// TransactionHash returns the hash of the bundle transaction that included the
// operation, or the zero hash when it is unknown.
func (r *UserOperationReceipt) TransactionHash() common.Hash {
	if r.Receipt == nil {
		return common.Hash{}
	}
	return r.Receipt.TransactionHash
}

type Bundler interface {
	ChainId(ctx context.Context) (*big.Int, error)
	SupportedEntryPoints(ctx context.Context) ([]common.Address, error)
	EstimateUserOperationGas(ctx context.Context, op *UserOperation, entryPoint common.Address) (*GasEstimates, error)
	SendUserOperation(ctx context.Context, op *UserOperation, entryPoint common.Address) (common.Hash, error)
	GetUserOperationReceipt(ctx context.Context, userOpHash common.Hash) (*UserOperationReceipt, error)
}

type BundlerClient struct {
	client     *rpc.Client
	sendMethod string
}

type BundlerOption func(*BundlerClient)

// WithSendMethod overrides the JSON-RPC method used for submission.
func WithSendMethod(method string) BundlerOption {
	return func(b *BundlerClient) {
		if method != "" {
			b.sendMethod = method
		}
	}
}

func DialContext(ctx context.Context, rawurl string, opts ...BundlerOption) (*BundlerClient, error) {
	c, err := rpc.DialContext(ctx, rawurl)
	if err != nil {
		return nil, err
	}
	return NewBundlerClient(c, opts...), nil
}

func NewBundlerClient(c *rpc.Client, opts ...BundlerOption) *BundlerClient {
	b := &BundlerClient{client: c, sendMethod: MethodSendUserOperation}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *BundlerClient) Close() {
	b.client.Close()
}

func (b *BundlerClient) ChainId(ctx context.Context) (*big.Int, error) {
	var result hexutil.Big
	err := b.client.CallContext(ctx, &result, "eth_chainId")
	if err != nil {
		return nil, err
	}
	return (*big.Int)(&result), nil
}

func (b *BundlerClient) SupportedEntryPoints(ctx context.Context) ([]common.Address, error) {
	var result []common.Address
	err := b.client.CallContext(ctx, &result, "eth_supportedEntryPoints")
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (b *BundlerClient) EstimateUserOperationGas(ctx context.Context, op *UserOperation, entryPoint common.Address) (*GasEstimates, error) {
	var estimate GasEstimates
	err := b.client.CallContext(ctx, &estimate, "eth_estimateUserOperationGas", op, entryPoint)
	if err != nil {
		return nil, ParseBundlerError(err)
	}
	return &estimate, nil
}

// SendUserOperation submits op and returns the hash reported by the bundler.
// FailedOp rejections are returned as *FailedOpError.
func (b *BundlerClient) SendUserOperation(ctx context.Context, op *UserOperation, entryPoint common.Address) (common.Hash, error) {
	var result common.Hash
	err := b.client.CallContext(ctx, &result, b.sendMethod, op, entryPoint)
	if err != nil {
		return common.Hash{}, ParseBundlerError(err)
	}
	return result, nil
}

// GetUserOperationReceipt returns nil without error while the operation is
// still pending.
func (b *BundlerClient) GetUserOperationReceipt(ctx context.Context, userOpHash common.Hash) (*UserOperationReceipt, error) {
	var receipt *UserOperationReceipt
	err := b.client.CallContext(ctx, &receipt, "eth_getUserOperationReceipt", userOpHash)
	if err != nil {
		return nil, err
	}
	return receipt, nil
}
