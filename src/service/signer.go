package service

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethaccount/userop/erc4337"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
)

// DummySignature is a well-formed 65 byte ECDSA signature used while
// estimating gas, before the real hash is known.
var DummySignature = hexutil.MustDecode("0xfffffffffffffffffffffffffffffff0000000000000000000000000000000007aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa1c")

type PrepareUserOperationRequest struct {
	ChainID int64
	From    common.Address
	To      *common.Address
	Value   *hexutil.Big
	Data    hexutil.Bytes
}

// GasLimits are account supplied limits that bypass bundler estimation.
type GasLimits struct {
	CallGasLimit         *hexutil.Big `json:"callGasLimit"`
	VerificationGasLimit *hexutil.Big `json:"verificationGasLimit"`
	PreVerificationGas   *hexutil.Big `json:"preVerificationGas"`
}

type PrepareUserOperationResponse struct {
	Sender                common.Address `json:"sender"`
	Nonce                 *hexutil.Big   `json:"nonce"`
	InitCode              hexutil.Bytes  `json:"initCode"`
	CallData              hexutil.Bytes  `json:"callData"`
	DummySignature        hexutil.Bytes  `json:"dummySignature"`
	DummyPaymasterAndData hexutil.Bytes  `json:"dummyPaymasterAndData"`
	Gas                   *GasLimits     `json:"gas,omitempty"`
}

type UpdateUserOperationResponse struct {
	PaymasterAndData hexutil.Bytes `json:"paymasterAndData"`
}

// SmartContractAccount builds, sponsors and signs operations for one kind of
// account contract.
type SmartContractAccount interface {
	PrepareUserOperation(ctx context.Context, req *PrepareUserOperationRequest) (*PrepareUserOperationResponse, error)
	UpdateUserOperation(ctx context.Context, op *erc4337.UserOperation, chainID int64) (*UpdateUserOperationResponse, error)
	SignUserOperation(ctx context.Context, op *erc4337.UserOperation, userOpHash common.Hash, chainID int64) (hexutil.Bytes, error)
}

// AccountChainReader is the subset of ethclient.Client used to inspect the
// account on chain.
type AccountChainReader interface {
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

const simpleAccountABIJSON = `[
	{"inputs":[{"type":"address","name":"dest"},{"type":"uint256","name":"value"},{"type":"bytes","name":"func"}],"name":"execute","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"type":"address","name":"owner"},{"type":"uint256","name":"salt"}],"name":"createAccount","outputs":[{"type":"address"}],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"type":"address","name":"owner"},{"type":"uint256","name":"salt"}],"name":"getAddress","outputs":[{"type":"address"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"type":"address","name":"sender"},{"type":"uint192","name":"key"}],"name":"getNonce","outputs":[{"type":"uint256"}],"stateMutability":"view","type":"function"}
]`

var simpleAccountABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(simpleAccountABIJSON))
	if err != nil {
		panic(err)
	}
	return parsed
}()

type ECDSAAccountConfig struct {
	PrivateKey *ecdsa.PrivateKey
	EntryPoint common.Address
	// Factory deploys the account on its first operation. Zero disables
	// deployment and requires the sender to exist.
	Factory common.Address
	Salt    *big.Int
	// PaymasterAndData is attached to every operation when set.
	PaymasterAndData hexutil.Bytes
}

// ECDSAAccount drives a SimpleAccount style contract owned by a single key.
type ECDSAAccount struct {
	client AccountChainReader
	config ECDSAAccountConfig
	owner  common.Address
}

func NewECDSAAccount(client AccountChainReader, config ECDSAAccountConfig) (*ECDSAAccount, error) {
	if config.PrivateKey == nil {
		return nil, errors.New("private key is required")
	}
	if config.Salt == nil {
		config.Salt = new(big.Int)
	}
	return &ECDSAAccount{
		client: client,
		config: config,
		owner:  crypto.PubkeyToAddress(config.PrivateKey.PublicKey),
	}, nil
}

// ParsePrivateKey accepts a hex key with or without the 0x prefix.
func ParsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return key, nil
}

func (a *ECDSAAccount) logger(ctx context.Context) *zerolog.Logger {
	l := zerolog.Ctx(ctx).With().Str("service", "ecdsa-account").Logger()
	return &l
}

func (a *ECDSAAccount) Owner() common.Address {
	return a.owner
}

func (a *ECDSAAccount) PrepareUserOperation(ctx context.Context, req *PrepareUserOperationRequest) (*PrepareUserOperationResponse, error) {
	sender := req.From
	if sender == (common.Address{}) {
		if a.config.Factory == (common.Address{}) {
			return nil, errors.New("sender is required when no account factory is configured")
		}
		counterfactual, err := a.counterfactualAddress(ctx)
		if err != nil {
			return nil, err
		}
		sender = counterfactual
	}

	code, err := a.client.CodeAt(ctx, sender, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get account code: %w", err)
	}

	resp := &PrepareUserOperationResponse{
		Sender:         sender,
		Nonce:          erc4337.ToHexBig(new(big.Int)),
		InitCode:       hexutil.Bytes{},
		DummySignature: common.CopyBytes(DummySignature),
	}

	if len(code) == 0 {
		if a.config.Factory == (common.Address{}) {
			return nil, fmt.Errorf("account %s is not deployed", sender.Hex())
		}
		createCall, err := simpleAccountABI.Pack("createAccount", a.owner, a.config.Salt)
		if err != nil {
			return nil, fmt.Errorf("failed to pack createAccount: %w", err)
		}
		resp.InitCode = append(a.config.Factory.Bytes(), createCall...)
	} else {
		nonce, err := a.nonce(ctx, sender)
		if err != nil {
			return nil, err
		}
		resp.Nonce = erc4337.ToHexBig(nonce)
	}

	if req.To != nil {
		value := erc4337.BigOrZero(req.Value)
		callData, err := simpleAccountABI.Pack("execute", *req.To, value, []byte(req.Data))
		if err != nil {
			return nil, fmt.Errorf("failed to pack execute: %w", err)
		}
		resp.CallData = callData
	} else {
		resp.CallData = common.CopyBytes(req.Data)
	}

	if len(a.config.PaymasterAndData) > 0 {
		resp.DummyPaymasterAndData = common.CopyBytes(a.config.PaymasterAndData)
	}

	a.logger(ctx).Debug().
		Str("sender", sender.Hex()).
		Bool("deploy", len(resp.InitCode) > 0).
		Str("nonce", resp.Nonce.String()).
		Msg("prepared user operation")

	return resp, nil
}

func (a *ECDSAAccount) UpdateUserOperation(ctx context.Context, op *erc4337.UserOperation, chainID int64) (*UpdateUserOperationResponse, error) {
	return &UpdateUserOperationResponse{PaymasterAndData: common.CopyBytes(a.config.PaymasterAndData)}, nil
}

// SignUserOperation signs the raw hash without the personal message prefix.
func (a *ECDSAAccount) SignUserOperation(ctx context.Context, op *erc4337.UserOperation, userOpHash common.Hash, chainID int64) (hexutil.Bytes, error) {
	signature, err := crypto.Sign(userOpHash.Bytes(), a.config.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign user operation: %w", err)
	}
	signature[crypto.RecoveryIDOffset] += 27
	return signature, nil
}

func (a *ECDSAAccount) counterfactualAddress(ctx context.Context) (common.Address, error) {
	data, err := simpleAccountABI.Pack("getAddress", a.owner, a.config.Salt)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to pack getAddress: %w", err)
	}
	out, err := a.call(ctx, a.config.Factory, "getAddress", data)
	if err != nil {
		return common.Address{}, err
	}
	return out[0].(common.Address), nil
}

func (a *ECDSAAccount) nonce(ctx context.Context, sender common.Address) (*big.Int, error) {
	data, err := simpleAccountABI.Pack("getNonce", sender, new(big.Int))
	if err != nil {
		return nil, fmt.Errorf("failed to pack getNonce: %w", err)
	}
	out, err := a.call(ctx, a.config.EntryPoint, "getNonce", data)
	if err != nil {
		return nil, err
	}
	return out[0].(*big.Int), nil
}

func (a *ECDSAAccount) call(ctx context.Context, to common.Address, method string, data []byte) ([]interface{}, error) {
	result, err := a.client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to call %s: %w", method, err)
	}
	out, err := simpleAccountABI.Unpack(method, result)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s: %w", method, err)
	}
	return out, nil
}
