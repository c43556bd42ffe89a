package erc4337

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	uint256Type, _ = abi.NewType("uint256", "", nil)
	addressType, _ = abi.NewType("address", "", nil)
	bytes32Type, _ = abi.NewType("bytes32", "", nil)

	// userOpArguments is the tuple hashed for a v0.6 operation. Dynamic fields
	// are replaced by their keccak256 digest and the signature is excluded.
	userOpArguments = abi.Arguments{
		{Type: addressType}, // sender
		{Type: uint256Type}, // nonce
		{Type: bytes32Type}, // keccak(initCode)
		{Type: bytes32Type}, // keccak(callData)
		{Type: uint256Type}, // callGasLimit
		{Type: uint256Type}, // verificationGasLimit
		{Type: uint256Type}, // preVerificationGas
		{Type: uint256Type}, // maxFeePerGas
		{Type: uint256Type}, // maxPriorityFeePerGas
		{Type: bytes32Type}, // keccak(paymasterAndData)
	}

	hashArguments = abi.Arguments{
		{Type: bytes32Type}, // keccak(encoded op)
		{Type: addressType}, // entryPoint
		{Type: uint256Type}, // chainId
	}
)

// EncodeUserOperation returns the ABI encoding of op used as the first
// hashing step. The result is always ten 32-byte words.
func EncodeUserOperation(op *UserOperation) ([]byte, error) {
	if op == nil {
		return nil, fmt.Errorf("user operation is nil")
	}

	packed, err := userOpArguments.Pack(
		op.Sender,
		BigOrZero(op.Nonce),
		crypto.Keccak256Hash(op.InitCode),
		crypto.Keccak256Hash(op.CallData),
		BigOrZero(op.CallGasLimit),
		BigOrZero(op.VerificationGasLimit),
		BigOrZero(op.PreVerificationGas),
		BigOrZero(op.MaxFeePerGas),
		BigOrZero(op.MaxPriorityFeePerGas),
		crypto.Keccak256Hash(op.PaymasterAndData),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to pack user operation: %w", err)
	}
	return packed, nil
}

// UserOperationHash computes the canonical hash of op for the given
// EntryPoint and chain. The same hash is emitted in UserOperationEvent and is
// what the account signs.
func UserOperationHash(op *UserOperation, entryPoint common.Address, chainID *big.Int) (common.Hash, error) {
	if chainID == nil {
		return common.Hash{}, fmt.Errorf("chain id is nil")
	}

	packed, err := EncodeUserOperation(op)
	if err != nil {
		return common.Hash{}, err
	}

	final, err := hashArguments.Pack(crypto.Keccak256Hash(packed), entryPoint, chainID)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to pack final hash: %w", err)
	}
	return crypto.Keccak256Hash(final), nil
}

// Pack is shorthand for EncodeUserOperation.
func (uo *UserOperation) Pack() ([]byte, error) {
	return EncodeUserOperation(uo)
}

// Hash is shorthand for UserOperationHash.
func (uo *UserOperation) Hash(entryPoint common.Address, chainID *big.Int) (common.Hash, error) {
	return UserOperationHash(uo, entryPoint, chainID)
}
