package erc4337

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// entryPointABIJSON is the subset of the EntryPoint v0.6 ABI needed to track
// and decode operations.
const entryPointABIJSON = `[
	{"type":"event","name":"UserOperationEvent","anonymous":false,"inputs":[
		{"indexed":true,"name":"userOpHash","type":"bytes32"},
		{"indexed":true,"name":"sender","type":"address"},
		{"indexed":true,"name":"paymaster","type":"address"},
		{"indexed":false,"name":"nonce","type":"uint256"},
		{"indexed":false,"name":"success","type":"bool"},
		{"indexed":false,"name":"actualGasCost","type":"uint256"},
		{"indexed":false,"name":"actualGasUsed","type":"uint256"}]},
	{"type":"event","name":"UserOperationRevertReason","anonymous":false,"inputs":[
		{"indexed":true,"name":"userOpHash","type":"bytes32"},
		{"indexed":true,"name":"sender","type":"address"},
		{"indexed":false,"name":"nonce","type":"uint256"},
		{"indexed":false,"name":"revertReason","type":"bytes"}]},
	{"type":"error","name":"FailedOp","inputs":[
		{"name":"opIndex","type":"uint256"},
		{"name":"reason","type":"string"}]}
]`

var (
	entryPointABI = mustParseABI(entryPointABIJSON)

	// UserOperationEventTopic is topic0 of UserOperationEvent.
	UserOperationEventTopic = entryPointABI.Events["UserOperationEvent"].ID
	// UserOperationRevertReasonTopic is topic0 of UserOperationRevertReason.
	UserOperationRevertReasonTopic = entryPointABI.Events["UserOperationRevertReason"].ID
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("failed to parse entry point abi: %v", err))
	}
	return parsed
}

// UserOperationEvent is emitted by the EntryPoint once per executed operation.
type UserOperationEvent struct {
	UserOpHash    common.Hash
	Sender        common.Address
	Paymaster     common.Address
	Nonce         *big.Int
	Success       bool
	ActualGasCost *big.Int
	ActualGasUsed *big.Int
	Raw           types.Log
}

// UserOperationRevertReason is emitted next to a failed UserOperationEvent and
// carries the raw revert data of the account call.
type UserOperationRevertReason struct {
	UserOpHash   common.Hash
	Sender       common.Address
	Nonce        *big.Int
	RevertReason []byte
	Raw          types.Log
}

// ParseUserOperationEvent decodes a UserOperationEvent log.
func ParseUserOperationEvent(log types.Log) (*UserOperationEvent, error) {
	if len(log.Topics) != 4 || log.Topics[0] != UserOperationEventTopic {
		return nil, fmt.Errorf("log is not a UserOperationEvent")
	}

	values, err := entryPointABI.Events["UserOperationEvent"].Inputs.NonIndexed().Unpack(log.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack UserOperationEvent: %w", err)
	}
	if len(values) != 4 {
		return nil, fmt.Errorf("unexpected UserOperationEvent field count: %d", len(values))
	}

	nonce, ok1 := values[0].(*big.Int)
	success, ok2 := values[1].(bool)
	gasCost, ok3 := values[2].(*big.Int)
	gasUsed, ok4 := values[3].(*big.Int)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return nil, fmt.Errorf("unexpected UserOperationEvent field types")
	}

	return &UserOperationEvent{
		UserOpHash:    log.Topics[1],
		Sender:        common.BytesToAddress(log.Topics[2].Bytes()),
		Paymaster:     common.BytesToAddress(log.Topics[3].Bytes()),
		Nonce:         nonce,
		Success:       success,
		ActualGasCost: gasCost,
		ActualGasUsed: gasUsed,
		Raw:           log,
	}, nil
}

// ParseUserOperationRevertReason decodes a UserOperationRevertReason log.
func ParseUserOperationRevertReason(log types.Log) (*UserOperationRevertReason, error) {
	if len(log.Topics) != 3 || log.Topics[0] != UserOperationRevertReasonTopic {
		return nil, fmt.Errorf("log is not a UserOperationRevertReason")
	}

	values, err := entryPointABI.Events["UserOperationRevertReason"].Inputs.NonIndexed().Unpack(log.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack UserOperationRevertReason: %w", err)
	}
	if len(values) != 2 {
		return nil, fmt.Errorf("unexpected UserOperationRevertReason field count: %d", len(values))
	}

	nonce, ok1 := values[0].(*big.Int)
	reason, ok2 := values[1].([]byte)
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("unexpected UserOperationRevertReason field types")
	}

	return &UserOperationRevertReason{
		UserOpHash:   log.Topics[1],
		Sender:       common.BytesToAddress(log.Topics[2].Bytes()),
		Nonce:        nonce,
		RevertReason: reason,
		Raw:          log,
	}, nil
}

// DecodeRevertReason returns the message of a standard Error(string) revert
// payload. It returns false when the payload has any other shape.
func DecodeRevertReason(data []byte) (string, bool) {
	reason, err := abi.UnpackRevert(data)
	if err != nil {
		return "", false
	}
	return reason, true
}
