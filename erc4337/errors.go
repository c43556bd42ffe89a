package erc4337

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

var (
	// ErrConfirmationTimeout is returned when no UserOperationEvent is seen
	// before the confirmation deadline. The operation may still be included later.
	ErrConfirmationTimeout = errors.New("timed out waiting for user operation event")

	// ErrListenerClosed is returned when the confirmation subscription ends
	// before a result is available.
	ErrListenerClosed = errors.New("user operation event subscription closed")
)

// FailedOpError is a bundler rejection carrying the EntryPoint FailedOp revert.
type FailedOpError struct {
	OpIndex   *big.Int
	Paymaster common.Address
	Reason    string
	Err       error
}

func (e *FailedOpError) Error() string {
	var b strings.Builder
	b.WriteString("user operation rejected by bundler: ")
	b.WriteString(e.Reason)
	if e.OpIndex != nil {
		fmt.Fprintf(&b, " (op index %s", e.OpIndex)
		if e.Paymaster != (common.Address{}) {
			fmt.Fprintf(&b, ", paymaster %s", e.Paymaster.Hex())
		}
		b.WriteString(")")
	} else if e.Paymaster != (common.Address{}) {
		fmt.Fprintf(&b, " (paymaster %s)", e.Paymaster.Hex())
	}
	return b.String()
}

func (e *FailedOpError) Unwrap() error {
	return e.Err
}

// ExecutionFailedError reports an operation that was included on-chain but
// whose account call reverted.
type ExecutionFailedError struct {
	UserOpHash common.Hash
	TxHash     common.Hash
	Reason     string
}

func (e *ExecutionFailedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("user operation %s failed on-chain", e.UserOpHash.Hex())
	}
	return fmt.Sprintf("user operation %s failed on-chain: %s", e.UserOpHash.Hex(), e.Reason)
}

var (
	failedOpError = entryPointABI.Errors["FailedOp"]

	// Older EntryPoint builds reported the paymaster alongside the reason.
	legacyFailedOpError = abi.NewError("FailedOp", abi.Arguments{
		{Name: "opIndex", Type: uint256Type},
		{Name: "paymaster", Type: addressType},
		{Name: "reason", Type: mustNewType("string")},
	})

	failedOpWithPaymasterPattern = regexp.MustCompile(`FailedOp\(\s*(\d+)\s*,\s*"?(0x[0-9a-fA-F]{40})"?\s*,\s*(?:"([^"]*)"|([^)]*))\s*\)`)
	failedOpPattern              = regexp.MustCompile(`FailedOp\(\s*(\d+)\s*,\s*(?:"([^"]*)"|([^)]*))\s*\)`)
)

func mustNewType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}

// ParseBundlerError converts a bundler JSON-RPC error into a *FailedOpError
// when it carries a FailedOp revert. The structured error data is decoded
// first; the error message is pattern matched only when that fails. Any other
// error is returned unchanged.
func ParseBundlerError(err error) error {
	if err == nil {
		return nil
	}

	var failed *FailedOpError
	if errors.As(err, &failed) {
		return err
	}

	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if parsed := failedOpFromData(dataErr.ErrorData()); parsed != nil {
			parsed.Err = err
			if parsed.Reason == "" {
				if fromMsg := failedOpFromMessage(err.Error()); fromMsg != nil {
					parsed.OpIndex = fromMsg.OpIndex
					parsed.Reason = fromMsg.Reason
				} else {
					parsed.Reason = err.Error()
				}
			}
			return parsed
		}
	}

	if parsed := failedOpFromMessage(err.Error()); parsed != nil {
		parsed.Err = err
		return parsed
	}
	return err
}

// DecodeFailedOp decodes an ABI-encoded FailedOp revert payload.
func DecodeFailedOp(data []byte) (*FailedOpError, bool) {
	if len(data) < 4 {
		return nil, false
	}

	selector := data[:4]
	switch {
	case bytes.Equal(selector, failedOpError.ID[:4]):
		values, err := failedOpError.Inputs.Unpack(data[4:])
		if err != nil || len(values) != 2 {
			return nil, false
		}
		opIndex, ok1 := values[0].(*big.Int)
		reason, ok2 := values[1].(string)
		if !ok1 || !ok2 {
			return nil, false
		}
		return &FailedOpError{OpIndex: opIndex, Reason: reason}, true

	case bytes.Equal(selector, legacyFailedOpError.ID[:4]):
		values, err := legacyFailedOpError.Inputs.Unpack(data[4:])
		if err != nil || len(values) != 3 {
			return nil, false
		}
		opIndex, ok1 := values[0].(*big.Int)
		paymaster, ok2 := values[1].(common.Address)
		reason, ok3 := values[2].(string)
		if !ok1 || !ok2 || !ok3 {
			return nil, false
		}
		return &FailedOpError{OpIndex: opIndex, Paymaster: paymaster, Reason: reason}, true
	}
	return nil, false
}

// failedOpFromData handles the shapes bundlers put in the JSON-RPC error data
// field: a hex revert payload, or an object with reason and paymaster keys.
func failedOpFromData(data interface{}) *FailedOpError {
	switch v := data.(type) {
	case string:
		raw, err := hexutil.Decode(v)
		if err != nil {
			return nil
		}
		if parsed, ok := DecodeFailedOp(raw); ok {
			return parsed
		}
	case map[string]interface{}:
		if revert, ok := v["revertData"].(string); ok {
			if parsed := failedOpFromData(revert); parsed != nil {
				return parsed
			}
		}
		if reason, ok := v["reason"].(string); ok && reason != "" {
			parsed := &FailedOpError{Reason: reason}
			if pm, ok := v["paymaster"].(string); ok && common.IsHexAddress(pm) {
				parsed.Paymaster = common.HexToAddress(pm)
			}
			if idx, ok := v["opIndex"].(float64); ok {
				parsed.OpIndex = big.NewInt(int64(idx))
			}
			return parsed
		}
		if pm, ok := v["paymaster"].(string); ok && common.IsHexAddress(pm) {
			return &FailedOpError{Paymaster: common.HexToAddress(pm)}
		}
	}
	return nil
}

func failedOpFromMessage(msg string) *FailedOpError {
	if m := failedOpWithPaymasterPattern.FindStringSubmatch(msg); m != nil {
		opIndex, _ := new(big.Int).SetString(m[1], 10)
		return &FailedOpError{
			OpIndex:   opIndex,
			Paymaster: common.HexToAddress(m[2]),
			Reason:    strings.TrimSpace(m[3] + m[4]),
		}
	}
	if m := failedOpPattern.FindStringSubmatch(msg); m != nil {
		opIndex, _ := new(big.Int).SetString(m[1], 10)
		return &FailedOpError{
			OpIndex: opIndex,
			Reason:  strings.TrimSpace(m[2] + m[3]),
		}
	}
	return nil
}
