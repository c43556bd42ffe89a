package erc4337

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// EntryPointV06 is the canonical EntryPoint v0.6 deployment address.
var EntryPointV06 = common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789")

const (
	// EmptyBytes is the wire sentinel for an empty byte string.
	EmptyBytes = "0x"
	// ZeroQuantity is the wire sentinel for a zero numeric field.
	ZeroQuantity = "0x0"
)

// UserOperation represents the ERC-4337 user operation structure
type UserOperation struct {
	Sender               common.Address `json:"sender"`
	Nonce                *hexutil.Big   `json:"nonce"`
	InitCode             hexutil.Bytes  `json:"initCode"`
	CallData             hexutil.Bytes  `json:"callData"`
	CallGasLimit         *hexutil.Big   `json:"callGasLimit"`
	VerificationGasLimit *hexutil.Big   `json:"verificationGasLimit"`
	PreVerificationGas   *hexutil.Big   `json:"preVerificationGas"`
	MaxFeePerGas         *hexutil.Big   `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *hexutil.Big   `json:"maxPriorityFeePerGas"`
	PaymasterAndData     hexutil.Bytes  `json:"paymasterAndData"`
	Signature            hexutil.Bytes  `json:"signature"`
}

// NewUserOperation returns an operation for sender with every field set to its
// canonical empty value.
func NewUserOperation(sender common.Address) *UserOperation {
	op := &UserOperation{Sender: sender}
	op.Normalize()
	return op
}

// Normalize replaces nil numeric fields with zero and nil byte fields with
// empty slices so that the operation never carries null values.
func (uo *UserOperation) Normalize() {
	for _, f := range []**hexutil.Big{
		&uo.Nonce,
		&uo.CallGasLimit,
		&uo.VerificationGasLimit,
		&uo.PreVerificationGas,
		&uo.MaxFeePerGas,
		&uo.MaxPriorityFeePerGas,
	} {
		if *f == nil {
			*f = (*hexutil.Big)(new(big.Int))
		}
	}
	for _, f := range []*hexutil.Bytes{
		&uo.InitCode,
		&uo.CallData,
		&uo.PaymasterAndData,
		&uo.Signature,
	} {
		if *f == nil {
			*f = hexutil.Bytes{}
		}
	}
}

// Copy returns a deep copy of the operation.
func (uo *UserOperation) Copy() *UserOperation {
	cp := &UserOperation{
		Sender:               uo.Sender,
		Nonce:                copyBig(uo.Nonce),
		InitCode:             common.CopyBytes(uo.InitCode),
		CallData:             common.CopyBytes(uo.CallData),
		CallGasLimit:         copyBig(uo.CallGasLimit),
		VerificationGasLimit: copyBig(uo.VerificationGasLimit),
		PreVerificationGas:   copyBig(uo.PreVerificationGas),
		MaxFeePerGas:         copyBig(uo.MaxFeePerGas),
		MaxPriorityFeePerGas: copyBig(uo.MaxPriorityFeePerGas),
		PaymasterAndData:     common.CopyBytes(uo.PaymasterAndData),
		Signature:            common.CopyBytes(uo.Signature),
	}
	cp.Normalize()
	return cp
}

// HasInitCode reports whether the sender is deployed as part of this operation.
func (uo *UserOperation) HasInitCode() bool {
	return len(uo.InitCode) > 0
}

// Paymaster returns the sponsoring paymaster address, or the zero address when
// the operation is not sponsored.
func (uo *UserOperation) Paymaster() common.Address {
	if len(uo.PaymasterAndData) < common.AddressLength {
		return common.Address{}
	}
	return common.BytesToAddress(uo.PaymasterAndData[:common.AddressLength])
}

type userOperationJSON struct {
	Sender               common.Address `json:"sender"`
	Nonce                quantity       `json:"nonce"`
	InitCode             hexutil.Bytes  `json:"initCode"`
	CallData             hexutil.Bytes  `json:"callData"`
	CallGasLimit         quantity       `json:"callGasLimit"`
	VerificationGasLimit quantity       `json:"verificationGasLimit"`
	PreVerificationGas   quantity       `json:"preVerificationGas"`
	MaxFeePerGas         quantity       `json:"maxFeePerGas"`
	MaxPriorityFeePerGas quantity       `json:"maxPriorityFeePerGas"`
	PaymasterAndData     hexutil.Bytes  `json:"paymasterAndData"`
	Signature            hexutil.Bytes  `json:"signature"`
}

// MarshalJSON encodes numbers as hex quantities and never emits null: unset
// numbers become "0x0" and unset byte strings become "0x".
func (uo UserOperation) MarshalJSON() ([]byte, error) {
	return json.Marshal(userOperationJSON{
		Sender:               uo.Sender,
		Nonce:                quantity{uo.Nonce.ToInt()},
		InitCode:             nonNilBytes(uo.InitCode),
		CallData:             nonNilBytes(uo.CallData),
		CallGasLimit:         quantity{uo.CallGasLimit.ToInt()},
		VerificationGasLimit: quantity{uo.VerificationGasLimit.ToInt()},
		PreVerificationGas:   quantity{uo.PreVerificationGas.ToInt()},
		MaxFeePerGas:         quantity{uo.MaxFeePerGas.ToInt()},
		MaxPriorityFeePerGas: quantity{uo.MaxPriorityFeePerGas.ToInt()},
		PaymasterAndData:     nonNilBytes(uo.PaymasterAndData),
		Signature:            nonNilBytes(uo.Signature),
	})
}

// UnmarshalJSON accepts hex quantities, decimal strings and JSON numbers for the
// numeric fields. Missing fields are normalized to their empty sentinels.
func (uo *UserOperation) UnmarshalJSON(data []byte) error {
	var aux userOperationJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	*uo = UserOperation{
		Sender:               aux.Sender,
		Nonce:                aux.Nonce.big(),
		InitCode:             aux.InitCode,
		CallData:             aux.CallData,
		CallGasLimit:         aux.CallGasLimit.big(),
		VerificationGasLimit: aux.VerificationGasLimit.big(),
		PreVerificationGas:   aux.PreVerificationGas.big(),
		MaxFeePerGas:         aux.MaxFeePerGas.big(),
		MaxPriorityFeePerGas: aux.MaxPriorityFeePerGas.big(),
		PaymasterAndData:     aux.PaymasterAndData,
		Signature:            aux.Signature,
	}
	uo.Normalize()
	return nil
}

// quantity is a uint256 that decodes from hex strings, decimal strings or
// JSON numbers and always encodes as a hex quantity.
type quantity struct {
	v *big.Int
}

func (q quantity) MarshalJSON() ([]byte, error) {
	if q.v == nil {
		return json.Marshal(ZeroQuantity)
	}
	return json.Marshal(hexutil.EncodeBig(q.v))
}

func (q *quantity) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		q.v = nil
		return nil
	}
	s = strings.Trim(s, `"`)
	v, err := ParseQuantity(s)
	if err != nil {
		return err
	}
	q.v = v
	return nil
}

func (q quantity) big() *hexutil.Big {
	if q.v == nil {
		return nil
	}
	return (*hexutil.Big)(q.v)
}

// ParseQuantity parses a numeric value given either as a 0x-prefixed hex string
// or as a decimal string. The empty string and "0x" parse as zero.
func ParseQuantity(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == EmptyBytes {
		return new(big.Int), nil
	}

	base := 10
	digits := s
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		base = 16
		digits = s[2:]
	}

	v, ok := new(big.Int).SetString(digits, base)
	if !ok {
		return nil, fmt.Errorf("invalid quantity: %q", s)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("negative quantity: %q", s)
	}
	return v, nil
}

// BigOrZero returns the value of v, or zero when v is nil.
func BigOrZero(v *hexutil.Big) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v.ToInt())
}

// ToHexBig wraps a big.Int as a hexutil.Big.
func ToHexBig(v *big.Int) *hexutil.Big {
	if v == nil {
		return nil
	}
	return (*hexutil.Big)(new(big.Int).Set(v))
}

func copyBig(v *hexutil.Big) *hexutil.Big {
	if v == nil {
		return nil
	}
	return (*hexutil.Big)(new(big.Int).Set(v.ToInt()))
}

func nonNilBytes(b hexutil.Bytes) hexutil.Bytes {
	if b == nil {
		return hexutil.Bytes{}
	}
	return b
}
