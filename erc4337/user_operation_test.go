package erc4337

import (
	"encoding/json"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hexBig(v int64) *hexutil.Big {
	return (*hexutil.Big)(big.NewInt(v))
}

func TestUserOperation_MarshalJSON(t *testing.T) {
	tests := []struct {
		name     string
		userOp   *UserOperation
		expected map[string]interface{}
	}{
		{
			name: "complete user operation",
			userOp: &UserOperation{
				Sender:               common.HexToAddress("0x1234567890123456789012345678901234567890"),
				Nonce:                hexBig(123),
				InitCode:             hexutil.MustDecode("0xabcdefabcdefabcdefabcdefabcdefabcdefabcd1234"),
				CallData:             hexutil.MustDecode("0x5678"),
				CallGasLimit:         hexBig(1000000),
				VerificationGasLimit: hexBig(2000000),
				PreVerificationGas:   hexBig(3000000),
				MaxFeePerGas:         hexBig(2000000000),
				MaxPriorityFeePerGas: hexBig(1000000000),
				PaymasterAndData:     hexutil.MustDecode("0xfedcbafedcbafedcbafedcbafedcbafedcbafeda9abc"),
				Signature:            hexutil.MustDecode("0xdef0"),
			},
			expected: map[string]interface{}{
				"sender":               "0x1234567890123456789012345678901234567890",
				"nonce":                "0x7b",
				"initCode":             "0xabcdefabcdefabcdefabcdefabcdefabcdefabcd1234",
				"callData":             "0x5678",
				"callGasLimit":         "0xf4240",
				"verificationGasLimit": "0x1e8480",
				"preVerificationGas":   "0x2dc6c0",
				"maxFeePerGas":         "0x77359400",
				"maxPriorityFeePerGas": "0x3b9aca00",
				"paymasterAndData":     "0xfedcbafedcbafedcbafedcbafedcbafedcbafeda9abc",
				"signature":            "0xdef0",
			},
		},
		{
			name: "unset fields use empty sentinels",
			userOp: &UserOperation{
				Sender: common.HexToAddress("0x1234567890123456789012345678901234567890"),
			},
			expected: map[string]interface{}{
				"nonce":                ZeroQuantity,
				"initCode":             EmptyBytes,
				"callData":             EmptyBytes,
				"callGasLimit":         ZeroQuantity,
				"verificationGasLimit": ZeroQuantity,
				"preVerificationGas":   ZeroQuantity,
				"maxFeePerGas":         ZeroQuantity,
				"maxPriorityFeePerGas": ZeroQuantity,
				"paymasterAndData":     EmptyBytes,
				"signature":            EmptyBytes,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.userOp)
			require.NoError(t, err)

			var result map[string]interface{}
			err = json.Unmarshal(data, &result)
			require.NoError(t, err)

			for key, expectedValue := range tt.expected {
				assert.Equal(t, expectedValue, result[key], "field %s mismatch", key)
			}
		})
	}
}

func TestUserOperation_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name     string
		jsonData string
		expected *UserOperation
		wantErr  bool
		errMsg   string
	}{
		{
			name: "hex quantities",
			jsonData: `{
				"sender": "0x1234567890123456789012345678901234567890",
				"nonce": "0x7b",
				"initCode": "0x",
				"callData": "0x5678",
				"callGasLimit": "0xf4240",
				"verificationGasLimit": "0x1e8480",
				"preVerificationGas": "0x2dc6c0",
				"maxFeePerGas": "0x77359400",
				"maxPriorityFeePerGas": "0x3b9aca00",
				"paymasterAndData": "0x",
				"signature": "0xdef0"
			}`,
			expected: &UserOperation{
				Sender:               common.HexToAddress("0x1234567890123456789012345678901234567890"),
				Nonce:                hexBig(123),
				InitCode:             hexutil.Bytes{},
				CallData:             hexutil.MustDecode("0x5678"),
				CallGasLimit:         hexBig(1000000),
				VerificationGasLimit: hexBig(2000000),
				PreVerificationGas:   hexBig(3000000),
				MaxFeePerGas:         hexBig(2000000000),
				MaxPriorityFeePerGas: hexBig(1000000000),
				PaymasterAndData:     hexutil.Bytes{},
				Signature:            hexutil.MustDecode("0xdef0"),
			},
		},
		{
			name: "decimal strings and numbers",
			jsonData: `{
				"sender": "0x1234567890123456789012345678901234567890",
				"nonce": "123",
				"callGasLimit": 1000000,
				"verificationGasLimit": "2000000"
			}`,
			expected: &UserOperation{
				Sender:               common.HexToAddress("0x1234567890123456789012345678901234567890"),
				Nonce:                hexBig(123),
				InitCode:             hexutil.Bytes{},
				CallData:             hexutil.Bytes{},
				CallGasLimit:         hexBig(1000000),
				VerificationGasLimit: hexBig(2000000),
				PreVerificationGas:   hexBig(0),
				MaxFeePerGas:         hexBig(0),
				MaxPriorityFeePerGas: hexBig(0),
				PaymasterAndData:     hexutil.Bytes{},
				Signature:            hexutil.Bytes{},
			},
		},
		{
			name:     "invalid nonce",
			jsonData: `{"nonce": "invalid"}`,
			wantErr:  true,
			errMsg:   "invalid quantity",
		},
		{
			name:     "invalid JSON",
			jsonData: `{"incomplete": }`,
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var userOp UserOperation
			err := json.Unmarshal([]byte(tt.jsonData), &userOp)

			if tt.wantErr {
				require.Error(t, err)
				if tt.errMsg != "" {
					assert.Contains(t, err.Error(), tt.errMsg)
				}
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.expected, &userOp)
		})
	}
}

func TestUserOperation_Copy(t *testing.T) {
	op := &UserOperation{
		Sender:       common.HexToAddress("0x1234567890123456789012345678901234567890"),
		Nonce:        hexBig(7),
		CallData:     hexutil.MustDecode("0x5678"),
		CallGasLimit: hexBig(100),
	}

	cp := op.Copy()
	cp.CallGasLimit.ToInt().SetInt64(0)
	cp.CallData[0] = 0xff

	assert.Equal(t, int64(100), op.CallGasLimit.ToInt().Int64())
	assert.Equal(t, hexutil.MustDecode("0x5678"), []byte(op.CallData))
	assert.NotNil(t, cp.MaxFeePerGas)
	assert.NotNil(t, cp.Signature)
}

func TestUserOperation_Paymaster(t *testing.T) {
	op := NewUserOperation(common.Address{})
	assert.Equal(t, common.Address{}, op.Paymaster())

	op.PaymasterAndData = hexutil.MustDecode("0xfedcbafedcbafedcbafedcbafedcbafedcbafeda9abc")
	assert.Equal(t, common.HexToAddress("0xfedcbafedcbafedcbafedcbafedcbafedcbafeda"), op.Paymaster())
}

func TestUserOperation_HasInitCode(t *testing.T) {
	op := NewUserOperation(common.Address{})
	assert.False(t, op.HasInitCode())

	op.InitCode = hexutil.MustDecode("0x9406cc6185a346906296840746125a0e449764545fbfb9cf")
	assert.True(t, op.HasInitCode())
}

func TestParseQuantity(t *testing.T) {
	tests := []struct {
		input    string
		expected int64
		wantErr  bool
	}{
		{input: "", expected: 0},
		{input: "0x", expected: 0},
		{input: "0x0", expected: 0},
		{input: "0x64", expected: 100},
		{input: "100", expected: 100},
		{input: "0xzz", wantErr: true},
		{input: "-1", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			v, err := ParseQuantity(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, v.Int64())
		})
	}
}
