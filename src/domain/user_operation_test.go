package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/ethaccount/userop/erc4337"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMetadata() *UserOperationMetadata {
	req := UserOperationRequest{Sender: common.HexToAddress("0x1306b01bC3e4AD202612D3843387e94737673F53")}
	return NewUserOperationMetadata(1, erc4337.EntryPointV06, "http://bundler", "https://dapp.example", req, time.Unix(1700000000, 0))
}

func TestUserOperationStatus_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from    UserOperationStatus
		to      UserOperationStatus
		allowed bool
	}{
		{UserOperationStatusUnapproved, UserOperationStatusApproved, true},
		{UserOperationStatusApproved, UserOperationStatusSigned, true},
		{UserOperationStatusSigned, UserOperationStatusSubmitted, true},
		{UserOperationStatusSubmitted, UserOperationStatusConfirmed, true},
		{UserOperationStatusSubmitted, UserOperationStatusFailed, true},
		{UserOperationStatusUnapproved, UserOperationStatusFailed, true},
		{UserOperationStatusSigned, UserOperationStatusFailed, true},
		{UserOperationStatusUnapproved, UserOperationStatusSigned, false},
		{UserOperationStatusApproved, UserOperationStatusSubmitted, false},
		{UserOperationStatusSigned, UserOperationStatusConfirmed, false},
		{UserOperationStatusConfirmed, UserOperationStatusFailed, false},
		{UserOperationStatusFailed, UserOperationStatusSubmitted, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.allowed, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestUserOperationMetadata_Transition(t *testing.T) {
	m := newTestMetadata()
	assert.Equal(t, UserOperationStatusUnapproved, m.Status)
	assert.Equal(t, "0x", m.UserOperation.CallData.String())

	now := time.Unix(1700000100, 0)
	require.NoError(t, m.Transition(UserOperationStatusApproved, now))
	require.NoError(t, m.Transition(UserOperationStatusSigned, now))
	require.NoError(t, m.Transition(UserOperationStatusSubmitted, now))
	require.NotNil(t, m.SubmittedAt)
	require.NoError(t, m.Transition(UserOperationStatusConfirmed, now))
	require.NotNil(t, m.ConfirmedAt)
	assert.True(t, m.Status.IsTerminal())

	err := m.Transition(UserOperationStatusFailed, now)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.Equal(t, UserOperationStatusConfirmed, m.Status)
}

func TestUserOperationMetadata_Fail(t *testing.T) {
	m := newTestMetadata()
	require.NoError(t, m.Fail(errors.New("user rejected"), "rejected", time.Now()))

	assert.Equal(t, UserOperationStatusFailed, m.Status)
	require.NotNil(t, m.Error)
	assert.Equal(t, "user rejected", m.Error.Message)
	assert.Equal(t, "rejected", m.Error.Code)

	assert.ErrorIs(t, m.Fail(errors.New("again"), "", time.Now()), ErrInvalidTransition)
}

func TestUserOperationMetadata_Clone(t *testing.T) {
	m := newTestMetadata()
	m.UserOperation.CallData = []byte{0x01}

	cp := m.Clone()
	cp.UserOperation.CallData[0] = 0x02
	cp.Status = UserOperationStatusApproved

	assert.Equal(t, byte(0x01), m.UserOperation.CallData[0])
	assert.Equal(t, UserOperationStatusUnapproved, m.Status)
}

func TestUserOperationFilter_Matches(t *testing.T) {
	m := newTestMetadata()
	other := common.HexToAddress("0x01")

	assert.True(t, UserOperationFilter{}.Matches(m))
	assert.True(t, UserOperationFilter{Status: UserOperationStatusUnapproved, ChainID: 1}.Matches(m))
	assert.False(t, UserOperationFilter{Status: UserOperationStatusSubmitted}.Matches(m))
	assert.False(t, UserOperationFilter{ChainID: 5}.Matches(m))
	assert.False(t, UserOperationFilter{Sender: &other}.Matches(m))
}

func TestDomainError(t *testing.T) {
	cause := errors.New("boom")
	err := NewError(ErrorCodeResourceNotFound, cause, WithMsg("not here"))

	var domainErr DomainError
	require.True(t, errors.As(err, &domainErr))
	assert.Equal(t, "RESOURCE_NOT_FOUND", domainErr.Name())
	assert.Equal(t, 404, domainErr.HTTPStatus())
	assert.Equal(t, "not here", domainErr.ClientMsg())
	assert.ErrorIs(t, err, cause)

	var empty DomainError
	assert.Equal(t, "UNKNOWN_ERROR", empty.Name())
	assert.Equal(t, 500, empty.HTTPStatus())
}
