package domain

import (
	"fmt"
	"time"

	"github.com/ethaccount/userop/erc4337"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

type UserOperationStatus string

const (
	UserOperationStatusUnapproved UserOperationStatus = "unapproved"
	UserOperationStatusApproved   UserOperationStatus = "approved"
	UserOperationStatusSigned     UserOperationStatus = "signed"
	UserOperationStatusSubmitted  UserOperationStatus = "submitted"
	UserOperationStatusConfirmed  UserOperationStatus = "confirmed"
	UserOperationStatusFailed     UserOperationStatus = "failed"
)

var userOperationTransitions = map[UserOperationStatus][]UserOperationStatus{
	UserOperationStatusUnapproved: {UserOperationStatusApproved, UserOperationStatusFailed},
	UserOperationStatusApproved:   {UserOperationStatusSigned, UserOperationStatusFailed},
	UserOperationStatusSigned:     {UserOperationStatusSubmitted, UserOperationStatusFailed},
	UserOperationStatusSubmitted:  {UserOperationStatusConfirmed, UserOperationStatusFailed},
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s UserOperationStatus) CanTransitionTo(next UserOperationStatus) bool {
	return lo.Contains(userOperationTransitions[s], next)
}

func (s UserOperationStatus) IsTerminal() bool {
	return s == UserOperationStatusConfirmed || s == UserOperationStatusFailed
}

func (s UserOperationStatus) IsValid() bool {
	switch s {
	case UserOperationStatusUnapproved,
		UserOperationStatusApproved,
		UserOperationStatusSigned,
		UserOperationStatusSubmitted,
		UserOperationStatusConfirmed,
		UserOperationStatusFailed:
		return true
	}
	return false
}

// FeeLevel labels where the fee values of an operation came from.
type FeeLevel string

const (
	FeeLevelCustom        FeeLevel = "custom"
	FeeLevelDappSuggested FeeLevel = "dappSuggested"
	FeeLevelMedium        FeeLevel = "medium"
)

// WalletOrigin is the origin used for operations created by the wallet itself.
const WalletOrigin = "wallet"

// UserOperationRequest describes the call the account should make. Fee values
// are optional hex or decimal strings; empty means "resolve automatically".
type UserOperationRequest struct {
	Sender               common.Address  `json:"sender"`
	To                   *common.Address `json:"to,omitempty"`
	Value                *hexutil.Big    `json:"value,omitempty"`
	Data                 hexutil.Bytes   `json:"data,omitempty"`
	MaxFeePerGas         string          `json:"maxFeePerGas,omitempty" validate:"omitempty,quantity"`
	MaxPriorityFeePerGas string          `json:"maxPriorityFeePerGas,omitempty" validate:"omitempty,quantity"`
}

// TransactionParams are the fields of a legacy transaction an operation was
// converted from.
type TransactionParams struct {
	GasPrice string `json:"gasPrice,omitempty" validate:"omitempty,quantity"`
}

type UserOperationError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// UserOperationMetadata tracks a single operation through the pipeline.
type UserOperationMetadata struct {
	ID                uuid.UUID              `json:"id"`
	Status            UserOperationStatus    `json:"status"`
	ChainID           int64                  `json:"chainId"`
	EntryPoint        common.Address         `json:"entryPoint"`
	BundlerURL        string                 `json:"bundlerUrl"`
	Origin            string                 `json:"origin"`
	UserFeeLevel      FeeLevel               `json:"userFeeLevel,omitempty"`
	Request           UserOperationRequest   `json:"request"`
	Transaction       *TransactionParams     `json:"transaction,omitempty"`
	UserOperation     *erc4337.UserOperation `json:"userOperation"`
	UserOperationHash *common.Hash           `json:"userOperationHash,omitempty"`
	TransactionHash   *common.Hash           `json:"transactionHash,omitempty"`
	ActualGasCost     *hexutil.Big           `json:"actualGasCost,omitempty"`
	ActualGasUsed     *hexutil.Big           `json:"actualGasUsed,omitempty"`
	Error             *UserOperationError    `json:"error,omitempty"`
	CreatedAt         time.Time              `json:"createdAt"`
	UpdatedAt         time.Time              `json:"updatedAt"`
	SubmittedAt       *time.Time             `json:"submittedAt,omitempty"`
	ConfirmedAt       *time.Time             `json:"confirmedAt,omitempty"`
}

// NewUserOperationMetadata creates an unapproved operation for req. The inner
// UserOperation starts with every field at its empty sentinel.
func NewUserOperationMetadata(chainID int64, entryPoint common.Address, bundlerURL, origin string, req UserOperationRequest, now time.Time) *UserOperationMetadata {
	return &UserOperationMetadata{
		ID:            uuid.New(),
		Status:        UserOperationStatusUnapproved,
		ChainID:       chainID,
		EntryPoint:    entryPoint,
		BundlerURL:    bundlerURL,
		Origin:        origin,
		Request:       req,
		UserOperation: erc4337.NewUserOperation(req.Sender),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Transition moves the operation to next, stamping the matching timestamps.
func (m *UserOperationMetadata) Transition(next UserOperationStatus, now time.Time) error {
	if !m.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.Status, next)
	}

	m.Status = next
	m.UpdatedAt = now
	switch next {
	case UserOperationStatusSubmitted:
		m.SubmittedAt = &now
	case UserOperationStatusConfirmed:
		m.ConfirmedAt = &now
	}
	return nil
}

// Fail moves the operation to failed and records cause.
func (m *UserOperationMetadata) Fail(cause error, code string, now time.Time) error {
	if err := m.Transition(UserOperationStatusFailed, now); err != nil {
		return err
	}
	m.Error = &UserOperationError{Message: cause.Error(), Code: code}
	return nil
}

// Clone returns a deep copy so stored metadata is never shared with callers.
func (m *UserOperationMetadata) Clone() *UserOperationMetadata {
	cp := *m
	if m.UserOperation != nil {
		cp.UserOperation = m.UserOperation.Copy()
	}
	if m.Transaction != nil {
		tx := *m.Transaction
		cp.Transaction = &tx
	}
	if m.Error != nil {
		e := *m.Error
		cp.Error = &e
	}
	cp.Request.Data = common.CopyBytes(m.Request.Data)
	cp.Request.Value = copyBig(m.Request.Value)
	if m.Request.To != nil {
		cp.Request.To = lo.ToPtr(*m.Request.To)
	}
	cp.UserOperationHash = copyHash(m.UserOperationHash)
	cp.TransactionHash = copyHash(m.TransactionHash)
	cp.ActualGasCost = copyBig(m.ActualGasCost)
	cp.ActualGasUsed = copyBig(m.ActualGasUsed)
	cp.SubmittedAt = copyTime(m.SubmittedAt)
	cp.ConfirmedAt = copyTime(m.ConfirmedAt)
	return &cp
}

func copyHash(h *common.Hash) *common.Hash {
	if h == nil {
		return nil
	}
	return lo.ToPtr(*h)
}

func copyBig(v *hexutil.Big) *hexutil.Big {
	if v == nil {
		return nil
	}
	return erc4337.ToHexBig(v.ToInt())
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	return lo.ToPtr(*t)
}

// UserOperationFilter narrows ListUserOperations results. Zero values match all.
type UserOperationFilter struct {
	Status  UserOperationStatus
	Sender  *common.Address
	ChainID int64
	Limit   int
}

func (f UserOperationFilter) Matches(m *UserOperationMetadata) bool {
	if f.Status != "" && m.Status != f.Status {
		return false
	}
	if f.ChainID != 0 && m.ChainID != f.ChainID {
		return false
	}
	if f.Sender != nil && m.Request.Sender != *f.Sender {
		return false
	}
	return true
}
