package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethaccount/userop/erc4337"
	"github.com/ethaccount/userop/src/domain"
	"github.com/ethaccount/userop/src/repository"
	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
)

// Error codes recorded on failed metadata.
const (
	ErrorCodeRejected        = "rejected"
	ErrorCodePrepare         = "prepare_failed"
	ErrorCodeFees            = "fee_resolution_failed"
	ErrorCodeGas             = "gas_estimation_failed"
	ErrorCodePaymaster       = "paymaster_failed"
	ErrorCodeSign            = "sign_failed"
	ErrorCodeBundlerRejected = "bundler_rejected"
	ErrorCodeExecution       = "execution_reverted"
)

var (
	ErrUserRejected         = errors.New("user rejected the request")
	ErrEmptyPrepareResponse = errors.New("account returned no prepared user operation")
)

type UserOperationStore interface {
	Create(ctx context.Context, m *domain.UserOperationMetadata) error
	Update(ctx context.Context, m *domain.UserOperationMetadata) error
	FindByID(ctx context.Context, id uuid.UUID) (*domain.UserOperationMetadata, error)
	Find(ctx context.Context, filter domain.UserOperationFilter) ([]*domain.UserOperationMetadata, error)
}

// StatusPublisher mirrors metadata status somewhere cheap to poll.
type StatusPublisher interface {
	SetStatus(ctx context.Context, m *domain.UserOperationMetadata) error
}

// StatusReader serves the status mirror. A StatusPublisher that also
// implements it answers status lookups before the store is consulted.
type StatusReader interface {
	GetStatus(ctx context.Context, id uuid.UUID) (*repository.UserOperationStatusEntry, error)
}

// ApprovalQueue hands approved operations to a worker.
type ApprovalQueue interface {
	Enqueue(ctx context.Context, id uuid.UUID) error
}

type ConfirmationWatcher interface {
	WaitForConfirmation(ctx context.Context, userOpHash common.Hash) (*erc4337.ConfirmationResult, error)
}

type UserOperationServiceConfig struct {
	ChainID    int64
	EntryPoint common.Address
	BundlerURL string
}

type UserOperationServiceParams struct {
	Config      UserOperationServiceConfig
	Store       UserOperationStore
	Account     SmartContractAccount
	FeeResolver *FeeResolver
	Gas         *GasEstimator
	Bundler     erc4337.Bundler
	Watcher     ConfirmationWatcher
	Queue       ApprovalQueue
	Status      StatusPublisher
	Metrics     *Metrics
}

// UserOperationService drives operations from request to on-chain result.
type UserOperationService struct {
	config   UserOperationServiceConfig
	store    UserOperationStore
	account  SmartContractAccount
	fees     *FeeResolver
	gas      *GasEstimator
	bundler  erc4337.Bundler
	watcher  ConfirmationWatcher
	queue    ApprovalQueue
	status   StatusPublisher
	statuses StatusReader
	metrics  *Metrics
	validate *validator.Validate
	now      func() time.Time

	// finalizing holds the IDs a worker or the reconciler is finalizing.
	finalizing *xsync.MapOf[uuid.UUID, struct{}]
}

func NewUserOperationService(p UserOperationServiceParams) *UserOperationService {
	if p.Gas == nil {
		p.Gas = NewGasEstimator(DefaultGasMultiplier)
	}
	if p.Config.EntryPoint == (common.Address{}) {
		p.Config.EntryPoint = erc4337.EntryPointV06
	}
	statuses, _ := p.Status.(StatusReader)
	return &UserOperationService{
		config:   p.Config,
		store:    p.Store,
		account:  p.Account,
		fees:     p.FeeResolver,
		gas:      p.Gas,
		bundler:  p.Bundler,
		watcher:  p.Watcher,
		queue:    p.Queue,
		status:   p.Status,
		statuses: statuses,
		metrics:  p.Metrics,
		validate: NewValidator(),
		now:      time.Now,

		finalizing: xsync.NewMapOf[uuid.UUID, struct{}](),
	}
}

// NewValidator returns a validator that understands the "quantity" tag.
func NewValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("quantity", func(fl validator.FieldLevel) bool {
		_, err := erc4337.ParseQuantity(fl.Field().String())
		return err == nil
	})
	return v
}

func (s *UserOperationService) logger(ctx context.Context) *zerolog.Logger {
	l := zerolog.Ctx(ctx).With().Str("service", "user-operation").Logger()
	return &l
}

type AddUserOperationRequest struct {
	Request     domain.UserOperationRequest `validate:"required"`
	Transaction *domain.TransactionParams
	Origin      string `validate:"required"`
	// AutoApprove skips the approval step and queues the operation at once.
	AutoApprove bool
}

func (s *UserOperationService) AddUserOperation(ctx context.Context, req AddUserOperationRequest) (*domain.UserOperationMetadata, error) {
	if err := s.validate.StructCtx(ctx, req); err != nil {
		return nil, domain.NewError(domain.ErrorCodeParameterInvalid, err,
			domain.WithMsg("invalid user operation request"),
			domain.WithDetail(validationDetail(err)),
		)
	}

	m := domain.NewUserOperationMetadata(s.config.ChainID, s.config.EntryPoint, s.config.BundlerURL, req.Origin, req.Request, s.now())
	if req.Transaction != nil {
		tx := *req.Transaction
		m.Transaction = &tx
	}

	if err := s.store.Create(ctx, m); err != nil {
		return nil, fmt.Errorf("failed to create user operation: %w", err)
	}
	s.publish(ctx, m)
	s.metrics.incAdded()

	s.logger(ctx).Info().
		Str("user_op_id", m.ID.String()).
		Str("origin", m.Origin).
		Int64("chain_id", m.ChainID).
		Msg("user operation added")

	if req.AutoApprove {
		return s.ApproveUserOperation(ctx, m.ID)
	}
	return m, nil
}

// ApproveUserOperation marks the operation approved and queues it when a
// queue is configured.
func (s *UserOperationService) ApproveUserOperation(ctx context.Context, id uuid.UUID) (*domain.UserOperationMetadata, error) {
	m, err := s.find(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := m.Transition(domain.UserOperationStatusApproved, s.now()); err != nil {
		return nil, domain.NewError(domain.ErrorCodeResourceConflict, err)
	}
	if err := s.save(ctx, m); err != nil {
		return nil, err
	}

	if s.queue != nil {
		if err := s.queue.Enqueue(ctx, m.ID); err != nil {
			return nil, fmt.Errorf("failed to enqueue user operation: %w", err)
		}
	}

	s.logger(ctx).Info().Str("user_op_id", m.ID.String()).Msg("user operation approved")
	return m, nil
}

func (s *UserOperationService) RejectUserOperation(ctx context.Context, id uuid.UUID) (*domain.UserOperationMetadata, error) {
	m, err := s.find(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.Status != domain.UserOperationStatusUnapproved {
		return nil, domain.NewError(domain.ErrorCodeResourceConflict,
			fmt.Errorf("%w: cannot reject a %s operation", domain.ErrInvalidTransition, m.Status))
	}

	if err := m.Fail(ErrUserRejected, ErrorCodeRejected, s.now()); err != nil {
		return nil, domain.NewError(domain.ErrorCodeResourceConflict, err)
	}
	if err := s.save(ctx, m); err != nil {
		return nil, err
	}
	s.metrics.incFinalized(string(domain.UserOperationStatusFailed))

	s.logger(ctx).Info().Str("user_op_id", m.ID.String()).Msg("user operation rejected")
	return m, nil
}

func (s *UserOperationService) GetUserOperation(ctx context.Context, id uuid.UUID) (*domain.UserOperationMetadata, error) {
	return s.find(ctx, id)
}

// GetUserOperationStatus answers from the status mirror when one is
// configured and holds the operation, and from the store otherwise.
func (s *UserOperationService) GetUserOperationStatus(ctx context.Context, id uuid.UUID) (*repository.UserOperationStatusEntry, error) {
	if s.statuses != nil {
		entry, err := s.statuses.GetStatus(ctx, id)
		if err == nil {
			return entry, nil
		}
		if !errors.Is(err, domain.ErrUserOperationNotFound) {
			s.logger(ctx).Warn().Err(err).Str("user_op_id", id.String()).Msg("failed to read cached status")
		}
	}

	m, err := s.find(ctx, id)
	if err != nil {
		return nil, err
	}
	return repository.NewUserOperationStatusEntry(m), nil
}

func (s *UserOperationService) ListUserOperations(ctx context.Context, filter domain.UserOperationFilter) ([]*domain.UserOperationMetadata, error) {
	if filter.Status != "" && !filter.Status.IsValid() {
		return nil, domain.NewError(domain.ErrorCodeParameterInvalid,
			fmt.Errorf("unknown status %q", filter.Status), domain.WithMsg("invalid status filter"))
	}
	return s.store.Find(ctx, filter)
}

// ProcessUserOperation runs an approved operation through every stage in
// order: prepare, fees, gas, paymaster, hash, sign, submit, confirm. A failure
// before submission marks the operation failed. A confirmation timeout leaves
// it submitted for the reconciler.
func (s *UserOperationService) ProcessUserOperation(ctx context.Context, id uuid.UUID) (*domain.UserOperationMetadata, error) {
	m, err := s.find(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.Status != domain.UserOperationStatusApproved {
		return nil, domain.NewError(domain.ErrorCodeResourceConflict,
			fmt.Errorf("%w: cannot process a %s operation", domain.ErrInvalidTransition, m.Status))
	}

	logger := s.logger(ctx).With().Str("user_op_id", m.ID.String()).Logger()
	ctx = logger.WithContext(ctx)
	op := m.UserOperation

	prepared, err := s.account.PrepareUserOperation(ctx, &PrepareUserOperationRequest{
		ChainID: m.ChainID,
		From:    m.Request.Sender,
		To:      m.Request.To,
		Value:   m.Request.Value,
		Data:    m.Request.Data,
	})
	if err != nil {
		return m, s.fail(ctx, m, ErrorCodePrepare, fmt.Errorf("failed to prepare user operation: %w", err))
	}
	if prepared == nil {
		return m, s.fail(ctx, m, ErrorCodePrepare, ErrEmptyPrepareResponse)
	}
	applyPrepareResponse(op, prepared)

	fees, err := s.fees.Resolve(ctx, FeeRequest{
		ChainID:     m.ChainID,
		Origin:      m.Origin,
		Request:     m.Request,
		Transaction: m.Transaction,
	})
	if err != nil {
		return m, s.fail(ctx, m, ErrorCodeFees, err)
	}
	if err := applyFees(op, fees); err != nil {
		return m, s.fail(ctx, m, ErrorCodeFees, err)
	}
	m.UserFeeLevel = fees.UserFeeLevel

	if err := s.gas.UpdateGas(ctx, op, prepared, s.bundler, m.EntryPoint); err != nil {
		return m, s.fail(ctx, m, ErrorCodeGas, err)
	}

	updated, err := s.account.UpdateUserOperation(ctx, op, m.ChainID)
	if err != nil {
		return m, s.fail(ctx, m, ErrorCodePaymaster, fmt.Errorf("failed to update user operation: %w", err))
	}
	if updated != nil && updated.PaymasterAndData != nil {
		op.PaymasterAndData = updated.PaymasterAndData
	}

	m.UpdatedAt = s.now()
	if err := s.save(ctx, m); err != nil {
		return m, err
	}

	// No field of op may change after this point.
	userOpHash, err := op.Hash(m.EntryPoint, big.NewInt(m.ChainID))
	if err != nil {
		return m, s.fail(ctx, m, ErrorCodeSign, fmt.Errorf("failed to hash user operation: %w", err))
	}
	signature, err := s.account.SignUserOperation(ctx, op, userOpHash, m.ChainID)
	if err != nil {
		return m, s.fail(ctx, m, ErrorCodeSign, err)
	}
	op.Signature = signature
	m.UserOperationHash = &userOpHash
	if err := m.Transition(domain.UserOperationStatusSigned, s.now()); err != nil {
		return m, err
	}
	if err := s.save(ctx, m); err != nil {
		return m, err
	}

	logger.Debug().Str("user_op_hash", userOpHash.Hex()).Msg("user operation signed")

	bundlerHash, err := s.bundler.SendUserOperation(ctx, op, m.EntryPoint)
	if err != nil {
		return m, s.fail(ctx, m, ErrorCodeBundlerRejected, err)
	}
	if bundlerHash != userOpHash {
		logger.Warn().
			Str("user_op_hash", userOpHash.Hex()).
			Str("bundler_hash", bundlerHash.Hex()).
			Msg("bundler returned a different user operation hash")
	}
	if err := m.Transition(domain.UserOperationStatusSubmitted, s.now()); err != nil {
		return m, err
	}
	if err := s.save(ctx, m); err != nil {
		return m, err
	}

	logger.Info().
		Str("user_op_hash", userOpHash.Hex()).
		Bool("deploys_account", op.HasInitCode()).
		Msg("user operation submitted")

	if s.watcher == nil {
		return m, nil
	}
	result, err := s.watcher.WaitForConfirmation(ctx, userOpHash)
	if err != nil {
		if errors.Is(err, erc4337.ErrConfirmationTimeout) {
			logger.Warn().Str("user_op_hash", userOpHash.Hex()).Msg("confirmation timed out, leaving operation submitted")
			return m, nil
		}
		return m, fmt.Errorf("failed to wait for confirmation: %w", err)
	}

	if _, err := s.finalize(ctx, m, result.TxHash, result.ActualGasCost, result.ActualGasUsed, result.Err()); err != nil {
		return m, err
	}
	return m, nil
}

// finalize records the on-chain outcome of a submitted operation. A non-nil
// execErr means the operation was included but reverted.
//
// Only one caller finalizes an operation: when another finalization is in
// flight, or the stored record has already left submitted, finalize reports
// false and m is refreshed from the store.
func (s *UserOperationService) finalize(ctx context.Context, m *domain.UserOperationMetadata, txHash common.Hash, gasCost, gasUsed *big.Int, execErr error) (bool, error) {
	if _, busy := s.finalizing.LoadOrStore(m.ID, struct{}{}); busy {
		s.logger(ctx).Debug().Str("user_op_id", m.ID.String()).Msg("user operation is already being finalized")
		return false, nil
	}
	defer s.finalizing.Delete(m.ID)

	current, err := s.store.FindByID(ctx, m.ID)
	if err != nil {
		return false, fmt.Errorf("failed to reload user operation: %w", err)
	}
	if current.Status != domain.UserOperationStatusSubmitted {
		*m = *current
		s.logger(ctx).Debug().
			Str("user_op_id", m.ID.String()).
			Str("status", string(m.Status)).
			Msg("user operation already finalized")
		return false, nil
	}

	now := s.now()
	if txHash != (common.Hash{}) {
		m.TransactionHash = &txHash
	}
	m.ActualGasCost = erc4337.ToHexBig(gasCost)
	m.ActualGasUsed = erc4337.ToHexBig(gasUsed)
	s.metrics.observeConfirmation(m.SubmittedAt, now)

	if execErr != nil {
		if err := m.Fail(execErr, ErrorCodeExecution, now); err != nil {
			return false, err
		}
	} else if err := m.Transition(domain.UserOperationStatusConfirmed, now); err != nil {
		return false, err
	}
	s.metrics.incFinalized(string(m.Status))

	if err := s.save(ctx, m); err != nil {
		return false, err
	}

	s.logger(ctx).Info().
		Str("user_op_id", m.ID.String()).
		Str("status", string(m.Status)).
		Str("transaction_hash", txHash.Hex()).
		Msg("user operation finalized")
	return true, nil
}

func (s *UserOperationService) fail(ctx context.Context, m *domain.UserOperationMetadata, code string, cause error) error {
	s.metrics.incStageError(code)

	s.logger(ctx).Error().Err(cause).
		Str("user_op_id", m.ID.String()).
		Str("code", code).
		Msg("user operation failed")

	if err := m.Fail(cause, code, s.now()); err != nil {
		return errors.Join(cause, err)
	}
	s.metrics.incFinalized(string(domain.UserOperationStatusFailed))

	if err := s.save(ctx, m); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

func (s *UserOperationService) find(ctx context.Context, id uuid.UUID) (*domain.UserOperationMetadata, error) {
	m, err := s.store.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrUserOperationNotFound) {
			return nil, domain.NewError(domain.ErrorCodeResourceNotFound, err, domain.WithMsg("user operation not found"))
		}
		return nil, fmt.Errorf("failed to find user operation: %w", err)
	}
	return m, nil
}

func (s *UserOperationService) save(ctx context.Context, m *domain.UserOperationMetadata) error {
	if err := s.store.Update(ctx, m); err != nil {
		return fmt.Errorf("failed to update user operation: %w", err)
	}
	s.publish(ctx, m)
	return nil
}

func (s *UserOperationService) publish(ctx context.Context, m *domain.UserOperationMetadata) {
	if s.status == nil {
		return
	}
	if err := s.status.SetStatus(ctx, m); err != nil {
		s.logger(ctx).Warn().Err(err).Str("user_op_id", m.ID.String()).Msg("failed to publish status")
	}
}

// validationDetail maps each failed field to the rule it broke, or returns
// nil when err is not a validation error.
func validationDetail(err error) map[string]interface{} {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return nil
	}
	detail := make(map[string]interface{}, len(fieldErrs))
	for _, fe := range fieldErrs {
		detail[fe.Namespace()] = fe.Tag()
	}
	return detail
}

func applyPrepareResponse(op *erc4337.UserOperation, prepared *PrepareUserOperationResponse) {
	op.Sender = prepared.Sender
	op.Nonce = erc4337.ToHexBig(erc4337.BigOrZero(prepared.Nonce))
	op.InitCode = common.CopyBytes(prepared.InitCode)
	op.CallData = common.CopyBytes(prepared.CallData)
	op.Signature = common.CopyBytes(prepared.DummySignature)
	op.PaymasterAndData = common.CopyBytes(prepared.DummyPaymasterAndData)
	op.Normalize()
}

func applyFees(op *erc4337.UserOperation, fees *ResolvedFees) error {
	maxFee, err := erc4337.ParseQuantity(fees.MaxFeePerGas)
	if err != nil {
		return fmt.Errorf("invalid maxFeePerGas: %w", err)
	}
	maxPriorityFee, err := erc4337.ParseQuantity(fees.MaxPriorityFeePerGas)
	if err != nil {
		return fmt.Errorf("invalid maxPriorityFeePerGas: %w", err)
	}
	op.MaxFeePerGas = erc4337.ToHexBig(maxFee)
	op.MaxPriorityFeePerGas = erc4337.ToHexBig(maxPriorityFee)
	return nil
}
