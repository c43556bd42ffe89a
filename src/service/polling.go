package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethaccount/userop/erc4337"
	"github.com/ethaccount/userop/src/domain"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/rs/zerolog"
)

// ErrUserOperationDropped marks a submitted operation the bundler never
// reported a receipt for within the pending window.
var ErrUserOperationDropped = errors.New("user operation was not included before the pending deadline")

const ErrorCodeDropped = "dropped"

type PollingConfig struct {
	PollingInterval time.Duration
	// MaxPendingAge fails submitted operations older than this. Zero keeps
	// them submitted forever.
	MaxPendingAge time.Duration
	// MinPendingAge skips operations submitted more recently than this, so
	// that a worker still waiting for the event finalizes them itself.
	MinPendingAge time.Duration
	BatchSize     int
}

// PollingService finalizes operations whose confirmation wait timed out by
// asking the bundler for their receipts.
type PollingService struct {
	userOps *UserOperationService
	config  PollingConfig
}

func NewPollingService(userOps *UserOperationService, config PollingConfig) *PollingService {
	if config.PollingInterval <= 0 {
		config.PollingInterval = 15 * time.Second
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	return &PollingService{
		userOps: userOps,
		config:  config,
	}
}

// logger wraps the execution context with component info
func (s *PollingService) logger(ctx context.Context) *zerolog.Logger {
	l := zerolog.Ctx(ctx).With().Str("component", "polling-service").Logger()
	return &l
}

// Start runs the reconcile loop until ctx is done.
func (s *PollingService) Start(ctx context.Context) error {
	s.logger(ctx).Info().
		Dur("polling_interval", s.config.PollingInterval).
		Dur("max_pending_age", s.config.MaxPendingAge).
		Msg("starting polling service")

	ticker := time.NewTicker(s.config.PollingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger(ctx).Info().Msg("polling service stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Poll(ctx); err != nil {
				s.logger(ctx).Error().Err(err).Msg("polling cycle failed")
			}
		}
	}
}

// Poll performs a single reconcile cycle and returns how many operations
// reached a terminal status.
func (s *PollingService) Poll(ctx context.Context) (int, error) {
	submitted, err := s.userOps.ListUserOperations(ctx, domain.UserOperationFilter{
		Status:  domain.UserOperationStatusSubmitted,
		ChainID: s.userOps.config.ChainID,
		Limit:   s.config.BatchSize,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list submitted user operations: %w", err)
	}
	if len(submitted) == 0 {
		s.logger(ctx).Debug().Msg("no submitted user operations")
		return 0, nil
	}

	finalized := 0
	for _, m := range submitted {
		done, err := s.reconcile(ctx, m)
		if err != nil {
			s.logger(ctx).Warn().Err(err).Str("user_op_id", m.ID.String()).Msg("failed to reconcile user operation")
			continue
		}
		if done {
			finalized++
		}
	}

	s.logger(ctx).Debug().
		Int("submitted", len(submitted)).
		Int("finalized", finalized).
		Msg("polling cycle completed")
	return finalized, nil
}

func (s *PollingService) reconcile(ctx context.Context, m *domain.UserOperationMetadata) (bool, error) {
	if m.UserOperationHash == nil {
		return false, fmt.Errorf("submitted user operation has no hash")
	}

	if s.config.MinPendingAge > 0 && m.SubmittedAt != nil && s.userOps.now().Sub(*m.SubmittedAt) < s.config.MinPendingAge {
		return false, nil
	}

	receipt, err := s.userOps.bundler.GetUserOperationReceipt(ctx, *m.UserOperationHash)
	if err != nil {
		return false, fmt.Errorf("failed to get user operation receipt: %w", err)
	}

	if receipt == nil {
		if s.config.MaxPendingAge > 0 && m.SubmittedAt != nil && s.userOps.now().Sub(*m.SubmittedAt) > s.config.MaxPendingAge {
			// fail hands back the cause unchanged once the failure is persisted.
			if err := s.userOps.fail(ctx, m, ErrorCodeDropped, ErrUserOperationDropped); err != ErrUserOperationDropped { //nolint:errorlint
				return false, err
			}
			return true, nil
		}
		return false, nil
	}

	var execErr error
	if !receipt.Success {
		execErr = &erc4337.ExecutionFailedError{
			UserOpHash: *m.UserOperationHash,
			TxHash:     receipt.TransactionHash(),
			Reason:     receiptReason(receipt.Reason),
		}
	}
	return s.userOps.finalize(ctx, m, receipt.TransactionHash(), bigOrNil(receipt.ActualGasCost), bigOrNil(receipt.ActualGasUsed), execErr)
}

// receiptReason decodes an Error(string) payload when the bundler reports the
// raw revert data.
func receiptReason(reason string) string {
	data, err := hexutil.Decode(reason)
	if err != nil {
		return reason
	}
	if decoded, ok := erc4337.DecodeRevertReason(data); ok {
		return decoded
	}
	return reason
}

func bigOrNil(v *hexutil.Big) *big.Int {
	if v == nil {
		return nil
	}
	return v.ToInt()
}
