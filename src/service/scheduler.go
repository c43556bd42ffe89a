package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ethaccount/userop/src/repository"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const dequeueTimeout = time.Second

// UserOperationQueue feeds approved operation IDs to the scheduler.
// Dequeue returns repository.ErrQueueEmpty when nothing arrived in time.
type UserOperationQueue interface {
	Dequeue(ctx context.Context, timeout time.Duration) (uuid.UUID, error)
}

// UserOperationScheduler runs approved operations through the pipeline with a
// fixed number of workers.
type UserOperationScheduler struct {
	queue   UserOperationQueue
	userOps *UserOperationService
	workers int
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewUserOperationScheduler(ctx context.Context, queue UserOperationQueue, workers int, userOps *UserOperationService) *UserOperationScheduler {
	ctx, cancel := context.WithCancel(ctx)
	if workers <= 0 {
		workers = 1
	}

	return &UserOperationScheduler{
		queue:   queue,
		userOps: userOps,
		workers: workers,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the workers.
func (s *UserOperationScheduler) Start() {
	zerolog.Ctx(s.ctx).Info().Int("workers", s.workers).Msg("starting user operation scheduler")
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.work(i)
	}
}

// Stop cancels the workers and waits for in-flight operations to return.
func (s *UserOperationScheduler) Stop() {
	s.cancel()
	s.wg.Wait()
}

func (s *UserOperationScheduler) work(worker int) {
	defer s.wg.Done()

	logger := zerolog.Ctx(s.ctx).With().Str("function", "work").Int("worker", worker).Logger()

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
			id, err := s.queue.Dequeue(s.ctx, dequeueTimeout)
			if err != nil {
				if errors.Is(err, repository.ErrQueueEmpty) {
					continue
				}
				// if context was cancelled (during shutdown), ignore error
				if s.ctx.Err() != nil {
					return
				}
				logger.Error().Err(err).Msg("Error popping from queue")
				time.Sleep(dequeueTimeout)
				continue
			}

			s.process(logger.WithContext(s.ctx), id)
		}
	}
}

func (s *UserOperationScheduler) process(ctx context.Context, id uuid.UUID) {
	logger := zerolog.Ctx(ctx)
	logger.Info().Str("user_op_id", id.String()).Msg("processing user operation")

	m, err := s.userOps.ProcessUserOperation(ctx, id)
	if err != nil {
		logger.Error().Err(err).Str("user_op_id", id.String()).Msg("user operation processing failed")
		return
	}
	logger.Info().
		Str("user_op_id", id.String()).
		Str("status", string(m.Status)).
		Msg("user operation processed")
}
