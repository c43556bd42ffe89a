package service

import (
	"context"
	"testing"
	"time"

	"github.com/ethaccount/userop/src/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserOperationScheduler_ProcessesQueuedOperations(t *testing.T) {
	p := newPipeline(t)
	first := p.approved(t)
	second := p.approved(t)

	scheduler := NewUserOperationScheduler(context.Background(), p.queue, 2, p.service)
	scheduler.Start()
	defer scheduler.Stop()

	for _, m := range []*domain.UserOperationMetadata{first, second} {
		id := m.ID
		assert.Eventually(t, func() bool {
			stored, err := p.store.FindByID(context.Background(), id)
			return err == nil && stored.Status == domain.UserOperationStatusConfirmed
		}, 5*time.Second, 10*time.Millisecond)
	}
	assert.Equal(t, 2, p.bundler.sentCount())
}

func TestUserOperationScheduler_StopReturns(t *testing.T) {
	p := newPipeline(t)
	scheduler := NewUserOperationScheduler(context.Background(), p.queue, 3, p.service)
	scheduler.Start()

	done := make(chan struct{})
	go func() {
		scheduler.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		require.FailNow(t, "scheduler did not stop")
	}
}
