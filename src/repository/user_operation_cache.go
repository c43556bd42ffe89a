package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethaccount/userop/src/domain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const statusTTL = 24 * time.Hour

// ErrQueueEmpty is returned by Dequeue when no ID arrived before the timeout.
var ErrQueueEmpty = errors.New("queue is empty")

// UserOperationStatusEntry is the cached view of an operation's latest state.
type UserOperationStatusEntry struct {
	ID                uuid.UUID                  `json:"id"`
	ChainID           int64                      `json:"chain_id"`
	Status            domain.UserOperationStatus `json:"status"`
	UserOperationHash *common.Hash               `json:"user_op_hash,omitempty"`
	TransactionHash   *common.Hash               `json:"transaction_hash,omitempty"`
	Error             string                     `json:"error,omitempty"`
	UpdatedAt         time.Time                  `json:"updated_at"`
}

// UserOperationCache is the Redis side of the pipeline: a list of approved
// operation IDs waiting for a worker, and a status mirror with a 24h TTL.
type UserOperationCache struct {
	redis       *redis.Client
	queueName   string
	statusCache string
}

func NewUserOperationCache(redis *redis.Client, queueName string) *UserOperationCache {
	return &UserOperationCache{
		redis:       redis,
		queueName:   queueName,
		statusCache: queueName + ":status",
	}
}

func (r *UserOperationCache) Enqueue(ctx context.Context, id uuid.UUID) error {
	return r.redis.LPush(ctx, r.queueName, id.String()).Err()
}

// Dequeue blocks up to timeout for the next operation ID.
func (r *UserOperationCache) Dequeue(ctx context.Context, timeout time.Duration) (uuid.UUID, error) {
	result, err := r.redis.BRPop(ctx, timeout, r.queueName).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return uuid.Nil, ErrQueueEmpty
		}
		return uuid.Nil, err
	}

	id, err := uuid.Parse(result[1])
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to parse queued id %q: %w", result[1], err)
	}
	return id, nil
}

func (r *UserOperationCache) statusKey(id uuid.UUID) string {
	return fmt.Sprintf("%s:%s", r.statusCache, id)
}

// NewUserOperationStatusEntry builds the cached view of m.
func NewUserOperationStatusEntry(m *domain.UserOperationMetadata) *UserOperationStatusEntry {
	entry := &UserOperationStatusEntry{
		ID:                m.ID,
		ChainID:           m.ChainID,
		Status:            m.Status,
		UserOperationHash: m.UserOperationHash,
		TransactionHash:   m.TransactionHash,
		UpdatedAt:         m.UpdatedAt,
	}
	if m.Error != nil {
		entry.Error = m.Error.Message
	}
	return entry
}

func (r *UserOperationCache) SetStatus(ctx context.Context, m *domain.UserOperationMetadata) error {
	entry := NewUserOperationStatusEntry(m)

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal status entry: %w", err)
	}
	return r.redis.Set(ctx, r.statusKey(m.ID), data, statusTTL).Err()
}

// GetStatus returns domain.ErrUserOperationNotFound when nothing is cached.
func (r *UserOperationCache) GetStatus(ctx context.Context, id uuid.UUID) (*UserOperationStatusEntry, error) {
	data, err := r.redis.Get(ctx, r.statusKey(id)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrUserOperationNotFound
		}
		return nil, err
	}

	var entry UserOperationStatusEntry
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal status entry: %w", err)
	}
	return &entry, nil
}
