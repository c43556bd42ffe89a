package repository

import (
	"context"
	"fmt"
	"sort"

	"github.com/ethaccount/userop/src/domain"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

// MemoryStore keeps metadata in process. Values are cloned on the way in and
// out so callers never share state with the store.
type MemoryStore struct {
	m *xsync.MapOf[uuid.UUID, *domain.UserOperationMetadata]
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{m: xsync.NewMapOf[uuid.UUID, *domain.UserOperationMetadata]()}
}

func (s *MemoryStore) Create(ctx context.Context, m *domain.UserOperationMetadata) error {
	if _, loaded := s.m.LoadOrStore(m.ID, m.Clone()); loaded {
		return fmt.Errorf("user operation %s already exists", m.ID)
	}
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, m *domain.UserOperationMetadata) error {
	found := false
	s.m.Compute(m.ID, func(old *domain.UserOperationMetadata, loaded bool) (*domain.UserOperationMetadata, bool) {
		if !loaded {
			return nil, true
		}
		found = true
		return m.Clone(), false
	})
	if !found {
		return domain.ErrUserOperationNotFound
	}
	return nil
}

func (s *MemoryStore) FindByID(ctx context.Context, id uuid.UUID) (*domain.UserOperationMetadata, error) {
	m, ok := s.m.Load(id)
	if !ok {
		return nil, domain.ErrUserOperationNotFound
	}
	return m.Clone(), nil
}

func (s *MemoryStore) Find(ctx context.Context, filter domain.UserOperationFilter) ([]*domain.UserOperationMetadata, error) {
	var result []*domain.UserOperationMetadata
	s.m.Range(func(_ uuid.UUID, m *domain.UserOperationMetadata) bool {
		if filter.Matches(m) {
			result = append(result, m.Clone())
		}
		return true
	})

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}
