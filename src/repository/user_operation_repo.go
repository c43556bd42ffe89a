package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethaccount/userop/src/domain"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// UserOperationModel is the row layout of the user_operations table. The
// full metadata lives in Payload; the other columns exist for filtering.
type UserOperationModel struct {
	ID                uuid.UUID       `gorm:"primaryKey;type:uuid"`
	Status            string          `gorm:"type:varchar(16);not null"`
	ChainID           int64           `gorm:"not null"`
	EntryPoint        string          `gorm:"type:varchar(42);not null"`
	Sender            string          `gorm:"type:varchar(42);not null"`
	Origin            string          `gorm:"type:varchar(255);not null"`
	UserOperationHash *string         `gorm:"type:varchar(66)"`
	TransactionHash   *string         `gorm:"type:varchar(66)"`
	Payload           json.RawMessage `gorm:"type:jsonb;not null"`
	CreatedAt         time.Time       `gorm:"not null"`
	UpdatedAt         time.Time       `gorm:"not null"`
}

func (UserOperationModel) TableName() string {
	return "user_operations"
}

func toModel(m *domain.UserOperationMetadata) (*UserOperationModel, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal user operation metadata: %w", err)
	}

	model := &UserOperationModel{
		ID:         m.ID,
		Status:     string(m.Status),
		ChainID:    m.ChainID,
		EntryPoint: m.EntryPoint.Hex(),
		Sender:     m.Request.Sender.Hex(),
		Origin:     m.Origin,
		Payload:    payload,
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
	}
	if m.UserOperationHash != nil {
		h := m.UserOperationHash.Hex()
		model.UserOperationHash = &h
	}
	if m.TransactionHash != nil {
		h := m.TransactionHash.Hex()
		model.TransactionHash = &h
	}
	return model, nil
}

func (model *UserOperationModel) toDomain() (*domain.UserOperationMetadata, error) {
	var m domain.UserOperationMetadata
	if err := json.Unmarshal(model.Payload, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal user operation metadata: %w", err)
	}
	return &m, nil
}

type UserOperationRepository struct {
	db *gorm.DB
}

func NewUserOperationRepository(db *gorm.DB) *UserOperationRepository {
	return &UserOperationRepository{db: db}
}

func (r *UserOperationRepository) Create(ctx context.Context, m *domain.UserOperationMetadata) error {
	model, err := toModel(m)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Create(model).Error
}

func (r *UserOperationRepository) Update(ctx context.Context, m *domain.UserOperationMetadata) error {
	model, err := toModel(m)
	if err != nil {
		return err
	}

	result := r.db.WithContext(ctx).Model(&UserOperationModel{}).
		Where("id = ?", model.ID).
		Updates(map[string]interface{}{
			"status":              model.Status,
			"user_operation_hash": model.UserOperationHash,
			"transaction_hash":    model.TransactionHash,
			"payload":             model.Payload,
			"updated_at":          model.UpdatedAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrUserOperationNotFound
	}
	return nil
}

func (r *UserOperationRepository) FindByID(ctx context.Context, id uuid.UUID) (*domain.UserOperationMetadata, error) {
	var model UserOperationModel
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrUserOperationNotFound
		}
		return nil, err
	}
	return model.toDomain()
}

// Find returns operations matching filter, newest first.
func (r *UserOperationRepository) Find(ctx context.Context, filter domain.UserOperationFilter) ([]*domain.UserOperationMetadata, error) {
	query := r.db.WithContext(ctx).Model(&UserOperationModel{})
	if filter.Status != "" {
		query = query.Where("status = ?", string(filter.Status))
	}
	if filter.ChainID != 0 {
		query = query.Where("chain_id = ?", filter.ChainID)
	}
	if filter.Sender != nil {
		query = query.Where("sender = ?", filter.Sender.Hex())
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var models []*UserOperationModel
	if err := query.Order("created_at DESC").Find(&models).Error; err != nil {
		return nil, err
	}

	result := make([]*domain.UserOperationMetadata, 0, len(models))
	for _, model := range models {
		m, err := model.toDomain()
		if err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	return result, nil
}
