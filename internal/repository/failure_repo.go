package repository

import (
	"context"

	"github.com/voxwire/cdrhub/internal/domain"
	"gorm.io/gorm"
)

// FailureRepository handles bulk persistence of rows that failed validation
// or could not be stored as records.
type FailureRepository struct {
	db *gorm.DB
}

// NewFailureRepository creates a new FailureRepository.
func NewFailureRepository(db *gorm.DB) *FailureRepository {
	return &FailureRepository{db: db}
}

// BulkInsert writes a batch of failed rows in one statement.
func (r *FailureRepository) BulkInsert(ctx context.Context, rows []*domain.FailedRow) error {
	if len(rows) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Create(rows).Error
}

// ListByCorrelationID returns the failed rows of a unit ordered by row number.
func (r *FailureRepository) ListByCorrelationID(ctx context.Context, correlationID string, limit, offset int) ([]domain.FailedRow, error) {
	var rows []domain.FailedRow
	if err := r.db.WithContext(ctx).
		Where("correlation_id = ?", correlationID).
		Order("row_number").
		Limit(limit).
		Offset(offset).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
