package repository

import (
	"context"

	"github.com/voxwire/cdrhub/internal/domain"
	"gorm.io/gorm"
)

// CDRRepository handles bulk persistence of validated call detail records.
type CDRRepository struct {
	db *gorm.DB
}

// NewCDRRepository creates a new CDRRepository.
func NewCDRRepository(db *gorm.DB) *CDRRepository {
	return &CDRRepository{db: db}
}

// BulkInsert writes a batch of validated records in one statement. The batch
// is all-or-nothing: on error the caller demotes the whole batch to failed
// rows rather than dropping it.
func (r *CDRRepository) BulkInsert(ctx context.Context, records []*domain.CallDetailRecord) error {
	if len(records) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Create(records).Error
}

// CountByCorrelationID counts records owned by a unit.
func (r *CDRRepository) CountByCorrelationID(ctx context.Context, correlationID string) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&domain.CallDetailRecord{}).
		Where("correlation_id = ?", correlationID).
		Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}
