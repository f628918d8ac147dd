package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/voxwire/cdrhub/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrMasterNotFound is returned by RecordChunkOutcome when the parent row is
// missing or is not a master unit.
var ErrMasterNotFound = errors.New("master job status not found")

var terminalStatuses = []domain.UnitStatus{
	domain.UnitStatusSucceeded,
	domain.UnitStatusPartiallySucceeded,
	domain.UnitStatusFailed,
}

// JobStatusRepository handles job status persistence and the atomic
// chunk-outcome aggregation.
type JobStatusRepository struct {
	db *gorm.DB
}

// NewJobStatusRepository creates a new JobStatusRepository.
func NewJobStatusRepository(db *gorm.DB) *JobStatusRepository {
	return &JobStatusRepository{db: db}
}

// Create inserts a new job status row.
func (r *JobStatusRepository) Create(ctx context.Context, status *domain.JobStatus) error {
	return r.db.WithContext(ctx).Create(status).Error
}

// GetByCorrelationID retrieves a job status by its correlation id.
func (r *JobStatusRepository) GetByCorrelationID(ctx context.Context, correlationID string) (*domain.JobStatus, error) {
	var status domain.JobStatus
	if err := r.db.WithContext(ctx).First(&status, "correlation_id = ?", correlationID).Error; err != nil {
		return nil, err
	}
	return &status, nil
}

// ListChunksByParent returns all chunk rows of a master, ordered by blob name
// so the ordering matches the chunk ordinals embedded in the names.
func (r *JobStatusRepository) ListChunksByParent(ctx context.Context, parentID string) ([]domain.JobStatus, error) {
	var chunks []domain.JobStatus
	err := r.db.WithContext(ctx).
		Where("parent_correlation_id = ? AND kind = ?", parentID, domain.UnitKindChunk).
		Order("blob_name").
		Find(&chunks).Error
	if err != nil {
		return nil, err
	}
	return chunks, nil
}

// Update performs a full-row replace of a job status.
func (r *JobStatusRepository) Update(ctx context.Context, status *domain.JobStatus) error {
	return r.db.WithContext(ctx).Save(status).Error
}

// Delete removes a job status row. Job statuses are a durable audit trail and
// are never deleted once their work is enqueued; this exists solely so the
// orchestrator can roll back chunk rows whose work items were never queued.
func (r *JobStatusRepository) Delete(ctx context.Context, correlationID string) error {
	return r.db.WithContext(ctx).Delete(&domain.JobStatus{}, "correlation_id = ?", correlationID).Error
}

// MarkProcessing transitions a non-terminal unit to Processing. Callers treat
// a failure here as best-effort: it only risks a stale read for pollers.
func (r *JobStatusRepository) MarkProcessing(ctx context.Context, correlationID string) error {
	return r.db.WithContext(ctx).Model(&domain.JobStatus{}).
		Where("correlation_id = ? AND status NOT IN ?", correlationID, terminalStatuses).
		Update("status", domain.UnitStatusProcessing).Error
}

// FinalizeLeaf persists the terminal status and record counts of a single-file
// or chunk unit. A unit already in a terminal status is left untouched, which
// makes redelivered work items idempotent at the status layer.
func (r *JobStatusRepository) FinalizeLeaf(ctx context.Context, correlationID string, status domain.UnitStatus, processed, failed int64, message string) error {
	return r.db.WithContext(ctx).Model(&domain.JobStatus{}).
		Where("correlation_id = ? AND status NOT IN ?", correlationID, terminalStatuses).
		Updates(map[string]interface{}{
			"status":                  status,
			"processed_records_count": processed,
			"failed_records_count":    failed,
			"message":                 message,
		}).Error
}

// RecordChunkOutcome atomically applies one chunk's outcome to its master row.
// The read-modify-write of the master runs inside a single transaction with a
// row lock, so concurrent chunk completions can never under-count; the same
// transaction stamps the chunk row as aggregated, so a redelivered work item
// applies nothing twice. Finalization happens exactly once, on the call that
// brings ProcessedChunks up to TotalChunks.
func (r *JobStatusRepository) RecordChunkOutcome(ctx context.Context, parentID, chunkID string, succeeded bool, processed, failed int64) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var master domain.JobStatus
		if err := lockForUpdate(tx).First(&master, "correlation_id = ?", parentID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", ErrMasterNotFound, parentID)
			}
			return fmt.Errorf("failed to load master %s: %w", parentID, err)
		}
		if master.Kind != domain.UnitKindMaster {
			return fmt.Errorf("%w: %s has kind %s", ErrMasterNotFound, parentID, master.Kind)
		}

		// A finalized master is never revisited.
		if master.IsTerminal() {
			return nil
		}

		var chunk domain.JobStatus
		if err := tx.First(&chunk, "correlation_id = ?", chunkID).Error; err != nil {
			return fmt.Errorf("failed to load chunk %s: %w", chunkID, err)
		}
		if chunk.AggregatedAt != nil {
			// Redelivery of a chunk whose outcome was already applied.
			return nil
		}

		master.ProcessedChunks = addInt(master.ProcessedChunks, 1)
		if succeeded {
			master.SuccessfulChunks = addInt(master.SuccessfulChunks, 1)
		} else {
			master.FailedChunks = addInt(master.FailedChunks, 1)
		}
		master.ProcessedRecordsCount = addInt64(master.ProcessedRecordsCount, maxInt64(processed, 0))
		// A file-level chunk failure carries the negative sentinel; it
		// contributes no row counts to the master totals.
		master.FailedRecordsCount = addInt64(master.FailedRecordsCount, maxInt64(failed, 0))

		if master.TotalChunks != nil && *master.ProcessedChunks >= *master.TotalChunks {
			finalizeMaster(&master)
		}

		now := time.Now().UTC()
		chunk.AggregatedAt = &now

		if err := tx.Save(&master).Error; err != nil {
			return fmt.Errorf("failed to update master %s: %w", parentID, err)
		}
		if err := tx.Save(&chunk).Error; err != nil {
			return fmt.Errorf("failed to stamp chunk %s: %w", chunkID, err)
		}
		return nil
	})
}

// finalizeMaster computes the terminal status from the chunk flag counters and
// the aggregated record counts. All chunks failed means Failed; any chunk or
// row failure alongside successes means PartiallySucceeded.
func finalizeMaster(master *domain.JobStatus) {
	failedChunks := valInt(master.FailedChunks)
	successfulChunks := valInt(master.SuccessfulChunks)
	failedRecords := valInt64(master.FailedRecordsCount)

	switch {
	case failedChunks > 0 && successfulChunks == 0:
		master.Status = domain.UnitStatusFailed
	case failedChunks > 0 || failedRecords > 0:
		master.Status = domain.UnitStatusPartiallySucceeded
	default:
		master.Status = domain.UnitStatusSucceeded
	}
	master.Message = fmt.Sprintf("%d/%d chunks succeeded, %d records processed, %d failed",
		successfulChunks, valInt(master.TotalChunks), valInt64(master.ProcessedRecordsCount), failedRecords)
}

// lockForUpdate adds a FOR UPDATE row lock on dialects that support it.
// SQLite serializes writers with its database-level lock, so the plain
// transaction is already safe there.
func lockForUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "postgres" {
		return tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return tx
}

func addInt(p *int, delta int) *int {
	v := delta
	if p != nil {
		v += *p
	}
	return &v
}

func addInt64(p *int64, delta int64) *int64 {
	v := delta
	if p != nil {
		v += *p
	}
	return &v
}

func valInt(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}

func valInt64(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
