package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/voxwire/cdrhub/internal/domain"
	"github.com/voxwire/cdrhub/internal/logger"
	"github.com/voxwire/cdrhub/internal/storage"
	"gorm.io/gorm"
)

const maxStatusMessageLen = 1024

// UnitWorker processes one queued ingestion unit end to end: download the
// blob, stream its rows through the processor, finalize the unit's own row,
// and fold a chunk's outcome into its master.
type UnitWorker struct {
	statuses  JobStatusRepo
	processor *Processor
	storage   storage.ObjectStorage
	logger    *logger.Logger
}

// NewUnitWorker creates a worker for queued ingestion units.
func NewUnitWorker(statuses JobStatusRepo, processor *Processor, objectStorage storage.ObjectStorage, log *logger.Logger) *UnitWorker {
	return &UnitWorker{
		statuses:  statuses,
		processor: processor,
		storage:   objectStorage,
		logger:    log,
	}
}

func (w *UnitWorker) log(ctx context.Context) *logger.Logger {
	if l := logger.FromContext(ctx); l != nil {
		return l
	}
	return w.logger
}

// ProcessUnit handles one unit-processing work item. Redeliveries are safe:
// a terminal unit short-circuits, except that a terminal chunk whose outcome
// never reached its master re-drives the aggregation from its persisted
// counts. Aggregation errors are returned so the queue redelivers the item.
func (w *UnitWorker) ProcessUnit(ctx context.Context, correlationID string) error {
	log := w.log(ctx).WithFields(logger.Fields{logger.FieldCorrelationID: correlationID})

	status, err := w.statuses.GetByCorrelationID(ctx, correlationID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Error("Work item references an unregistered unit, aborting")
			return fmt.Errorf("unit %s has no job status row: %w", correlationID, err)
		}
		return fmt.Errorf("failed to load job status %s: %w", correlationID, err)
	}

	if status.IsTerminal() {
		if status.Kind == domain.UnitKindChunk && status.AggregatedAt == nil {
			// The previous delivery finalized the chunk but crashed before
			// the master saw its outcome.
			log.Info("Re-driving aggregation for finalized chunk")
			return w.aggregate(ctx, status)
		}
		log.Info("Ignoring work item for unit already in a terminal status")
		return nil
	}

	if err := w.statuses.MarkProcessing(ctx, correlationID); err != nil {
		// Best-effort: a stale status only affects pollers, not correctness.
		log.WithError(err).Warn("Failed to mark unit processing")
	}

	outcome := w.runIngest(ctx, status)
	finalStatus := outcome.TerminalStatus()

	if err := w.statuses.FinalizeLeaf(ctx, correlationID, finalStatus,
		outcome.SuccessfulRecords, outcome.FailedRecords, outcomeMessage(outcome)); err != nil {
		return fmt.Errorf("failed to finalize unit %s: %w", correlationID, err)
	}

	log.WithFields(logger.Fields{
		logger.FieldStatus: string(finalStatus),
		logger.FieldCount:  outcome.SuccessfulRecords,
	}).Info("Unit processing finished")

	if status.Kind == domain.UnitKindChunk {
		status.Status = finalStatus
		status.ProcessedRecordsCount = &outcome.SuccessfulRecords
		status.FailedRecordsCount = &outcome.FailedRecords
		return w.aggregate(ctx, status)
	}
	return nil
}

// runIngest downloads the unit's blob and streams it through the processor.
// A blob that cannot be fetched is a file-level failure, not a crash.
func (w *UnitWorker) runIngest(ctx context.Context, status *domain.JobStatus) domain.IngestOutcome {
	reader, err := w.storage.Download(ctx, status.BlobName)
	if err != nil {
		w.log(ctx).WithFields(logger.Fields{
			logger.FieldCorrelationID: status.CorrelationID,
			logger.FieldBlobName:      status.BlobName,
		}).WithError(err).Error("Failed to download unit blob")
		return domain.FileLevelFailure(fmt.Sprintf("failed to download blob %s: %v", status.BlobName, err))
	}
	defer reader.Close()

	return w.processor.Process(ctx, status.CorrelationID, reader)
}

// aggregate folds a chunk's finalized counts into its master row. The chunk's
// terminal status, not its row counts, decides the succeeded flag, since a
// partially succeeded chunk still counts as a completed one.
func (w *UnitWorker) aggregate(ctx context.Context, chunk *domain.JobStatus) error {
	if chunk.ParentCorrelationID == nil {
		return fmt.Errorf("chunk %s has no parent correlation id", chunk.CorrelationID)
	}

	var processed, failed int64
	if chunk.ProcessedRecordsCount != nil {
		processed = *chunk.ProcessedRecordsCount
	}
	if chunk.FailedRecordsCount != nil {
		failed = *chunk.FailedRecordsCount
	}
	succeeded := chunk.Status != domain.UnitStatusFailed

	if err := w.statuses.RecordChunkOutcome(ctx, *chunk.ParentCorrelationID, chunk.CorrelationID, succeeded, processed, failed); err != nil {
		return fmt.Errorf("failed to aggregate chunk %s into master %s: %w",
			chunk.CorrelationID, *chunk.ParentCorrelationID, err)
	}
	return nil
}

// outcomeMessage renders a short human-readable summary for the status row.
func outcomeMessage(outcome domain.IngestOutcome) string {
	var msg string
	switch {
	case outcome.IsFileLevelFailure():
		msg = "file-level failure"
		if len(outcome.Errors) > 0 {
			msg += ": " + strings.Join(outcome.Errors, "; ")
		}
	case outcome.FailedRecords > 0:
		msg = fmt.Sprintf("processed %d records, %d failed", outcome.SuccessfulRecords, outcome.FailedRecords)
		if len(outcome.Errors) > 0 {
			msg += " (first errors: " + strings.Join(firstN(outcome.Errors, 3), "; ") + ")"
		}
	default:
		msg = fmt.Sprintf("processed %d records", outcome.SuccessfulRecords)
	}
	if len(msg) > maxStatusMessageLen {
		msg = msg[:maxStatusMessageLen]
	}
	return msg
}

func firstN(s []string, n int) []string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
