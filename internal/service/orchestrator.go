package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/voxwire/cdrhub/internal/domain"
	"github.com/voxwire/cdrhub/internal/logger"
	"github.com/voxwire/cdrhub/internal/splitter"
	"gorm.io/gorm"
)

// ChunkSplitter is the part of the splitter the orchestrator depends on.
type ChunkSplitter interface {
	Split(ctx context.Context, blobName, parentID, originalFileName string) ([]splitter.ChunkDescriptor, error)
	Rollback(ctx context.Context, descriptors []splitter.ChunkDescriptor)
}

// Dispatcher enqueues unit-processing work items for the background workers.
type Dispatcher interface {
	EnqueueUnitProcessing(ctx context.Context, correlationID string) error
}

// TriggerDescriptor describes a blob-created event: where the blob lives, how
// large it is, and the identity its uploader attached to it.
type TriggerDescriptor struct {
	Container           string
	BlobName            string
	OriginalFileName    string
	ByteSize            int64
	CorrelationID       string
	ParentCorrelationID string
}

// OrchestratorConfig holds the chunking decision parameters.
type OrchestratorConfig struct {
	ChunkThresholdBytes int64
	Container           string
}

// Orchestrator reacts to blob-created triggers. Small blobs are enqueued for
// direct processing; oversized blobs are split into chunk blobs, each with its
// own job row and work item, and the trigger's row is promoted to a master
// that aggregates the chunks' outcomes.
type Orchestrator struct {
	statuses  JobStatusRepo
	splitter  ChunkSplitter
	dispatch  Dispatcher
	logger    *logger.Logger
	threshold int64
	container string
}

// JobStatusRepo abstracts the job status repository operations used by the
// service layer.
type JobStatusRepo interface {
	Create(ctx context.Context, status *domain.JobStatus) error
	GetByCorrelationID(ctx context.Context, correlationID string) (*domain.JobStatus, error)
	Update(ctx context.Context, status *domain.JobStatus) error
	Delete(ctx context.Context, correlationID string) error
	ListChunksByParent(ctx context.Context, parentID string) ([]domain.JobStatus, error)
	MarkProcessing(ctx context.Context, correlationID string) error
	FinalizeLeaf(ctx context.Context, correlationID string, status domain.UnitStatus, processed, failed int64, message string) error
	RecordChunkOutcome(ctx context.Context, parentID, chunkID string, succeeded bool, processed, failed int64) error
}

// NewOrchestrator creates a blob processing orchestrator.
func NewOrchestrator(statuses JobStatusRepo, chunkSplitter ChunkSplitter, dispatch Dispatcher, log *logger.Logger, cfg *OrchestratorConfig) *Orchestrator {
	return &Orchestrator{
		statuses:  statuses,
		splitter:  chunkSplitter,
		dispatch:  dispatch,
		logger:    log,
		threshold: cfg.ChunkThresholdBytes,
		container: cfg.Container,
	}
}

func (o *Orchestrator) log(ctx context.Context) *logger.Logger {
	if l := logger.FromContext(ctx); l != nil {
		return l
	}
	return o.logger
}

// HandleBlobCreated routes one blob-created trigger. It is safe to redeliver:
// a terminal unit is a no-op, and a master whose chunks were already queued is
// re-driven by re-enqueuing its chunk work items instead of splitting again.
func (o *Orchestrator) HandleBlobCreated(ctx context.Context, trigger TriggerDescriptor) error {
	repo := o.statuses

	status, err := repo.GetByCorrelationID(ctx, trigger.CorrelationID)
	switch {
	case err == nil:
		// Row registered by the upload front door (or by a previous delivery).
	case errors.Is(err, gorm.ErrRecordNotFound):
		status, err = o.registerUnknownBlob(ctx, trigger)
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("failed to load job status %s: %w", trigger.CorrelationID, err)
	}

	log := o.log(ctx).WithFields(logger.Fields{
		logger.FieldCorrelationID: status.CorrelationID,
		logger.FieldBlobName:      trigger.BlobName,
	})

	if status.IsTerminal() {
		log.Info("Ignoring trigger for unit already in a terminal status")
		return nil
	}

	if status.Kind == domain.UnitKindMaster && status.Status == domain.UnitStatusChunksQueued {
		// Redelivery after a partial enqueue: the chunks already exist, only
		// their work items may be missing.
		return o.reenqueueChunks(ctx, status.CorrelationID)
	}

	if trigger.ByteSize > o.threshold && status.Kind != domain.UnitKindChunk {
		return o.splitAndQueue(ctx, status, trigger)
	}
	return o.queueDirect(ctx, status)
}

// registerUnknownBlob creates a job row for a blob that arrived without one,
// so direct container uploads are still tracked and processed.
func (o *Orchestrator) registerUnknownBlob(ctx context.Context, trigger TriggerDescriptor) (*domain.JobStatus, error) {
	container := trigger.Container
	if container == "" {
		container = o.container
	}
	status := &domain.JobStatus{
		CorrelationID:    trigger.CorrelationID,
		Kind:             domain.UnitKindSingleFile,
		Status:           domain.UnitStatusAccepted,
		Container:        container,
		BlobName:         trigger.BlobName,
		OriginalFileName: trigger.OriginalFileName,
	}
	if trigger.ParentCorrelationID != "" {
		parent := trigger.ParentCorrelationID
		status.ParentCorrelationID = &parent
		status.Kind = domain.UnitKindChunk
	}
	if err := o.statuses.Create(ctx, status); err != nil {
		return nil, fmt.Errorf("failed to register job status for blob %s: %w", trigger.BlobName, err)
	}
	o.log(ctx).WithFields(logger.Fields{
		logger.FieldCorrelationID: status.CorrelationID,
		logger.FieldBlobName:      trigger.BlobName,
	}).Warn("Blob arrived without a registered job status, created one")
	return status, nil
}

// queueDirect sends a single-file or chunk unit straight to the workers.
func (o *Orchestrator) queueDirect(ctx context.Context, status *domain.JobStatus) error {
	status.Status = domain.UnitStatusQueuedForProcessing
	if err := o.statuses.Update(ctx, status); err != nil {
		return fmt.Errorf("failed to mark %s queued: %w", status.CorrelationID, err)
	}
	if err := o.dispatch.EnqueueUnitProcessing(ctx, status.CorrelationID); err != nil {
		return fmt.Errorf("failed to enqueue unit %s: %w", status.CorrelationID, err)
	}
	o.log(ctx).WithFields(logger.Fields{
		logger.FieldCorrelationID: status.CorrelationID,
	}).Info("Queued unit for processing")
	return nil
}

// splitAndQueue promotes the unit to a master, splits its blob, registers a
// chunk row per produced blob, records the chunk totals on the master, and
// only then enqueues the chunk work items. Registering rows and totals before
// the first enqueue closes the race where an early chunk completion would see
// an unset TotalChunks and finalize the master prematurely.
func (o *Orchestrator) splitAndQueue(ctx context.Context, status *domain.JobStatus, trigger TriggerDescriptor) error {
	repo := o.statuses
	log := o.log(ctx).WithFields(logger.Fields{
		logger.FieldCorrelationID: status.CorrelationID,
		logger.FieldBlobName:      trigger.BlobName,
		logger.FieldSize:          trigger.ByteSize,
	})

	status.Kind = domain.UnitKindMaster
	status.Status = domain.UnitStatusChunking
	if err := repo.Update(ctx, status); err != nil {
		return fmt.Errorf("failed to mark %s chunking: %w", status.CorrelationID, err)
	}
	log.Info("Blob exceeds the chunking threshold, splitting")

	descriptors, err := o.splitter.Split(ctx, trigger.BlobName, status.CorrelationID, status.OriginalFileName)
	if err != nil {
		return fmt.Errorf("failed to split blob %s: %w", trigger.BlobName, err)
	}

	if len(descriptors) == 0 {
		status.Status = domain.UnitStatusFailed
		status.Message = "source blob contained no data rows to split"
		if err := repo.Update(ctx, status); err != nil {
			return fmt.Errorf("failed to fail empty master %s: %w", status.CorrelationID, err)
		}
		log.Warn("Oversized blob contained no data rows")
		return nil
	}

	created := make([]string, 0, len(descriptors))
	rollback := func() {
		cleanupCtx := context.WithoutCancel(ctx)
		for _, id := range created {
			if derr := repo.Delete(cleanupCtx, id); derr != nil {
				log.WithError(derr).Error("Failed to roll back chunk job status " + id)
			}
		}
		o.splitter.Rollback(cleanupCtx, descriptors)
	}

	for _, desc := range descriptors {
		parent := status.CorrelationID
		chunk := &domain.JobStatus{
			CorrelationID:       desc.CorrelationID,
			ParentCorrelationID: &parent,
			Kind:                domain.UnitKindChunk,
			Status:              domain.UnitStatusAccepted,
			Container:           status.Container,
			BlobName:            desc.BlobName,
			OriginalFileName:    status.OriginalFileName,
		}
		if err := repo.Create(ctx, chunk); err != nil {
			rollback()
			return fmt.Errorf("failed to create job status for chunk %d: %w", desc.Number, err)
		}
		created = append(created, desc.CorrelationID)
	}

	total := len(descriptors)
	zero := 0
	zero64 := int64(0)
	status.TotalChunks = &total
	status.ProcessedChunks = &zero
	status.SuccessfulChunks = &zero
	status.FailedChunks = &zero
	status.ProcessedRecordsCount = &zero64
	status.FailedRecordsCount = &zero64
	status.Status = domain.UnitStatusChunksQueued
	if err := repo.Update(ctx, status); err != nil {
		rollback()
		return fmt.Errorf("failed to record chunk totals on master %s: %w", status.CorrelationID, err)
	}

	for _, desc := range descriptors {
		if err := o.dispatch.EnqueueUnitProcessing(ctx, desc.CorrelationID); err != nil {
			// Rows and totals are committed; a redelivered trigger re-enqueues
			// instead of splitting again, so propagating the error is safe.
			return fmt.Errorf("failed to enqueue chunk %s: %w", desc.CorrelationID, err)
		}
	}

	log.WithFields(logger.Fields{logger.FieldCount: total}).Info("Queued all chunks for processing")
	return nil
}

// reenqueueChunks re-drives a master whose chunk rows exist but whose enqueue
// pass may not have completed. Already-terminal chunks are skipped; workers
// ignore duplicate work items for the rest.
func (o *Orchestrator) reenqueueChunks(ctx context.Context, masterID string) error {
	chunks, err := o.statuses.ListChunksByParent(ctx, masterID)
	if err != nil {
		return fmt.Errorf("failed to list chunks of master %s: %w", masterID, err)
	}
	requeued := 0
	for _, chunk := range chunks {
		if chunk.IsTerminal() {
			continue
		}
		if err := o.dispatch.EnqueueUnitProcessing(ctx, chunk.CorrelationID); err != nil {
			return fmt.Errorf("failed to re-enqueue chunk %s: %w", chunk.CorrelationID, err)
		}
		requeued++
	}
	o.log(ctx).WithFields(logger.Fields{
		logger.FieldCorrelationID: masterID,
		logger.FieldCount:         requeued,
	}).Info("Re-enqueued outstanding chunks for master")
	return nil
}
