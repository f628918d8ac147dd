package handler

import (
	"context"
	"errors"
	"net/http"
	"path"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/voxwire/cdrhub/internal/api/middleware"
	"github.com/voxwire/cdrhub/internal/domain"
	"github.com/voxwire/cdrhub/internal/logger"
	"github.com/voxwire/cdrhub/internal/service"
	"github.com/voxwire/cdrhub/internal/storage"
	"gorm.io/gorm"
)

// idempotencyHeader carries the client-chosen key that makes upload
// initiation retryable without allocating a second upload slot.
const idempotencyHeader = "X-Idempotency-Key"

// OrchestrationQueue enqueues blob-created triggers for the background
// orchestrator.
type OrchestrationQueue interface {
	EnqueueOrchestration(ctx context.Context, trigger service.TriggerDescriptor) error
}

// IdempotencyCache replays cached initiation responses for retried requests.
type IdempotencyCache interface {
	Get(ctx context.Context, key string, value any) (bool, error)
	Set(ctx context.Context, key string, value any) error
}

// UploadHandler handles the upload lifecycle: allocate a pre-signed upload
// slot, then hand the uploaded blob to the orchestrator.
type UploadHandler struct {
	statuses  service.JobStatusRepo
	storage   storage.ObjectStorage
	queue     OrchestrationQueue
	idem      IdempotencyCache
	bucket    string
	urlExpiry time.Duration
}

// NewUploadHandler creates an upload handler. idem may be nil to disable
// idempotency-key replay.
func NewUploadHandler(statuses service.JobStatusRepo, objectStorage storage.ObjectStorage, queue OrchestrationQueue, idem IdempotencyCache, bucket string, urlExpiry time.Duration) *UploadHandler {
	return &UploadHandler{
		statuses:  statuses,
		storage:   objectStorage,
		queue:     queue,
		idem:      idem,
		bucket:    bucket,
		urlExpiry: urlExpiry,
	}
}

// InitiateUploadRequest is the body of POST /api/v1/uploads.
type InitiateUploadRequest struct {
	FileName string `json:"fileName" binding:"required"`
}

// InitiateUploadResponse is returned for a new or replayed initiation.
type InitiateUploadResponse struct {
	CorrelationID string    `json:"correlationId"`
	BlobName      string    `json:"blobName"`
	UploadURL     string    `json:"uploadUrl"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

// Initiate allocates a correlation id and a pre-signed PUT URL for one CDR
// file. A repeated request with the same X-Idempotency-Key returns the
// original response instead of a fresh slot.
func (h *UploadHandler) Initiate(c *gin.Context) {
	ctx := c.Request.Context()
	log := middleware.GetLogger(c)

	var req InitiateUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "fileName is required"})
		return
	}

	idemKey := c.GetHeader(idempotencyHeader)
	if h.idem != nil && idemKey != "" {
		var cached InitiateUploadResponse
		hit, err := h.idem.Get(ctx, idemKey, &cached)
		if err != nil {
			log.WithError(err).Warn("Idempotency lookup failed, continuing without replay")
		} else if hit {
			c.JSON(http.StatusOK, cached)
			return
		}
	}

	correlationID := uuid.New().String()
	blobName := "uploads/" + correlationID + "/" + path.Base(req.FileName)

	uploadURL, err := h.storage.PresignUpload(ctx, blobName, h.urlExpiry)
	if err != nil {
		log.WithError(err).Error("Failed to presign upload URL")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to allocate upload slot"})
		return
	}

	status := &domain.JobStatus{
		CorrelationID:    correlationID,
		Kind:             domain.UnitKindSingleFile,
		Status:           domain.UnitStatusAccepted,
		Container:        h.bucket,
		BlobName:         blobName,
		OriginalFileName: req.FileName,
	}
	if err := h.statuses.Create(ctx, status); err != nil {
		log.WithError(err).Error("Failed to create job status for upload")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to register upload"})
		return
	}

	resp := InitiateUploadResponse{
		CorrelationID: correlationID,
		BlobName:      blobName,
		UploadURL:     uploadURL,
		ExpiresAt:     time.Now().UTC().Add(h.urlExpiry),
	}
	if h.idem != nil && idemKey != "" {
		if err := h.idem.Set(ctx, idemKey, resp); err != nil {
			log.WithError(err).Warn("Failed to cache idempotent response")
		}
	}

	log.WithFields(logger.Fields{
		logger.FieldCorrelationID: correlationID,
		logger.FieldBlobName:      blobName,
	}).Info("Upload slot allocated")
	c.JSON(http.StatusCreated, resp)
}

// Complete confirms the client finished uploading and hands the blob to the
// orchestrator. Calling it again before orchestration picks the unit up is a
// harmless repeat; calling it for an unknown or already-processed upload is
// rejected.
func (h *UploadHandler) Complete(c *gin.Context) {
	ctx := c.Request.Context()
	correlationID := c.Param("id")
	log := middleware.GetLogger(c).WithFields(logger.Fields{
		logger.FieldCorrelationID: correlationID,
	})

	status, err := h.statuses.GetByCorrelationID(ctx, correlationID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown upload"})
			return
		}
		log.WithError(err).Error("Failed to load job status")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load upload"})
		return
	}

	switch status.Status {
	case domain.UnitStatusAccepted, domain.UnitStatusPendingQueue:
		// Completable (or a retried completion).
	default:
		c.JSON(http.StatusConflict, gin.H{
			"error":  "upload already handed to processing",
			"status": status.Status,
		})
		return
	}

	props, err := h.storage.GetProperties(ctx, status.BlobName)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "blob has not been uploaded yet"})
		return
	}

	status.Status = domain.UnitStatusPendingQueue
	if err := h.statuses.Update(ctx, status); err != nil {
		log.WithError(err).Error("Failed to mark upload pending")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update upload"})
		return
	}

	trigger := service.TriggerDescriptor{
		Container:        status.Container,
		BlobName:         status.BlobName,
		OriginalFileName: status.OriginalFileName,
		ByteSize:         props.Size,
		CorrelationID:    status.CorrelationID,
	}
	if err := h.queue.EnqueueOrchestration(ctx, trigger); err != nil {
		log.WithError(err).Error("Failed to enqueue orchestration")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to queue processing"})
		return
	}

	log.WithFields(logger.Fields{logger.FieldSize: props.Size}).Info("Upload handed to orchestration")
	c.JSON(http.StatusAccepted, gin.H{
		"correlationId": status.CorrelationID,
		"status":        status.Status,
		"byteSize":      props.Size,
	})
}
