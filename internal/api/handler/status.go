package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/voxwire/cdrhub/internal/api/middleware"
	"github.com/voxwire/cdrhub/internal/domain"
	"github.com/voxwire/cdrhub/internal/service"
	"gorm.io/gorm"
)

const (
	defaultFailureLimit = 50
	maxFailureLimit     = 500
)

// FailureLister reads back the failed rows captured for one unit.
type FailureLister interface {
	ListByCorrelationID(ctx context.Context, correlationID string, limit, offset int) ([]domain.FailedRow, error)
}

// StatusHandler serves the polling API over job statuses and failed rows.
type StatusHandler struct {
	statuses service.JobStatusRepo
	failures FailureLister
}

// NewStatusHandler creates a status handler.
func NewStatusHandler(statuses service.JobStatusRepo, failures FailureLister) *StatusHandler {
	return &StatusHandler{statuses: statuses, failures: failures}
}

// StatusResponse is the polling view of one ingestion unit.
type StatusResponse struct {
	CorrelationID    string            `json:"correlationId"`
	Kind             domain.UnitKind   `json:"kind"`
	Status           domain.UnitStatus `json:"status"`
	OriginalFileName string            `json:"originalFileName,omitempty"`
	Message          string            `json:"message,omitempty"`

	ProcessedRecords *int64 `json:"processedRecords,omitempty"`
	FailedRecords    *int64 `json:"failedRecords,omitempty"`

	TotalChunks      *int `json:"totalChunks,omitempty"`
	ProcessedChunks  *int `json:"processedChunks,omitempty"`
	SuccessfulChunks *int `json:"successfulChunks,omitempty"`
	FailedChunks     *int `json:"failedChunks,omitempty"`

	CreatedAt   time.Time `json:"createdAt"`
	LastUpdated time.Time `json:"lastUpdated"`
}

func toStatusResponse(status *domain.JobStatus) StatusResponse {
	return StatusResponse{
		CorrelationID:    status.CorrelationID,
		Kind:             status.Kind,
		Status:           status.Status,
		OriginalFileName: status.OriginalFileName,
		Message:          status.Message,
		ProcessedRecords: status.ProcessedRecordsCount,
		FailedRecords:    status.FailedRecordsCount,
		TotalChunks:      status.TotalChunks,
		ProcessedChunks:  status.ProcessedChunks,
		SuccessfulChunks: status.SuccessfulChunks,
		FailedChunks:     status.FailedChunks,
		CreatedAt:        status.CreatedAt,
		LastUpdated:      status.UpdatedAt,
	}
}

// Get returns the current state of one upload, master, or chunk.
func (h *StatusHandler) Get(c *gin.Context) {
	ctx := c.Request.Context()
	correlationID := c.Param("id")

	status, err := h.statuses.GetByCorrelationID(ctx, correlationID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown correlation id"})
			return
		}
		middleware.GetLogger(c).WithError(err).Error("Failed to load job status")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load status"})
		return
	}

	c.JSON(http.StatusOK, toStatusResponse(status))
}

// ListChunks returns the chunk statuses of a master, for drill-down views.
func (h *StatusHandler) ListChunks(c *gin.Context) {
	ctx := c.Request.Context()
	correlationID := c.Param("id")

	chunks, err := h.statuses.ListChunksByParent(ctx, correlationID)
	if err != nil {
		middleware.GetLogger(c).WithError(err).Error("Failed to list chunks")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list chunks"})
		return
	}

	responses := make([]StatusResponse, len(chunks))
	for i := range chunks {
		responses[i] = toStatusResponse(&chunks[i])
	}
	c.JSON(http.StatusOK, gin.H{
		"correlationId": correlationID,
		"chunks":        responses,
	})
}

// ListFailures returns the failed rows of one unit, paginated.
func (h *StatusHandler) ListFailures(c *gin.Context) {
	ctx := c.Request.Context()
	correlationID := c.Param("id")

	limit := parseIntQuery(c, "limit", defaultFailureLimit)
	if limit > maxFailureLimit {
		limit = maxFailureLimit
	}
	offset := parseIntQuery(c, "offset", 0)

	rows, err := h.failures.ListByCorrelationID(ctx, correlationID, limit, offset)
	if err != nil {
		middleware.GetLogger(c).WithError(err).Error("Failed to list failed rows")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list failures"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"correlationId": correlationID,
		"limit":         limit,
		"offset":        offset,
		"failures":      rows,
	})
}

func parseIntQuery(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return fallback
	}
	return value
}
