package domain

import "time"

// UnitKind identifies what a JobStatus row represents: a whole small file,
// a master (parent of chunks), or one chunk of an oversized file.
type UnitKind string

const (
	UnitKindSingleFile UnitKind = "single_file"
	UnitKindMaster     UnitKind = "master"
	UnitKindChunk      UnitKind = "chunk"
)

// UnitStatus represents the lifecycle state of an ingestion unit.
type UnitStatus string

const (
	UnitStatusAccepted            UnitStatus = "accepted"
	UnitStatusPendingQueue        UnitStatus = "pending_queue"
	UnitStatusChunking            UnitStatus = "chunking"
	UnitStatusChunksQueued        UnitStatus = "chunks_queued"
	UnitStatusQueuedForProcessing UnitStatus = "queued_for_processing"
	UnitStatusProcessing          UnitStatus = "processing"
	UnitStatusSucceeded           UnitStatus = "succeeded"
	UnitStatusPartiallySucceeded  UnitStatus = "partially_succeeded"
	UnitStatusFailed              UnitStatus = "failed"
)

// IsTerminal reports whether the status is one of the terminal states.
// Terminal states are never re-entered once reached.
func (s UnitStatus) IsTerminal() bool {
	switch s {
	case UnitStatusSucceeded, UnitStatusPartiallySucceeded, UnitStatusFailed:
		return true
	}
	return false
}

// JobStatus is the authoritative state for one unit of ingestion work.
// Rows are never deleted; they form the durable audit trail of every upload.
type JobStatus struct {
	CorrelationID       string     `gorm:"type:text;primaryKey" json:"correlation_id"`
	ParentCorrelationID *string    `gorm:"type:text;index:idx_job_statuses_parent" json:"parent_correlation_id,omitempty"`
	Kind                UnitKind   `gorm:"type:text;not null" json:"kind"`
	Status              UnitStatus `gorm:"type:text;index:idx_job_statuses_status;default:accepted" json:"status"`
	Container           string     `gorm:"type:text" json:"container"`
	BlobName            string     `gorm:"type:text" json:"blob_name"`
	OriginalFileName    string     `gorm:"type:text" json:"original_file_name"`

	// Master-only counters. Mutated exclusively by RecordChunkOutcome.
	TotalChunks      *int `json:"total_chunks,omitempty"`
	ProcessedChunks  *int `json:"processed_chunks,omitempty"`
	SuccessfulChunks *int `json:"successful_chunks,omitempty"`
	FailedChunks     *int `json:"failed_chunks,omitempty"`

	// Leaf counters; on a master they hold the sum over all chunks.
	// A negative failed count is the file-level failure sentinel.
	ProcessedRecordsCount *int64 `json:"processed_records_count,omitempty"`
	FailedRecordsCount    *int64 `json:"failed_records_count,omitempty"`

	// AggregatedAt is set on a chunk row inside the same transaction that
	// applies its outcome to the master, so redelivered work items can tell
	// whether aggregation already happened.
	AggregatedAt *time.Time `json:"aggregated_at,omitempty"`

	Message   string    `gorm:"type:text" json:"message"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the database table name for JobStatus.
func (JobStatus) TableName() string {
	return "job_statuses"
}

// IsTerminal reports whether the unit has reached a terminal status.
func (j *JobStatus) IsTerminal() bool {
	return j.Status.IsTerminal()
}
