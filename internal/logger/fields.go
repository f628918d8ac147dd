package logger

// Fields is an alias for map[string]interface{} for convenience.
type Fields map[string]interface{}

// ============================================
// Standard Tracing Fields (Context level)
// These fields are propagated through the call chain
// ============================================

const (
	// FieldRequestID is the HTTP request ID (UUID)
	FieldRequestID = "request_id"

	// FieldCorrelationID ties an upload, its job status row, and its
	// persisted records together
	FieldCorrelationID = "correlation_id"

	// FieldParentCorrelationID is the master correlation ID on chunk units
	FieldParentCorrelationID = "parent_correlation_id"

	// FieldComponent is the component/module name
	FieldComponent = "component"

	// FieldBlobName is the object storage blob name
	FieldBlobName = "blob_name"

	// FieldChunkNumber is the 1-based chunk ordinal
	FieldChunkNumber = "chunk_number"
)

// ============================================
// Standard Metric Fields (Entry level)
// These fields are used for aggregation and alerting
// ============================================

const (
	// FieldDurationMs is the execution duration in milliseconds
	FieldDurationMs = "duration_ms"

	// FieldCount is a generic count field
	FieldCount = "count"

	// FieldSize is the data size in bytes
	FieldSize = "size"

	// FieldStatus is the operation status
	FieldStatus = "status"
)
