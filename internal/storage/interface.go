package storage

import (
	"context"
	"io"
	"time"
)

// Metadata carries user-defined key/value pairs stored alongside a blob.
// Chunk blobs use it to record job linkage (parent correlation id, the
// chunk's own correlation id, and the chunk ordinal).
type Metadata map[string]string

// Standard metadata keys for chunk blobs.
const (
	MetaParentCorrelationID = "parent_correlation_id"
	MetaUploadCorrelationID = "upload_correlation_id"
	MetaChunkNumber         = "chunk_number"
	MetaOriginalFileName    = "original_file_name"
)

// Properties describes a stored blob.
type Properties struct {
	Size        int64
	ContentType string
	Metadata    Metadata
}

// ObjectStorage defines the interface for object storage operations
type ObjectStorage interface {
	// Upload uploads an object to storage with optional metadata
	Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string, metadata Metadata) error

	// Download downloads an object from storage
	Download(ctx context.Context, key string) (io.ReadCloser, error)

	// GetProperties returns the size, content type, and metadata of an object
	GetProperties(ctx context.Context, key string) (*Properties, error)

	// PresignUpload returns a time-limited URL a client can PUT the object to
	PresignUpload(ctx context.Context, key string, expiry time.Duration) (string, error)

	// Delete deletes an object from storage
	Delete(ctx context.Context, key string) error

	// Exists checks if an object exists
	Exists(ctx context.Context, key string) (bool, error)
}
