// Package splitter turns an oversized line-delimited source blob into a
// sequence of smaller self-contained chunk blobs, each carrying the header.
package splitter

import (
	"bufio"
	"bytes"
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/voxwire/cdrhub/internal/logger"
	"github.com/voxwire/cdrhub/internal/storage"
)

const (
	chunkContentType = "text/csv"

	// Line buffer limits for the scanner; CDR rows are short but a corrupt
	// file must not abort the split with a token-too-long error.
	scanBufferSize  = 64 * 1024
	scanMaxLineSize = 4 * 1024 * 1024
)

// ChunkDescriptor identifies one produced chunk: its blob, its own
// correlation id, and its 1-based ordinal within the source file.
type ChunkDescriptor struct {
	CorrelationID string
	BlobName      string
	Number        int
}

// Splitter produces header-bearing chunk blobs from a source blob.
type Splitter struct {
	storage     storage.ObjectStorage
	logger      *logger.Logger
	targetBytes int64
}

// New creates a Splitter that aims for chunks of roughly targetBytes each.
func New(objectStorage storage.ObjectStorage, log *logger.Logger, targetBytes int64) *Splitter {
	return &Splitter{
		storage:     objectStorage,
		logger:      log,
		targetBytes: targetBytes,
	}
}

func (s *Splitter) log(ctx context.Context) *logger.Logger {
	if l := logger.FromContext(ctx); l != nil {
		return l
	}
	return s.logger
}

// Split downloads the source blob and emits chunk blobs in a single O(n)
// pass. Every chunk starts with a copy of the header line; lines accumulate
// until the buffer reaches the target size, then the buffer is uploaded as
// one chunk. A buffer holding only the header is discarded, so a header-only
// or empty source yields an empty descriptor list. On any failure or
// cancellation, chunks uploaded so far are rolled back before the error is
// returned.
func (s *Splitter) Split(ctx context.Context, blobName, parentID, originalFileName string) ([]ChunkDescriptor, error) {
	reader, err := s.storage.Download(ctx, blobName)
	if err != nil {
		return nil, fmt.Errorf("failed to download source blob %s: %w", blobName, err)
	}
	defer reader.Close()

	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, scanBufferSize), scanMaxLineSize)

	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("failed to read header from %s: %w", blobName, err)
		}
		// Zero-byte source: nothing to split.
		return nil, nil
	}
	header := scanner.Text()

	var (
		descriptors []ChunkDescriptor
		buf         bytes.Buffer
		dataLines   int
	)
	resetBuffer := func() {
		buf.Reset()
		buf.WriteString(header)
		buf.WriteByte('\n')
		dataLines = 0
	}
	resetBuffer()

	flush := func() error {
		if dataLines == 0 {
			return nil
		}
		desc := ChunkDescriptor{
			CorrelationID: uuid.New().String(),
			Number:        len(descriptors) + 1,
		}
		desc.BlobName = fmt.Sprintf("chunks/%s/%04d_%s.csv", parentID, desc.Number, desc.CorrelationID)

		metadata := storage.Metadata{
			storage.MetaParentCorrelationID: parentID,
			storage.MetaUploadCorrelationID: desc.CorrelationID,
			storage.MetaChunkNumber:         fmt.Sprintf("%d", desc.Number),
			storage.MetaOriginalFileName:    originalFileName,
		}
		if err := s.storage.Upload(ctx, desc.BlobName, bytes.NewReader(buf.Bytes()), int64(buf.Len()), chunkContentType, metadata); err != nil {
			return fmt.Errorf("failed to upload chunk %d: %w", desc.Number, err)
		}

		s.log(ctx).WithFields(logger.Fields{
			logger.FieldChunkNumber: desc.Number,
			logger.FieldBlobName:    desc.BlobName,
			logger.FieldSize:        buf.Len(),
		}).Debug("Uploaded chunk")

		descriptors = append(descriptors, desc)
		resetBuffer()
		return nil
	}

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			s.Rollback(context.WithoutCancel(ctx), descriptors)
			return nil, fmt.Errorf("split of %s canceled: %w", blobName, err)
		}

		line := scanner.Text()
		if line == "" {
			continue
		}
		buf.WriteString(line)
		buf.WriteByte('\n')
		dataLines++

		if int64(buf.Len()) >= s.targetBytes {
			if err := flush(); err != nil {
				s.Rollback(ctx, descriptors)
				return nil, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		s.Rollback(ctx, descriptors)
		return nil, fmt.Errorf("failed while reading %s: %w", blobName, err)
	}

	// Flush the final partial buffer.
	if err := flush(); err != nil {
		s.Rollback(ctx, descriptors)
		return nil, err
	}

	return descriptors, nil
}

// Rollback deletes chunk blobs uploaded during a split that could not
// complete. Deletion is best-effort; a blob left behind is orphaned storage,
// not an inconsistency, since its job row was never committed.
func (s *Splitter) Rollback(ctx context.Context, descriptors []ChunkDescriptor) {
	for _, desc := range descriptors {
		if err := s.storage.Delete(ctx, desc.BlobName); err != nil {
			s.log(ctx).WithFields(logger.Fields{
				logger.FieldBlobName: desc.BlobName,
			}).WithError(err).Error("Failed to roll back chunk blob")
		}
	}
}
