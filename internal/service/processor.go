package service

import (
	"bufio"
	"context"
	"fmt"
	"io"

	"github.com/voxwire/cdrhub/internal/codec"
	"github.com/voxwire/cdrhub/internal/domain"
	"github.com/voxwire/cdrhub/internal/logger"
)

// CDRStore persists batches of validated call detail records.
type CDRStore interface {
	BulkInsert(ctx context.Context, records []*domain.CallDetailRecord) error
}

// FailureStore persists batches of rows that could not be ingested.
type FailureStore interface {
	BulkInsert(ctx context.Context, rows []*domain.FailedRow) error
}

// ProcessorConfig holds tuning knobs for the streaming processor.
type ProcessorConfig struct {
	BatchSize        int
	MaxOutcomeErrors int
	MaxRawRowLength  int
}

const (
	defaultBatchSize        = 1000
	defaultMaxOutcomeErrors = 100
	defaultMaxRawRowLength  = 512

	scanBufferSize  = 64 * 1024
	scanMaxLineSize = 4 * 1024 * 1024
)

// Processor consumes a byte stream row by row, batching valid records for
// bulk persistence and invalid rows for bulk failure logging. Rows are
// processed sequentially so row numbers stay attached to their error
// messages and memory stays bounded by the batch size.
type Processor struct {
	cdrs      CDRStore
	failures  FailureStore
	logger    *logger.Logger
	batchSize int
	maxErrors int
	maxRawLen int
}

// NewProcessor creates a streaming ingest processor.
func NewProcessor(cdrs CDRStore, failures FailureStore, log *logger.Logger, cfg *ProcessorConfig) *Processor {
	if cfg == nil {
		cfg = &ProcessorConfig{}
	}
	p := &Processor{
		cdrs:      cdrs,
		failures:  failures,
		logger:    log,
		batchSize: cfg.BatchSize,
		maxErrors: cfg.MaxOutcomeErrors,
		maxRawLen: cfg.MaxRawRowLength,
	}
	if p.batchSize <= 0 {
		p.batchSize = defaultBatchSize
	}
	if p.maxErrors <= 0 {
		p.maxErrors = defaultMaxOutcomeErrors
	}
	if p.maxRawLen <= 0 {
		p.maxRawLen = defaultMaxRawRowLength
	}
	return p
}

func (p *Processor) log(ctx context.Context) *logger.Logger {
	if l := logger.FromContext(ctx); l != nil {
		return l
	}
	return p.logger
}

// pendingRecord keeps a validated record together with its source row, so a
// failed bulk insert can demote the whole batch into failure rows without
// losing row numbers.
type pendingRecord struct {
	record    *domain.CallDetailRecord
	rowNumber int64
	raw       string
}

// ingestState accumulates the two pending batches and the running counts of
// one Process call.
type ingestState struct {
	valid      []pendingRecord
	invalid    []*domain.FailedRow
	successful int64
	failed     int64
	errs       []string
}

// Process streams rows from r, validating each against the record codec.
// A malformed row is isolated and counted, never aborting the unit. An empty
// stream, an unreadable header, or cancellation yields a file-level failure
// outcome carrying the negative sentinel, since no rows were ever attempted
// (or the attempt cannot be trusted as complete).
func (p *Processor) Process(ctx context.Context, correlationID string, r io.Reader) domain.IngestOutcome {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, scanBufferSize), scanMaxLineSize)

	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return domain.FileLevelFailure(fmt.Sprintf("failed to read stream: %v", err))
		}
		return domain.FileLevelFailure("stream is empty")
	}
	if err := codec.ValidateHeader(scanner.Text()); err != nil {
		return domain.FileLevelFailure(fmt.Sprintf("invalid header: %v", err))
	}

	state := &ingestState{}
	var rowNumber int64

	for scanner.Scan() {
		if ctx.Err() != nil {
			// Cancellation is reported as a file-level failure, not as
			// partial success; already-flushed batches remain persisted.
			return domain.FileLevelFailure("processing canceled")
		}

		line := scanner.Text()
		if line == "" {
			continue
		}
		rowNumber++

		record, err := codec.Parse(correlationID, line)
		if err != nil {
			p.captureFailure(state, correlationID, rowNumber, line, err.Error())
			if len(state.invalid) >= p.batchSize {
				p.flushInvalid(ctx, state)
			}
			continue
		}

		state.valid = append(state.valid, pendingRecord{record: record, rowNumber: rowNumber, raw: line})
		if len(state.valid) >= p.batchSize {
			p.flushValid(ctx, correlationID, state)
		}
	}
	if err := scanner.Err(); err != nil {
		return domain.FileLevelFailure(fmt.Sprintf("failed while reading stream: %v", err))
	}

	if rowNumber == 0 {
		// Header-only stream: distinct from zero row-level failures.
		return domain.FileLevelFailure("stream contains no data rows")
	}

	// Flush remaining partial batches.
	p.flushValid(ctx, correlationID, state)
	p.flushInvalid(ctx, state)

	return domain.IngestOutcome{
		SuccessfulRecords: state.successful,
		FailedRecords:     state.failed,
		Errors:            state.errs,
	}
}

// captureFailure records one failed row in the pending invalid batch.
func (p *Processor) captureFailure(state *ingestState, correlationID string, rowNumber int64, raw, message string) {
	if len(raw) > p.maxRawLen {
		raw = raw[:p.maxRawLen]
	}
	state.invalid = append(state.invalid, &domain.FailedRow{
		CorrelationID: correlationID,
		RowNumber:     rowNumber,
		RawText:       raw,
		ErrorMessage:  message,
	})
	state.failed++
	if len(state.errs) < p.maxErrors {
		state.errs = append(state.errs, fmt.Sprintf("row %d: %s", rowNumber, message))
	}
}

// flushValid bulk-inserts the pending valid batch. If the insert itself
// fails, the batch is not dropped: every record is demoted into the invalid
// batch with an explanatory message and processing continues.
func (p *Processor) flushValid(ctx context.Context, correlationID string, state *ingestState) {
	if len(state.valid) == 0 {
		return
	}
	records := make([]*domain.CallDetailRecord, len(state.valid))
	for i, pending := range state.valid {
		records[i] = pending.record
	}

	if err := p.cdrs.BulkInsert(ctx, records); err != nil {
		p.log(ctx).WithFields(logger.Fields{
			logger.FieldCount: len(records),
		}).WithError(err).Error("Bulk insert of valid records failed, demoting batch")

		message := fmt.Sprintf("record batch insert failed: %v", err)
		for _, pending := range state.valid {
			p.captureFailure(state, correlationID, pending.rowNumber, pending.raw, message)
		}
		state.valid = state.valid[:0]
		p.flushInvalid(ctx, state)
		return
	}

	state.successful += int64(len(records))
	state.valid = state.valid[:0]
}

// flushInvalid bulk-inserts the pending invalid batch. If that insert also
// fails, the rows are logged and dropped: those specific failures are not
// durably recorded, which is an accepted data-loss risk rather than a crash.
func (p *Processor) flushInvalid(ctx context.Context, state *ingestState) {
	if len(state.invalid) == 0 {
		return
	}
	if err := p.failures.BulkInsert(ctx, state.invalid); err != nil {
		p.log(ctx).WithFields(logger.Fields{
			logger.FieldCount: len(state.invalid),
		}).WithError(err).Error("Bulk insert of failed rows failed, failures not durably recorded")
	}
	state.invalid = state.invalid[:0]
}
