package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/voxwire/cdrhub/internal/domain"
	"github.com/voxwire/cdrhub/internal/logger"
	"github.com/voxwire/cdrhub/internal/repository"
	"github.com/voxwire/cdrhub/internal/splitter"
	"github.com/voxwire/cdrhub/internal/storage"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:svc_%s?mode=memory&cache=shared&_busy_timeout=5000", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, repository.Migrate(db))
	return db
}

// fakeDispatcher records enqueued correlation ids.
type fakeDispatcher struct {
	mu       sync.Mutex
	enqueued []string
	err      error
}

func (d *fakeDispatcher) EnqueueUnitProcessing(ctx context.Context, correlationID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.enqueued = append(d.enqueued, correlationID)
	return nil
}

func (d *fakeDispatcher) ids() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.enqueued...)
}

type orchestratorHarness struct {
	repo     *repository.JobStatusRepository
	store    *storage.MemoryStorage
	dispatch *fakeDispatcher
	orch     *Orchestrator
}

func newOrchestratorHarness(t *testing.T, thresholdBytes, chunkTargetBytes int64) *orchestratorHarness {
	t.Helper()
	db := newTestDB(t)
	repo := repository.NewJobStatusRepository(db)
	store := storage.NewMemoryStorage()
	dispatch := &fakeDispatcher{}
	orch := NewOrchestrator(repo,
		splitter.New(store, logger.GetDefault(), chunkTargetBytes),
		dispatch, logger.GetDefault(),
		&OrchestratorConfig{ChunkThresholdBytes: thresholdBytes, Container: "cdr-uploads"})
	return &orchestratorHarness{repo: repo, store: store, dispatch: dispatch, orch: orch}
}

func (h *orchestratorHarness) uploadBlob(t *testing.T, name, content string) {
	t.Helper()
	require.NoError(t, h.store.Upload(context.Background(), name,
		strings.NewReader(content), int64(len(content)), "text/csv", nil))
}

func (h *orchestratorHarness) seedAccepted(t *testing.T, id, blobName string) {
	t.Helper()
	require.NoError(t, h.repo.Create(context.Background(), &domain.JobStatus{
		CorrelationID:    id,
		Kind:             domain.UnitKindSingleFile,
		Status:           domain.UnitStatusAccepted,
		Container:        "cdr-uploads",
		BlobName:         blobName,
		OriginalFileName: "calls.csv",
	}))
}

func smallCSV(rows int) string {
	var b strings.Builder
	b.WriteString(csvHeader)
	b.WriteByte('\n')
	for i := 0; i < rows; i++ {
		b.WriteString(validCSVRow(i))
		b.WriteByte('\n')
	}
	return b.String()
}

func TestHandleBlobCreatedQueuesSmallBlobDirectly(t *testing.T) {
	h := newOrchestratorHarness(t, 1<<20, 1<<10)
	content := smallCSV(3)
	h.uploadBlob(t, "uploads/j1/calls.csv", content)
	h.seedAccepted(t, "j1", "uploads/j1/calls.csv")

	err := h.orch.HandleBlobCreated(context.Background(), TriggerDescriptor{
		Container:     "cdr-uploads",
		BlobName:      "uploads/j1/calls.csv",
		ByteSize:      int64(len(content)),
		CorrelationID: "j1",
	})
	require.NoError(t, err)

	status, err := h.repo.GetByCorrelationID(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, domain.UnitKindSingleFile, status.Kind)
	assert.Equal(t, domain.UnitStatusQueuedForProcessing, status.Status)
	assert.Equal(t, []string{"j1"}, h.dispatch.ids())
	// No chunk blobs were produced.
	assert.Len(t, h.store.Keys(), 1)
}

func TestHandleBlobCreatedSplitsOversizedBlob(t *testing.T) {
	h := newOrchestratorHarness(t, 100, 500)
	content := smallCSV(40)
	h.uploadBlob(t, "uploads/j2/calls.csv", content)
	h.seedAccepted(t, "j2", "uploads/j2/calls.csv")

	err := h.orch.HandleBlobCreated(context.Background(), TriggerDescriptor{
		Container:     "cdr-uploads",
		BlobName:      "uploads/j2/calls.csv",
		ByteSize:      int64(len(content)),
		CorrelationID: "j2",
	})
	require.NoError(t, err)

	master, err := h.repo.GetByCorrelationID(context.Background(), "j2")
	require.NoError(t, err)
	assert.Equal(t, domain.UnitKindMaster, master.Kind)
	assert.Equal(t, domain.UnitStatusChunksQueued, master.Status)

	chunks, err := h.repo.ListChunksByParent(context.Background(), "j2")
	require.NoError(t, err)
	require.NotEmpty(t, chunks)

	// Totals are committed before any enqueue, and every chunk is queued.
	require.NotNil(t, master.TotalChunks)
	assert.Equal(t, len(chunks), *master.TotalChunks)
	assert.Equal(t, 0, *master.ProcessedChunks)
	assert.Len(t, h.dispatch.ids(), len(chunks))

	for _, chunk := range chunks {
		assert.Equal(t, domain.UnitKindChunk, chunk.Kind)
		require.NotNil(t, chunk.ParentCorrelationID)
		assert.Equal(t, "j2", *chunk.ParentCorrelationID)
		assert.Equal(t, "calls.csv", chunk.OriginalFileName)
		assert.Contains(t, h.dispatch.ids(), chunk.CorrelationID)
	}
}

func TestHandleBlobCreatedFailsEmptyOversizedBlob(t *testing.T) {
	h := newOrchestratorHarness(t, 10, 500)
	content := csvHeader + "\n"
	h.uploadBlob(t, "uploads/j3/empty.csv", content)
	h.seedAccepted(t, "j3", "uploads/j3/empty.csv")

	err := h.orch.HandleBlobCreated(context.Background(), TriggerDescriptor{
		BlobName:      "uploads/j3/empty.csv",
		ByteSize:      int64(len(content)),
		CorrelationID: "j3",
	})
	require.NoError(t, err)

	status, err := h.repo.GetByCorrelationID(context.Background(), "j3")
	require.NoError(t, err)
	assert.Equal(t, domain.UnitStatusFailed, status.Status)
	assert.NotEmpty(t, status.Message)
	assert.Empty(t, h.dispatch.ids())
}

func TestHandleBlobCreatedIgnoresTerminalUnit(t *testing.T) {
	h := newOrchestratorHarness(t, 100, 500)
	require.NoError(t, h.repo.Create(context.Background(), &domain.JobStatus{
		CorrelationID: "j4",
		Kind:          domain.UnitKindSingleFile,
		Status:        domain.UnitStatusSucceeded,
	}))

	err := h.orch.HandleBlobCreated(context.Background(), TriggerDescriptor{
		BlobName:      "uploads/j4/calls.csv",
		ByteSize:      5000,
		CorrelationID: "j4",
	})
	require.NoError(t, err)
	assert.Empty(t, h.dispatch.ids())
}

func TestHandleBlobCreatedRegistersUnknownBlob(t *testing.T) {
	h := newOrchestratorHarness(t, 1<<20, 1<<10)
	content := smallCSV(2)
	h.uploadBlob(t, "uploads/j5/calls.csv", content)

	err := h.orch.HandleBlobCreated(context.Background(), TriggerDescriptor{
		Container:        "cdr-uploads",
		BlobName:         "uploads/j5/calls.csv",
		OriginalFileName: "calls.csv",
		ByteSize:         int64(len(content)),
		CorrelationID:    "j5",
	})
	require.NoError(t, err)

	status, err := h.repo.GetByCorrelationID(context.Background(), "j5")
	require.NoError(t, err)
	assert.Equal(t, domain.UnitKindSingleFile, status.Kind)
	assert.Equal(t, domain.UnitStatusQueuedForProcessing, status.Status)
	assert.Equal(t, "calls.csv", status.OriginalFileName)
}

func TestHandleBlobCreatedNeverRechunksAChunk(t *testing.T) {
	// A chunk blob above the threshold must still be processed directly;
	// recursive splitting is not allowed.
	h := newOrchestratorHarness(t, 10, 500)
	parent := "j6"
	require.NoError(t, h.repo.Create(context.Background(), &domain.JobStatus{
		CorrelationID:       "j6-c1",
		ParentCorrelationID: &parent,
		Kind:                domain.UnitKindChunk,
		Status:              domain.UnitStatusAccepted,
		BlobName:            "chunks/j6/0001.csv",
	}))

	err := h.orch.HandleBlobCreated(context.Background(), TriggerDescriptor{
		BlobName:            "chunks/j6/0001.csv",
		ByteSize:            5000,
		CorrelationID:       "j6-c1",
		ParentCorrelationID: "j6",
	})
	require.NoError(t, err)

	status, err := h.repo.GetByCorrelationID(context.Background(), "j6-c1")
	require.NoError(t, err)
	assert.Equal(t, domain.UnitKindChunk, status.Kind)
	assert.Equal(t, domain.UnitStatusQueuedForProcessing, status.Status)
	assert.Equal(t, []string{"j6-c1"}, h.dispatch.ids())
}

func TestHandleBlobCreatedRedeliveryReenqueuesWithoutResplitting(t *testing.T) {
	h := newOrchestratorHarness(t, 100, 500)
	ctx := context.Background()

	content := smallCSV(40)
	h.uploadBlob(t, "uploads/j7/calls.csv", content)
	h.seedAccepted(t, "j7", "uploads/j7/calls.csv")

	trigger := TriggerDescriptor{
		BlobName:      "uploads/j7/calls.csv",
		ByteSize:      int64(len(content)),
		CorrelationID: "j7",
	}
	require.NoError(t, h.orch.HandleBlobCreated(ctx, trigger))

	chunks, err := h.repo.ListChunksByParent(ctx, "j7")
	require.NoError(t, err)
	firstCount := len(chunks)
	blobsAfterSplit := len(h.store.Keys())

	// One chunk finished in the meantime; redelivery must not re-split and
	// must skip the terminal chunk.
	require.NoError(t, h.repo.FinalizeLeaf(ctx, chunks[0].CorrelationID, domain.UnitStatusSucceeded, 5, 0, "done"))

	require.NoError(t, h.orch.HandleBlobCreated(ctx, trigger))

	chunksAfter, err := h.repo.ListChunksByParent(ctx, "j7")
	require.NoError(t, err)
	assert.Len(t, chunksAfter, firstCount, "no new chunk rows on redelivery")
	assert.Len(t, h.store.Keys(), blobsAfterSplit, "no new chunk blobs on redelivery")
	assert.Len(t, h.dispatch.ids(), firstCount+firstCount-1)
}

func TestHandleBlobCreatedRollsBackChunkRowsWhenSplitPartiallyFails(t *testing.T) {
	h := newOrchestratorHarness(t, 100, 300)
	ctx := context.Background()

	content := smallCSV(40)
	h.uploadBlob(t, "uploads/j8/calls.csv", content)
	h.seedAccepted(t, "j8", "uploads/j8/calls.csv")

	// Let the source upload plus one chunk upload succeed, then fail the rest.
	h.store.FailUploadsAfter = 2

	err := h.orch.HandleBlobCreated(ctx, TriggerDescriptor{
		BlobName:      "uploads/j8/calls.csv",
		ByteSize:      int64(len(content)),
		CorrelationID: "j8",
	})
	require.Error(t, err)

	chunks, listErr := h.repo.ListChunksByParent(ctx, "j8")
	require.NoError(t, listErr)
	assert.Empty(t, chunks, "no chunk rows may survive a failed split")
	assert.Empty(t, h.dispatch.ids())
	assert.Equal(t, []string{"uploads/j8/calls.csv"}, h.store.Keys())
}
