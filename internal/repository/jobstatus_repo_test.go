package repository

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/voxwire/cdrhub/internal/domain"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	// A single connection keeps the shared in-memory database alive and
	// serializes writers the way a real deployment's row locks would.
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, Migrate(db))
	return db
}

func seedMaster(t *testing.T, repo *JobStatusRepository, id string, totalChunks int) {
	t.Helper()
	zero := 0
	zero64 := int64(0)
	master := &domain.JobStatus{
		CorrelationID:         id,
		Kind:                  domain.UnitKindMaster,
		Status:                domain.UnitStatusChunksQueued,
		Container:             "cdr-uploads",
		BlobName:              "uploads/" + id + "/data.csv",
		TotalChunks:           &totalChunks,
		ProcessedChunks:       &zero,
		SuccessfulChunks:      &zero,
		FailedChunks:          &zero,
		ProcessedRecordsCount: &zero64,
		FailedRecordsCount:    &zero64,
	}
	require.NoError(t, repo.Create(context.Background(), master))
}

func seedChunk(t *testing.T, repo *JobStatusRepository, parentID string, n int) string {
	t.Helper()
	id := fmt.Sprintf("%s-chunk-%d", parentID, n)
	chunk := &domain.JobStatus{
		CorrelationID:       id,
		ParentCorrelationID: &parentID,
		Kind:                domain.UnitKindChunk,
		Status:              domain.UnitStatusAccepted,
		Container:           "cdr-uploads",
		BlobName:            fmt.Sprintf("chunks/%s/%04d.csv", parentID, n),
	}
	require.NoError(t, repo.Create(context.Background(), chunk))
	return id
}

func TestRecordChunkOutcomeScenario(t *testing.T) {
	// Three chunks reporting succeeded=true with counts (10,0), (8,1), (12,0)
	// must finalize the master as PartiallySucceeded with totals 30/1.
	repo := NewJobStatusRepository(newTestDB(t))
	ctx := context.Background()

	seedMaster(t, repo, "master-1", 3)
	chunks := []string{
		seedChunk(t, repo, "master-1", 1),
		seedChunk(t, repo, "master-1", 2),
		seedChunk(t, repo, "master-1", 3),
	}

	require.NoError(t, repo.RecordChunkOutcome(ctx, "master-1", chunks[0], true, 10, 0))
	require.NoError(t, repo.RecordChunkOutcome(ctx, "master-1", chunks[1], true, 8, 1))
	require.NoError(t, repo.RecordChunkOutcome(ctx, "master-1", chunks[2], true, 12, 0))

	master, err := repo.GetByCorrelationID(ctx, "master-1")
	require.NoError(t, err)
	assert.Equal(t, domain.UnitStatusPartiallySucceeded, master.Status)
	assert.Equal(t, 3, *master.ProcessedChunks)
	assert.Equal(t, 3, *master.SuccessfulChunks)
	assert.Equal(t, 0, *master.FailedChunks)
	assert.Equal(t, int64(30), *master.ProcessedRecordsCount)
	assert.Equal(t, int64(1), *master.FailedRecordsCount)
}

func TestRecordChunkOutcomeConcurrent(t *testing.T) {
	// N concurrent completions in any interleaving must count each chunk
	// exactly once and finalize exactly when the last one lands.
	const total = 16
	repo := NewJobStatusRepository(newTestDB(t))
	ctx := context.Background()

	seedMaster(t, repo, "master-c", total)
	chunkIDs := make([]string, total)
	for i := range chunkIDs {
		chunkIDs[i] = seedChunk(t, repo, "master-c", i+1)
	}

	var wg sync.WaitGroup
	errs := make([]error, total)
	for i := 0; i < total; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			succeeded := i%4 != 0 // 4 of 16 fail
			errs[i] = repo.RecordChunkOutcome(ctx, "master-c", chunkIDs[i], succeeded, 100, 0)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "chunk %d", i)
	}

	master, err := repo.GetByCorrelationID(ctx, "master-c")
	require.NoError(t, err)
	assert.Equal(t, total, *master.ProcessedChunks)
	assert.Equal(t, 12, *master.SuccessfulChunks)
	assert.Equal(t, 4, *master.FailedChunks)
	assert.Equal(t, int64(100*total), *master.ProcessedRecordsCount)
	// Mixed chunk outcomes finalize as partial success regardless of order.
	assert.Equal(t, domain.UnitStatusPartiallySucceeded, master.Status)
}

func TestRecordChunkOutcomeAllSucceeded(t *testing.T) {
	repo := NewJobStatusRepository(newTestDB(t))
	ctx := context.Background()

	seedMaster(t, repo, "master-s", 2)
	c1 := seedChunk(t, repo, "master-s", 1)
	c2 := seedChunk(t, repo, "master-s", 2)

	require.NoError(t, repo.RecordChunkOutcome(ctx, "master-s", c1, true, 5, 0))

	mid, err := repo.GetByCorrelationID(ctx, "master-s")
	require.NoError(t, err)
	assert.Equal(t, domain.UnitStatusChunksQueued, mid.Status, "master must not finalize early")

	require.NoError(t, repo.RecordChunkOutcome(ctx, "master-s", c2, true, 7, 0))

	master, err := repo.GetByCorrelationID(ctx, "master-s")
	require.NoError(t, err)
	assert.Equal(t, domain.UnitStatusSucceeded, master.Status)
	assert.Equal(t, int64(12), *master.ProcessedRecordsCount)
}

func TestRecordChunkOutcomeAllFailed(t *testing.T) {
	repo := NewJobStatusRepository(newTestDB(t))
	ctx := context.Background()

	seedMaster(t, repo, "master-f", 2)
	c1 := seedChunk(t, repo, "master-f", 1)
	c2 := seedChunk(t, repo, "master-f", 2)

	// File-level chunk failures carry the negative sentinel; it must not
	// leak into the master totals.
	require.NoError(t, repo.RecordChunkOutcome(ctx, "master-f", c1, false, 0, domain.FileLevelFailureCount))
	require.NoError(t, repo.RecordChunkOutcome(ctx, "master-f", c2, false, 0, domain.FileLevelFailureCount))

	master, err := repo.GetByCorrelationID(ctx, "master-f")
	require.NoError(t, err)
	assert.Equal(t, domain.UnitStatusFailed, master.Status)
	assert.Equal(t, int64(0), *master.ProcessedRecordsCount)
	assert.Equal(t, int64(0), *master.FailedRecordsCount)
}

func TestRecordChunkOutcomeRedeliveryIsIdempotent(t *testing.T) {
	repo := NewJobStatusRepository(newTestDB(t))
	ctx := context.Background()

	seedMaster(t, repo, "master-r", 2)
	c1 := seedChunk(t, repo, "master-r", 1)
	c2 := seedChunk(t, repo, "master-r", 2)

	require.NoError(t, repo.RecordChunkOutcome(ctx, "master-r", c1, true, 10, 0))
	// Same chunk redelivered before the master finalizes: no double count.
	require.NoError(t, repo.RecordChunkOutcome(ctx, "master-r", c1, true, 10, 0))

	mid, err := repo.GetByCorrelationID(ctx, "master-r")
	require.NoError(t, err)
	assert.Equal(t, 1, *mid.ProcessedChunks)

	require.NoError(t, repo.RecordChunkOutcome(ctx, "master-r", c2, true, 10, 0))

	// Simulated redelivery after finalization: status and counters frozen.
	require.NoError(t, repo.RecordChunkOutcome(ctx, "master-r", c2, false, 99, 99))

	master, err := repo.GetByCorrelationID(ctx, "master-r")
	require.NoError(t, err)
	assert.Equal(t, domain.UnitStatusSucceeded, master.Status)
	assert.Equal(t, 2, *master.ProcessedChunks)
	assert.Equal(t, int64(20), *master.ProcessedRecordsCount)
	assert.Equal(t, 0, *master.FailedChunks)
}

func TestRecordChunkOutcomeMissingMaster(t *testing.T) {
	repo := NewJobStatusRepository(newTestDB(t))
	ctx := context.Background()

	err := repo.RecordChunkOutcome(ctx, "nope", "nope-chunk-1", true, 1, 0)
	assert.ErrorIs(t, err, ErrMasterNotFound)
}

func TestRecordChunkOutcomeParentNotMaster(t *testing.T) {
	repo := NewJobStatusRepository(newTestDB(t))
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, &domain.JobStatus{
		CorrelationID: "leaf-1",
		Kind:          domain.UnitKindSingleFile,
		Status:        domain.UnitStatusProcessing,
	}))

	err := repo.RecordChunkOutcome(ctx, "leaf-1", "leaf-1-chunk-1", true, 1, 0)
	assert.ErrorIs(t, err, ErrMasterNotFound)
}

func TestFinalizeLeafSkipsTerminal(t *testing.T) {
	repo := NewJobStatusRepository(newTestDB(t))
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, &domain.JobStatus{
		CorrelationID: "leaf-2",
		Kind:          domain.UnitKindSingleFile,
		Status:        domain.UnitStatusProcessing,
	}))

	require.NoError(t, repo.FinalizeLeaf(ctx, "leaf-2", domain.UnitStatusSucceeded, 42, 0, "done"))
	// Redelivered finalization must not rewrite a terminal row.
	require.NoError(t, repo.FinalizeLeaf(ctx, "leaf-2", domain.UnitStatusFailed, 0, -1, "late retry"))

	leaf, err := repo.GetByCorrelationID(ctx, "leaf-2")
	require.NoError(t, err)
	assert.Equal(t, domain.UnitStatusSucceeded, leaf.Status)
	assert.Equal(t, int64(42), *leaf.ProcessedRecordsCount)
	assert.Equal(t, "done", leaf.Message)
}

func TestMarkProcessingSkipsTerminal(t *testing.T) {
	repo := NewJobStatusRepository(newTestDB(t))
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, &domain.JobStatus{
		CorrelationID: "leaf-3",
		Kind:          domain.UnitKindChunk,
		Status:        domain.UnitStatusFailed,
	}))

	require.NoError(t, repo.MarkProcessing(ctx, "leaf-3"))

	leaf, err := repo.GetByCorrelationID(ctx, "leaf-3")
	require.NoError(t, err)
	assert.Equal(t, domain.UnitStatusFailed, leaf.Status)
}
