package backfill_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/snapvault/internal/testutil"
	"github.com/ethpandaops/snapvault/pkg/backfill"
	"github.com/ethpandaops/snapvault/pkg/cache"
	"github.com/ethpandaops/snapvault/pkg/snapshot"
	"github.com/ethpandaops/snapvault/pkg/storage"
)

// fakeCollector scripts per-district outcomes. The default behavior
// returns a document; SetError overrides a district for every date, and
// SetTransientFailures makes the first n calls for a district fail.
type fakeCollector struct {
	mu         sync.Mutex
	errs       map[string]error
	failsLeft  map[string]int
	failErr    error
	fetches    []string
	bulkCalls  int
	afterFetch func(districtID, date string)
}

func newFakeCollector() *fakeCollector {
	return &fakeCollector{
		errs:      make(map[string]error),
		failsLeft: make(map[string]int),
	}
}

func (f *fakeCollector) SetError(districtID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.errs[districtID] = err
}

func (f *fakeCollector) SetTransientFailures(districtID string, n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.failsLeft[districtID] = n
	f.failErr = err
}

func (f *fakeCollector) doc(districtID, date string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"district":%q,"date":%q}`, districtID, date))
}

func (f *fakeCollector) FetchDistrict(_ context.Context, districtID, date string) (json.RawMessage, error) {
	f.mu.Lock()

	f.fetches = append(f.fetches, districtID+"@"+date)
	hook := f.afterFetch

	if f.failsLeft[districtID] > 0 {
		f.failsLeft[districtID]--
		err := f.failErr
		f.mu.Unlock()

		return nil, err
	}

	if err := f.errs[districtID]; err != nil {
		f.mu.Unlock()

		return nil, err
	}

	doc := f.doc(districtID, date)
	f.mu.Unlock()

	if hook != nil {
		hook(districtID, date)
	}

	return doc, nil
}

func (f *fakeCollector) FetchAllDistricts(_ context.Context, date string) (map[string]json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.bulkCalls++

	docs := map[string]json.RawMessage{
		"101": f.doc("101", date),
		"205": f.doc("205", date),
	}

	for districtID, err := range f.errs {
		if err != nil {
			delete(docs, districtID)
		}
	}

	return docs, nil
}

func (f *fakeCollector) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.fetches)
}

type orchestratorFixture struct {
	registry  *backfill.Registry
	collector *fakeCollector
	store     *testutil.FakeObjectStore
	orch      *backfill.Orchestrator
}

func newOrchestratorFixture(t *testing.T) *orchestratorFixture {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	_, client := testutil.NewMiniredisClient(t)

	registry := backfill.NewRegistry(client, "test")
	fake := testutil.NewFakeObjectStore()
	writer := storage.NewWriter(log, fake, &storage.Config{Bucket: "test", Prefix: "snapshots"})
	coll := newFakeCollector()

	cfg := &backfill.Config{
		Districts:      []string{"101", "205"},
		MaxRetries:     1,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		SchemaVersion:  "v2",
	}
	cfg.RateLimit.MinDelay = time.Millisecond

	orch := backfill.NewOrchestrator(log, cfg, registry, writer, coll, cache.New(cfg.Cache, "test"))

	return &orchestratorFixture{
		registry:  registry,
		collector: coll,
		store:     fake,
		orch:      orch,
	}
}

func (fx *orchestratorFixture) createJob(t *testing.T, districts []string, from, to string) *backfill.Job {
	t.Helper()

	job := &backfill.Job{
		ID:        "job-1",
		Range:     backfill.DateRange{From: from, To: to},
		Districts: districts,
		Status:    backfill.StatusPending,
		CreatedAt: time.Now().UTC(),
	}

	require.NoError(t, fx.registry.CreateJob(context.Background(), job))

	return job
}

func TestOrchestratorCompletesJob(t *testing.T) {
	fx := newOrchestratorFixture(t)
	fx.createJob(t, []string{"101"}, "2024-01-01", "2024-01-02")

	require.NoError(t, fx.orch.Run(context.Background(), "job-1", false))

	ctx := context.Background()

	job, err := fx.registry.GetJob(ctx, "job-1")
	require.NoError(t, err)

	assert.Equal(t, backfill.StatusCompleted, job.Status)
	assert.Equal(t, backfill.StrategyPerDistrict, job.Strategy)
	assert.NotNil(t, job.CompletedAt)
	assert.Zero(t, job.ErrorCount)

	require.Contains(t, job.Progress, "101")
	assert.Equal(t, backfill.DistrictCompleted, job.Progress["101"].Status)
	assert.Equal(t, []string{"2024-01-01", "2024-01-02"}, job.Progress["101"].ProcessedDates)

	t.Run("configured district outside the subset is recorded as skipped", func(t *testing.T) {
		require.Contains(t, job.Progress, "205")
		assert.Equal(t, backfill.DistrictSkipped, job.Progress["205"].Status)
		assert.Empty(t, job.Progress["205"].ProcessedDates)
	})

	t.Run("checkpoint is cleared on completion", func(t *testing.T) {
		cp, err := fx.registry.GetCheckpoint(ctx, "job-1")
		require.NoError(t, err)
		assert.Nil(t, cp)
	})

	t.Run("snapshots are written and complete", func(t *testing.T) {
		assert.Greater(t, fx.store.Len(), 0)

		manifest, err := fx.store.Get(ctx, "snapshots/2024-01-01/manifest.json")
		require.NoError(t, err)

		var m snapshot.Manifest
		require.NoError(t, json.Unmarshal(manifest, &m))
		assert.True(t, m.WriteComplete)
	})

	t.Run("backfilled dates carry provenance", func(t *testing.T) {
		metaData, err := fx.store.Get(ctx, "snapshots/2024-01-01/metadata.json")
		require.NoError(t, err)

		var meta snapshot.Metadata
		require.NoError(t, json.Unmarshal(metaData, &meta))

		require.NotNil(t, meta.ClosingPeriod)
		assert.Equal(t, "2024-01-01", meta.ClosingPeriod.LogicalDate)
		assert.NotEqual(t, meta.ClosingPeriod.LogicalDate, meta.ClosingPeriod.CollectionDate)
	})
}

func TestOrchestratorIsolatesDistrictFailures(t *testing.T) {
	fx := newOrchestratorFixture(t)
	fx.createJob(t, []string{"101", "205"}, "2024-01-01", "2024-01-03")

	// District 205 fails permanently on every date
	fx.collector.SetError("205", storage.NewError("collector", "fetch_district", false, errors.New("schema validation failed")))

	require.NoError(t, fx.orch.Run(context.Background(), "job-1", false))

	ctx := context.Background()

	job, err := fx.registry.GetJob(ctx, "job-1")
	require.NoError(t, err)

	assert.Equal(t, backfill.StatusPartialSuccess, job.Status)
	assert.Equal(t, 3, job.ErrorCount)
	assert.Zero(t, job.RetryableErrorCount)

	assert.Equal(t, backfill.DistrictCompleted, job.Progress["101"].Status)
	assert.Equal(t, backfill.DistrictFailed, job.Progress["205"].Status)
	assert.Len(t, job.Progress["205"].FailedDates, 3)
	assert.False(t, job.Progress["205"].FailedDates[0].Retryable)

	require.Len(t, job.Results, 3)
	for _, result := range job.Results {
		assert.Equal(t, snapshot.StatusPartial, result.Status)
		assert.Equal(t, 1, result.Succeeded)
		assert.Equal(t, 1, result.Failed)
		require.Len(t, result.Errors, 1)
		assert.Equal(t, "205", result.Errors[0].DistrictID)
	}

	t.Run("partial snapshot records the failure in its manifest", func(t *testing.T) {
		data, err := fx.store.Get(ctx, "snapshots/2024-01-02/manifest.json")
		require.NoError(t, err)

		var m snapshot.Manifest
		require.NoError(t, json.Unmarshal(data, &m))

		assert.True(t, m.WriteComplete)

		entry := m.Entry("205")
		require.NotNil(t, entry)
		assert.Equal(t, snapshot.FileStatusFailed, entry.Status)
		assert.NotEmpty(t, entry.Error)
	})
}

func TestOrchestratorTotalFailure(t *testing.T) {
	fx := newOrchestratorFixture(t)
	fx.createJob(t, []string{"101", "205"}, "2024-01-01", "2024-01-01")

	permanent := storage.NewError("collector", "fetch_district", false, errors.New("unauthorized"))
	fx.collector.SetError("101", permanent)
	fx.collector.SetError("205", permanent)

	require.NoError(t, fx.orch.Run(context.Background(), "job-1", false))

	job, err := fx.registry.GetJob(context.Background(), "job-1")
	require.NoError(t, err)

	assert.Equal(t, backfill.StatusFailed, job.Status)
	assert.NotEmpty(t, job.Reason)

	// No district succeeded, so nothing was written
	assert.Zero(t, fx.store.Len())
}

func TestOrchestratorResumesFromCheckpoint(t *testing.T) {
	fx := newOrchestratorFixture(t)
	fx.createJob(t, []string{"101"}, "2024-01-01", "2024-01-03")

	ctx := context.Background()

	require.NoError(t, fx.registry.SaveCheckpoint(ctx, &backfill.Checkpoint{
		JobID:     "job-1",
		NextDate:  "2024-01-03",
		UpdatedAt: time.Now().UTC(),
	}))

	require.NoError(t, fx.orch.Run(ctx, "job-1", true))

	// Only the date at and after the checkpoint was collected
	assert.Equal(t, 1, fx.collector.fetchCount())

	job, err := fx.registry.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, backfill.StatusCompleted, job.Status)
	assert.Equal(t, []string{"2024-01-03"}, job.Progress["101"].ProcessedDates)
}

func TestOrchestratorSkipsTerminalJob(t *testing.T) {
	fx := newOrchestratorFixture(t)
	job := fx.createJob(t, []string{"101"}, "2024-01-01", "2024-01-03")

	job.Status = backfill.StatusCancelled
	require.NoError(t, fx.registry.SaveJob(context.Background(), job))

	require.NoError(t, fx.orch.Run(context.Background(), "job-1", false))

	assert.Zero(t, fx.collector.fetchCount(), "terminal jobs must not be executed")
	assert.Zero(t, fx.store.Len())
}

func TestOrchestratorBulkStrategy(t *testing.T) {
	fx := newOrchestratorFixture(t)

	// Full configured scope selects bulk collection
	fx.createJob(t, []string{"101", "205"}, "2024-01-01", "2024-01-02")

	require.NoError(t, fx.orch.Run(context.Background(), "job-1", false))

	job, err := fx.registry.GetJob(context.Background(), "job-1")
	require.NoError(t, err)

	assert.Equal(t, backfill.StrategyBulk, job.Strategy)
	assert.Equal(t, backfill.StatusCompleted, job.Status)
	assert.Equal(t, 2, fx.collector.bulkCalls)
	assert.Zero(t, fx.collector.fetchCount(), "bulk jobs never fetch per district")
}

func TestOrchestratorRetriesTransientErrors(t *testing.T) {
	fx := newOrchestratorFixture(t)
	fx.createJob(t, []string{"101"}, "2024-01-01", "2024-01-01")

	// The first call fails with a retryable error, the retry succeeds
	transient := storage.NewError("collector", "fetch_district", true, errors.New("connection reset"))
	fx.collector.SetTransientFailures("101", 1, transient)

	require.NoError(t, fx.orch.Run(context.Background(), "job-1", false))

	job, err := fx.registry.GetJob(context.Background(), "job-1")
	require.NoError(t, err)

	assert.Equal(t, backfill.StatusCompleted, job.Status)
	assert.Equal(t, 2, fx.collector.fetchCount(), "transient failure must be retried exactly once")
	assert.Positive(t, job.Progress["101"].RetryCount)
}

func TestOrchestratorShutdownLeavesJobRecoverable(t *testing.T) {
	fx := newOrchestratorFixture(t)
	fx.createJob(t, []string{"101"}, "2024-01-01", "2024-01-03")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The worker shuts down right after the first date is collected
	fx.collector.afterFetch = func(string, string) { cancel() }

	require.NoError(t, fx.orch.Run(ctx, "job-1", false))

	job, err := fx.registry.GetJob(context.Background(), "job-1")
	require.NoError(t, err)

	assert.Equal(t, backfill.StatusRecovering, job.Status, "an interrupted job must not claim a terminal status")
	assert.Nil(t, job.CompletedAt)
	assert.Empty(t, job.Reason)
	assert.Equal(t, 1, fx.collector.fetchCount())
	assert.Equal(t, []string{"2024-01-01"}, job.Progress["101"].ProcessedDates)

	t.Run("checkpoint survives for the recovery scan", func(t *testing.T) {
		cp, err := fx.registry.GetCheckpoint(context.Background(), "job-1")
		require.NoError(t, err)
		require.NotNil(t, cp)
		assert.Equal(t, "2024-01-02", cp.NextDate)
	})

	t.Run("resumed job finishes the remaining dates", func(t *testing.T) {
		fx.collector.afterFetch = nil

		require.NoError(t, fx.orch.Run(context.Background(), "job-1", true))

		job, err := fx.registry.GetJob(context.Background(), "job-1")
		require.NoError(t, err)
		assert.Equal(t, backfill.StatusCompleted, job.Status)
		assert.Equal(t, []string{"2024-01-01", "2024-01-02", "2024-01-03"}, job.Progress["101"].ProcessedDates)
	})
}

func TestOrchestratorPreservesCancellation(t *testing.T) {
	fx := newOrchestratorFixture(t)
	fx.createJob(t, []string{"101"}, "2024-01-01", "2024-01-01")

	ctx := context.Background()

	// Simulate an operator cancel landing while the job runs: flip the
	// stored record to cancelled the moment the collector answers, before
	// the date boundary saves progress.
	fx.collector.afterFetch = func(string, string) {
		job, err := fx.registry.GetJob(ctx, "job-1")
		if err == nil && job.Status != backfill.StatusCancelled {
			job.Status = backfill.StatusCancelled
			job.Reason = "cancelled by operator"
			_ = fx.registry.SaveJob(ctx, job)
		}
	}

	require.NoError(t, fx.orch.Run(ctx, "job-1", false))

	job, err := fx.registry.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, backfill.StatusCancelled, job.Status, "operator cancellation must win over finalize")
	assert.Equal(t, "cancelled by operator", job.Reason)
}
