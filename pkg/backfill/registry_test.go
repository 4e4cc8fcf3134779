package backfill_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/snapvault/internal/testutil"
	"github.com/ethpandaops/snapvault/pkg/backfill"
)

func newTestRegistry(t *testing.T) *backfill.Registry {
	t.Helper()

	_, client := testutil.NewMiniredisClient(t)

	return backfill.NewRegistry(client, "test")
}

func TestRegistryJobLifecycle(t *testing.T) {
	registry := newTestRegistry(t)
	ctx := context.Background()

	job := &backfill.Job{
		ID:        "job-1",
		Range:     backfill.DateRange{From: "2024-01-01", To: "2024-01-03"},
		Districts: []string{"101"},
		Status:    backfill.StatusPending,
		CreatedAt: time.Now().UTC(),
	}

	t.Run("create and get", func(t *testing.T) {
		require.NoError(t, registry.CreateJob(ctx, job))

		got, err := registry.GetJob(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, job.ID, got.ID)
		assert.Equal(t, backfill.StatusPending, got.Status)
	})

	t.Run("duplicate create is rejected", func(t *testing.T) {
		err := registry.CreateJob(ctx, job)
		assert.ErrorIs(t, err, backfill.ErrJobExists)
	})

	t.Run("save overwrites", func(t *testing.T) {
		job.Status = backfill.StatusProcessing
		require.NoError(t, registry.SaveJob(ctx, job))

		got, err := registry.GetJob(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, backfill.StatusProcessing, got.Status)
	})

	t.Run("unknown job", func(t *testing.T) {
		_, err := registry.GetJob(ctx, "nope")
		assert.ErrorIs(t, err, backfill.ErrJobNotFound)
	})

	t.Run("index lists ids", func(t *testing.T) {
		ids, err := registry.ListJobIDs(ctx)
		require.NoError(t, err)
		assert.Contains(t, ids, "job-1")
	})
}

func TestRegistryActiveSlot(t *testing.T) {
	registry := newTestRegistry(t)
	ctx := context.Background()

	t.Run("first claim wins", func(t *testing.T) {
		ok, err := registry.AcquireActive(ctx, "job-1")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = registry.AcquireActive(ctx, "job-2")
		require.NoError(t, err)
		assert.False(t, ok, "second job must not claim the slot")

		active, err := registry.ActiveJob(ctx)
		require.NoError(t, err)
		assert.Equal(t, "job-1", active)
	})

	t.Run("release by non-holder is a no-op", func(t *testing.T) {
		require.NoError(t, registry.ReleaseActive(ctx, "job-2"))

		active, err := registry.ActiveJob(ctx)
		require.NoError(t, err)
		assert.Equal(t, "job-1", active)
	})

	t.Run("release by holder frees the slot", func(t *testing.T) {
		require.NoError(t, registry.ReleaseActive(ctx, "job-1"))

		active, err := registry.ActiveJob(ctx)
		require.NoError(t, err)
		assert.Empty(t, active)

		ok, err := registry.AcquireActive(ctx, "job-2")
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestRegistryCheckpoints(t *testing.T) {
	registry := newTestRegistry(t)
	ctx := context.Background()

	t.Run("absent checkpoint is nil", func(t *testing.T) {
		cp, err := registry.GetCheckpoint(ctx, "job-1")
		require.NoError(t, err)
		assert.Nil(t, cp)
	})

	t.Run("save and load", func(t *testing.T) {
		cp := &backfill.Checkpoint{JobID: "job-1", NextDate: "2024-01-02", UpdatedAt: time.Now().UTC()}
		require.NoError(t, registry.SaveCheckpoint(ctx, cp))

		got, err := registry.GetCheckpoint(ctx, "job-1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "2024-01-02", got.NextDate)
	})

	t.Run("clear makes the job unresumable", func(t *testing.T) {
		require.NoError(t, registry.ClearCheckpoint(ctx, "job-1"))

		cp, err := registry.GetCheckpoint(ctx, "job-1")
		require.NoError(t, err)
		assert.Nil(t, cp)
	})
}
