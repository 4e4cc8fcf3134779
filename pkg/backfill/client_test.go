package backfill_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/snapvault/internal/testutil"
	"github.com/ethpandaops/snapvault/pkg/backfill"
)

type clientFixture struct {
	mr       *miniredis.Miniredis
	client   *backfill.Client
	registry *backfill.Registry
}

func newClientFixture(t *testing.T) *clientFixture {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	mr, redisClient := testutil.NewMiniredisClient(t)

	queue := backfill.NewQueueManager(&asynq.RedisClientOpt{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = queue.Close()
	})

	cfg := &backfill.Config{
		Districts:  []string{"101", "205"},
		MaxRetries: 3,
	}

	return &clientFixture{
		mr:       mr,
		client:   backfill.NewClient(log, cfg, redisClient, queue, "test"),
		registry: backfill.NewRegistry(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test"),
	}
}

func TestClientSubmit(t *testing.T) {
	fx := newClientFixture(t)
	ctx := context.Background()

	t.Run("submits a valid job", func(t *testing.T) {
		job, err := fx.client.Submit(ctx, backfill.SubmitRequest{
			Range: backfill.DateRange{From: "2024-01-01", To: "2024-01-03"},
		})
		require.NoError(t, err)

		assert.NotEmpty(t, job.ID)
		assert.Equal(t, backfill.StatusPending, job.Status)

		// No explicit targets means the full configured scope
		assert.Equal(t, []string{"101", "205"}, job.Districts)

		stored, err := fx.registry.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, job.ID, stored.ID)
	})

	t.Run("rejects invalid range", func(t *testing.T) {
		_, err := fx.client.Submit(ctx, backfill.SubmitRequest{
			Range: backfill.DateRange{From: "2024-01-31", To: "2024-01-01"},
		})
		assert.ErrorIs(t, err, backfill.ErrInvalidDateRange)
	})

	t.Run("rejects unknown district", func(t *testing.T) {
		_, err := fx.client.Submit(ctx, backfill.SubmitRequest{
			Range:     backfill.DateRange{From: "2024-01-01", To: "2024-01-02"},
			Districts: []string{"999"},
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown district")
	})

	t.Run("rejects submit while another job is active", func(t *testing.T) {
		ok, err := fx.registry.AcquireActive(ctx, "running-job")
		require.NoError(t, err)
		require.True(t, ok)

		_, err = fx.client.Submit(ctx, backfill.SubmitRequest{
			Range: backfill.DateRange{From: "2024-02-01", To: "2024-02-02"},
		})
		assert.ErrorIs(t, err, backfill.ErrJobAlreadyActive)

		require.NoError(t, fx.registry.ReleaseActive(ctx, "running-job"))
	})
}

func TestClientCancel(t *testing.T) {
	fx := newClientFixture(t)
	ctx := context.Background()

	seed := func(t *testing.T, id string, status backfill.Status) {
		t.Helper()

		require.NoError(t, fx.registry.CreateJob(ctx, &backfill.Job{
			ID:        id,
			Range:     backfill.DateRange{From: "2024-01-01", To: "2024-01-03"},
			Districts: []string{"101"},
			Status:    status,
			CreatedAt: time.Now().UTC(),
		}))
	}

	t.Run("cancels a processing job", func(t *testing.T) {
		seed(t, "job-p", backfill.StatusProcessing)

		require.NoError(t, fx.client.CancelJob(ctx, "job-p"))

		job, err := fx.registry.GetJob(ctx, "job-p")
		require.NoError(t, err)
		assert.Equal(t, backfill.StatusCancelled, job.Status)
		assert.NotNil(t, job.CompletedAt)
	})

	t.Run("rejects cancel of a pending job", func(t *testing.T) {
		seed(t, "job-q", backfill.StatusPending)

		err := fx.client.CancelJob(ctx, "job-q")
		assert.ErrorIs(t, err, backfill.ErrJobNotCancellable)
	})

	t.Run("rejects cancel of a terminal job", func(t *testing.T) {
		seed(t, "job-t", backfill.StatusCompleted)

		err := fx.client.CancelJob(ctx, "job-t")
		assert.ErrorIs(t, err, backfill.ErrJobNotCancellable)
	})

	t.Run("rejects cancel of an unknown job", func(t *testing.T) {
		err := fx.client.CancelJob(ctx, "nope")
		assert.ErrorIs(t, err, backfill.ErrJobNotFound)
	})
}

func TestClientForceCancel(t *testing.T) {
	fx := newClientFixture(t)
	ctx := context.Background()

	require.NoError(t, fx.registry.CreateJob(ctx, &backfill.Job{
		ID:        "job-f",
		Range:     backfill.DateRange{From: "2024-01-01", To: "2024-01-05"},
		Districts: []string{"101"},
		Status:    backfill.StatusProcessing,
		CreatedAt: time.Now().UTC(),
	}))

	require.NoError(t, fx.registry.SaveCheckpoint(ctx, &backfill.Checkpoint{
		JobID:    "job-f",
		NextDate: "2024-01-03",
	}))

	ok, err := fx.registry.AcquireActive(ctx, "job-f")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, fx.client.ForceCancelJob(ctx, "job-f", "worker host lost"))

	t.Run("job is terminally cancelled with the operator's reason", func(t *testing.T) {
		job, err := fx.registry.GetJob(ctx, "job-f")
		require.NoError(t, err)
		assert.Equal(t, backfill.StatusCancelled, job.Status)
		assert.True(t, job.Status.Terminal())
		assert.Equal(t, "worker host lost", job.Reason)
	})

	t.Run("checkpoint is cleared so no recovery can resume it", func(t *testing.T) {
		cp, err := fx.registry.GetCheckpoint(ctx, "job-f")
		require.NoError(t, err)
		assert.Nil(t, cp)
	})

	t.Run("active slot is released for the next submission", func(t *testing.T) {
		active, err := fx.registry.ActiveJob(ctx)
		require.NoError(t, err)
		assert.Empty(t, active)
	})

	t.Run("second force-cancel is rejected as terminal", func(t *testing.T) {
		err := fx.client.ForceCancelJob(ctx, "job-f", "")
		assert.ErrorIs(t, err, backfill.ErrJobTerminal)
	})

	t.Run("empty reason falls back to a generic one", func(t *testing.T) {
		require.NoError(t, fx.registry.CreateJob(ctx, &backfill.Job{
			ID:        "job-g",
			Range:     backfill.DateRange{From: "2024-02-01", To: "2024-02-02"},
			Districts: []string{"101"},
			Status:    backfill.StatusRecovering,
			CreatedAt: time.Now().UTC(),
		}))

		require.NoError(t, fx.client.ForceCancelJob(ctx, "job-g", ""))

		job, err := fx.registry.GetJob(ctx, "job-g")
		require.NoError(t, err)
		assert.Equal(t, "force-cancelled by operator", job.Reason)
	})
}

func TestClientListJobs(t *testing.T) {
	fx := newClientFixture(t)
	ctx := context.Background()

	for _, id := range []string{"job-a", "job-b"} {
		require.NoError(t, fx.registry.CreateJob(ctx, &backfill.Job{
			ID:        id,
			Range:     backfill.DateRange{From: "2024-01-01", To: "2024-01-02"},
			Districts: []string{"101"},
			Status:    backfill.StatusPending,
			CreatedAt: time.Now().UTC(),
		}))
	}

	jobs, err := fx.client.ListJobs(ctx)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}
