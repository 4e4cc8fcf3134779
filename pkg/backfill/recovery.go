package backfill

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/snapvault/pkg/observability"
)

// recoveryScanner periodically looks for jobs that claim to be running
// but have no live queue task, which happens when a worker dies mid-job.
// Jobs with a checkpoint are re-enqueued for resumption; jobs without
// one are declared failed.
type recoveryScanner struct {
	log      logrus.FieldLogger
	schedule string
	registry *Registry
	queue    *QueueManager
	cron     *cron.Cron
}

func newRecoveryScanner(log logrus.FieldLogger, schedule string, registry *Registry, queue *QueueManager) *recoveryScanner {
	return &recoveryScanner{
		log:      log.WithField("service", "backfill-recovery"),
		schedule: schedule,
		registry: registry,
		queue:    queue,
		cron:     cron.New(),
	}
}

func (r *recoveryScanner) start() error {
	if _, err := r.cron.AddFunc(r.schedule, r.scan); err != nil {
		return err
	}

	r.cron.Start()

	r.log.WithField("schedule", r.schedule).Info("Recovery scan scheduled")

	return nil
}

func (r *recoveryScanner) stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
}

func (r *recoveryScanner) scan() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	ids, err := r.registry.ListJobIDs(ctx)
	if err != nil {
		r.log.WithError(err).Error("Failed to list jobs")

		return
	}

	for _, jobID := range ids {
		job, err := r.registry.GetJob(ctx, jobID)
		if err != nil {
			continue
		}

		if job.Status != StatusProcessing && job.Status != StatusRecovering {
			continue
		}

		live, err := r.queue.IsJobPendingOrRunning(jobID)
		if err != nil {
			r.log.WithError(err).WithField("job_id", jobID).Error("Failed to inspect queue")

			continue
		}

		if live {
			continue
		}

		r.recover(ctx, job)
	}
}

func (r *recoveryScanner) recover(ctx context.Context, job *Job) {
	log := r.log.WithField("job_id", job.ID)

	cp, err := r.registry.GetCheckpoint(ctx, job.ID)
	if err != nil {
		log.WithError(err).Error("Failed to load checkpoint")

		return
	}

	// The dead worker may still hold the active slot; release it so the
	// resumed task (or the next submission) can claim it.
	if err := r.registry.ReleaseActive(ctx, job.ID); err != nil {
		log.WithError(err).Warn("Failed to release active slot")
	}

	if cp == nil {
		job.Status = StatusFailed
		job.Reason = "orphaned: worker died before the first checkpoint"
		now := time.Now().UTC()
		job.CompletedAt = &now

		if err := r.registry.SaveJob(ctx, job); err != nil {
			log.WithError(err).Error("Failed to mark job failed")

			return
		}

		observability.RecordJobTerminal(string(StatusFailed))

		log.Warn("Orphaned job marked failed")

		return
	}

	job.Status = StatusRecovering

	if err := r.registry.SaveJob(ctx, job); err != nil {
		log.WithError(err).Error("Failed to mark job recovering")

		return
	}

	// A stale archived task with the same id would block re-enqueueing
	if err := r.queue.DeleteJobTask(job.ID); err != nil {
		log.WithError(err).Debug("No stale task to delete")
	}

	if err := r.queue.EnqueueJob(JobPayload{JobID: job.ID, Resume: true, EnqueuedAt: time.Now().UTC()}); err != nil {
		log.WithError(err).Error("Failed to re-enqueue job")

		return
	}

	log.WithField("next_date", cp.NextDate).Info("Orphaned job re-enqueued for resumption")
}
