package backfill

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/snapvault/pkg/observability"
)

var (
	// ErrJobAlreadyActive is returned when a submit arrives while
	// another job holds the active slot
	ErrJobAlreadyActive = errors.New("a backfill job is already active")
	// ErrJobNotCancellable is returned when cancel targets a job that is
	// not currently processing
	ErrJobNotCancellable = errors.New("job is not in a cancellable state")
	// ErrJobTerminal is returned when force-cancel targets a job that
	// already reached a terminal state
	ErrJobTerminal = errors.New("job already reached a terminal state")
)

// SubmitRequest describes a new backfill job
type SubmitRequest struct {
	Range     DateRange `json:"range"`
	Districts []string  `json:"districts,omitempty"`

	// Optional tuning overrides; zero means engine defaults
	Concurrency    int           `json:"concurrency,omitempty"`
	RateLimitDelay time.Duration `json:"rate_limit_delay,omitempty"`
}

// Client manages backfill job submission and lifecycle against Redis.
// It is safe to use from the CLI without a running worker: submitted
// jobs sit in the queue until one picks them up.
type Client struct {
	log      logrus.FieldLogger
	cfg      *Config
	registry *Registry
	queue    *QueueManager
}

// NewClient creates a backfill lifecycle client
func NewClient(log logrus.FieldLogger, cfg *Config, redisClient *redis.Client, queue *QueueManager, keyPrefix string) *Client {
	return &Client{
		log:      log.WithField("service", "backfill"),
		cfg:      cfg,
		registry: NewRegistry(redisClient, keyPrefix),
		queue:    queue,
	}
}

// Close releases the queue connections
func (c *Client) Close() error {
	return c.queue.Close()
}

// Submit validates and enqueues a new job. At most one job is active at
// any time; further submissions are rejected until it reaches a
// terminal state.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (*Job, error) {
	if err := req.Range.Validate(); err != nil {
		return nil, err
	}

	districts := req.Districts
	if len(districts) == 0 {
		districts = append([]string(nil), c.cfg.Districts...)
	}

	for _, id := range districts {
		if err := c.validateDistrict(id); err != nil {
			return nil, err
		}
	}

	if activeID, err := c.registry.ActiveJob(ctx); err != nil {
		return nil, err
	} else if activeID != "" {
		return nil, fmt.Errorf("%w: %s", ErrJobAlreadyActive, activeID)
	}

	job := &Job{
		ID:             uuid.New().String(),
		Range:          req.Range,
		Districts:      districts,
		Status:         StatusPending,
		Concurrency:    req.Concurrency,
		RateLimitDelay: req.RateLimitDelay,
		CreatedAt:      time.Now().UTC(),
	}

	if err := c.registry.CreateJob(ctx, job); err != nil {
		return nil, err
	}

	if err := c.queue.EnqueueJob(JobPayload{JobID: job.ID, EnqueuedAt: job.CreatedAt}); err != nil {
		return nil, fmt.Errorf("failed to enqueue job %s: %w", job.ID, err)
	}

	observability.BackfillJobsTotal.WithLabelValues("submitted").Inc()

	c.log.WithFields(logrus.Fields{
		"job_id":    job.ID,
		"from":      job.Range.From,
		"to":        job.Range.To,
		"districts": len(job.Districts),
	}).Info("Backfill job submitted")

	return job.Clone(), nil
}

func (c *Client) validateDistrict(districtID string) error {
	for _, id := range c.cfg.Districts {
		if id == districtID {
			return nil
		}
	}

	return fmt.Errorf("unknown district %q", districtID)
}

// GetJob returns a copy of the job record
func (c *Client) GetJob(ctx context.Context, jobID string) (*Job, error) {
	return c.registry.GetJob(ctx, jobID)
}

// ListJobs returns copies of all known jobs
func (c *Client) ListJobs(ctx context.Context) ([]*Job, error) {
	ids, err := c.registry.ListJobIDs(ctx)
	if err != nil {
		return nil, err
	}

	jobs := make([]*Job, 0, len(ids))

	for _, id := range ids {
		job, err := c.registry.GetJob(ctx, id)
		if err != nil {
			if errors.Is(err, ErrJobNotFound) {
				continue
			}

			return nil, err
		}

		jobs = append(jobs, job)
	}

	return jobs, nil
}

// CancelJob flips a processing job to cancelled and asks the worker to
// stop. The orchestration loop observes the flag at its next date
// boundary; progress recorded so far is kept.
func (c *Client) CancelJob(ctx context.Context, jobID string) error {
	job, err := c.registry.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	if job.Status != StatusProcessing {
		return fmt.Errorf("%w: job %s is %s", ErrJobNotCancellable, jobID, job.Status)
	}

	job.Status = StatusCancelled
	job.Reason = "cancelled by operator"
	now := time.Now().UTC()
	job.CompletedAt = &now

	if err := c.registry.SaveJob(ctx, job); err != nil {
		return err
	}

	if err := c.queue.CancelJob(jobID); err != nil {
		c.log.WithError(err).WithField("job_id", jobID).Warn("Failed to signal worker cancellation")
	}

	observability.BackfillJobsTotal.WithLabelValues("cancelled").Inc()

	c.log.WithField("job_id", jobID).Info("Backfill job cancelled")

	return nil
}

// ForceCancelJob terminates a job in any non-terminal state, clearing
// its checkpoint and releasing the active slot so the next submission
// can proceed. The reason is recorded on the job; empty falls back to a
// generic one. Queue cleanup failures are logged, not returned: the
// persisted terminal state is what matters.
func (c *Client) ForceCancelJob(ctx context.Context, jobID, reason string) error {
	job, err := c.registry.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	if job.Status.Terminal() {
		return fmt.Errorf("%w: job %s is %s", ErrJobTerminal, jobID, job.Status)
	}

	if reason == "" {
		reason = "force-cancelled by operator"
	}

	job.Status = StatusCancelled
	job.Reason = reason
	now := time.Now().UTC()
	job.CompletedAt = &now

	if err := c.registry.SaveJob(ctx, job); err != nil {
		return err
	}

	if err := c.registry.ClearCheckpoint(ctx, jobID); err != nil {
		c.log.WithError(err).WithField("job_id", jobID).Warn("Failed to clear checkpoint")
	}

	if err := c.registry.ReleaseActive(ctx, jobID); err != nil {
		c.log.WithError(err).WithField("job_id", jobID).Warn("Failed to release active slot")
	}

	if err := c.queue.CancelJob(jobID); err != nil {
		c.log.WithError(err).WithField("job_id", jobID).Debug("No running task to cancel")
	}

	if err := c.queue.DeleteJobTask(jobID); err != nil {
		c.log.WithError(err).WithField("job_id", jobID).Debug("No queued task to delete")
	}

	observability.BackfillJobsTotal.WithLabelValues("force_cancelled").Inc()
	observability.BackfillJobActive.Set(0)

	c.log.WithField("job_id", jobID).Info("Backfill job force-cancelled")

	return nil
}
