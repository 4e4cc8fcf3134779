package backfill

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/snapvault/pkg/cache"
	"github.com/ethpandaops/snapvault/pkg/collector"
	"github.com/ethpandaops/snapvault/pkg/storage"
)

// Service manages backfill job submission, execution, and recovery
type Service interface {
	// Start begins processing queued jobs and the recovery scan
	Start(ctx context.Context) error
	// Stop gracefully shuts down the worker and scheduler
	Stop() error
	// Submit validates and enqueues a new job
	Submit(ctx context.Context, req SubmitRequest) (*Job, error)
	// GetJob returns a copy of the job record
	GetJob(ctx context.Context, jobID string) (*Job, error)
	// ListJobs returns copies of all known jobs
	ListJobs(ctx context.Context) ([]*Job, error)
	// CancelJob requests cooperative cancellation of a processing job
	CancelJob(ctx context.Context, jobID string) error
	// ForceCancelJob forcibly terminates a job regardless of its
	// runtime state, recording the reason and releasing the active slot
	ForceCancelJob(ctx context.Context, jobID, reason string) error
}

type service struct {
	*Client

	log logrus.FieldLogger

	orchestrator *Orchestrator
	recovery     *recoveryScanner
	server       *asynq.Server
}

// NewService creates the backfill service: a lifecycle client plus the
// worker that executes jobs and the recovery scan that resurrects
// orphaned ones.
func NewService(log logrus.FieldLogger, cfg *Config, redisClient *redis.Client, redisOpt *asynq.RedisClientOpt, keyPrefix string, writer *storage.Writer, coll collector.Client) (Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	queue := NewQueueManager(redisOpt)
	client := NewClient(log, cfg, redisClient, queue, keyPrefix)
	resultCache := cache.New(cfg.Cache, keyPrefix)

	s := &service{
		Client:       client,
		log:          log.WithField("service", "backfill"),
		orchestrator: NewOrchestrator(log, cfg, client.registry, writer, coll, resultCache),
	}

	s.recovery = newRecoveryScanner(log, cfg.RecoverySchedule, client.registry, queue)

	s.server = asynq.NewServer(redisOpt, asynq.Config{
		// One worker, one queue: the active-job lock makes higher
		// concurrency pointless.
		Concurrency: 1,
		Queues:      map[string]int{QueueBackfill: 1},
	})

	return s, nil
}

func (s *service) Start(_ context.Context) error {
	s.log.Info("Starting backfill service")

	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeBackfillJob, s.handleJobTask)

	if err := s.server.Start(mux); err != nil {
		return fmt.Errorf("failed to start backfill worker: %w", err)
	}

	if err := s.recovery.start(); err != nil {
		return fmt.Errorf("failed to start recovery scan: %w", err)
	}

	return nil
}

func (s *service) Stop() error {
	s.log.Info("Stopping backfill service")

	s.recovery.stop()
	s.server.Shutdown()

	return s.Client.Close()
}

// handleJobTask is the queue handler: it claims the active slot, runs
// the orchestration loop, and releases the slot on the way out.
func (s *service) handleJobTask(ctx context.Context, task *asynq.Task) error {
	payload, err := ParseJobPayload(task.Payload())
	if err != nil {
		return fmt.Errorf("malformed job payload: %w", err)
	}

	log := s.log.WithField("job_id", payload.JobID)

	acquired, err := s.registry.AcquireActive(ctx, payload.JobID)
	if err != nil {
		return err
	}

	if !acquired {
		activeID, _ := s.registry.ActiveJob(ctx)
		if activeID != payload.JobID {
			// Another job holds the slot. The queue is serial, so
			// retrying here is pointless; the recovery scan re-enqueues
			// the job if it is still wanted.
			log.WithField("active_job_id", activeID).Warn("Active slot held by another job")

			return fmt.Errorf("active slot held by job %s", activeID)
		}
	}

	defer func() {
		if err := s.registry.ReleaseActive(context.WithoutCancel(ctx), payload.JobID); err != nil {
			log.WithError(err).Error("Failed to release active slot")
		}
	}()

	return s.orchestrator.Run(ctx, payload.JobID, payload.Resume)
}

var _ Service = (*service)(nil)
