package backfill

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/hibiken/asynq"
)

// QueueManager manages backfill job task queuing
type QueueManager struct {
	client    *asynq.Client
	inspector *asynq.Inspector
}

// NewQueueManager creates a new queue manager
func NewQueueManager(redisOpt *asynq.RedisClientOpt) *QueueManager {
	return &QueueManager{
		client:    asynq.NewClient(*redisOpt),
		inspector: asynq.NewInspector(*redisOpt),
	}
}

// EnqueueJob enqueues a backfill job for execution. Jobs never retry at
// the queue level: the orchestrator owns retries per district, and a
// redelivered task could resurrect a cancelled job.
func (q *QueueManager) EnqueueJob(payload JobPayload, opts ...asynq.Option) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	task := asynq.NewTask(TypeBackfillJob, data)

	defaultOpts := []asynq.Option{
		asynq.TaskID(payload.UniqueID()),
		asynq.Queue(QueueBackfill),
		asynq.MaxRetry(0),
		asynq.Timeout(24 * time.Hour),
	}

	allOpts := defaultOpts
	allOpts = append(allOpts, opts...)

	_, err = q.client.Enqueue(task, allOpts...)

	return err
}

// IsJobPendingOrRunning checks whether a live task exists for the job
func (q *QueueManager) IsJobPendingOrRunning(jobID string) (bool, error) {
	info, err := q.inspector.GetTaskInfo(QueueBackfill, jobID)
	if err != nil {
		if isTaskNotFound(err) {
			return false, nil
		}

		return false, err
	}

	return info.State == asynq.TaskStatePending ||
		info.State == asynq.TaskStateActive ||
		info.State == asynq.TaskStateRetry, nil
}

// CancelJob signals the running task's context to cancel
func (q *QueueManager) CancelJob(jobID string) error {
	return q.inspector.CancelProcessing(jobID)
}

// DeleteJobTask removes any queued task for the job, ignoring tasks that
// no longer exist
func (q *QueueManager) DeleteJobTask(jobID string) error {
	err := q.inspector.DeleteTask(QueueBackfill, jobID)
	if err != nil && !isTaskNotFound(err) {
		return err
	}

	return nil
}

// Close closes the queue manager
func (q *QueueManager) Close() error {
	if err := q.client.Close(); err != nil {
		return err
	}

	return q.inspector.Close()
}

func isTaskNotFound(err error) bool {
	return strings.Contains(err.Error(), "NOT FOUND") ||
		strings.Contains(err.Error(), "queue not found") ||
		strings.Contains(err.Error(), "task not found")
}
