package backfill

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrJobNotFound is returned when no job exists for an identifier
	ErrJobNotFound = errors.New("backfill job not found")
	// ErrJobExists is returned when creating a job whose ID is taken
	ErrJobExists = errors.New("backfill job already exists")
)

// Checkpoint is the resumption point persisted after every completed
// date. A recovery scan only resumes jobs that still have one; clearing
// the checkpoint makes a job permanently unresumable.
type Checkpoint struct {
	JobID     string    `json:"job_id"`
	NextDate  string    `json:"next_date"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Registry persists backfill jobs, the single active-job lock, and
// per-job resumption checkpoints in Redis.
type Registry struct {
	client    *redis.Client
	keyPrefix string
}

// NewRegistry creates a job registry
func NewRegistry(client *redis.Client, keyPrefix string) *Registry {
	if keyPrefix == "" {
		keyPrefix = "snapvault"
	}

	return &Registry{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

func (r *Registry) jobKey(jobID string) string {
	return fmt.Sprintf("%s:backfill:job:%s", r.keyPrefix, jobID)
}

func (r *Registry) checkpointKey(jobID string) string {
	return fmt.Sprintf("%s:backfill:checkpoint:%s", r.keyPrefix, jobID)
}

func (r *Registry) activeKey() string {
	return fmt.Sprintf("%s:backfill:active", r.keyPrefix)
}

func (r *Registry) indexKey() string {
	return fmt.Sprintf("%s:backfill:jobs", r.keyPrefix)
}

// CreateJob persists a new job, rejecting duplicate identifiers
func (r *Registry) CreateJob(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}

	ok, err := r.client.SetNX(ctx, r.jobKey(job.ID), data, 0).Result()
	if err != nil {
		return err
	}

	if !ok {
		return fmt.Errorf("%w: %s", ErrJobExists, job.ID)
	}

	return r.client.SAdd(ctx, r.indexKey(), job.ID).Err()
}

// SaveJob overwrites the persisted job record
func (r *Registry) SaveJob(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}

	return r.client.Set(ctx, r.jobKey(job.ID), data, 0).Err()
}

// GetJob returns a copy of the persisted job record
func (r *Registry) GetJob(ctx context.Context, jobID string) (*Job, error) {
	data, err := r.client.Get(ctx, r.jobKey(jobID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
		}

		return nil, err
	}

	var job Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, err
	}

	return &job, nil
}

// ListJobIDs returns every known job identifier
func (r *Registry) ListJobIDs(ctx context.Context) ([]string, error) {
	return r.client.SMembers(ctx, r.indexKey()).Result()
}

// AcquireActive claims the system-wide active-job slot for jobID.
// Returns false when another job already holds it.
func (r *Registry) AcquireActive(ctx context.Context, jobID string) (bool, error) {
	return r.client.SetNX(ctx, r.activeKey(), jobID, 0).Result()
}

// ActiveJob returns the identifier of the active job, or empty string
func (r *Registry) ActiveJob(ctx context.Context) (string, error) {
	id, err := r.client.Get(ctx, r.activeKey()).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}

		return "", err
	}

	return id, nil
}

// ReleaseActive frees the active-job slot if jobID holds it
func (r *Registry) ReleaseActive(ctx context.Context, jobID string) error {
	current, err := r.ActiveJob(ctx)
	if err != nil {
		return err
	}

	if current != jobID {
		return nil
	}

	return r.client.Del(ctx, r.activeKey()).Err()
}

// SaveCheckpoint persists the resumption point for a job
func (r *Registry) SaveCheckpoint(ctx context.Context, cp *Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return err
	}

	return r.client.Set(ctx, r.checkpointKey(cp.JobID), data, 0).Err()
}

// GetCheckpoint returns the job's resumption point, or nil when none exists
func (r *Registry) GetCheckpoint(ctx context.Context, jobID string) (*Checkpoint, error) {
	data, err := r.client.Get(ctx, r.checkpointKey(jobID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}

		return nil, err
	}

	var cp Checkpoint
	if err := json.Unmarshal([]byte(data), &cp); err != nil {
		return nil, err
	}

	return &cp, nil
}

// ClearCheckpoint removes the resumption point so no recovery scan can
// ever pick the job up again
func (r *Registry) ClearCheckpoint(ctx context.Context, jobID string) error {
	return r.client.Del(ctx, r.checkpointKey(jobID)).Err()
}
