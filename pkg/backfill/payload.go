package backfill

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	// TypeBackfillJob is the task type for backfill job execution
	TypeBackfillJob = "backfill:job"
	// QueueBackfill is the queue backfill jobs run on
	QueueBackfill = "backfill"
)

// JobPayload is the queue payload for a backfill job task
type JobPayload struct {
	JobID      string    `json:"job_id"`
	Resume     bool      `json:"resume"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// UniqueID returns the task identifier for this payload. One task per
// job: re-enqueueing the same job replaces nothing and cannot fork it.
func (p JobPayload) UniqueID() string {
	return p.JobID
}

// ParseJobPayload decodes a queue task payload
func ParseJobPayload(data []byte) (JobPayload, error) {
	var p JobPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return p, err
	}

	if p.JobID == "" {
		return p, fmt.Errorf("payload missing job id")
	}

	return p, nil
}
