// Package backfill implements the historical collection engine: a
// single-active-job orchestrator that fetches per-district statistics
// across a date range under rate and concurrency limits, materializes
// (possibly partial) snapshots, and tracks resumable per-district
// progress in Redis.
package backfill

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethpandaops/snapvault/pkg/snapshot"
)

var (
	// ErrInvalidDateRange is returned when the requested range is malformed
	ErrInvalidDateRange = errors.New("invalid backfill date range")
)

// Status represents the job lifecycle state
type Status string

const (
	// StatusPending means the job is created but not yet picked up
	StatusPending Status = "pending"
	// StatusProcessing means the orchestration task is advancing the job
	StatusProcessing Status = "processing"
	// StatusRecovering means a recovery scan flagged the job for resumption
	StatusRecovering Status = "recovering"
	// StatusCompleted means every district succeeded on every date
	StatusCompleted Status = "completed"
	// StatusPartialSuccess means the job finished with some district failures
	StatusPartialSuccess Status = "partial_success"
	// StatusFailed means an unrecoverable setup error or total failure
	StatusFailed Status = "failed"
	// StatusCancelled means an operator cancelled the job
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final. Terminal jobs can never
// be cancelled, force or otherwise.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusPartialSuccess, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Strategy records how the orchestrator collected each date
type Strategy string

const (
	// StrategyBulk fetches all districts in one upstream call per date
	StrategyBulk Strategy = "bulk"
	// StrategyPerDistrict fetches each targeted district individually
	StrategyPerDistrict Strategy = "per_district"
)

// DistrictStatus represents per-district progress within a job
type DistrictStatus string

const (
	// DistrictPending means no date has been attempted yet
	DistrictPending DistrictStatus = "pending"
	// DistrictProcessing means at least one date is in flight
	DistrictProcessing DistrictStatus = "processing"
	// DistrictCompleted means every date succeeded
	DistrictCompleted DistrictStatus = "completed"
	// DistrictFailed means at least one date failed
	DistrictFailed DistrictStatus = "failed"
	// DistrictSkipped means the district was excluded from the job scope
	DistrictSkipped DistrictStatus = "skipped"
)

// FailedDate records one failed collection attempt for a district
type FailedDate struct {
	Date      string `json:"date"`
	Error     string `json:"error"`
	Retryable bool   `json:"retryable"`
}

// DistrictProgress tracks collection progress for one district. A
// failure here never aborts processing of other districts.
type DistrictProgress struct {
	Status         DistrictStatus `json:"status"`
	ProcessedDates []string       `json:"processed_dates"`
	FailedDates    []FailedDate   `json:"failed_dates"`
	RetryCount     int            `json:"retry_count"`
}

// DistrictError annotates one district failure on a date result
type DistrictError struct {
	DistrictID string `json:"district_id"`
	Error      string `json:"error"`
	Retryable  bool   `json:"retryable"`
}

// DateResult summarizes the outcome of one collected date, including
// partial snapshots materialized with only the successful districts.
type DateResult struct {
	Date      string          `json:"date"`
	Status    snapshot.Status `json:"status"`
	Succeeded int             `json:"succeeded"`
	Failed    int             `json:"failed"`
	Errors    []DistrictError `json:"errors,omitempty"`
}

// DateRange is an inclusive range of snapshot identifiers
type DateRange struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Validate checks both endpoints and their ordering
func (r DateRange) Validate() error {
	if err := snapshot.ValidateSnapshotID(r.From); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDateRange, err)
	}

	if err := snapshot.ValidateSnapshotID(r.To); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDateRange, err)
	}

	if r.From > r.To {
		return fmt.Errorf("%w: from %s is after to %s", ErrInvalidDateRange, r.From, r.To)
	}

	return nil
}

// Dates expands the range into ascending day-granular identifiers
func (r DateRange) Dates() []string {
	from, _ := time.Parse("2006-01-02", r.From)
	to, _ := time.Parse("2006-01-02", r.To)

	var dates []string
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		dates = append(dates, d.Format("2006-01-02"))
	}

	return dates
}

// Job is the mutable, single-writer backfill record. Only the
// orchestration task mutates a running job; the cancel paths are the
// documented exception. Readers always observe a copy.
type Job struct {
	ID        string    `json:"id"`
	Range     DateRange `json:"range"`
	Districts []string  `json:"districts"`
	Strategy  Strategy  `json:"strategy,omitempty"`

	Status Status `json:"status"`
	Reason string `json:"reason,omitempty"`

	// Per-job tuning overrides; zero means use the engine defaults
	Concurrency    int           `json:"concurrency,omitempty"`
	RateLimitDelay time.Duration `json:"rate_limit_delay,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Progress map[string]*DistrictProgress `json:"progress"`

	ErrorCount          int `json:"error_count"`
	RetryableErrorCount int `json:"retryable_error_count"`

	Results []DateResult `json:"results,omitempty"`
}

// Clone returns a deep copy so registry readers never share mutable state
// with the orchestration task.
func (j *Job) Clone() *Job {
	dup := *j

	dup.Districts = append([]string(nil), j.Districts...)
	dup.Results = append([]DateResult(nil), j.Results...)

	dup.Progress = make(map[string]*DistrictProgress, len(j.Progress))
	for id, p := range j.Progress {
		pc := *p
		pc.ProcessedDates = append([]string(nil), p.ProcessedDates...)
		pc.FailedDates = append([]FailedDate(nil), p.FailedDates...)
		dup.Progress[id] = &pc
	}

	return &dup
}

// progress returns the district progress record, creating it on demand
func (j *Job) progress(districtID string) *DistrictProgress {
	if j.Progress == nil {
		j.Progress = make(map[string]*DistrictProgress)
	}

	p, ok := j.Progress[districtID]
	if !ok {
		p = &DistrictProgress{Status: DistrictPending}
		j.Progress[districtID] = p
	}

	return p
}
