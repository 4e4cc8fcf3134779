package backfill

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ethpandaops/snapvault/pkg/cache"
	"github.com/ethpandaops/snapvault/pkg/collector"
	"github.com/ethpandaops/snapvault/pkg/observability"
	"github.com/ethpandaops/snapvault/pkg/ratelimit"
	"github.com/ethpandaops/snapvault/pkg/snapshot"
	"github.com/ethpandaops/snapvault/pkg/storage"
)

// Orchestrator runs one backfill job at a time: it fetches per-district
// statistics date by date under rate and concurrency limits, isolates
// district failures, materializes partial snapshots, and checkpoints
// after every date so a crashed job can resume.
type Orchestrator struct {
	log       logrus.FieldLogger
	cfg       *Config
	registry  *Registry
	writer    *storage.Writer
	collector collector.Client
	cache     *cache.Cache
}

// NewOrchestrator creates a backfill orchestrator. The cache is shared
// across jobs so overlapping ranges stay cheap.
func NewOrchestrator(log logrus.FieldLogger, cfg *Config, registry *Registry, writer *storage.Writer, coll collector.Client, resultCache *cache.Cache) *Orchestrator {
	return &Orchestrator{
		log:       log.WithField("service", "backfill-orchestrator"),
		cfg:       cfg,
		registry:  registry,
		writer:    writer,
		collector: coll,
		cache:     resultCache,
	}
}

// dateOutcome accumulates per-district results for one date. Workers
// write into it under the mutex; the job record itself is only touched
// by the orchestration goroutine.
type dateOutcome struct {
	mu      sync.Mutex
	docs    map[string]json.RawMessage
	fails   map[string]DistrictError
	retries int
}

func (d *dateOutcome) succeed(districtID string, doc json.RawMessage) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.docs[districtID] = doc
}

func (d *dateOutcome) fail(districtID string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.fails[districtID] = DistrictError{
		DistrictID: districtID,
		Error:      err.Error(),
		Retryable:  storage.IsRetryable(err),
	}
}

func (d *dateOutcome) addRetries(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.retries += n
}

// Run executes the job until it reaches a terminal state or ctx is
// cancelled. When resume is set, processing restarts from the persisted
// checkpoint instead of the beginning of the range.
func (o *Orchestrator) Run(ctx context.Context, jobID string, resume bool) error {
	job, err := o.registry.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	if job.Status.Terminal() {
		// A cancel raced ahead of us; nothing to do
		return nil
	}

	log := o.log.WithField("job_id", job.ID)

	job.Status = StatusProcessing
	if job.StartedAt == nil {
		now := time.Now().UTC()
		job.StartedAt = &now
	}

	job.Strategy = o.chooseStrategy(job)

	for _, districtID := range job.Districts {
		job.progress(districtID)
	}

	// Configured districts outside the job's explicit subset are recorded
	// as skipped so the job report covers the full configured scope.
	for _, districtID := range o.cfg.Districts {
		if _, ok := job.Progress[districtID]; !ok {
			job.progress(districtID).Status = DistrictSkipped
		}
	}

	if err := o.registry.SaveJob(ctx, job); err != nil {
		return err
	}

	observability.BackfillJobActive.Set(1)

	dates := job.Range.Dates()
	if resume {
		dates = o.resumePoint(ctx, job, dates)
	}

	log.WithFields(logrus.Fields{
		"from":      job.Range.From,
		"to":        job.Range.To,
		"dates":     len(dates),
		"districts": len(job.Districts),
		"strategy":  job.Strategy,
		"resume":    resume,
	}).Info("Backfill job started")

	limiter := ratelimit.NewLimiter(o.rateConfig(job))
	sem := ratelimit.NewConcurrencyLimiter(o.concurrencyConfig(job))

	for i, date := range dates {
		if ctx.Err() != nil {
			return o.suspend(context.WithoutCancel(ctx), job)
		}

		result := o.collectDate(ctx, job, date, limiter, sem)

		o.applyResult(job, date, result)

		// Progress and checkpoint writes for a collected date must land
		// even when the task context was cancelled mid-collection.
		sctx := context.WithoutCancel(ctx)

		// An operator cancel may have landed while this date was being
		// collected. The stored record wins: keep the progress but never
		// clobber the cancelled status.
		if stored, err := o.registry.GetJob(sctx, job.ID); err == nil && stored.Status == StatusCancelled {
			job.Status = stored.Status
			job.Reason = stored.Reason
			job.CompletedAt = stored.CompletedAt

			if err := o.registry.SaveJob(sctx, job); err != nil {
				log.WithError(err).Error("Failed to save job progress")
			}

			return o.finalize(sctx, job)
		}

		if err := o.registry.SaveJob(sctx, job); err != nil {
			log.WithError(err).Error("Failed to save job progress")
		}

		if i+1 < len(dates) {
			cp := &Checkpoint{JobID: job.ID, NextDate: dates[i+1], UpdatedAt: time.Now().UTC()}
			if err := o.registry.SaveCheckpoint(sctx, cp); err != nil {
				log.WithError(err).Error("Failed to save checkpoint")
			}
		}
	}

	return o.finalize(context.WithoutCancel(ctx), job)
}

// resumePoint trims dates already covered by the persisted checkpoint
func (o *Orchestrator) resumePoint(ctx context.Context, job *Job, dates []string) []string {
	cp, err := o.registry.GetCheckpoint(ctx, job.ID)
	if err != nil || cp == nil {
		return dates
	}

	idx := sort.SearchStrings(dates, cp.NextDate)
	if idx >= len(dates) {
		return nil
	}

	o.log.WithFields(logrus.Fields{
		"job_id":    job.ID,
		"next_date": cp.NextDate,
		"skipped":   idx,
	}).Info("Resuming from checkpoint")

	return dates[idx:]
}

// chooseStrategy picks bulk collection when the job covers every
// configured district, and a per-district loop for explicit subsets.
func (o *Orchestrator) chooseStrategy(job *Job) Strategy {
	if len(job.Districts) != len(o.cfg.Districts) {
		return StrategyPerDistrict
	}

	configured := make(map[string]struct{}, len(o.cfg.Districts))
	for _, id := range o.cfg.Districts {
		configured[id] = struct{}{}
	}

	for _, id := range job.Districts {
		if _, ok := configured[id]; !ok {
			return StrategyPerDistrict
		}
	}

	return StrategyBulk
}

func (o *Orchestrator) rateConfig(job *Job) ratelimit.Config {
	cfg := o.cfg.RateLimit
	if job.RateLimitDelay > 0 {
		cfg.MinDelay = job.RateLimitDelay
	}

	return cfg
}

func (o *Orchestrator) concurrencyConfig(job *Job) ratelimit.ConcurrencyConfig {
	cfg := o.cfg.Concurrency
	if job.Concurrency > 0 {
		cfg.MaxConcurrent = int64(job.Concurrency)
	}

	return cfg
}

// collectDate gathers documents for every targeted district on one date.
// District failures are isolated: the outcome records them and the other
// districts keep going.
func (o *Orchestrator) collectDate(ctx context.Context, job *Job, date string, limiter *ratelimit.Limiter, sem *ratelimit.ConcurrencyLimiter) *dateOutcome {
	outcome := &dateOutcome{
		docs:  make(map[string]json.RawMessage, len(job.Districts)),
		fails: make(map[string]DistrictError),
	}

	switch job.Strategy {
	case StrategyBulk:
		o.collectBulk(ctx, job, date, limiter, outcome)
	default:
		o.collectPerDistrict(ctx, job, date, limiter, sem, outcome)
	}

	return outcome
}

func (o *Orchestrator) collectBulk(ctx context.Context, job *Job, date string, limiter *ratelimit.Limiter, outcome *dateOutcome) {
	// Serve what we can from the cache and only go upstream for the rest
	var uncached []string

	for _, districtID := range job.Districts {
		if doc, ok := o.cache.Get(districtID, date); ok {
			outcome.succeed(districtID, doc)
			observability.RecordDistrictFetch(string(StrategyBulk), "cached")

			continue
		}

		uncached = append(uncached, districtID)
	}

	if len(uncached) == 0 {
		return
	}

	if err := limiter.Wait(ctx); err != nil {
		for _, districtID := range uncached {
			outcome.fail(districtID, storage.NewError("collector", "rate_limit_wait", true, err))
		}

		return
	}

	var docs map[string]json.RawMessage

	err := o.retryDo(ctx, outcome, func() error {
		var err error
		docs, err = o.collector.FetchAllDistricts(ctx, date)

		return err
	})
	if err != nil {
		for _, districtID := range uncached {
			outcome.fail(districtID, err)
			observability.RecordDistrictFetch(string(StrategyBulk), "failed")
		}

		return
	}

	for _, districtID := range uncached {
		doc, ok := docs[districtID]
		if !ok {
			outcome.fail(districtID, storage.NewError("collector", "fetch_all_districts", false,
				fmt.Errorf("district %s absent from bulk response", districtID)))
			observability.RecordDistrictFetch(string(StrategyBulk), "failed")

			continue
		}

		o.cache.Set(districtID, date, doc)
		outcome.succeed(districtID, doc)
		observability.RecordDistrictFetch(string(StrategyBulk), "success")
	}
}

func (o *Orchestrator) collectPerDistrict(ctx context.Context, job *Job, date string, limiter *ratelimit.Limiter, sem *ratelimit.ConcurrencyLimiter, outcome *dateOutcome) {
	g, gctx := errgroup.WithContext(ctx)

	for _, districtID := range job.Districts {
		districtID := districtID
		g.Go(func() error {
			// Worker errors are recorded, never propagated: one failing
			// district must not abort the others.
			if doc, ok := o.cache.Get(districtID, date); ok {
				outcome.succeed(districtID, doc)
				observability.RecordDistrictFetch(string(StrategyPerDistrict), "cached")

				return nil
			}

			release, err := sem.Acquire(gctx)
			if err != nil {
				outcome.fail(districtID, storage.NewError("collector", "acquire_slot", true, err))

				return nil
			}
			defer release()

			if err := limiter.Wait(gctx); err != nil {
				outcome.fail(districtID, storage.NewError("collector", "rate_limit_wait", true, err))

				return nil
			}

			var doc json.RawMessage

			err = o.retryDo(gctx, outcome, func() error {
				var err error
				doc, err = o.collector.FetchDistrict(gctx, districtID, date)
				if err == nil && doc == nil {
					return storage.NewError("collector", "fetch_district", false,
						fmt.Errorf("no data for district %s on %s", districtID, date))
				}

				return err
			})
			if err != nil {
				outcome.fail(districtID, err)
				observability.RecordDistrictFetch(string(StrategyPerDistrict), "failed")

				return nil
			}

			o.cache.Set(districtID, date, doc)
			outcome.succeed(districtID, doc)
			observability.RecordDistrictFetch(string(StrategyPerDistrict), "success")

			return nil
		})
	}

	_ = g.Wait()
}

// retryDo retries fn with exponential backoff while the error stays
// retryable, up to the configured attempt limit
func (o *Orchestrator) retryDo(ctx context.Context, outcome *dateOutcome, fn func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = o.cfg.InitialBackoff
	bo.MaxInterval = o.cfg.MaxBackoff
	bo.MaxElapsedTime = 0

	attempts := 0

	err := backoff.RetryNotify(func() error {
		err := fn()
		if err == nil {
			return nil
		}

		if !storage.IsRetryable(err) {
			return backoff.Permanent(err)
		}

		return err
	}, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(o.cfg.MaxRetries)), ctx), func(_ error, _ time.Duration) {
		attempts++
	})

	outcome.addRetries(attempts)

	return err
}

// applyResult folds a date outcome into the job record and materializes
// the snapshot when at least one district succeeded
func (o *Orchestrator) applyResult(job *Job, date string, outcome *dateOutcome) {
	log := o.log.WithFields(logrus.Fields{"job_id": job.ID, "date": date})

	if len(outcome.docs) > 0 {
		if err := o.writeSnapshot(job, date, outcome); err != nil {
			log.WithError(err).Error("Failed to materialize snapshot")

			// The collected documents are lost for this date; every
			// district becomes a failed date.
			for districtID := range outcome.docs {
				outcome.fails[districtID] = DistrictError{
					DistrictID: districtID,
					Error:      err.Error(),
					Retryable:  storage.IsRetryable(err),
				}
			}

			outcome.docs = map[string]json.RawMessage{}
		}
	}

	result := DateResult{
		Date:      date,
		Succeeded: len(outcome.docs),
		Failed:    len(outcome.fails),
	}

	switch {
	case len(outcome.fails) == 0:
		result.Status = snapshot.StatusSuccess
	case len(outcome.docs) > 0:
		result.Status = snapshot.StatusPartial
	default:
		result.Status = snapshot.StatusFailed
	}

	districts := make([]string, 0, len(outcome.fails))
	for districtID := range outcome.fails {
		districts = append(districts, districtID)
	}

	sort.Strings(districts)

	for _, districtID := range districts {
		result.Errors = append(result.Errors, outcome.fails[districtID])
	}

	job.Results = append(job.Results, result)

	for districtID := range outcome.docs {
		p := job.progress(districtID)
		p.Status = DistrictProcessing
		p.ProcessedDates = append(p.ProcessedDates, date)
	}

	for districtID, derr := range outcome.fails {
		p := job.progress(districtID)
		p.Status = DistrictProcessing
		p.FailedDates = append(p.FailedDates, FailedDate{
			Date:      date,
			Error:     derr.Error,
			Retryable: derr.Retryable,
		})

		job.ErrorCount++
		if derr.Retryable {
			job.RetryableErrorCount++
		}
	}

	// Retries are attributed to the job, not a single district: bulk
	// collection retries cover all of them at once.
	if outcome.retries > 0 {
		for _, districtID := range job.Districts {
			job.progress(districtID).RetryCount += outcome.retries
		}
	}

	log.WithFields(logrus.Fields{
		"status":    result.Status,
		"succeeded": result.Succeeded,
		"failed":    result.Failed,
	}).Info("Date collected")
}

// writeSnapshot materializes the (possibly partial) snapshot for a date
func (o *Orchestrator) writeSnapshot(job *Job, date string, outcome *dateOutcome) error {
	now := time.Now().UTC()

	meta := snapshot.Metadata{
		SnapshotID:         date,
		CreatedAt:          now,
		SuccessCount:       len(outcome.docs),
		FailureCount:       len(outcome.fails),
		SchemaVersion:      o.cfg.SchemaVersion,
		CalculationVersion: o.cfg.CalculationVersion,
	}

	if len(outcome.fails) == 0 {
		meta.Status = snapshot.StatusSuccess
	} else {
		meta.Status = snapshot.StatusPartial
	}

	// Backfilled data is collected after the fact; record the provenance
	if today := now.Format("2006-01-02"); today != date {
		meta.ClosingPeriod = &snapshot.ClosingPeriod{
			CollectionDate: today,
			LogicalDate:    date,
		}
	}

	var failures []snapshot.ManifestEntry
	for _, derr := range outcome.fails {
		failures = append(failures, snapshot.ManifestEntry{
			DistrictID: derr.DistrictID,
			Status:     snapshot.FileStatusFailed,
			Error:      derr.Error,
			Retryable:  derr.Retryable,
		})
	}

	err := o.writer.WriteSnapshot(context.Background(), &storage.PendingSnapshot{
		ID:        date,
		Metadata:  meta,
		Districts: outcome.docs,
		Failures:  failures,
	})
	if err != nil {
		observability.RecordError("backfill-orchestrator", "snapshot_write_error")

		return err
	}

	observability.RecordSnapshotWritten(string(meta.Status))

	return nil
}

// suspend parks a job whose task context was cancelled before the date
// range was traversed, typically a worker shutdown. The checkpoint stays
// in place and no terminal status is derived: the recovery scan finds
// the job and re-enqueues it for resumption. An operator cancel that
// landed in the meantime still wins.
func (o *Orchestrator) suspend(ctx context.Context, job *Job) error {
	current, err := o.registry.GetJob(ctx, job.ID)
	if err == nil && current.Status == StatusCancelled {
		return o.finalize(ctx, job)
	}

	job.Status = StatusRecovering

	if err := o.registry.SaveJob(ctx, job); err != nil {
		return err
	}

	observability.BackfillJobActive.Set(0)

	o.log.WithField("job_id", job.ID).Warn("Backfill job interrupted, awaiting recovery")

	return nil
}

// finalize computes the terminal status, clears the resumption
// checkpoint, and persists the job. A cancel that raced ahead wins.
func (o *Orchestrator) finalize(ctx context.Context, job *Job) error {
	current, err := o.registry.GetJob(ctx, job.ID)
	if err == nil && current.Status == StatusCancelled {
		// Preserve the operator's cancellation; progress written so far
		// is already saved.
		if err := o.registry.ClearCheckpoint(ctx, job.ID); err != nil {
			o.log.WithError(err).WithField("job_id", job.ID).Error("Failed to clear checkpoint")
		}

		observability.RecordJobTerminal(string(StatusCancelled))

		return nil
	}

	var succeeded, failed int

	for _, districtID := range job.Districts {
		p := job.progress(districtID)

		if len(p.FailedDates) == 0 && len(p.ProcessedDates) > 0 {
			p.Status = DistrictCompleted
		} else if len(p.FailedDates) > 0 {
			p.Status = DistrictFailed
		}

		succeeded += len(p.ProcessedDates)
		failed += len(p.FailedDates)
	}

	switch {
	case failed == 0:
		job.Status = StatusCompleted
	case succeeded > 0:
		job.Status = StatusPartialSuccess
	default:
		job.Status = StatusFailed
		job.Reason = "every district failed on every date"
	}

	now := time.Now().UTC()
	job.CompletedAt = &now

	if err := o.registry.SaveJob(ctx, job); err != nil {
		return err
	}

	if err := o.registry.ClearCheckpoint(ctx, job.ID); err != nil {
		o.log.WithError(err).WithField("job_id", job.ID).Error("Failed to clear checkpoint")
	}

	observability.RecordJobTerminal(string(job.Status))

	o.log.WithFields(logrus.Fields{
		"job_id":    job.ID,
		"status":    job.Status,
		"succeeded": succeeded,
		"failed":    failed,
	}).Info("Backfill job finished")

	return nil
}
