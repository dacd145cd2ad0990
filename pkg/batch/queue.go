package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/tdeslauriers/muse/internal/util"
	"github.com/tdeslauriers/muse/pkg/api"
	"github.com/tdeslauriers/muse/pkg/host"
	"github.com/tdeslauriers/muse/pkg/ratelimit"
)

// queue is the state machine for one batch: its jobs, phase, and the worker
// loop that drives them.  All mutable state is guarded by mu; the phase
// transitions queued -> running -> (paused <-> running) -> terminal.
type queue struct {
	mu sync.Mutex

	id        string
	name      string
	album     *host.AlbumDetails
	cmd       api.StartBatchCmd
	settings  Settings
	stats     api.DuplicateStatistics
	createdAt time.Time

	phase      api.BatchPhase
	jobs       []*Job
	currentJob string
	startTime  time.Time

	paused  bool
	resumed *sync.Cond

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	logger *slog.Logger
}

// newQueue builds a queued batch ready for its worker loop.
func newQueue(id string, cmd api.StartBatchCmd, a *assembled, settings Settings) *queue {

	ctx, cancel := context.WithCancel(context.Background())

	name := cmd.BatchName
	if name == "" {
		name = fmt.Sprintf("%s %s", a.album.Name, time.Now().Format("2006-01-02 15:04"))
	}

	q := &queue{
		id:        id,
		name:      name,
		album:     a.album,
		cmd:       cmd,
		settings:  settings,
		stats:     a.stats,
		createdAt: time.Now().UTC(),

		phase: api.PhaseQueued,
		jobs:  a.jobs,

		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),

		logger: slog.Default().
			With(slog.String(util.ServiceKey, util.ServiceCurator)).
			With(slog.String(util.PackageKey, util.PackageBatch)).
			With(slog.String(util.ComponentKey, util.ComponentJobQueue)).
			With(slog.String("batch_id", id)),
	}
	q.resumed = sync.NewCond(&q.mu)

	return q
}

// run is the batch worker loop.  It dispatches pending jobs through the
// shared rate limiter with the configured per-batch concurrency and settles
// the terminal phase when no work remains.
func (q *queue) run(limiter ratelimit.RateLimiter, proc Processor) {

	defer close(q.done)

	q.mu.Lock()
	if q.phase.Terminal() {
		q.mu.Unlock()
		return
	}
	if !q.paused {
		q.phase = api.PhaseRunning
	}
	q.startTime = time.Now().UTC()
	concurrency := q.settings.PerBatchConcurrency
	if concurrency < 1 {
		concurrency = util.DefaultPerBatchConcurrency
	}
	q.mu.Unlock()

	q.logger.Info(fmt.Sprintf("batch '%s' started: %d job(s) against album '%s'", q.name, len(q.jobs), q.album.AlbumKey))

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	for {
		job := q.nextPending()
		if job == nil {
			break
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(j *Job) {
			defer wg.Done()
			defer func() { <-sem }()
			q.runJob(j, limiter, proc)
		}(job)
	}

	wg.Wait()
	q.settle()
}

// nextPending blocks while the batch is paused, then claims the next pending
// job.  It returns nil when the batch is cancelled or no pending jobs remain.
func (q *queue) nextPending() *Job {

	q.mu.Lock()
	defer q.mu.Unlock()

	for q.paused && q.ctx.Err() == nil {
		q.resumed.Wait()
	}

	if q.ctx.Err() != nil {
		return nil
	}

	for _, job := range q.jobs {
		if job.Status == api.JobPending {
			job.Status = api.JobRunning
			job.StartedAt = time.Now().UTC()
			q.currentJob = job.Filename
			return job
		}
	}

	return nil
}

// runJob executes one job inside the shared limiter and records the outcome.
func (q *queue) runJob(j *Job, limiter ratelimit.RateLimiter, proc Processor) {

	err := limiter.Execute(q.ctx, func() error {
		return proc.ProcessJob(q.ctx, q.id, q.album, j, q.cmd, q.settings)
	})

	q.mu.Lock()
	defer q.mu.Unlock()

	j.FinishedAt = time.Now().UTC()
	j.Attempts++
	if q.currentJob == j.Filename {
		q.currentJob = ""
	}

	switch {
	case err == nil:
		j.Status = api.JobSucceeded
		j.LastErr = nil

	case errors.Is(err, ratelimit.ErrNotAcquired), q.ctx.Err() != nil, api.KindOf(err) == api.ErrCancelled:
		j.Status = api.JobCancelled

	default:
		j.Status = api.JobFailed
		if jobErr, ok := err.(*api.JobError); ok {
			j.LastErr = jobErr
		} else {
			j.LastErr = api.NewJobError(api.KindOf(err), err.Error())
		}
		q.logger.Error(fmt.Sprintf("job '%s' (%s) failed on attempt %d: %v", j.Id, j.Filename, j.Attempts, err))

		// a systemic config failure will fail every remaining job the same
		// way; stop the batch instead of burning the queue
		if j.LastErr.Kind == api.ErrConfigMissing {
			q.cancelLocked(api.PhaseFailed)
		}
	}
}

// settle sets the terminal phase once the worker loop has drained.
func (q *queue) settle() {

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.phase.Terminal() {
		return
	}

	if q.ctx.Err() != nil {
		q.phase = api.PhaseCancelled
	} else {
		q.phase = api.PhaseCompleted
	}

	succeeded, failed, cancelled := 0, 0, 0
	for _, job := range q.jobs {
		switch job.Status {
		case api.JobSucceeded:
			succeeded++
		case api.JobFailed:
			failed++
		case api.JobCancelled:
			cancelled++
		}
	}

	q.logger.Info(fmt.Sprintf("batch '%s' %s: %d succeeded, %d failed, %d cancelled of %d job(s)",
		q.name, q.phase, succeeded, failed, cancelled, len(q.jobs)))
}

// pause suspends dispatch of new jobs; in-flight jobs complete.
func (q *queue) pause() error {

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.phase.Terminal() {
		return fmt.Errorf("batch '%s' is %s and cannot be paused", q.id, q.phase)
	}

	if q.paused {
		return nil
	}

	q.paused = true
	q.phase = api.PhasePaused
	q.logger.Info(fmt.Sprintf("batch '%s' paused", q.name))

	return nil
}

// resume releases a paused batch back to its worker loop.
func (q *queue) resume() error {

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.phase.Terminal() {
		return fmt.Errorf("batch '%s' is %s and cannot be resumed", q.id, q.phase)
	}

	if !q.paused {
		return nil
	}

	q.paused = false
	q.phase = api.PhaseRunning
	q.resumed.Broadcast()
	q.logger.Info(fmt.Sprintf("batch '%s' resumed", q.name))

	return nil
}

// stop cancels the batch.  In-flight jobs see their context end, which also
// releases any of the batch's waiters parked in the rate limiter queue.
func (q *queue) stop() error {

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.phase.Terminal() {
		return fmt.Errorf("batch '%s' is already %s", q.id, q.phase)
	}

	q.cancelLocked(api.PhaseCancelled)
	q.logger.Info(fmt.Sprintf("batch '%s' cancelled", q.name))

	return nil
}

// cancelLocked ends the batch with the provided terminal phase.  Callers must
// hold mu.
func (q *queue) cancelLocked(phase api.BatchPhase) {

	q.phase = phase
	q.paused = false
	q.cancel()
	q.resumed.Broadcast()

	// pending jobs will never run
	for _, job := range q.jobs {
		if job.Status == api.JobPending {
			job.Status = api.JobCancelled
		}
	}
}

// retryFailed re-queues failed jobs still under the attempt cap.  It returns
// the number re-queued and whether the worker loop needs restarting.
func (q *queue) retryFailed() (int, bool, error) {

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.phase == api.PhaseCancelled || q.phase == api.PhaseFailed {
		return 0, false, fmt.Errorf("batch '%s' is %s and cannot retry jobs", q.id, q.phase)
	}

	requeued := 0
	for _, job := range q.jobs {
		if job.Status == api.JobFailed && job.Attempts < util.DefaultMaxRetryAttempts {
			job.Status = api.JobPending
			job.LastErr = nil
			requeued++
		}
	}

	if requeued == 0 {
		return 0, false, nil
	}

	// a completed batch needs its loop relaunched; a live one picks the jobs
	// up on its own
	restart := false
	if q.phase == api.PhaseCompleted {
		q.phase = api.PhaseQueued
		q.ctx, q.cancel = context.WithCancel(context.Background())
		q.done = make(chan struct{})
		restart = true
	}

	q.logger.Info(fmt.Sprintf("batch '%s' re-queued %d failed job(s)", q.name, requeued))

	return requeued, restart, nil
}

// status builds the external progress view.  Callers get a snapshot; the
// queue keeps working.
func (q *queue) status() api.BatchStatus {

	q.mu.Lock()
	defer q.mu.Unlock()

	status := api.BatchStatus{
		BatchId:             q.id,
		Name:                q.name,
		AlbumKey:            q.album.AlbumKey,
		Phase:               q.phase,
		TotalJobs:           len(q.jobs),
		CurrentJob:          q.currentJob,
		StartTime:           q.startTime,
		CreatedAt:           q.createdAt,
		DuplicateStatistics: q.stats,
	}

	var totalDuration time.Duration
	for _, job := range q.jobs {
		switch job.Status {
		case api.JobSucceeded:
			status.ProcessedCount++
			status.CompletedJobs = append(status.CompletedJobs, job.Filename)
			totalDuration += job.FinishedAt.Sub(job.StartedAt)
		case api.JobFailed:
			status.FailedCount++
			detail := api.FailedJobDetail{
				JobId:    job.Id,
				Filename: job.Filename,
				Attempts: job.Attempts,
			}
			if job.LastErr != nil {
				detail.ErrorKind = string(job.LastErr.Kind)
				detail.Message = job.LastErr.Message
			}
			status.FailedJobDetails = append(status.FailedJobDetails, detail)
		case api.JobCancelled:
			status.SkippedCount++
		}
	}

	settled := status.ProcessedCount + status.FailedCount + status.SkippedCount
	if len(q.jobs) > 0 {
		status.ProgressPercent = math.Round(float64(settled)/float64(len(q.jobs))*10000) / 100
	}

	// eta from the mean duration of settled work
	if !q.phase.Terminal() && status.ProcessedCount > 0 && settled < len(q.jobs) {
		mean := totalDuration / time.Duration(status.ProcessedCount)
		remaining := time.Duration(len(q.jobs)-settled) * mean
		status.Eta = remaining.Round(time.Second).String()
	}

	return status
}

// details builds the detail view with per-job timing.
func (q *queue) details() api.BatchDetails {

	status := q.status()

	q.mu.Lock()
	defer q.mu.Unlock()

	details := api.BatchDetails{BatchStatus: status}
	for _, job := range q.jobs {
		timing := api.JobTiming{
			JobId:     job.Id,
			Filename:  job.Filename,
			Status:    job.Status,
			Attempts:  job.Attempts,
			StartedAt: job.StartedAt,
		}
		if !job.FinishedAt.IsZero() {
			timing.FinishedAt = job.FinishedAt
			timing.DurationMs = job.FinishedAt.Sub(job.StartedAt).Milliseconds()
		}
		details.Jobs = append(details.Jobs, timing)
	}

	return details
}

// terminal reports whether the batch has settled.
func (q *queue) terminal() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.phase.Terminal()
}
