package batch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tdeslauriers/muse/internal/util"
	"github.com/tdeslauriers/muse/pkg/api"
	"github.com/tdeslauriers/muse/pkg/host"
	"github.com/tdeslauriers/muse/pkg/ratelimit"
	"github.com/tdeslauriers/muse/pkg/store"
)

// Manager is the interface owning all batch lifecycles: creation, control,
// status, and the shared rate limiter every batch draws from.
type Manager interface {

	// CreateBatch assembles and launches a new batch for one album.
	CreateBatch(ctx context.Context, cmd api.StartBatchCmd) (*api.BatchStatus, error)

	// GetStatus returns the progress view of one batch.
	GetStatus(batchId string) (*api.BatchStatus, error)

	// GetDetails returns the detail view of one batch including per-job timing.
	GetDetails(batchId string) (*api.BatchDetails, error)

	// ListStatuses returns the progress views of all live batches, newest first.
	ListStatuses() []api.BatchStatus

	// Pause suspends dispatch of new jobs for one batch.
	Pause(batchId string) error

	// Resume releases a paused batch.
	Resume(batchId string) error

	// Cancel ends one batch; in-flight jobs are interrupted.
	Cancel(batchId string) error

	// CancelAll ends every live batch and clears the shared limiter queue.
	// Returns the number of batches cancelled.
	CancelAll() int

	// RetryFailed re-queues a batch's failed jobs still under the attempt cap.
	RetryFailed(batchId string) (int, error)

	// LimiterStatus returns a snapshot of the shared rate limiter.
	LimiterStatus() ratelimit.Status

	// ApplyRateConfig resizes the shared limiter for a new requests-per-minute
	// and concurrency ceiling; live batches feel it immediately.
	ApplyRateConfig(requestsPerMinute, maxConcurrentBatches int) error

	// Stop cancels all batches and halts the limiter.
	Stop()
}

// NewManager creates a batch manager with its shared rate limiter, returning
// a pointer to the concrete implementation.
func NewManager(photos host.Client, proc Processor, records store.Store, settings SettingsProvider) (Manager, error) {

	current := settings.BatchSettings()

	limiter, err := ratelimit.New(limiterConfig(current.RequestsPerMinute, current.MaxConcurrentBatches))
	if err != nil {
		return nil, fmt.Errorf("failed to create shared rate limiter: %v", err)
	}

	return &manager{
		photos:   photos,
		proc:     proc,
		records:  records,
		settings: settings,
		limiter:  limiter,
		batches:  make(map[string]*queue),

		logger: slog.Default().
			With(slog.String(util.ServiceKey, util.ServiceCurator)).
			With(slog.String(util.PackageKey, util.PackageBatch)).
			With(slog.String(util.ComponentKey, util.ComponentBatchManager)),
	}, nil
}

var _ Manager = (*manager)(nil)

// manager is the concrete implementation of the Manager interface.
type manager struct {
	mu sync.Mutex

	photos   host.Client
	proc     Processor
	records  store.Store
	settings SettingsProvider
	limiter  ratelimit.RateLimiter

	batches map[string]*queue

	logger *slog.Logger
}

// limiterConfig sizes the shared token bucket from a requests-per-minute
// budget: burst capacity is ten seconds of budget with a floor of ten.
// Exists to abstract away this logic from creation and reconfiguration.
func limiterConfig(requestsPerMinute, maxConcurrentBatches int) ratelimit.Config {

	if requestsPerMinute < 1 {
		requestsPerMinute = util.DefaultRequestsPerMinute
	}

	if maxConcurrentBatches < 1 {
		maxConcurrentBatches = util.DefaultMaxConcurrentBatches
	}

	burst := float64(requestsPerMinute) / 6
	if burst < 10 {
		burst = 10
	}

	return ratelimit.Config{
		MaxTokens:     burst,
		RefillRate:    float64(requestsPerMinute) / 60,
		MaxConcurrent: maxConcurrentBatches,
	}
}

// CreateBatch is the concrete implementation of the interface method which
// assembles and launches a new batch for one album.
func (m *manager) CreateBatch(ctx context.Context, cmd api.StartBatchCmd) (*api.BatchStatus, error) {

	if err := cmd.Validate(); err != nil {
		return nil, api.NewJobError(api.ErrInputInvalid, fmt.Sprintf("invalid batch command: %v", err))
	}

	current := m.settings.BatchSettings()

	// reject at capacity rather than queueing silently
	m.mu.Lock()
	live := 0
	for _, q := range m.batches {
		if !q.terminal() {
			live++
		}
	}
	m.mu.Unlock()

	if live >= current.MaxConcurrentBatches {
		return nil, api.NewJobError(api.ErrInputInvalid,
			fmt.Sprintf("batch capacity reached: %d of %d batches running", live, current.MaxConcurrentBatches))
	}

	assembled, err := m.assemble(ctx, cmd)
	if err != nil {
		return nil, err
	}

	// every image filtered out is a successful no-op, not an error: the caller
	// still gets the duplicate accounting
	if len(assembled.jobs) == 0 {
		m.logger.Info(fmt.Sprintf("batch request for album '%s' has no images left after duplicate filtering", cmd.AlbumKey))
		return &api.BatchStatus{
			BatchId:             uuid.New().String(),
			Name:                cmd.BatchName,
			AlbumKey:            cmd.AlbumKey,
			Phase:               api.PhaseCompleted,
			CreatedAt:           time.Now().UTC(),
			Message:             "No new images to process",
			DuplicateStatistics: assembled.stats,
		}, nil
	}

	q := newQueue(uuid.New().String(), cmd, assembled, current)

	m.mu.Lock()
	m.batches[q.id] = q
	m.mu.Unlock()

	go func() {
		q.run(m.limiter, m.proc)
		m.scheduleEviction(q.id)
	}()

	m.logger.Info(fmt.Sprintf("batch '%s' created for album '%s': %d job(s)", q.id, cmd.AlbumKey, len(assembled.jobs)))

	status := q.status()
	return &status, nil
}

// assemble turns an album listing into the batch's job list, applying the
// include/exclude filters, duplicate handling, and the max-images bound.
func (m *manager) assemble(ctx context.Context, cmd api.StartBatchCmd) (*assembled, error) {

	album, err := m.photos.GetAlbumDetails(ctx, cmd.AlbumKey)
	if err != nil {
		return nil, api.NewJobError(api.ErrUpstream503, fmt.Sprintf("failed to get album details for '%s': %v", cmd.AlbumKey, err))
	}

	listing, err := m.photos.ListAlbumImages(ctx, cmd.AlbumKey)
	if err != nil {
		return nil, api.NewJobError(api.ErrUpstream503, fmt.Sprintf("failed to list images for album '%s': %v", cmd.AlbumKey, err))
	}

	included := toSet(cmd.IncludedImages)
	excluded := toSet(cmd.ExcludedImages)

	out := &assembled{album: album}
	out.stats.TotalImages = len(listing)

	for _, img := range listing {

		if len(included) > 0 {
			if _, ok := included[img.SourceImageKey]; !ok {
				continue
			}
		}

		if _, ok := excluded[img.SourceImageKey]; ok {
			continue
		}

		job := &Job{
			Id:             uuid.New().String(),
			SourceImageKey: img.SourceImageKey,
			Filename:       img.Filename,
			Title:          img.Title,
			Caption:        img.Caption,
			FetchUrl:       img.FetchUrl,
			Status:         api.JobPending,
		}

		// duplicate filtering against the store
		existing, err := m.records.FindBySourceKey(img.SourceImageKey)
		if err != nil {
			return nil, api.NewJobError(api.ErrStoreWrite, fmt.Sprintf("failed duplicate lookup for '%s': %v", img.SourceImageKey, err))
		}

		if existing != nil && !cmd.ForceReprocessing {
			switch cmd.DuplicateHandling {
			case api.DuplicateSkip:
				out.stats.SkippedImages++
				continue
			case api.DuplicateUpdate, api.DuplicateReplace:
				out.stats.UpdateCandidates++
				job.UpdateExisting = true
			}
		} else {
			out.stats.NewImages++
		}

		out.jobs = append(out.jobs, job)

		if cmd.MaxImages > 0 && len(out.jobs) >= cmd.MaxImages {
			break
		}
	}

	return out, nil
}

// GetStatus is the concrete implementation of the interface method which
// returns the progress view of one batch.
func (m *manager) GetStatus(batchId string) (*api.BatchStatus, error) {

	q, err := m.find(batchId)
	if err != nil {
		return nil, err
	}

	status := q.status()
	return &status, nil
}

// GetDetails is the concrete implementation of the interface method which
// returns the detail view of one batch.
func (m *manager) GetDetails(batchId string) (*api.BatchDetails, error) {

	q, err := m.find(batchId)
	if err != nil {
		return nil, err
	}

	details := q.details()
	return &details, nil
}

// ListStatuses is the concrete implementation of the interface method which
// returns the progress views of all live batches, newest first.
func (m *manager) ListStatuses() []api.BatchStatus {

	m.mu.Lock()
	queues := make([]*queue, 0, len(m.batches))
	for _, q := range m.batches {
		queues = append(queues, q)
	}
	m.mu.Unlock()

	statuses := make([]api.BatchStatus, 0, len(queues))
	for _, q := range queues {
		statuses = append(statuses, q.status())
	}

	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].CreatedAt.After(statuses[j].CreatedAt)
	})

	return statuses
}

// Pause is the concrete implementation of the interface method which suspends
// dispatch of new jobs for one batch.
func (m *manager) Pause(batchId string) error {

	q, err := m.find(batchId)
	if err != nil {
		return err
	}

	return q.pause()
}

// Resume is the concrete implementation of the interface method which releases
// a paused batch.
func (m *manager) Resume(batchId string) error {

	q, err := m.find(batchId)
	if err != nil {
		return err
	}

	return q.resume()
}

// Cancel is the concrete implementation of the interface method which ends one
// batch.
func (m *manager) Cancel(batchId string) error {

	q, err := m.find(batchId)
	if err != nil {
		return err
	}

	if err := q.stop(); err != nil {
		return err
	}

	// the batch's own limiter waiters are released by its context ending; the
	// shared queue stays intact for other live batches
	m.scheduleEviction(batchId)

	return nil
}

// CancelAll is the concrete implementation of the interface method which ends
// every live batch and clears the shared limiter queue.
func (m *manager) CancelAll() int {

	m.mu.Lock()
	queues := make([]*queue, 0, len(m.batches))
	for _, q := range m.batches {
		queues = append(queues, q)
	}
	m.mu.Unlock()

	cancelled := 0
	for _, q := range queues {
		if err := q.stop(); err == nil {
			cancelled++
			m.scheduleEviction(q.id)
		}
	}

	m.limiter.ClearQueue()

	if cancelled > 0 {
		m.logger.Info(fmt.Sprintf("cancelled %d live batch(es)", cancelled))
	}

	return cancelled
}

// RetryFailed is the concrete implementation of the interface method which
// re-queues a batch's failed jobs.
func (m *manager) RetryFailed(batchId string) (int, error) {

	q, err := m.find(batchId)
	if err != nil {
		return 0, err
	}

	requeued, restart, err := q.retryFailed()
	if err != nil {
		return 0, err
	}

	if restart {
		go func() {
			q.run(m.limiter, m.proc)
			m.scheduleEviction(q.id)
		}()
	}

	return requeued, nil
}

// LimiterStatus is the concrete implementation of the interface method which
// returns a snapshot of the shared rate limiter.
func (m *manager) LimiterStatus() ratelimit.Status {
	return m.limiter.Status()
}

// ApplyRateConfig is the concrete implementation of the interface method which
// resizes the shared limiter.
func (m *manager) ApplyRateConfig(requestsPerMinute, maxConcurrentBatches int) error {
	return m.limiter.UpdateConfig(limiterConfig(requestsPerMinute, maxConcurrentBatches))
}

// Stop is the concrete implementation of the interface method which cancels
// all batches and halts the limiter.
func (m *manager) Stop() {
	m.CancelAll()
	m.limiter.Stop()
}

// find looks up a live batch by id.
func (m *manager) find(batchId string) (*queue, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.batches[batchId]
	if !ok {
		return nil, fmt.Errorf("batch '%s' not found", batchId)
	}

	return q, nil
}

// scheduleEviction drops a terminal batch from the registry after a grace
// period so callers can still read its final status.
func (m *manager) scheduleEviction(batchId string) {

	time.AfterFunc(util.BatchEvictionDelay, func() {

		q, err := m.find(batchId)
		if err != nil || !q.terminal() {
			return
		}

		m.mu.Lock()
		delete(m.batches, batchId)
		m.mu.Unlock()

		m.logger.Info(fmt.Sprintf("batch '%s' evicted from registry", batchId))
	})
}

// toSet builds a membership set from a key list.
func toSet(keys []string) map[string]struct{} {

	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}

	return set
}
