package batch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/tdeslauriers/muse/internal/util"
	"github.com/tdeslauriers/muse/pkg/analysis"
	"github.com/tdeslauriers/muse/pkg/api"
	"github.com/tdeslauriers/muse/pkg/host"
	"github.com/tdeslauriers/muse/pkg/store"
)

// Processor executes one batch job end to end: fetch the original, analyze
// it, and persist the enriched record.
type Processor interface {

	// ProcessJob runs one job.  A nil return means the record was persisted.
	ProcessJob(ctx context.Context, batchId string, album *host.AlbumDetails, job *Job, cmd api.StartBatchCmd, settings Settings) error
}

// NewProcessor creates a job processor, returning a pointer to the concrete
// implementation.
func NewProcessor(photos host.Client, analyzer analysis.Service, records store.Store) Processor {
	return &processor{
		photos:   photos,
		analyzer: analyzer,
		records:  records,

		logger: slog.Default().
			With(slog.String(util.ServiceKey, util.ServiceCurator)).
			With(slog.String(util.PackageKey, util.PackageBatch)).
			With(slog.String(util.ComponentKey, util.ComponentProcessor)),
	}
}

var _ Processor = (*processor)(nil)

// processor is the concrete implementation of the Processor interface.
type processor struct {
	photos   host.Client
	analyzer analysis.Service
	records  store.Store

	logger *slog.Logger
}

// ProcessJob is the concrete implementation of the interface method which runs
// one job: fetch -> analyze -> persist.
func (p *processor) ProcessJob(ctx context.Context, batchId string, album *host.AlbumDetails, job *Job, cmd api.StartBatchCmd, settings Settings) error {

	if ctx.Err() != nil {
		return api.NewJobError(api.ErrCancelled, "job cancelled before start")
	}

	// fetch the original image bytes from the photo host
	raw, mime, err := p.photos.FetchImage(ctx, job.FetchUrl)
	if err != nil {
		if ctx.Err() != nil {
			return api.NewJobError(api.ErrCancelled, "job cancelled during image fetch")
		}
		return api.NewJobError(api.ErrUpstream503, fmt.Sprintf("failed to fetch image '%s': %v", job.Filename, err))
	}

	// analyze: normalization happens inside the analysis service
	outcome, err := p.analyzer.Analyze(ctx, analysis.Request{
		Image:      raw,
		MimeType:   mime,
		Prompt:     settings.Prompt,
		PreContext: settings.PreContext,
		ModelId:    settings.ModelId,
	})
	if err != nil {
		return err
	}

	// assemble the enriched record with full album context
	record := api.ImageRecord{
		Id:             uuid.New().String(),
		SourceImageKey: job.SourceImageKey,
		Filename:       job.Filename,
		SourceUrl:      job.FetchUrl,
		Title:          job.Title,
		Caption:        job.Caption,
		AlbumKey:       album.AlbumKey,
		AlbumName:      album.Name,
		AlbumPath:      album.Path,
		AlbumHierarchy: album.Hierarchy,
		Description:    outcome.Description,
		Keywords:       outcome.Keywords,
		Analysis: api.AnalysisMeta{
			ModelId:   outcome.ModelId,
			Timestamp: time.Now().UTC(),
			BatchId:   batchId,
			JobId:     job.Id,
		},
		CreatedAt:     time.Now().UTC(),
		LastUpdatedAt: time.Now().UTC(),
	}

	record.Exif = outcome.Exif

	handling := cmd.DuplicateHandling
	if cmd.ForceReprocessing && handling != api.DuplicateUpdate {
		// forced runs overwrite the prior analysis unless an update merge was
		// explicitly requested
		handling = api.DuplicateReplace
	}

	outcomeKind, err := p.records.PutImage(&record, handling)
	if err != nil {
		return api.NewJobError(api.ErrStoreWrite, fmt.Sprintf("failed to persist record for '%s': %v", job.Filename, err))
	}

	p.logger.Info(fmt.Sprintf("job '%s' persisted '%s' in album '%s' (%s)", job.Id, job.Filename, album.AlbumKey, outcomeKind))

	return nil
}
