package search

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tdeslauriers/muse/internal/util"
	"github.com/tdeslauriers/muse/pkg/api"
	"github.com/tdeslauriers/muse/pkg/llm"
)

// Verifier is the interface for vision verification of search hits: the top
// ranked results are shown to the model in small batches and only visually
// confirmed matches are kept.
type Verifier interface {

	// Verify filters hits to the visually confirmed matches using the provided
	// defaults for batch sizing and the candidate cap.  On any upstream failure
	// the metadata ranking is returned intact with Unverified set.
	Verify(ctx context.Context, query string, hits []api.ScoredImage, defaults Defaults) api.SearchResult
}

// NewVerifier creates a vision verifier, returning a pointer to the concrete
// implementation.
func NewVerifier(vision llm.Client) Verifier {
	return &verifier{
		vision: vision,

		logger: slog.Default().
			With(slog.String(util.ServiceKey, util.ServiceCurator)).
			With(slog.String(util.PackageKey, util.PackageSearch)).
			With(slog.String(util.ComponentKey, util.ComponentVerifier)),
	}
}

var _ Verifier = (*verifier)(nil)

// verifier is the concrete implementation of the Verifier interface.
type verifier struct {
	vision llm.Client

	logger *slog.Logger
}

// Verify is the concrete implementation of the interface method which filters
// hits to the visually confirmed matches.
func (v *verifier) Verify(ctx context.Context, query string, hits []api.ScoredImage, defaults Defaults) api.SearchResult {

	if len(hits) == 0 {
		return api.SearchResult{Images: hits}
	}

	maxImages := defaults.VerifyMaxImages
	if maxImages < 1 {
		maxImages = util.DefaultMaxVerifyImages
	}

	batchSize := defaults.VerifyBatchSize
	if batchSize < 1 {
		batchSize = util.DefaultVerifyBatchSize
	}

	// only the top ranked slice is worth the vision spend; the tail is dropped
	// from a verified result rather than passed through unchecked
	candidates := hits
	if len(candidates) > maxImages {
		candidates = candidates[:maxImages]
	}

	confirmed := make([]api.ScoredImage, 0, len(candidates))

	for start := 0; start < len(candidates); start += batchSize {

		end := start + batchSize
		if end > len(candidates) {
			end = len(candidates)
		}
		batch := candidates[start:end]

		urls := make([]string, 0, len(batch))
		for _, hit := range batch {
			urls = append(urls, hit.SourceUrl)
		}

		verification, err := v.vision.VerifyImages(ctx, urls, query, defaults.VerifyModelId)
		if err != nil {
			// degrade to the metadata ranking rather than fail the search
			v.logger.Warn(fmt.Sprintf("vision verification degraded, returning metadata ranking: %v", err))
			return api.SearchResult{Images: hits, Unverified: true}
		}

		// rank order within the batch is preserved
		for i, hit := range batch {
			if _, ok := verification.MatchedIndices[i]; ok {
				hit.Verified = true
				confirmed = append(confirmed, hit)
			}
		}
	}

	return api.SearchResult{Images: confirmed}
}
