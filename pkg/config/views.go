package config

import (
	"github.com/tdeslauriers/muse/internal/util"
	"github.com/tdeslauriers/muse/pkg/analysis"
	"github.com/tdeslauriers/muse/pkg/batch"
	"github.com/tdeslauriers/muse/pkg/chat"
	"github.com/tdeslauriers/muse/pkg/search"
)

// Views adapts the config store to the per-feature defaults providers so the
// features stay ignorant of the document layout.
type Views struct {
	store Store
}

// NewViews creates the provider adapter over a config store.
func NewViews(s Store) *Views {
	return &Views{store: s}
}

var (
	_ batch.SettingsProvider    = (*Views)(nil)
	_ analysis.DefaultsProvider = (*Views)(nil)
	_ search.DefaultsProvider   = (*Views)(nil)
	_ chat.DefaultsProvider     = (*Views)(nil)
)

// BatchSettings returns the current batch processing settings.
func (v *Views) BatchSettings() batch.Settings {
	return batch.Settings{
		RequestsPerMinute:    v.store.GetInt("processing.requests_per_minute", util.DefaultRequestsPerMinute),
		MaxConcurrentBatches: v.store.GetInt("processing.max_concurrent_batches", util.DefaultMaxConcurrentBatches),
		PerBatchConcurrency:  v.store.GetInt("processing.per_batch_concurrency", util.DefaultPerBatchConcurrency),
		ModelId:              v.store.GetString("analysis.model_id", ""),
		PreContext:           v.store.GetString("analysis.pre_context", ""),
		Prompt:               v.store.GetString("analysis.prompt", ""),
	}
}

// AnalysisDefaults returns the current single-image analysis settings.
func (v *Views) AnalysisDefaults() analysis.Defaults {
	return analysis.Defaults{
		ModelId:    v.store.GetString("analysis.model_id", ""),
		PreContext: v.store.GetString("analysis.pre_context", ""),
	}
}

// SearchDefaults returns the current vision verification settings.
func (v *Views) SearchDefaults() search.Defaults {
	return search.Defaults{
		VerifyEnabled:   v.store.GetBool("verification.enabled", false),
		VerifyBatchSize: v.store.GetInt("verification.batch_size", util.DefaultVerifyBatchSize),
		VerifyMaxImages: v.store.GetInt("verification.max_images", util.DefaultMaxVerifyImages),
		VerifyModelId:   v.store.GetString("verification.model_id", v.store.GetString("analysis.model_id", "")),
	}
}

// ChatDefaults returns the current conversational settings.
func (v *Views) ChatDefaults() chat.Defaults {
	return chat.Defaults{
		ModelId: v.store.GetString("chat.model_id", v.store.GetString("analysis.model_id", "")),
	}
}
