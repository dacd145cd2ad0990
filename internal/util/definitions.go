package util

import "time"

// normalization bounds for images submitted to vision analysis
const (
	// MaxAnalysisDimension is the longest side, in pixels, allowed before an
	// image is downscaled for vision analysis.
	MaxAnalysisDimension = 2200

	// MaxAnalysisBytes is the byte budget for a vision analysis payload.
	MaxAnalysisBytes = 5 * 1024 * 1024

	// JpegQualityClamp is the quality used when re-encoding after a dimension clamp.
	JpegQualityClamp = 90

	// JpegQualityBudget is the starting quality when re-encoding to meet the byte budget.
	JpegQualityBudget = 85

	// JpegQualityStep is the per-iteration quality decrement when re-encoding.
	JpegQualityStep = 10

	// JpegQualityFloor is the lowest quality attempted; the final attempt is
	// kept even if it remains over budget.
	JpegQualityFloor = 10
)

// batch processing defaults
const (
	// DefaultPerBatchConcurrency is the number of worker goroutines per batch.
	DefaultPerBatchConcurrency = 1

	// DefaultRequestsPerMinute is the vision request budget shared by all batches.
	DefaultRequestsPerMinute = 60

	// DefaultMaxConcurrentBatches caps how many batches may run at once.
	DefaultMaxConcurrentBatches = 3

	// DefaultMaxRetryAttempts caps how many times a failed job may be re-queued.
	DefaultMaxRetryAttempts = 3

	// DefaultFetchTimeout bounds a single image fetch from the photo host.
	DefaultFetchTimeout = 30 * time.Second

	// DefaultAnalyzeTimeout bounds a single vision analysis call.
	DefaultAnalyzeTimeout = 60 * time.Second

	// BatchEvictionDelay is how long a terminal batch stays visible for polling.
	BatchEvictionDelay = 30 * time.Second
)

// search defaults
const (
	// DefaultMaxResults caps search results when the caller does not say otherwise.
	DefaultMaxResults = 50

	// DefaultPageSize is the conversational result page size.
	DefaultPageSize = 10

	// DefaultVerifyBatchSize is how many images are sent per vision verification call.
	DefaultVerifyBatchSize = 5

	// DefaultMaxVerifyImages caps how many top-scored results are vision verified.
	DefaultMaxVerifyImages = 30
)

// store defaults
const (
	// AlbumCacheSize is the number of album shards held in the LRU cache.
	AlbumCacheSize = 10

	// IndexFlushInterval is how often in-memory indices are persisted to disk.
	IndexFlushInterval = 5 * time.Minute
)
