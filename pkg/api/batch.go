package api

import (
	"fmt"
	"strings"
	"time"
)

const (
	BatchNameMaxLength = 64                       // Maximum length for a batch name
	BatchNameRegex     = `^[\w\-\/ ]{1,64}$`      // Regex for batch name, alphanumeric, dashes, spaces
	AlbumKeyRegex      = `^[\w\-\/]{1,128}$`      // Regex for a photo host album key
	SourceKeyRegex     = `^[\w\-]{1,128}$`        // Regex for a photo host source image key
	MaxImagesCeiling   = 5000                     // Hard ceiling on images per batch
)

// BatchPhase is the lifecycle phase of a batch.
type BatchPhase string

const (
	PhaseQueued    BatchPhase = "queued"
	PhaseRunning   BatchPhase = "running"
	PhasePaused    BatchPhase = "paused"
	PhaseCompleted BatchPhase = "completed"
	PhaseCancelled BatchPhase = "cancelled"
	PhaseFailed    BatchPhase = "failed"
)

// Terminal reports whether the phase is a terminal phase.
func (p BatchPhase) Terminal() bool {
	switch p {
	case PhaseCompleted, PhaseCancelled, PhaseFailed:
		return true
	default:
		return false
	}
}

// JobStatus is the lifecycle status of a single job within a batch.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// StartBatchCmd is a model which represents the command to start a new
// enrichment batch for one photo host album.
type StartBatchCmd struct {
	AlbumKey          string            `json:"album_key"`
	DuplicateHandling DuplicateHandling `json:"duplicate_handling"`
	ForceReprocessing bool              `json:"force_reprocessing"`
	MaxImages         int               `json:"max_images,omitempty"`
	BatchName         string            `json:"batch_name,omitempty"`
	IncludedImages    []string          `json:"included_images,omitempty"`
	ExcludedImages    []string          `json:"excluded_images,omitempty"`
}

// Validate validates the StartBatchCmd -> input validation.
func (cmd *StartBatchCmd) Validate() error {

	// validate album key
	if strings.TrimSpace(cmd.AlbumKey) == "" {
		return fmt.Errorf("album key is required")
	}

	// validate duplicate handling; default to skip when omitted
	if cmd.DuplicateHandling == "" {
		cmd.DuplicateHandling = DuplicateSkip
	}

	if err := cmd.DuplicateHandling.Validate(); err != nil {
		return err
	}

	// validate max images bound
	if cmd.MaxImages < 0 || cmd.MaxImages > MaxImagesCeiling {
		return fmt.Errorf("max images must be between 0 and %d", MaxImagesCeiling)
	}

	// validate batch name if present
	if cmd.BatchName != "" && len(cmd.BatchName) > BatchNameMaxLength {
		return fmt.Errorf("batch name must be at most %d chars", BatchNameMaxLength)
	}

	// include and exclude lists are mutually exclusive
	if len(cmd.IncludedImages) > 0 && len(cmd.ExcludedImages) > 0 {
		return fmt.Errorf("included and excluded image lists are mutually exclusive")
	}

	return nil
}

// BatchControlCmd is a model which represents a pause/resume/cancel/retry
// command against a batch.  An empty batch id targets all batches where the
// operation supports it.
type BatchControlCmd struct {
	BatchId string `json:"batch_id,omitempty"`
}

// DuplicateStatistics is a snapshot of duplicate filtering applied while a
// batch was assembled.
type DuplicateStatistics struct {
	TotalImages     int `json:"total_images"`
	NewImages       int `json:"new_images"`
	SkippedImages   int `json:"skipped_images"`
	UpdateCandidates int `json:"update_candidates"`
}

// FailedJobDetail is the per-item failure detail exposed in a batch status.
type FailedJobDetail struct {
	JobId     string `json:"job_id"`
	Filename  string `json:"filename"`
	ErrorKind string `json:"error_kind"`
	Message   string `json:"message"`
	Attempts  int    `json:"attempts"`
}

// BatchStatus is the external view of one batch's progress.
type BatchStatus struct {
	BatchId             string              `json:"batch_id"`
	Name                string              `json:"name"`
	AlbumKey            string              `json:"album_key"`
	Phase               BatchPhase          `json:"phase"`
	TotalJobs           int                 `json:"total_jobs"`
	ProcessedCount      int                 `json:"processed_count"`
	FailedCount         int                 `json:"failed_count"`
	SkippedCount        int                 `json:"skipped_count"`
	CompletedJobs       []string            `json:"completed_jobs,omitempty"`
	CurrentJob          string              `json:"current_job,omitempty"`
	ProgressPercent     float64             `json:"progress_percent"`
	StartTime           time.Time           `json:"start_time,omitempty"`
	Eta                 string              `json:"eta,omitempty"`
	CreatedAt           time.Time           `json:"created_at"`
	Message             string              `json:"message,omitempty"`
	FailedJobDetails    []FailedJobDetail   `json:"failed_job_details,omitempty"`
	DuplicateStatistics DuplicateStatistics `json:"duplicate_statistics"`
}

// JobTiming is per-job timing exposed in the batch details view.
type JobTiming struct {
	JobId      string    `json:"job_id"`
	Filename   string    `json:"filename"`
	Status     JobStatus `json:"status"`
	Attempts   int       `json:"attempts"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	DurationMs int64     `json:"duration_ms,omitempty"`
}

// BatchDetails is the detail view of one batch, including per-job timing.
type BatchDetails struct {
	BatchStatus
	Jobs []JobTiming `json:"jobs"`
}
