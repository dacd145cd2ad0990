package batch

import (
	"time"

	"github.com/tdeslauriers/muse/pkg/api"
	"github.com/tdeslauriers/muse/pkg/host"
)

// Job is one unit of batch work: a single album image to fetch, analyze, and
// persist.  Jobs are owned by their queue; all mutation happens under the
// queue's lock.
type Job struct {
	Id             string
	SourceImageKey string
	Filename       string
	Title          string
	Caption        string
	FetchUrl       string

	// true when a record for the source key already exists and the batch runs
	// with update handling
	UpdateExisting bool

	Status   api.JobStatus
	Attempts int
	LastErr  *api.JobError

	StartedAt  time.Time
	FinishedAt time.Time
}

// Settings are the operator-configured batch processing knobs, read from the
// config store when a batch is created so changes apply to new batches
// without restart.
type Settings struct {
	RequestsPerMinute    int
	MaxConcurrentBatches int
	PerBatchConcurrency  int

	ModelId    string
	PreContext string
	Prompt     string
}

// SettingsProvider supplies the current batch settings; backed by the config
// store.
type SettingsProvider interface {
	BatchSettings() Settings
}

// assembled is the outcome of turning an album listing into a job list:
// the jobs to run plus the duplicate filtering accounting.
type assembled struct {
	album *host.AlbumDetails
	jobs  []*Job
	stats api.DuplicateStatistics
}
