package api

// ErrorKind classifies job and request failures for retry decisions and for
// the failure details surfaced in batch status.
type ErrorKind string

const (
	// ErrInputInvalid is a bad parameter or missing required field; never retried.
	ErrInputInvalid ErrorKind = "input_invalid"

	// ErrUpstream503 is a transient LLM or photo host failure; retry eligible.
	ErrUpstream503 ErrorKind = "upstream_503"

	// ErrPayloadRejected is an upstream rejection of the payload itself (too
	// large after normalization, content policy); not retried automatically.
	ErrPayloadRejected ErrorKind = "upstream_payload_rejected"

	// ErrParse is a malformed structured response from the LLM.
	ErrParse ErrorKind = "parse"

	// ErrStoreWrite is a persistence failure; fails the job, batch continues.
	ErrStoreWrite ErrorKind = "store_write"

	// ErrConfigMissing is a systemic configuration failure; fails the batch.
	ErrConfigMissing ErrorKind = "config_missing"

	// ErrCancelled is a terminal cancellation; not reported as a failure.
	ErrCancelled ErrorKind = "cancelled"
)

// JobError pairs an error kind with its message so failures keep their
// classification as they propagate from processors to batch status.
type JobError struct {
	Kind    ErrorKind
	Message string
}

func (e *JobError) Error() string {
	return e.Message
}

// NewJobError builds a classified job error.
func NewJobError(kind ErrorKind, message string) *JobError {
	return &JobError{Kind: kind, Message: message}
}

// KindOf extracts the error kind from an error, defaulting to upstream_503 so
// unclassified failures remain retry eligible.
func KindOf(err error) ErrorKind {

	if err == nil {
		return ""
	}

	if jobErr, ok := err.(*JobError); ok {
		return jobErr.Kind
	}

	return ErrUpstream503
}
