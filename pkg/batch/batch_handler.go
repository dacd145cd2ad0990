package batch

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/tdeslauriers/carapace/pkg/connect"
	"github.com/tdeslauriers/muse/internal/util"
	"github.com/tdeslauriers/muse/pkg/api"
)

// Handler is an interface that defines methods for handling batch lifecycle
// requests.
type Handler interface {

	// HandleStart handles the creation of a new batch.
	HandleStart(w http.ResponseWriter, r *http.Request)

	// HandleStatus handles status polling for one batch or all batches.
	HandleStatus(w http.ResponseWriter, r *http.Request)

	// HandleDetails handles the per-job detail view of one batch.
	HandleDetails(w http.ResponseWriter, r *http.Request)

	// HandlePause handles pausing one batch.
	HandlePause(w http.ResponseWriter, r *http.Request)

	// HandleResume handles resuming one paused batch.
	HandleResume(w http.ResponseWriter, r *http.Request)

	// HandleCancel handles cancelling one batch, or all when no id is provided.
	HandleCancel(w http.ResponseWriter, r *http.Request)

	// HandleRetry handles re-queueing a batch's failed jobs.
	HandleRetry(w http.ResponseWriter, r *http.Request)
}

// NewHandler creates a new Handler instance and returns a pointer to the
// concrete implementation.
func NewHandler(m Manager) Handler {
	return &handler{
		manager: m,

		logger: slog.Default().
			With(slog.String(util.ServiceKey, util.ServiceCurator)).
			With(slog.String(util.PackageKey, util.PackageBatch)).
			With(slog.String(util.ComponentKey, util.ComponentBatchHandler)),
	}
}

var _ Handler = (*handler)(nil)

// handler is the concrete implementation of the Handler interface.
type handler struct {
	manager Manager

	logger *slog.Logger
}

// HandleStart is the concrete implementation of the interface method which
// handles the creation of a new batch.
func (h *handler) HandleStart(w http.ResponseWriter, r *http.Request) {

	if r.Method != http.MethodPost {
		e := connect.ErrorHttp{
			StatusCode: http.StatusMethodNotAllowed,
			Message:    "Method not allowed",
		}
		e.SendJsonErr(w)
		return
	}

	var cmd api.StartBatchCmd
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		h.logger.Error("Failed to decode start batch command", slog.Any("error", err))
		e := connect.ErrorHttp{
			StatusCode: http.StatusBadRequest,
			Message:    "Failed to decode start batch command",
		}
		e.SendJsonErr(w)
		return
	}

	status, err := h.manager.CreateBatch(r.Context(), cmd)
	if err != nil {
		h.logger.Error(fmt.Sprintf("Failed to create batch for album '%s': %v", cmd.AlbumKey, err))
		h.respondErr(w, err, "Failed to create batch")
		return
	}

	api.Ok("batch created", status).SendJson(w, http.StatusAccepted)
}

// HandleStatus is the concrete implementation of the interface method which
// handles status polling.  A batch id appended to the path narrows to one
// batch.
func (h *handler) HandleStatus(w http.ResponseWriter, r *http.Request) {

	if r.Method != http.MethodGet {
		e := connect.ErrorHttp{
			StatusCode: http.StatusMethodNotAllowed,
			Message:    "Method not allowed",
		}
		e.SendJsonErr(w)
		return
	}

	if batchId := pathBatchId(r, "status"); batchId != "" {

		status, err := h.manager.GetStatus(batchId)
		if err != nil {
			e := connect.ErrorHttp{
				StatusCode: http.StatusNotFound,
				Message:    fmt.Sprintf("batch '%s' not found", batchId),
			}
			e.SendJsonErr(w)
			return
		}

		api.Ok("batch status", status).SendJson(w, http.StatusOK)
		return
	}

	api.Ok("batch statuses", h.manager.ListStatuses()).SendJson(w, http.StatusOK)
}

// HandleDetails is the concrete implementation of the interface method which
// handles the per-job detail view of one batch.
func (h *handler) HandleDetails(w http.ResponseWriter, r *http.Request) {

	if r.Method != http.MethodGet {
		e := connect.ErrorHttp{
			StatusCode: http.StatusMethodNotAllowed,
			Message:    "Method not allowed",
		}
		e.SendJsonErr(w)
		return
	}

	batchId := pathBatchId(r, "details")
	if batchId == "" {
		e := connect.ErrorHttp{
			StatusCode: http.StatusBadRequest,
			Message:    "a batch id is required: GET /api/batch/details/{batchId}",
		}
		e.SendJsonErr(w)
		return
	}

	details, err := h.manager.GetDetails(batchId)
	if err != nil {
		e := connect.ErrorHttp{
			StatusCode: http.StatusNotFound,
			Message:    fmt.Sprintf("batch '%s' not found", batchId),
		}
		e.SendJsonErr(w)
		return
	}

	api.Ok("batch details", details).SendJson(w, http.StatusOK)
}

// HandlePause is the concrete implementation of the interface method which
// handles pausing one batch.
func (h *handler) HandlePause(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, "pause", func(batchId string) error { return h.manager.Pause(batchId) })
}

// HandleResume is the concrete implementation of the interface method which
// handles resuming one paused batch.
func (h *handler) HandleResume(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, "resume", func(batchId string) error { return h.manager.Resume(batchId) })
}

// HandleCancel is the concrete implementation of the interface method which
// handles cancelling one batch, or every live batch when no id is provided.
func (h *handler) HandleCancel(w http.ResponseWriter, r *http.Request) {

	if r.Method != http.MethodPost {
		e := connect.ErrorHttp{
			StatusCode: http.StatusMethodNotAllowed,
			Message:    "Method not allowed",
		}
		e.SendJsonErr(w)
		return
	}

	cmd, ok := h.decodeControl(w, r)
	if !ok {
		return
	}

	if cmd.BatchId == "" {
		cancelled := h.manager.CancelAll()
		api.Ok(fmt.Sprintf("cancelled %d batch(es)", cancelled), map[string]int{"cancelled": cancelled}).SendJson(w, http.StatusOK)
		return
	}

	if err := h.manager.Cancel(cmd.BatchId); err != nil {
		h.logger.Error(fmt.Sprintf("Failed to cancel batch '%s': %v", cmd.BatchId, err))
		e := connect.ErrorHttp{
			StatusCode: http.StatusConflict,
			Message:    fmt.Sprintf("Failed to cancel batch '%s'", cmd.BatchId),
		}
		e.SendJsonErr(w)
		return
	}

	api.Ok("batch cancelled", nil).SendJson(w, http.StatusOK)
}

// HandleRetry is the concrete implementation of the interface method which
// handles re-queueing a batch's failed jobs.
func (h *handler) HandleRetry(w http.ResponseWriter, r *http.Request) {

	if r.Method != http.MethodPost {
		e := connect.ErrorHttp{
			StatusCode: http.StatusMethodNotAllowed,
			Message:    "Method not allowed",
		}
		e.SendJsonErr(w)
		return
	}

	cmd, ok := h.decodeControl(w, r)
	if !ok {
		return
	}

	if cmd.BatchId == "" {
		e := connect.ErrorHttp{
			StatusCode: http.StatusBadRequest,
			Message:    "batch_id is required",
		}
		e.SendJsonErr(w)
		return
	}

	requeued, err := h.manager.RetryFailed(cmd.BatchId)
	if err != nil {
		h.logger.Error(fmt.Sprintf("Failed to retry batch '%s': %v", cmd.BatchId, err))
		e := connect.ErrorHttp{
			StatusCode: http.StatusConflict,
			Message:    fmt.Sprintf("Failed to retry batch '%s'", cmd.BatchId),
		}
		e.SendJsonErr(w)
		return
	}

	api.Ok(fmt.Sprintf("re-queued %d failed job(s)", requeued), map[string]int{"requeued": requeued}).SendJson(w, http.StatusOK)
}

// control runs one single-batch lifecycle operation.
// Exists to abstract away the shared decode/validate/respond logic.
func (h *handler) control(w http.ResponseWriter, r *http.Request, operation string, fn func(batchId string) error) {

	if r.Method != http.MethodPost {
		e := connect.ErrorHttp{
			StatusCode: http.StatusMethodNotAllowed,
			Message:    "Method not allowed",
		}
		e.SendJsonErr(w)
		return
	}

	cmd, ok := h.decodeControl(w, r)
	if !ok {
		return
	}

	if cmd.BatchId == "" {
		e := connect.ErrorHttp{
			StatusCode: http.StatusBadRequest,
			Message:    "batch_id is required",
		}
		e.SendJsonErr(w)
		return
	}

	if err := fn(cmd.BatchId); err != nil {
		h.logger.Error(fmt.Sprintf("Failed to %s batch '%s': %v", operation, cmd.BatchId, err))
		e := connect.ErrorHttp{
			StatusCode: http.StatusConflict,
			Message:    fmt.Sprintf("Failed to %s batch '%s'", operation, cmd.BatchId),
		}
		e.SendJsonErr(w)
		return
	}

	api.Ok(fmt.Sprintf("batch %s applied", operation), nil).SendJson(w, http.StatusOK)
}

// pathBatchId extracts a batch id appended to the url path, e.g.
// /api/batch/status/{batchId}.  A bare route segment yields "".
func pathBatchId(r *http.Request, route string) string {

	segments := strings.Split(strings.TrimRight(r.URL.Path, "/"), "/")

	if last := segments[len(segments)-1]; last != route {
		return last
	}

	return ""
}

// decodeControl decodes a batch control command body.
func (h *handler) decodeControl(w http.ResponseWriter, r *http.Request) (api.BatchControlCmd, bool) {

	var cmd api.BatchControlCmd
	if r.Body != nil {
		// an empty body is a valid all-batches command where supported
		if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil && !errors.Is(err, io.EOF) {
			h.logger.Error("Failed to decode batch control command", slog.Any("error", err))
			e := connect.ErrorHttp{
				StatusCode: http.StatusBadRequest,
				Message:    "Failed to decode batch control command",
			}
			e.SendJsonErr(w)
			return cmd, false
		}
	}

	return cmd, true
}

// respondErr maps a classified error to an HTTP failure response.
func (h *handler) respondErr(w http.ResponseWriter, err error, message string) {

	status := http.StatusInternalServerError
	switch api.KindOf(err) {
	case api.ErrInputInvalid:
		status = http.StatusUnprocessableEntity
	case api.ErrUpstream503:
		status = http.StatusBadGateway
	case api.ErrConfigMissing:
		status = http.StatusServiceUnavailable
	}

	e := connect.ErrorHttp{
		StatusCode: status,
		Message:    message,
	}
	e.SendJsonErr(w)
}
