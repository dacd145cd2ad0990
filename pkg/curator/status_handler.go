package curator

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/tdeslauriers/carapace/pkg/connect"
	"github.com/tdeslauriers/muse/internal/util"
	"github.com/tdeslauriers/muse/pkg/api"
	"github.com/tdeslauriers/muse/pkg/batch"
	"github.com/tdeslauriers/muse/pkg/ratelimit"
	"github.com/tdeslauriers/muse/pkg/store"
)

// StatusHandler is an interface that defines methods for handling service
// status requests.
type StatusHandler interface {

	// HandleStatus handles the service status overview.
	HandleStatus(w http.ResponseWriter, r *http.Request)

	// HandleCount handles the stored record count.
	HandleCount(w http.ResponseWriter, r *http.Request)
}

// NewStatusHandler creates a new StatusHandler instance and returns a pointer
// to the concrete implementation.
func NewStatusHandler(records store.Store, manager batch.Manager) StatusHandler {
	return &statusHandler{
		records: records,
		manager: manager,

		logger: slog.Default().
			With(slog.String(util.ServiceKey, util.ServiceCurator)).
			With(slog.String(util.PackageKey, util.PackageCurator)).
			With(slog.String(util.ComponentKey, util.ComponentStatusHandler)),
	}
}

var _ StatusHandler = (*statusHandler)(nil)

// statusHandler is the concrete implementation of the StatusHandler interface.
type statusHandler struct {
	records store.Store
	manager batch.Manager

	logger *slog.Logger
}

// serviceStatus is the status overview payload.
type serviceStatus struct {
	RecordCount int               `json:"record_count"`
	AlbumCount  int               `json:"album_count"`
	Batches     []api.BatchStatus `json:"batches"`
	RateLimiter ratelimit.Status  `json:"rate_limiter"`
}

// HandleStatus is the concrete implementation of the interface method which
// handles the service status overview: GET /api/status.
func (h *statusHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {

	if r.Method != http.MethodGet {
		e := connect.ErrorHttp{
			StatusCode: http.StatusMethodNotAllowed,
			Message:    "Method not allowed",
		}
		e.SendJsonErr(w)
		return
	}

	albums, err := h.records.AlbumKeys()
	if err != nil {
		h.logger.Error(fmt.Sprintf("Failed to list album keys for status: %v", err))
		e := connect.ErrorHttp{
			StatusCode: http.StatusInternalServerError,
			Message:    "Failed to assemble service status",
		}
		e.SendJsonErr(w)
		return
	}

	api.Ok("service status", serviceStatus{
		RecordCount: h.records.Count(),
		AlbumCount:  len(albums),
		Batches:     h.manager.ListStatuses(),
		RateLimiter: h.manager.LimiterStatus(),
	}).SendJson(w, http.StatusOK)
}

// HandleCount is the concrete implementation of the interface method which
// handles the stored record count: GET /api/data/count.
func (h *statusHandler) HandleCount(w http.ResponseWriter, r *http.Request) {

	if r.Method != http.MethodGet {
		e := connect.ErrorHttp{
			StatusCode: http.StatusMethodNotAllowed,
			Message:    "Method not allowed",
		}
		e.SendJsonErr(w)
		return
	}

	api.Ok("record count", map[string]int{"count": h.records.Count()}).SendJson(w, http.StatusOK)
}
