package search

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/tdeslauriers/carapace/pkg/connect"
	"github.com/tdeslauriers/muse/internal/util"
	"github.com/tdeslauriers/muse/pkg/api"
	"github.com/tdeslauriers/muse/pkg/store"
)

// Defaults are the operator-configured verification settings applied when a
// search asks for visual confirmation.
type Defaults struct {
	VerifyEnabled   bool
	VerifyBatchSize int
	VerifyMaxImages int
	VerifyModelId   string
}

// DefaultsProvider supplies the current search defaults; backed by the config
// store.
type DefaultsProvider interface {
	SearchDefaults() Defaults
}

// Handler is an interface that defines methods for handling search and image
// listing requests.
type Handler interface {

	// HandleSearch handles a natural language search query.
	HandleSearch(w http.ResponseWriter, r *http.Request)

	// HandleImages handles listing stored image records.
	HandleImages(w http.ResponseWriter, r *http.Request)
}

// NewHandler creates a new Handler instance and returns a pointer to the
// concrete implementation.
func NewHandler(e Engine, v Verifier, records store.Store, defaults DefaultsProvider) Handler {
	return &handler{
		engine:   e,
		verifier: v,
		records:  records,
		defaults: defaults,

		logger: slog.Default().
			With(slog.String(util.ServiceKey, util.ServiceCurator)).
			With(slog.String(util.PackageKey, util.PackageSearch)).
			With(slog.String(util.ComponentKey, util.ComponentSearchHandler)),
	}
}

var _ Handler = (*handler)(nil)

// handler is the concrete implementation of the Handler interface.
type handler struct {
	engine   Engine
	verifier Verifier
	records  store.Store
	defaults DefaultsProvider

	logger *slog.Logger
}

// HandleSearch is the concrete implementation of the interface method which
// handles a natural language search query: GET /api/search?q=...&verify=true.
func (h *handler) HandleSearch(w http.ResponseWriter, r *http.Request) {

	if r.Method != http.MethodGet {
		e := connect.ErrorHttp{
			StatusCode: http.StatusMethodNotAllowed,
			Message:    "Method not allowed",
		}
		e.SendJsonErr(w)
		return
	}

	query := r.URL.Query().Get("q")
	if query == "" {
		e := connect.ErrorHttp{
			StatusCode: http.StatusBadRequest,
			Message:    "A 'q' query parameter is required",
		}
		e.SendJsonErr(w)
		return
	}

	criteria := ParseQuery(query)

	if maxResults := r.URL.Query().Get("max_results"); maxResults != "" {
		if parsed, err := strconv.Atoi(maxResults); err == nil && parsed > 0 {
			criteria.MaxResults = parsed
		}
	}

	if r.URL.Query().Get("starred") == "true" {
		criteria.StarredOnly = true
	}

	hits, err := h.engine.Search(criteria)
	if err != nil {
		h.logger.Error(fmt.Sprintf("Failed to execute search for '%s': %v", query, err))
		e := connect.ErrorHttp{
			StatusCode: http.StatusUnprocessableEntity,
			Message:    "Failed to execute search",
		}
		e.SendJsonErr(w)
		return
	}

	result := api.SearchResult{Images: hits}

	defaults := h.defaults.SearchDefaults()
	if r.URL.Query().Get("verify") == "true" && defaults.VerifyEnabled {
		result = h.verifier.Verify(r.Context(), query, hits, defaults)
	}

	api.Ok(fmt.Sprintf("%d result(s)", len(result.Images)), result).SendJson(w, http.StatusOK)
}

// HandleImages is the concrete implementation of the interface method which
// handles listing stored image records: GET /api/images?album_key=...
func (h *handler) HandleImages(w http.ResponseWriter, r *http.Request) {

	if r.Method != http.MethodGet {
		e := connect.ErrorHttp{
			StatusCode: http.StatusMethodNotAllowed,
			Message:    "Method not allowed",
		}
		e.SendJsonErr(w)
		return
	}

	var records []api.ImageRecord
	var err error

	if albumKey := r.URL.Query().Get("album_key"); albumKey != "" {
		records, err = h.records.LoadAlbum(albumKey)
	} else {
		records, err = h.records.AllRecords()
	}

	if err != nil {
		h.logger.Error(fmt.Sprintf("Failed to load image records: %v", err))
		e := connect.ErrorHttp{
			StatusCode: http.StatusInternalServerError,
			Message:    "Failed to load image records",
		}
		e.SendJsonErr(w)
		return
	}

	api.Ok(fmt.Sprintf("%d record(s)", len(records)), records).SendJson(w, http.StatusOK)
}
