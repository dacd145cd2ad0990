package analysis

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/tdeslauriers/carapace/pkg/connect"
	"github.com/tdeslauriers/muse/internal/util"
	"github.com/tdeslauriers/muse/pkg/api"
)

// maxUploadBytes bounds the multipart form so a single upload cannot exhaust
// memory.
const maxUploadBytes = 64 * 1024 * 1024

// Defaults are the operator-configured analysis settings applied when a
// request does not override them.
type Defaults struct {
	ModelId    string
	PreContext string
}

// DefaultsProvider supplies the current analysis defaults; backed by the
// config store so changes apply without restart.
type DefaultsProvider interface {
	AnalysisDefaults() Defaults
}

// Handler is an interface that defines methods for handling single-image
// analysis requests.
type Handler interface {

	// HandleAnalyze handles a one-off image analysis upload.
	HandleAnalyze(w http.ResponseWriter, r *http.Request)
}

// NewHandler creates a new Handler instance and returns a pointer to the
// concrete implementation.
func NewHandler(s Service, defaults DefaultsProvider) Handler {
	return &handler{
		svc:      s,
		defaults: defaults,

		logger: slog.Default().
			With(slog.String(util.ServiceKey, util.ServiceCurator)).
			With(slog.String(util.PackageKey, util.PackageAnalysis)).
			With(slog.String(util.ComponentKey, util.ComponentAnalysisHandler)),
	}
}

var _ Handler = (*handler)(nil)

// handler is the concrete implementation of the Handler interface.
type handler struct {
	svc      Service
	defaults DefaultsProvider

	logger *slog.Logger
}

// HandleAnalyze is the concrete implementation of the interface method which
// handles a one-off image analysis upload: multipart form with an 'image'
// file, an optional 'prompt' field, and an optional 'compare' flag that runs
// the analysis a second time without the configured pre-context so the two
// results can be reviewed side by side.  Nothing is persisted.
func (h *handler) HandleAnalyze(w http.ResponseWriter, r *http.Request) {

	if r.Method != http.MethodPost {
		e := connect.ErrorHttp{
			StatusCode: http.StatusMethodNotAllowed,
			Message:    "Method not allowed",
		}
		e.SendJsonErr(w)
		return
	}

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		h.logger.Error(fmt.Sprintf("Failed to parse analysis upload form: %v", err))
		e := connect.ErrorHttp{
			StatusCode: http.StatusBadRequest,
			Message:    "Failed to parse multipart form",
		}
		e.SendJsonErr(w)
		return
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		h.logger.Error(fmt.Sprintf("Analysis upload missing image file: %v", err))
		e := connect.ErrorHttp{
			StatusCode: http.StatusBadRequest,
			Message:    "An 'image' file field is required",
		}
		e.SendJsonErr(w)
		return
	}
	defer file.Close()

	raw, err := io.ReadAll(io.LimitReader(file, maxUploadBytes))
	if err != nil {
		h.logger.Error(fmt.Sprintf("Failed to read uploaded image '%s': %v", header.Filename, err))
		e := connect.ErrorHttp{
			StatusCode: http.StatusBadRequest,
			Message:    "Failed to read uploaded image",
		}
		e.SendJsonErr(w)
		return
	}

	defaults := h.defaults.AnalysisDefaults()

	outcome, err := h.svc.Analyze(r.Context(), Request{
		Image:      raw,
		MimeType:   header.Header.Get("Content-Type"),
		Prompt:     r.FormValue("prompt"),
		PreContext: defaults.PreContext,
		ModelId:    defaults.ModelId,
	})
	if err != nil {
		h.logger.Error(fmt.Sprintf("Failed to analyze uploaded image '%s': %v", header.Filename, err))
		e := connect.ErrorHttp{
			StatusCode: statusForKind(api.KindOf(err)),
			Message:    "Failed to analyze image",
		}
		e.SendJsonErr(w)
		return
	}

	if r.FormValue("compare") == "true" && defaults.PreContext != "" {

		baseline, err := h.svc.Analyze(r.Context(), Request{
			Image:    raw,
			MimeType: header.Header.Get("Content-Type"),
			Prompt:   r.FormValue("prompt"),
			ModelId:  defaults.ModelId,
		})
		if err != nil {
			h.logger.Error(fmt.Sprintf("Failed baseline analysis of uploaded image '%s': %v", header.Filename, err))
			e := connect.ErrorHttp{
				StatusCode: statusForKind(api.KindOf(err)),
				Message:    "Failed to analyze image without pre-context",
			}
			e.SendJsonErr(w)
			return
		}

		api.Ok("image analyzed with and without pre-context", map[string]interface{}{
			"with_context":    outcome,
			"without_context": baseline,
		}).SendJson(w, http.StatusOK)
		return
	}

	api.Ok("image analyzed", outcome).SendJson(w, http.StatusOK)
}

// statusForKind maps job error kinds to response status codes.
// Exists to abstract away this logic from the handler methods.
func statusForKind(kind api.ErrorKind) int {
	switch kind {
	case api.ErrInputInvalid:
		return http.StatusUnprocessableEntity
	case api.ErrConfigMissing:
		return http.StatusServiceUnavailable
	case api.ErrUpstream503:
		return http.StatusBadGateway
	case api.ErrPayloadRejected:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
