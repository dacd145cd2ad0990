package chat

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/tdeslauriers/carapace/pkg/connect"
	"github.com/tdeslauriers/muse/internal/util"
	"github.com/tdeslauriers/muse/pkg/api"
)

// Handler is an interface that defines methods for handling conversational
// requests.
type Handler interface {

	// HandleChat handles one conversational turn.
	HandleChat(w http.ResponseWriter, r *http.Request)

	// HandleLoadMore handles pagination of a prior conversational query.
	HandleLoadMore(w http.ResponseWriter, r *http.Request)
}

// NewHandler creates a new Handler instance and returns a pointer to the
// concrete implementation.
func NewHandler(b Bridge) Handler {
	return &handler{
		bridge: b,

		logger: slog.Default().
			With(slog.String(util.ServiceKey, util.ServiceCurator)).
			With(slog.String(util.PackageKey, util.PackageChat)).
			With(slog.String(util.ComponentKey, util.ComponentChatHandler)),
	}
}

var _ Handler = (*handler)(nil)

// handler is the concrete implementation of the Handler interface.
type handler struct {
	bridge Bridge

	logger *slog.Logger
}

// HandleChat is the concrete implementation of the interface method which
// handles one conversational turn: POST /api/chat.
func (h *handler) HandleChat(w http.ResponseWriter, r *http.Request) {

	if r.Method != http.MethodPost {
		e := connect.ErrorHttp{
			StatusCode: http.StatusMethodNotAllowed,
			Message:    "Method not allowed",
		}
		e.SendJsonErr(w)
		return
	}

	var cmd api.ChatCmd
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		h.logger.Error("Failed to decode chat command", slog.Any("error", err))
		e := connect.ErrorHttp{
			StatusCode: http.StatusBadRequest,
			Message:    "Failed to decode chat command",
		}
		e.SendJsonErr(w)
		return
	}

	reply, err := h.bridge.Ask(r.Context(), cmd)
	if err != nil {
		h.logger.Error(fmt.Sprintf("Failed to answer chat message: %v", err))
		e := connect.ErrorHttp{
			StatusCode: statusFor(err),
			Message:    "Failed to answer chat message",
		}
		e.SendJsonErr(w)
		return
	}

	api.Ok("chat reply", reply).SendJson(w, http.StatusOK)
}

// HandleLoadMore is the concrete implementation of the interface method which
// handles pagination of a prior query: POST /api/chat/load-more.
func (h *handler) HandleLoadMore(w http.ResponseWriter, r *http.Request) {

	if r.Method != http.MethodPost {
		e := connect.ErrorHttp{
			StatusCode: http.StatusMethodNotAllowed,
			Message:    "Method not allowed",
		}
		e.SendJsonErr(w)
		return
	}

	var cmd api.LoadMoreCmd
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		h.logger.Error("Failed to decode load more command", slog.Any("error", err))
		e := connect.ErrorHttp{
			StatusCode: http.StatusBadRequest,
			Message:    "Failed to decode load more command",
		}
		e.SendJsonErr(w)
		return
	}

	reply, err := h.bridge.LoadMore(r.Context(), cmd)
	if err != nil {
		h.logger.Error(fmt.Sprintf("Failed to load more results: %v", err))
		e := connect.ErrorHttp{
			StatusCode: statusFor(err),
			Message:    "Failed to load more results",
		}
		e.SendJsonErr(w)
		return
	}

	api.Ok("more results", reply).SendJson(w, http.StatusOK)
}

// statusFor maps a classified error to a response status code.
func statusFor(err error) int {
	switch api.KindOf(err) {
	case api.ErrInputInvalid:
		return http.StatusUnprocessableEntity
	case api.ErrUpstream503:
		return http.StatusBadGateway
	case api.ErrConfigMissing:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
