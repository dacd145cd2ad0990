package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/tdeslauriers/carapace/pkg/connect"
	"github.com/tdeslauriers/muse/internal/util"
	"github.com/tdeslauriers/muse/pkg/api"
)

// Handler is an interface that defines methods for handling runtime
// configuration requests.
type Handler interface {

	// HandleConfig handles reading and updating the config document.
	HandleConfig(w http.ResponseWriter, r *http.Request)
}

// NewHandler creates a new Handler instance and returns a pointer to the
// concrete implementation.
func NewHandler(s Store) Handler {
	return &handler{
		store: s,

		logger: slog.Default().
			With(slog.String(util.ServiceKey, util.ServiceCurator)).
			With(slog.String(util.PackageKey, util.PackageConfig)).
			With(slog.String(util.ComponentKey, util.ComponentConfigHandler)),
	}
}

var _ Handler = (*handler)(nil)

// handler is the concrete implementation of the Handler interface.
type handler struct {
	store Store

	logger *slog.Logger
}

// HandleConfig is the concrete implementation of the interface method which
// handles reading (GET) and updating (POST {key, value}) the config document.
func (h *handler) HandleConfig(w http.ResponseWriter, r *http.Request) {

	switch r.Method {
	case http.MethodGet:
		api.Ok("runtime configuration", h.store.All()).SendJson(w, http.StatusOK)
		return

	case http.MethodPost:
		h.handleUpdate(w, r)
		return

	default:
		e := connect.ErrorHttp{
			StatusCode: http.StatusMethodNotAllowed,
			Message:    "Method not allowed",
		}
		e.SendJsonErr(w)
		return
	}
}

// handleUpdate applies one config change.
func (h *handler) handleUpdate(w http.ResponseWriter, r *http.Request) {

	var cmd struct {
		Key   string      `json:"key"`
		Value interface{} `json:"value"`
	}

	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		h.logger.Error("Failed to decode config update command", slog.Any("error", err))
		e := connect.ErrorHttp{
			StatusCode: http.StatusBadRequest,
			Message:    "Failed to decode config update command",
		}
		e.SendJsonErr(w)
		return
	}

	if strings.TrimSpace(cmd.Key) == "" {
		e := connect.ErrorHttp{
			StatusCode: http.StatusUnprocessableEntity,
			Message:    "A config key is required",
		}
		e.SendJsonErr(w)
		return
	}

	if err := h.store.Set(cmd.Key, cmd.Value); err != nil {
		h.logger.Error(fmt.Sprintf("Failed to update config '%s': %v", cmd.Key, err))
		e := connect.ErrorHttp{
			StatusCode: http.StatusUnprocessableEntity,
			Message:    fmt.Sprintf("Failed to update config '%s'", cmd.Key),
		}
		e.SendJsonErr(w)
		return
	}

	// secrets are not echoed back
	if isSecretPath(cmd.Key) {
		cmd.Value = secretMask
	}

	api.Ok(fmt.Sprintf("config '%s' updated", cmd.Key), map[string]interface{}{
		"key":   cmd.Key,
		"value": cmd.Value,
	}).SendJson(w, http.StatusOK)
}
