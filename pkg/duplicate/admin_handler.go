package duplicate

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/tdeslauriers/carapace/pkg/connect"
	"github.com/tdeslauriers/muse/internal/util"
	"github.com/tdeslauriers/muse/pkg/api"
)

// Handler is an interface that defines methods for handling duplicate
// administration requests.
type Handler interface {

	// HandleAnalyze handles a duplicate scan request.
	HandleAnalyze(w http.ResponseWriter, r *http.Request)

	// HandleCleanup handles a cleanup request, with dry-run support.
	HandleCleanup(w http.ResponseWriter, r *http.Request)

	// HandleValidate handles a post-cleanup validation request.
	HandleValidate(w http.ResponseWriter, r *http.Request)

	// HandleRollback handles restoring the store from a cleanup backup.
	HandleRollback(w http.ResponseWriter, r *http.Request)

	// HandleBackups handles listing the cleanup backups on disk.
	HandleBackups(w http.ResponseWriter, r *http.Request)

	// HandleReports handles writing the analysis reports to disk.
	HandleReports(w http.ResponseWriter, r *http.Request)
}

// NewHandler creates a new Handler instance and returns a pointer to the
// concrete implementation.
func NewHandler(s Service) Handler {
	return &handler{
		svc: s,

		logger: slog.Default().
			With(slog.String(util.ServiceKey, util.ServiceCurator)).
			With(slog.String(util.PackageKey, util.PackageDuplicate)).
			With(slog.String(util.ComponentKey, util.ComponentAdminHandler)),
	}
}

var _ Handler = (*handler)(nil)

// handler is the concrete implementation of the Handler interface.
type handler struct {
	svc Service

	logger *slog.Logger
}

// HandleAnalyze is the concrete implementation of the interface method which
// handles a duplicate scan: POST /api/admin/duplicates/detect.
func (h *handler) HandleAnalyze(w http.ResponseWriter, r *http.Request) {

	if r.Method != http.MethodPost {
		e := connect.ErrorHttp{
			StatusCode: http.StatusMethodNotAllowed,
			Message:    "Method not allowed",
		}
		e.SendJsonErr(w)
		return
	}

	report, err := h.svc.Detect()
	if err != nil {
		h.logger.Error(fmt.Sprintf("Failed to scan for duplicates: %v", err))
		e := connect.ErrorHttp{
			StatusCode: http.StatusInternalServerError,
			Message:    "Failed to scan for duplicates",
		}
		e.SendJsonErr(w)
		return
	}

	api.Ok("duplicate analysis", report).SendJson(w, http.StatusOK)
}

// HandleCleanup is the concrete implementation of the interface method which
// handles a cleanup: POST /api/admin/duplicates/cleanup {"dry_run": true}.
func (h *handler) HandleCleanup(w http.ResponseWriter, r *http.Request) {

	if r.Method != http.MethodPost {
		e := connect.ErrorHttp{
			StatusCode: http.StatusMethodNotAllowed,
			Message:    "Method not allowed",
		}
		e.SendJsonErr(w)
		return
	}

	cmd := struct {
		DryRun          bool  `json:"dry_run"`
		PreserveBackups *bool `json:"preserve_backups"`
	}{}
	// an empty body means a real cleanup keeping prior backups
	_ = json.NewDecoder(r.Body).Decode(&cmd)

	preserve := cmd.PreserveBackups == nil || *cmd.PreserveBackups

	result, err := h.svc.Cleanup(cmd.DryRun, preserve)
	if err != nil {
		h.logger.Error(fmt.Sprintf("Failed to clean up duplicates: %v", err))
		e := connect.ErrorHttp{
			StatusCode: http.StatusInternalServerError,
			Message:    "Failed to clean up duplicates",
		}
		e.SendJsonErr(w)
		return
	}

	api.Ok("duplicate cleanup", result).SendJson(w, http.StatusOK)
}

// HandleValidate is the concrete implementation of the interface method which
// handles a validation scan: POST /api/admin/duplicates/validate.
func (h *handler) HandleValidate(w http.ResponseWriter, r *http.Request) {

	if r.Method != http.MethodPost {
		e := connect.ErrorHttp{
			StatusCode: http.StatusMethodNotAllowed,
			Message:    "Method not allowed",
		}
		e.SendJsonErr(w)
		return
	}

	validation, err := h.svc.Validate()
	if err != nil {
		h.logger.Error(fmt.Sprintf("Failed to validate store: %v", err))
		e := connect.ErrorHttp{
			StatusCode: http.StatusInternalServerError,
			Message:    "Failed to validate store",
		}
		e.SendJsonErr(w)
		return
	}

	api.Ok("duplicate validation", validation).SendJson(w, http.StatusOK)
}

// HandleRollback is the concrete implementation of the interface method which
// handles a restore: POST /api/admin/duplicates/rollback {"backup_file": ...}.
func (h *handler) HandleRollback(w http.ResponseWriter, r *http.Request) {

	if r.Method != http.MethodPost {
		e := connect.ErrorHttp{
			StatusCode: http.StatusMethodNotAllowed,
			Message:    "Method not allowed",
		}
		e.SendJsonErr(w)
		return
	}

	var cmd struct {
		BackupFile string `json:"backup_file"`
	}
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		h.logger.Error("Failed to decode rollback command", slog.Any("error", err))
		e := connect.ErrorHttp{
			StatusCode: http.StatusBadRequest,
			Message:    "Failed to decode rollback command",
		}
		e.SendJsonErr(w)
		return
	}

	if err := h.svc.Rollback(cmd.BackupFile); err != nil {
		h.logger.Error(fmt.Sprintf("Failed to rollback from backup '%s': %v", cmd.BackupFile, err))
		e := connect.ErrorHttp{
			StatusCode: http.StatusUnprocessableEntity,
			Message:    "Failed to rollback from backup",
		}
		e.SendJsonErr(w)
		return
	}

	api.Ok("store restored from backup", nil).SendJson(w, http.StatusOK)
}

// HandleBackups is the concrete implementation of the interface method which
// handles listing backups: GET /api/admin/duplicates/backups.
func (h *handler) HandleBackups(w http.ResponseWriter, r *http.Request) {

	if r.Method != http.MethodGet {
		e := connect.ErrorHttp{
			StatusCode: http.StatusMethodNotAllowed,
			Message:    "Method not allowed",
		}
		e.SendJsonErr(w)
		return
	}

	backups, err := h.svc.ListBackups()
	if err != nil {
		h.logger.Error(fmt.Sprintf("Failed to list backups: %v", err))
		e := connect.ErrorHttp{
			StatusCode: http.StatusInternalServerError,
			Message:    "Failed to list backups",
		}
		e.SendJsonErr(w)
		return
	}

	api.Ok(fmt.Sprintf("%d backup(s)", len(backups)), backups).SendJson(w, http.StatusOK)
}

// HandleReports is the concrete implementation of the interface method which
// handles writing analysis reports: GET /api/admin/duplicates/utility.
func (h *handler) HandleReports(w http.ResponseWriter, r *http.Request) {

	if r.Method != http.MethodGet {
		e := connect.ErrorHttp{
			StatusCode: http.StatusMethodNotAllowed,
			Message:    "Method not allowed",
		}
		e.SendJsonErr(w)
		return
	}

	analysisPath, reportPath, err := h.svc.WriteReports()
	if err != nil {
		h.logger.Error(fmt.Sprintf("Failed to write duplicate reports: %v", err))
		e := connect.ErrorHttp{
			StatusCode: http.StatusInternalServerError,
			Message:    "Failed to write duplicate reports",
		}
		e.SendJsonErr(w)
		return
	}

	api.Ok("reports written", map[string]string{
		"analysis_file": analysisPath,
		"report_file":   reportPath,
	}).SendJson(w, http.StatusOK)
}
