package duplicate

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/tdeslauriers/muse/internal/util"
	"github.com/tdeslauriers/muse/pkg/api"
	"github.com/tdeslauriers/muse/pkg/store"
)

const (
	backupsDirName     = "backups"
	backupFilePrefix   = "images_backup_"
	analysisFilePrefix = "duplicate_analysis_"
	reportFilePrefix   = "duplicate_report_"
)

// Group is one set of records sharing a source image key.  KeeperId is the
// record chosen to survive a cleanup.
type Group struct {
	SourceImageKey string            `json:"source_image_key"`
	Records        []api.ImageRecord `json:"records"`
	KeeperId       string            `json:"keeper_id"`
}

// AnalysisReport is the outcome of a duplicate scan.
type AnalysisReport struct {
	TotalRecords     int       `json:"total_records"`
	GroupCount       int       `json:"group_count"`
	DuplicateRecords int       `json:"duplicate_records"`
	Groups           []Group   `json:"groups,omitempty"`
	GeneratedAt      time.Time `json:"generated_at"`
}

// CleanupResult is the outcome of a cleanup run.
type CleanupResult struct {
	DryRun           bool   `json:"dry_run"`
	RecordsBefore    int    `json:"records_before"`
	RecordsAfter     int    `json:"records_after"`
	RemovedRecords   int    `json:"removed_records"`
	BackupFile       string `json:"backup_file,omitempty"`
	ValidationPassed bool   `json:"validation_passed"`
}

// ValidationResult is the outcome of a post-cleanup validation scan.
type ValidationResult struct {
	Passed          bool `json:"passed"`
	TotalRecords    int  `json:"total_records"`
	RemainingGroups int  `json:"remaining_groups"`
}

// BackupInfo describes one cleanup backup on disk.
type BackupInfo struct {
	Filename  string    `json:"filename"`
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
}

// Service is the interface for duplicate detection and cleanup over the
// record store.
type Service interface {

	// Detect scans the store and groups records sharing a source image key.
	Detect() (*AnalysisReport, error)

	// Cleanup removes duplicate records, keeping the most complete of each
	// group.  A dry run reports the plan without touching the store.  When
	// preserveBackups is false, backups older than the one just written are
	// pruned after a successful cleanup.
	Cleanup(dryRun, preserveBackups bool) (*CleanupResult, error)

	// Validate re-runs detection and passes iff no duplicate groups remain.
	Validate() (*ValidationResult, error)

	// Rollback restores the store from a prior cleanup backup.
	Rollback(backupFilename string) error

	// ListBackups returns the cleanup backups on disk, newest first.
	ListBackups() ([]BackupInfo, error)

	// WriteReports persists the current analysis as a json report and a
	// human-readable text report, returning both paths.
	WriteReports() (string, string, error)
}

// NewService creates a duplicate tooling service, returning a pointer to the
// concrete implementation.
func NewService(records store.Store) Service {
	return &service{
		records: records,

		logger: slog.Default().
			With(slog.String(util.ServiceKey, util.ServiceCurator)).
			With(slog.String(util.PackageKey, util.PackageDuplicate)).
			With(slog.String(util.ComponentKey, util.ComponentDuplicateTools)),
	}
}

var _ Service = (*service)(nil)

// service is the concrete implementation of the Service interface.
type service struct {
	records store.Store

	logger *slog.Logger
}

// Detect is the concrete implementation of the interface method which scans
// the store and groups records sharing a source image key.
func (s *service) Detect() (*AnalysisReport, error) {

	records, err := s.records.AllRecords()
	if err != nil {
		return nil, fmt.Errorf("failed to load records for duplicate scan: %v", err)
	}

	bySource := make(map[string][]api.ImageRecord)
	for _, record := range records {
		bySource[record.SourceImageKey] = append(bySource[record.SourceImageKey], record)
	}

	report := &AnalysisReport{
		TotalRecords: len(records),
		GeneratedAt:  time.Now().UTC(),
	}

	for sourceKey, group := range bySource {
		if len(group) < 2 {
			continue
		}

		report.Groups = append(report.Groups, Group{
			SourceImageKey: sourceKey,
			Records:        group,
			KeeperId:       chooseKeeper(group).Id,
		})
		report.DuplicateRecords += len(group) - 1
	}

	// deterministic ordering for reports and tests
	sort.Slice(report.Groups, func(i, j int) bool {
		return report.Groups[i].SourceImageKey < report.Groups[j].SourceImageKey
	})
	report.GroupCount = len(report.Groups)

	return report, nil
}

// Cleanup is the concrete implementation of the interface method which removes
// duplicate records.
func (s *service) Cleanup(dryRun, preserveBackups bool) (*CleanupResult, error) {

	report, err := s.Detect()
	if err != nil {
		return nil, err
	}

	result := &CleanupResult{
		DryRun:         dryRun,
		RecordsBefore:  report.TotalRecords,
		RecordsAfter:   report.TotalRecords - report.DuplicateRecords,
		RemovedRecords: report.DuplicateRecords,
	}

	if dryRun || report.DuplicateRecords == 0 {
		result.ValidationPassed = report.DuplicateRecords == 0
		return result, nil
	}

	records, err := s.records.AllRecords()
	if err != nil {
		return nil, fmt.Errorf("failed to load records for cleanup: %v", err)
	}

	// every cleanup writes a full backup first so it can be rolled back
	backupFile, err := s.writeBackup(records)
	if err != nil {
		return nil, fmt.Errorf("failed to write cleanup backup: %v", err)
	}
	result.BackupFile = backupFile

	// drop every non-keeper
	losers := make(map[string]struct{})
	for _, group := range report.Groups {
		for _, record := range group.Records {
			if record.Id != group.KeeperId {
				losers[record.Id] = struct{}{}
			}
		}
	}

	kept := make([]api.ImageRecord, 0, len(records)-len(losers))
	for _, record := range records {
		if _, ok := losers[record.Id]; ok {
			continue
		}
		kept = append(kept, record)
	}

	// validate the plan arithmetic before committing
	if len(kept) != result.RecordsAfter {
		return nil, fmt.Errorf("cleanup validation failed: expected %d surviving records, computed %d",
			result.RecordsAfter, len(kept))
	}

	if err := s.records.ReplaceAll(kept); err != nil {
		return nil, fmt.Errorf("failed to persist cleanup (backup retained at %s): %v", backupFile, err)
	}

	// confirm the store came out duplicate free
	validation, err := s.Validate()
	if err != nil {
		return nil, fmt.Errorf("failed to validate cleanup (backup retained at %s): %v", backupFile, err)
	}
	result.ValidationPassed = validation.Passed

	if !preserveBackups {
		s.pruneBackups(backupFile)
	}

	s.logger.Info(fmt.Sprintf("cleanup removed %d duplicate record(s), backup at %s", result.RemovedRecords, backupFile))

	return result, nil
}

// Validate is the concrete implementation of the interface method which
// re-runs detection and passes iff no duplicate groups remain.
func (s *service) Validate() (*ValidationResult, error) {

	report, err := s.Detect()
	if err != nil {
		return nil, err
	}

	return &ValidationResult{
		Passed:          report.GroupCount == 0,
		TotalRecords:    report.TotalRecords,
		RemainingGroups: report.GroupCount,
	}, nil
}

// Rollback is the concrete implementation of the interface method which
// restores the store from a prior cleanup backup.
func (s *service) Rollback(backupFilename string) error {

	// refuse anything but a bare backup filename from this service
	if backupFilename == "" || backupFilename != filepath.Base(backupFilename) ||
		!strings.HasPrefix(backupFilename, backupFilePrefix) {
		return fmt.Errorf("invalid backup filename '%s'", backupFilename)
	}

	path := filepath.Join(s.backupsDir(), backupFilename)

	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read backup '%s': %v", backupFilename, err)
	}

	var records []api.ImageRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return fmt.Errorf("backup '%s' is not a valid record set: %v", backupFilename, err)
	}

	if err := s.records.ReplaceAll(records); err != nil {
		return fmt.Errorf("failed to restore from backup '%s': %v", backupFilename, err)
	}

	s.logger.Info(fmt.Sprintf("restored %d record(s) from backup '%s'", len(records), backupFilename))

	return nil
}

// ListBackups is the concrete implementation of the interface method which
// returns the cleanup backups on disk, newest first.
func (s *service) ListBackups() ([]BackupInfo, error) {

	entries, err := os.ReadDir(s.backupsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return []BackupInfo{}, nil
		}
		return nil, fmt.Errorf("failed to list backups: %v", err)
	}

	backups := make([]BackupInfo, 0, len(entries))
	for _, entry := range entries {

		if entry.IsDir() || !strings.HasPrefix(entry.Name(), backupFilePrefix) {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		backups = append(backups, BackupInfo{
			Filename:  entry.Name(),
			SizeBytes: info.Size(),
			CreatedAt: info.ModTime().UTC(),
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].CreatedAt.After(backups[j].CreatedAt)
	})

	return backups, nil
}

// WriteReports is the concrete implementation of the interface method which
// persists the current analysis as json and text reports.
func (s *service) WriteReports() (string, string, error) {

	report, err := s.Detect()
	if err != nil {
		return "", "", err
	}

	stamp := report.GeneratedAt.Format("20060102_150405")

	analysisPath := filepath.Join(s.records.Dir(), fmt.Sprintf("%s%s.json", analysisFilePrefix, stamp))
	raw, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", "", fmt.Errorf("failed to serialize analysis report: %v", err)
	}
	if err := os.WriteFile(analysisPath, raw, 0644); err != nil {
		return "", "", fmt.Errorf("failed to write analysis report: %v", err)
	}

	reportPath := filepath.Join(s.records.Dir(), fmt.Sprintf("%s%s.txt", reportFilePrefix, stamp))
	if err := os.WriteFile(reportPath, []byte(formatTextReport(report)), 0644); err != nil {
		return "", "", fmt.Errorf("failed to write text report: %v", err)
	}

	return analysisPath, reportPath, nil
}

// writeBackup persists the full record set under the backups dir.
func (s *service) writeBackup(records []api.ImageRecord) (string, error) {

	dir := s.backupsDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create backups dir: %v", err)
	}

	filename := fmt.Sprintf("%s%d.json", backupFilePrefix, time.Now().UnixMilli())

	raw, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to serialize backup: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, filename), raw, 0644); err != nil {
		return "", fmt.Errorf("failed to write backup: %v", err)
	}

	return filename, nil
}

// pruneBackups removes every backup except the one named.  Failures are
// logged and otherwise ignored since the cleanup itself already committed.
func (s *service) pruneBackups(keep string) {

	entries, err := os.ReadDir(s.backupsDir())
	if err != nil {
		return
	}

	for _, entry := range entries {

		if entry.IsDir() || !strings.HasPrefix(entry.Name(), backupFilePrefix) || entry.Name() == keep {
			continue
		}

		if err := os.Remove(filepath.Join(s.backupsDir(), entry.Name())); err != nil {
			s.logger.Error(fmt.Sprintf("failed to prune backup '%s': %v", entry.Name(), err))
		}
	}
}

// backupsDir is the directory holding cleanup backups.
func (s *service) backupsDir() string {
	return filepath.Join(s.records.Dir(), backupsDirName)
}

// chooseKeeper picks the most complete record of a group; recency breaks ties.
func chooseKeeper(group []api.ImageRecord) *api.ImageRecord {

	keeper := &group[0]
	keeperScore := completeness(keeper)

	for i := 1; i < len(group); i++ {
		candidate := &group[i]
		score := completeness(candidate)

		if score > keeperScore ||
			(score == keeperScore && candidate.LastUpdatedAt.After(keeper.LastUpdatedAt)) {
			keeper = candidate
			keeperScore = score
		}
	}

	return keeper
}

// completeness counts the populated enrichment fields of a record.
func completeness(record *api.ImageRecord) int {

	score := 0

	if strings.TrimSpace(record.Description) != "" {
		score++
	}
	if len(record.Keywords) > 0 {
		score++
	}
	if strings.TrimSpace(record.Title) != "" {
		score++
	}
	if strings.TrimSpace(record.Caption) != "" {
		score++
	}
	if record.Exif != nil {
		score++
	}
	if record.Analysis.ModelId != "" {
		score++
	}
	if len(record.AlbumHierarchy) > 0 {
		score++
	}

	return score
}

// formatTextReport renders the analysis for human review.
func formatTextReport(report *AnalysisReport) string {

	var b strings.Builder

	b.WriteString("Duplicate Analysis Report\n")
	b.WriteString(fmt.Sprintf("Generated: %s\n", report.GeneratedAt.Format(time.RFC3339)))
	b.WriteString(fmt.Sprintf("Total records: %d\n", report.TotalRecords))
	b.WriteString(fmt.Sprintf("Duplicate groups: %d\n", report.GroupCount))
	b.WriteString(fmt.Sprintf("Removable records: %d\n\n", report.DuplicateRecords))

	for _, group := range report.Groups {
		b.WriteString(fmt.Sprintf("source key %s (%d records):\n", group.SourceImageKey, len(group.Records)))
		for _, record := range group.Records {
			marker := "  drop "
			if record.Id == group.KeeperId {
				marker = "  keep "
			}
			b.WriteString(fmt.Sprintf("%s %s  album=%s  updated=%s\n",
				marker, record.Id, record.AlbumKey, record.LastUpdatedAt.Format(time.RFC3339)))
		}
		b.WriteString("\n")
	}

	return b.String()
}
