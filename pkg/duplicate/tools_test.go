package duplicate

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tdeslauriers/muse/pkg/api"
	"github.com/tdeslauriers/muse/pkg/store"
)

// dupRecord builds a record with explicit identity for duplicate scenarios.
func dupRecord(id, sourceKey, albumKey string) api.ImageRecord {
	return api.ImageRecord{
		Id:             id,
		SourceImageKey: sourceKey,
		Filename:       sourceKey + ".jpg",
		AlbumKey:       albumKey,
		AlbumName:      albumKey + " album",
		AlbumPath:      "/events/" + albumKey,
		AlbumHierarchy: []string{"events", albumKey},
		CreatedAt:      time.Now().UTC(),
	}
}

// newTestService seeds a store via ReplaceAll so cross-album duplicates can
// exist, which per-record writes would have collapsed.
func newTestService(t *testing.T, records []api.ImageRecord) (Service, store.Store) {
	t.Helper()

	s := store.New(t.TempDir())
	if err := s.Initialize(); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if len(records) > 0 {
		if err := s.ReplaceAll(records); err != nil {
			t.Fatalf("failed to seed records: %v", err)
		}
	}

	return NewService(s), s
}

func TestDetectGroupsBySourceKey(t *testing.T) {

	enriched := dupRecord("rec-1", "img-1", "camp")
	enriched.Description = "kids at the range"
	enriched.Keywords = []string{"archery"}

	svc, _ := newTestService(t, []api.ImageRecord{
		enriched,
		dupRecord("rec-2", "img-1", "highlights"),
		dupRecord("rec-3", "img-2", "camp"),
	})

	report, err := svc.Detect()
	if err != nil {
		t.Fatalf("failed to detect: %v", err)
	}

	if report.TotalRecords != 3 {
		t.Errorf("expected 3 total records, got %d", report.TotalRecords)
	}

	if report.GroupCount != 1 {
		t.Fatalf("expected 1 duplicate group, got %d", report.GroupCount)
	}

	if report.DuplicateRecords != 1 {
		t.Errorf("expected 1 removable record, got %d", report.DuplicateRecords)
	}

	group := report.Groups[0]
	if group.SourceImageKey != "img-1" {
		t.Errorf("expected group for 'img-1', got '%s'", group.SourceImageKey)
	}

	// the enriched record survives
	if group.KeeperId != "rec-1" {
		t.Errorf("expected 'rec-1' chosen as keeper, got '%s'", group.KeeperId)
	}
}

func TestDetectNoDuplicates(t *testing.T) {

	svc, _ := newTestService(t, []api.ImageRecord{
		dupRecord("rec-1", "img-1", "camp"),
		dupRecord("rec-2", "img-2", "camp"),
	})

	report, err := svc.Detect()
	if err != nil {
		t.Fatalf("failed to detect: %v", err)
	}

	if report.GroupCount != 0 || report.DuplicateRecords != 0 {
		t.Errorf("expected clean report, got %d group(s), %d removable", report.GroupCount, report.DuplicateRecords)
	}
}

func TestChooseKeeperByCompletenessThenRecency(t *testing.T) {

	sparse := dupRecord("sparse", "img-1", "camp")

	full := dupRecord("full", "img-1", "highlights")
	full.Description = "kids at the archery range"
	full.Keywords = []string{"archery", "kids"}
	full.Title = "Range Day"

	if keeper := chooseKeeper([]api.ImageRecord{sparse, full}); keeper.Id != "full" {
		t.Errorf("expected the more complete record kept, got '%s'", keeper.Id)
	}

	// equal completeness falls back to the most recently updated
	older := dupRecord("older", "img-1", "camp")
	older.LastUpdatedAt = time.Now().Add(-time.Hour).UTC()

	newer := dupRecord("newer", "img-1", "highlights")
	newer.LastUpdatedAt = time.Now().UTC()

	if keeper := chooseKeeper([]api.ImageRecord{older, newer}); keeper.Id != "newer" {
		t.Errorf("expected the most recently updated record kept, got '%s'", keeper.Id)
	}
}

func TestCleanupDryRunLeavesStoreUntouched(t *testing.T) {

	svc, s := newTestService(t, []api.ImageRecord{
		dupRecord("rec-1", "img-1", "camp"),
		dupRecord("rec-2", "img-1", "highlights"),
	})

	result, err := svc.Cleanup(true, true)
	if err != nil {
		t.Fatalf("failed dry run: %v", err)
	}

	if !result.DryRun {
		t.Errorf("expected dry run flagged")
	}

	if result.RecordsBefore != 2 || result.RecordsAfter != 1 || result.RemovedRecords != 1 {
		t.Errorf("expected plan 2 -> 1 removing 1, got %+v", result)
	}

	if result.BackupFile != "" {
		t.Errorf("expected no backup on dry run, got '%s'", result.BackupFile)
	}

	all, err := s.AllRecords()
	if err != nil {
		t.Fatalf("failed to load records: %v", err)
	}

	if len(all) != 2 {
		t.Errorf("expected store untouched by dry run, got %d record(s)", len(all))
	}
}

func TestCleanupRemovesDuplicatesWithBackup(t *testing.T) {

	keeper := dupRecord("keeper", "img-1", "camp")
	keeper.Description = "enriched"
	keeper.Keywords = []string{"archery"}

	svc, s := newTestService(t, []api.ImageRecord{
		keeper,
		dupRecord("loser", "img-1", "highlights"),
		dupRecord("other", "img-2", "camp"),
	})

	result, err := svc.Cleanup(false, true)
	if err != nil {
		t.Fatalf("failed cleanup: %v", err)
	}

	if result.RemovedRecords != 1 {
		t.Errorf("expected 1 record removed, got %d", result.RemovedRecords)
	}

	if !result.ValidationPassed {
		t.Errorf("expected post-cleanup validation to pass")
	}

	if !strings.HasPrefix(result.BackupFile, backupFilePrefix) {
		t.Errorf("expected a backup file, got '%s'", result.BackupFile)
	}

	all, err := s.AllRecords()
	if err != nil {
		t.Fatalf("failed to load records: %v", err)
	}

	if len(all) != 2 {
		t.Fatalf("expected 2 surviving records, got %d", len(all))
	}

	for _, record := range all {
		if record.Id == "loser" {
			t.Errorf("expected duplicate 'loser' removed")
		}
	}

	// the backup is listed
	backups, err := svc.ListBackups()
	if err != nil {
		t.Fatalf("failed to list backups: %v", err)
	}

	if len(backups) != 1 || backups[0].Filename != result.BackupFile {
		t.Errorf("expected the cleanup backup listed, got %+v", backups)
	}
}

func TestCleanupNoDuplicatesWritesNoBackup(t *testing.T) {

	svc, _ := newTestService(t, []api.ImageRecord{
		dupRecord("rec-1", "img-1", "camp"),
	})

	result, err := svc.Cleanup(false, true)
	if err != nil {
		t.Fatalf("failed cleanup: %v", err)
	}

	if result.RemovedRecords != 0 || result.BackupFile != "" {
		t.Errorf("expected a no-op cleanup, got %+v", result)
	}

	backups, err := svc.ListBackups()
	if err != nil {
		t.Fatalf("failed to list backups: %v", err)
	}

	if len(backups) != 0 {
		t.Errorf("expected no backups, got %d", len(backups))
	}
}

func TestRollbackRestoresBackup(t *testing.T) {

	svc, s := newTestService(t, []api.ImageRecord{
		dupRecord("keeper", "img-1", "camp"),
		dupRecord("loser", "img-1", "highlights"),
	})

	result, err := svc.Cleanup(false, true)
	if err != nil {
		t.Fatalf("failed cleanup: %v", err)
	}

	if s.Count() != 1 {
		t.Fatalf("expected 1 record after cleanup, got %d", s.Count())
	}

	if err := svc.Rollback(result.BackupFile); err != nil {
		t.Fatalf("failed to rollback: %v", err)
	}

	all, err := s.AllRecords()
	if err != nil {
		t.Fatalf("failed to load records: %v", err)
	}

	if len(all) != 2 {
		t.Errorf("expected both records restored, got %d", len(all))
	}
}

func TestValidatePassesOnCleanStore(t *testing.T) {

	svc, _ := newTestService(t, []api.ImageRecord{
		dupRecord("rec-1", "img-1", "camp"),
		dupRecord("rec-2", "img-1", "highlights"),
	})

	validation, err := svc.Validate()
	if err != nil {
		t.Fatalf("failed to validate: %v", err)
	}

	if validation.Passed || validation.RemainingGroups != 1 {
		t.Errorf("expected validation to fail with 1 remaining group, got %+v", validation)
	}

	if _, err := svc.Cleanup(false, true); err != nil {
		t.Fatalf("failed cleanup: %v", err)
	}

	validation, err = svc.Validate()
	if err != nil {
		t.Fatalf("failed to validate after cleanup: %v", err)
	}

	if !validation.Passed || validation.RemainingGroups != 0 {
		t.Errorf("expected validation to pass after cleanup, got %+v", validation)
	}
}

func TestCleanupPrunesOldBackups(t *testing.T) {

	svc, s := newTestService(t, []api.ImageRecord{
		dupRecord("keeper", "img-1", "camp"),
		dupRecord("loser", "img-1", "highlights"),
	})

	first, err := svc.Cleanup(false, true)
	if err != nil {
		t.Fatalf("failed first cleanup: %v", err)
	}

	// reintroduce a duplicate so a second cleanup has work to do
	restored := []api.ImageRecord{
		dupRecord("keeper", "img-1", "camp"),
		dupRecord("loser-2", "img-1", "highlights"),
	}
	if err := s.ReplaceAll(restored); err != nil {
		t.Fatalf("failed to reseed: %v", err)
	}

	// the second backup gets a later millisecond timestamp
	time.Sleep(5 * time.Millisecond)

	second, err := svc.Cleanup(false, false)
	if err != nil {
		t.Fatalf("failed second cleanup: %v", err)
	}

	backups, err := svc.ListBackups()
	if err != nil {
		t.Fatalf("failed to list backups: %v", err)
	}

	if len(backups) != 1 || backups[0].Filename != second.BackupFile {
		t.Errorf("expected only the latest backup '%s' retained, got %+v", second.BackupFile, backups)
	}

	if backups[0].Filename == first.BackupFile {
		t.Errorf("expected the first backup pruned")
	}
}

func TestRollbackRejectsUnsafeFilenames(t *testing.T) {

	svc, _ := newTestService(t, nil)

	cases := []string{
		"",
		"../../../etc/passwd",
		"images.json",
		"backups/images_backup_1.json",
	}

	for _, filename := range cases {
		if err := svc.Rollback(filename); err == nil {
			t.Errorf("expected rollback of '%s' to be rejected", filename)
		}
	}
}

func TestWriteReports(t *testing.T) {

	svc, s := newTestService(t, []api.ImageRecord{
		dupRecord("rec-1", "img-1", "camp"),
		dupRecord("rec-2", "img-1", "highlights"),
	})

	analysisPath, reportPath, err := svc.WriteReports()
	if err != nil {
		t.Fatalf("failed to write reports: %v", err)
	}

	if filepath.Dir(analysisPath) != s.Dir() || filepath.Dir(reportPath) != s.Dir() {
		t.Errorf("expected reports under the data dir")
	}

	raw, err := os.ReadFile(reportPath)
	if err != nil {
		t.Fatalf("failed to read text report: %v", err)
	}

	text := string(raw)
	if !strings.Contains(text, "img-1") {
		t.Errorf("expected text report to name the duplicate source key")
	}

	if !strings.Contains(text, "keep") || !strings.Contains(text, "drop") {
		t.Errorf("expected keep/drop markers in the text report")
	}

	if _, err := os.Stat(analysisPath); err != nil {
		t.Errorf("expected analysis json on disk, got %v", err)
	}
}
