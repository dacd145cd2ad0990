package batch

import (
	"context"
	"testing"

	"github.com/tdeslauriers/muse/pkg/analysis"
	"github.com/tdeslauriers/muse/pkg/api"
	"github.com/tdeslauriers/muse/pkg/host"
	"github.com/tdeslauriers/muse/pkg/store"
)

// fakeAnalyzer returns a canned enrichment outcome.
type fakeAnalyzer struct {
	outcome analysis.Outcome
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, req analysis.Request) (*analysis.Outcome, error) {
	outcome := f.outcome
	return &outcome, nil
}

func testAlbumDetails() *host.AlbumDetails {
	return &host.AlbumDetails{
		AlbumKey:  "camp-2025",
		Name:      "Summer Camp",
		Path:      "/events/camp-2025",
		Hierarchy: []string{"events", "camp-2025"},
	}
}

// seedExisting stores a prior enrichment with a caption the canned outcome
// does not carry.
func seedExisting(t *testing.T, records store.Store) {
	t.Helper()

	existing := &api.ImageRecord{
		SourceImageKey: "img-0",
		Filename:       "img-0.jpg",
		Caption:        "roasting marshmallows",
		Description:    "kids around the fire pit",
		AlbumKey:       "camp-2025",
		AlbumName:      "Summer Camp",
		AlbumPath:      "/events/camp-2025",
		AlbumHierarchy: []string{"events", "camp-2025"},
	}
	if _, err := records.PutImage(existing, api.DuplicateSkip); err != nil {
		t.Fatalf("failed to seed store: %v", err)
	}
}

func TestProcessJobForcedRunKeepsRequestedUpdateMerge(t *testing.T) {

	records := newTestStore(t)
	seedExisting(t, records)

	proc := NewProcessor(&fakeHost{}, &fakeAnalyzer{outcome: analysis.Outcome{
		Description: "campfire at dusk",
		Keywords:    []string{"campfire", "dusk"},
		ModelId:     "gpt-4o",
	}}, records)

	job := &Job{
		Id:             "job-1",
		SourceImageKey: "img-0",
		Filename:       "img-0.jpg",
		FetchUrl:       "https://photos.example.com/img-0",
		Status:         api.JobRunning,
	}

	cmd := api.StartBatchCmd{
		AlbumKey:          "camp-2025",
		DuplicateHandling: api.DuplicateUpdate,
		ForceReprocessing: true,
	}

	if err := proc.ProcessJob(context.Background(), "batch-1", testAlbumDetails(), job, cmd, Settings{ModelId: "gpt-4o"}); err != nil {
		t.Fatalf("failed to process job: %v", err)
	}

	stored, err := records.FindBySourceKey("img-0")
	if err != nil || stored == nil {
		t.Fatalf("failed to load stored record: %v", err)
	}

	if stored.Description != "campfire at dusk" {
		t.Errorf("expected the new analysis merged in, got '%s'", stored.Description)
	}

	// an explicit update merge preserves fields the new record leaves empty
	if stored.Caption != "roasting marshmallows" {
		t.Errorf("expected the prior caption preserved on forced update, got '%s'", stored.Caption)
	}
}

func TestProcessJobForcedRunDefaultsToReplace(t *testing.T) {

	records := newTestStore(t)
	seedExisting(t, records)

	proc := NewProcessor(&fakeHost{}, &fakeAnalyzer{outcome: analysis.Outcome{
		Description: "campfire at dusk",
		Keywords:    []string{"campfire", "dusk"},
		ModelId:     "gpt-4o",
	}}, records)

	job := &Job{
		Id:             "job-1",
		SourceImageKey: "img-0",
		Filename:       "img-0.jpg",
		FetchUrl:       "https://photos.example.com/img-0",
		Status:         api.JobRunning,
	}

	cmd := api.StartBatchCmd{
		AlbumKey:          "camp-2025",
		DuplicateHandling: api.DuplicateSkip,
		ForceReprocessing: true,
	}

	if err := proc.ProcessJob(context.Background(), "batch-1", testAlbumDetails(), job, cmd, Settings{ModelId: "gpt-4o"}); err != nil {
		t.Fatalf("failed to process job: %v", err)
	}

	stored, err := records.FindBySourceKey("img-0")
	if err != nil || stored == nil {
		t.Fatalf("failed to load stored record: %v", err)
	}

	if stored.Description != "campfire at dusk" {
		t.Errorf("expected the record replaced with the new analysis, got '%s'", stored.Description)
	}

	// a forced run without an explicit update request overwrites wholesale
	if stored.Caption != "" {
		t.Errorf("expected the prior caption dropped on forced replace, got '%s'", stored.Caption)
	}
}
