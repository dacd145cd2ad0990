package api

import (
	"fmt"
	"strings"
	"testing"
	"time"
)

func validRecord() *ImageRecord {
	return &ImageRecord{
		Id:             "rec-1",
		SourceImageKey: "img-1",
		Filename:       "img-1.jpg",
		AlbumKey:       "camp-2025",
		AlbumName:      "Summer Camp",
		AlbumPath:      "/events/camp-2025",
		AlbumHierarchy: []string{"events", "camp-2025"},
	}
}

func TestImageRecordValidate(t *testing.T) {

	if err := validRecord().Validate(); err != nil {
		t.Errorf("expected valid record to pass, got '%v'", err)
	}

	r := validRecord()
	r.SourceImageKey = " "
	if err := r.Validate(); err == nil {
		t.Errorf("expected missing source image key to fail")
	}

	r = validRecord()
	r.AlbumKey = ""
	if err := r.Validate(); err == nil {
		t.Errorf("expected missing album key to fail")
	}

	r = validRecord()
	r.AlbumName = ""
	if err := r.Validate(); err == nil {
		t.Errorf("expected missing album name to fail")
	}

	r = validRecord()
	r.AlbumPath = ""
	if err := r.Validate(); err == nil {
		t.Errorf("expected missing album path to fail")
	}

	r = validRecord()
	r.AlbumHierarchy = nil
	if err := r.Validate(); err == nil {
		t.Errorf("expected empty hierarchy to fail")
	}

	r = validRecord()
	r.AlbumHierarchy = []string{"events", " "}
	if err := r.Validate(); err == nil {
		t.Errorf("expected blank hierarchy segment to fail")
	}

	r = validRecord()
	r.Title = strings.Repeat("x", ImageTitleMaxLength+1)
	if err := r.Validate(); err == nil {
		t.Errorf("expected overlong title to fail")
	}
}

func TestDedupeKeywords(t *testing.T) {

	deduped := DedupeKeywords([]string{"Archery", "archery", " kids ", "", "  ", "kids", "outdoor"})

	if len(deduped) != 3 {
		t.Fatalf("expected 3 deduped keywords, got %v", deduped)
	}

	// first-seen casing and order are preserved
	if deduped[0] != "Archery" || deduped[1] != "kids" || deduped[2] != "outdoor" {
		t.Errorf("expected first-seen casing preserved in order, got %v", deduped)
	}

	if got := DedupeKeywords(nil); got != nil {
		t.Errorf("expected nil passthrough, got %v", got)
	}
}

func TestMergeKeepsIdentityAndOverlaysContent(t *testing.T) {

	dst := validRecord()
	dst.Description = "original description"
	dst.Keywords = []string{"old"}
	dst.CreatedAt = time.Now().Add(-time.Hour).UTC()

	src := &ImageRecord{
		Id:             "other-id",
		SourceImageKey: "other-key",
		Description:    "fresh description",
		Keywords:       []string{"new", "New"},
		Title:          "Fresh Title",
		Analysis:       AnalysisMeta{ModelId: "gpt-4o", Timestamp: time.Now().UTC()},
	}

	dst.Merge(src)

	if dst.Id != "rec-1" || dst.SourceImageKey != "img-1" {
		t.Errorf("expected identity untouched by merge, got id '%s', key '%s'", dst.Id, dst.SourceImageKey)
	}

	if dst.Description != "fresh description" {
		t.Errorf("expected description overlaid, got '%s'", dst.Description)
	}

	if len(dst.Keywords) != 1 || dst.Keywords[0] != "new" {
		t.Errorf("expected deduped replacement keywords, got %v", dst.Keywords)
	}

	if dst.Title != "Fresh Title" {
		t.Errorf("expected title overlaid, got '%s'", dst.Title)
	}

	if dst.Analysis.ModelId != "gpt-4o" {
		t.Errorf("expected analysis meta overlaid")
	}

	if dst.LastUpdatedAt.IsZero() {
		t.Errorf("expected last updated timestamp bumped")
	}
}

func TestMergeIgnoresEmptyFields(t *testing.T) {

	dst := validRecord()
	dst.Description = "keep me"
	dst.Caption = "keep this too"

	dst.Merge(&ImageRecord{})

	if dst.Description != "keep me" || dst.Caption != "keep this too" {
		t.Errorf("expected empty source fields ignored, got '%s' / '%s'", dst.Description, dst.Caption)
	}

	// nil source is a no-op
	dst.Merge(nil)
	if dst.Description != "keep me" {
		t.Errorf("expected nil merge to be a no-op")
	}
}

func TestDuplicateHandlingValidate(t *testing.T) {

	for _, policy := range []DuplicateHandling{DuplicateSkip, DuplicateUpdate, DuplicateReplace} {
		if err := policy.Validate(); err != nil {
			t.Errorf("expected policy '%s' valid, got '%v'", policy, err)
		}
	}

	if err := DuplicateHandling("purge").Validate(); err == nil {
		t.Errorf("expected unknown policy to fail")
	}
}

func TestIsValidExtension(t *testing.T) {

	for _, ext := range []string{".jpg", ".JPEG", ".png", ".gif", ".webp"} {
		if !IsValidExtension(ext) {
			t.Errorf("expected extension '%s' accepted", ext)
		}
	}

	for _, ext := range []string{".bmp", ".tiff", ".pdf", ""} {
		if IsValidExtension(ext) {
			t.Errorf("expected extension '%s' rejected", ext)
		}
	}
}

func TestKindOf(t *testing.T) {

	if got := KindOf(nil); got != "" {
		t.Errorf("expected empty kind for nil error, got '%s'", got)
	}

	if got := KindOf(NewJobError(ErrInputInvalid, "bad input")); got != ErrInputInvalid {
		t.Errorf("expected '%s', got '%s'", ErrInputInvalid, got)
	}

	// unclassified errors stay retry eligible
	if got := KindOf(fmt.Errorf("plain failure")); got != ErrUpstream503 {
		t.Errorf("expected '%s' for plain errors, got '%s'", ErrUpstream503, got)
	}
}
