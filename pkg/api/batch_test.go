package api

import (
	"strings"
	"testing"
)

func TestStartBatchCmdValidate(t *testing.T) {

	cmd := StartBatchCmd{AlbumKey: "camp-2025"}
	if err := cmd.Validate(); err != nil {
		t.Errorf("expected minimal command to pass, got '%v'", err)
	}

	// omitted duplicate handling defaults to skip
	if cmd.DuplicateHandling != DuplicateSkip {
		t.Errorf("expected default handling '%s', got '%s'", DuplicateSkip, cmd.DuplicateHandling)
	}

	bad := StartBatchCmd{}
	if err := bad.Validate(); err == nil {
		t.Errorf("expected missing album key to fail")
	}

	bad = StartBatchCmd{AlbumKey: "camp-2025", DuplicateHandling: "purge"}
	if err := bad.Validate(); err == nil {
		t.Errorf("expected unknown duplicate handling to fail")
	}

	bad = StartBatchCmd{AlbumKey: "camp-2025", MaxImages: MaxImagesCeiling + 1}
	if err := bad.Validate(); err == nil {
		t.Errorf("expected max images over the ceiling to fail")
	}

	bad = StartBatchCmd{AlbumKey: "camp-2025", MaxImages: -1}
	if err := bad.Validate(); err == nil {
		t.Errorf("expected negative max images to fail")
	}

	bad = StartBatchCmd{AlbumKey: "camp-2025", BatchName: strings.Repeat("x", BatchNameMaxLength+1)}
	if err := bad.Validate(); err == nil {
		t.Errorf("expected overlong batch name to fail")
	}

	bad = StartBatchCmd{
		AlbumKey:       "camp-2025",
		IncludedImages: []string{"a"},
		ExcludedImages: []string{"b"},
	}
	if err := bad.Validate(); err == nil {
		t.Errorf("expected include/exclude conflict to fail")
	}
}

func TestSearchCriteriaValidate(t *testing.T) {

	valid := SearchCriteria{Keywords: []string{"archery"}}
	if err := valid.Validate(); err != nil {
		t.Errorf("expected keyword criteria to pass, got '%v'", err)
	}

	facetOnly := SearchCriteria{Mood: "happy"}
	if err := facetOnly.Validate(); err != nil {
		t.Errorf("expected facet-only criteria to pass, got '%v'", err)
	}

	starredOnly := SearchCriteria{StarredOnly: true}
	if err := starredOnly.Validate(); err != nil {
		t.Errorf("expected starred-only criteria to pass, got '%v'", err)
	}

	empty := SearchCriteria{}
	if err := empty.Validate(); err == nil {
		t.Errorf("expected criteria without signal to fail")
	}

	blank := SearchCriteria{Keywords: []string{" "}}
	if err := blank.Validate(); err == nil {
		t.Errorf("expected blank keyword to fail")
	}

	negative := SearchCriteria{Keywords: []string{"ok"}, MaxResults: -1}
	if err := negative.Validate(); err == nil {
		t.Errorf("expected negative max results to fail")
	}
}

func TestChatCmdValidate(t *testing.T) {

	valid := ChatCmd{Message: "show me archery photos"}
	if err := valid.Validate(); err != nil {
		t.Errorf("expected valid chat command to pass, got '%v'", err)
	}

	empty := ChatCmd{Message: "  "}
	if err := empty.Validate(); err == nil {
		t.Errorf("expected blank message to fail")
	}

	long := ChatCmd{Message: strings.Repeat("x", 4097)}
	if err := long.Validate(); err == nil {
		t.Errorf("expected overlong message to fail")
	}
}

func TestLoadMoreCmdValidate(t *testing.T) {

	valid := LoadMoreCmd{OriginalQuery: "archery", Page: 2}
	if err := valid.Validate(); err != nil {
		t.Errorf("expected valid load more command to pass, got '%v'", err)
	}

	if err := (&LoadMoreCmd{Page: 1}).Validate(); err == nil {
		t.Errorf("expected missing original query to fail")
	}

	if err := (&LoadMoreCmd{OriginalQuery: "archery", Page: 0}).Validate(); err == nil {
		t.Errorf("expected page below 1 to fail")
	}
}
