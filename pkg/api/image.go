package api

import (
	"fmt"
	"strings"
	"time"

	"github.com/tdeslauriers/carapace/pkg/validate"
)

const (
	ImageTitleMaxLength = 128 // Maximum length for image title

	ImageKeywordRegex = `^[\w\- ]{1,64}$` // Regex for a single keyword, alphanumeric, dashes, spaces
)

// DuplicateHandling is the policy applied when a record with the same
// source image key already exists in the store.
type DuplicateHandling string

const (
	DuplicateSkip    DuplicateHandling = "skip"
	DuplicateUpdate  DuplicateHandling = "update"
	DuplicateReplace DuplicateHandling = "replace"
)

// Validate validates the duplicate handling policy -> input validation.
func (d DuplicateHandling) Validate() error {
	switch d {
	case DuplicateSkip, DuplicateUpdate, DuplicateReplace:
		return nil
	default:
		return fmt.Errorf("duplicate handling must be one of 'skip', 'update', or 'replace': got '%s'", d)
	}
}

// PutOutcome is the result of storing an image record against an album shard.
type PutOutcome string

const (
	OutcomeAdded    PutOutcome = "added"
	OutcomeSkipped  PutOutcome = "skipped"
	OutcomeUpdated  PutOutcome = "updated"
	OutcomeReplaced PutOutcome = "replaced"
)

// AnalysisMeta is a model which records how and when an image record's
// description and keywords were generated.
type AnalysisMeta struct {
	ModelId   string    `json:"model_id,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
	BatchId   string    `json:"batch_id,omitempty"`
	JobId     string    `json:"job_id,omitempty"`
	Starred   bool      `json:"starred"`
}

// ExifMeta is a model which carries the subset of EXIF metadata read from the
// image bytes during normalization.  All fields are best effort.
type ExifMeta struct {
	TakenAt   *time.Time `json:"taken_at,omitempty"`
	Width     int        `json:"width,omitempty"`
	Height    int        `json:"height,omitempty"`
	Latitude  float64    `json:"latitude,omitempty"`
	Longitude float64    `json:"longitude,omitempty"`
}

// ImageRecord is a model which represents one enriched image in an album shard.
type ImageRecord struct {
	Id             string   `json:"id"`
	SourceImageKey string   `json:"source_image_key"`
	Filename       string   `json:"filename"`
	SourceUrl      string   `json:"source_url,omitempty"`
	Title          string   `json:"title,omitempty"`
	Caption        string   `json:"caption,omitempty"`
	AlbumKey       string   `json:"album_key"`
	AlbumName      string   `json:"album_name"`
	AlbumPath      string   `json:"album_path"`
	AlbumHierarchy []string `json:"album_hierarchy"`

	Description string   `json:"description,omitempty"`
	Keywords    []string `json:"keywords,omitempty"`

	Analysis AnalysisMeta `json:"analysis,omitempty"`
	Exif     *ExifMeta    `json:"exif,omitempty"`

	CreatedAt     time.Time `json:"created_at"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
}

// Validate validates the ImageRecord -> all album context fields are required
// before a record may be saved.
func (r *ImageRecord) Validate() error {

	// validate source image key -> the record's stable identity
	if strings.TrimSpace(r.SourceImageKey) == "" {
		return fmt.Errorf("source image key is required")
	}

	// validate album context -> records without full album context are rejected
	if strings.TrimSpace(r.AlbumKey) == "" {
		return fmt.Errorf("album key is required")
	}

	if strings.TrimSpace(r.AlbumName) == "" {
		return fmt.Errorf("album name is required")
	}

	if strings.TrimSpace(r.AlbumPath) == "" {
		return fmt.Errorf("album path is required")
	}

	if len(r.AlbumHierarchy) < 1 {
		return fmt.Errorf("album hierarchy must have at least one segment")
	}

	for _, segment := range r.AlbumHierarchy {
		if strings.TrimSpace(segment) == "" {
			return fmt.Errorf("album hierarchy segments must not be empty")
		}
	}

	// validate title length if present
	if len(r.Title) > ImageTitleMaxLength {
		return fmt.Errorf("title must be at most %d chars", ImageTitleMaxLength)
	}

	return nil
}

// NormalizeKeywords deduplicates the record's keywords case-insensitively,
// preserving first-seen casing and order.
func (r *ImageRecord) NormalizeKeywords() {
	r.Keywords = DedupeKeywords(r.Keywords)
}

// DedupeKeywords deduplicates a keyword list case-insensitively, preserving
// first-seen casing and order.  Empty and whitespace-only entries are dropped.
func DedupeKeywords(keywords []string) []string {

	if len(keywords) == 0 {
		return keywords
	}

	seen := make(map[string]struct{}, len(keywords))
	deduped := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		trimmed := strings.TrimSpace(kw)
		if trimmed == "" {
			continue
		}

		lower := strings.ToLower(trimmed)
		if _, ok := seen[lower]; ok {
			continue
		}

		seen[lower] = struct{}{}
		deduped = append(deduped, trimmed)
	}

	return deduped
}

// Merge shallow-copies non-empty fields from src onto the record and bumps
// LastUpdatedAt.  Identity and album context fields are never overwritten by
// empty values; undefined inputs are no-ops.
func (r *ImageRecord) Merge(src *ImageRecord) {

	if src == nil {
		return
	}

	if src.Filename != "" {
		r.Filename = src.Filename
	}

	if src.SourceUrl != "" {
		r.SourceUrl = src.SourceUrl
	}

	if src.Title != "" {
		r.Title = src.Title
	}

	if src.Caption != "" {
		r.Caption = src.Caption
	}

	if src.Description != "" {
		r.Description = src.Description
	}

	if len(src.Keywords) > 0 {
		r.Keywords = DedupeKeywords(src.Keywords)
	}

	if src.Analysis.ModelId != "" {
		r.Analysis = src.Analysis
	}

	if src.Exif != nil {
		r.Exif = src.Exif
	}

	r.LastUpdatedAt = time.Now().UTC()
}

// valid image file extensions for upload analysis
var validExtensions = map[string]struct{}{
	".jpg":  {},
	".jpeg": {},
	".png":  {},
	".gif":  {},
	".webp": {},
}

// IsValidExtension checks whether the provided file extension is an image type
// this service will analyze.
func IsValidExtension(ext string) bool {
	_, ok := validExtensions[strings.ToLower(ext)]
	return ok
}

// IsValidKeyword checks a single keyword against the allowed character set.
func IsValidKeyword(kw string) bool {
	return validate.MatchesRegex(strings.TrimSpace(kw), ImageKeywordRegex)
}
