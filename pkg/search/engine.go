package search

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"unicode"

	"github.com/tdeslauriers/muse/internal/util"
	"github.com/tdeslauriers/muse/pkg/api"
	"github.com/tdeslauriers/muse/pkg/store"
)

// relevance weights per matched field
const (
	weightKeyword     = 10
	weightTitle       = 8
	weightCaption     = 6
	weightDescription = 4
	weightHierarchy   = 3
	weightAlbumName   = 2
	weightFacet       = 5
)

// Engine is the interface for relevance-scored search over the enriched
// image records.
type Engine interface {

	// Search scores records against the criteria and returns the ranked hits.
	Search(criteria api.SearchCriteria) ([]api.ScoredImage, error)

	// SearchByPeople is a facet wrapper kept for the conversational tools.
	SearchByPeople(peopleType string) ([]api.ScoredImage, error)

	// SearchByActivity is a facet wrapper kept for the conversational tools.
	SearchByActivity(activity string) ([]api.ScoredImage, error)

	// SearchByMood is a facet wrapper kept for the conversational tools.
	SearchByMood(mood string) ([]api.ScoredImage, error)

	// SearchByLocation is a facet wrapper kept for the conversational tools.
	SearchByLocation(location string) ([]api.ScoredImage, error)

	// SearchByAlbum is a facet wrapper kept for the conversational tools.
	SearchByAlbum(albumTerm string) ([]api.ScoredImage, error)
}

// NewEngine creates a search engine over the provided store, returning a
// pointer to the concrete implementation.
func NewEngine(records store.Store) Engine {
	return &engine{
		records: records,

		logger: slog.Default().
			With(slog.String(util.ServiceKey, util.ServiceCurator)).
			With(slog.String(util.PackageKey, util.PackageSearch)).
			With(slog.String(util.ComponentKey, util.ComponentSearchEngine)),
	}
}

var _ Engine = (*engine)(nil)

// engine is the concrete implementation of the Engine interface.
type engine struct {
	records store.Store

	logger *slog.Logger
}

// Search is the concrete implementation of the interface method which scores
// records against the criteria and returns the ranked hits.
func (e *engine) Search(criteria api.SearchCriteria) ([]api.ScoredImage, error) {

	if err := criteria.Validate(); err != nil {
		return nil, fmt.Errorf("invalid search criteria: %v", err)
	}

	candidates, err := e.candidates(criteria)
	if err != nil {
		return nil, fmt.Errorf("failed to load search candidates: %v", err)
	}

	hits := make([]api.ScoredImage, 0)
	for i := range candidates {
		record := &candidates[i]

		if criteria.StarredOnly && !record.Analysis.Starred {
			continue
		}

		if excluded(record, criteria.NegativeKeywords) {
			continue
		}

		score, matchedAll := scoreRecord(record, criteria)
		if score <= 0 {
			continue
		}

		if criteria.RequireAllKeywords && !matchedAll {
			continue
		}

		hits = append(hits, api.ScoredImage{ImageRecord: *record, Score: score})
	}

	// rank by score, recency breaking ties
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].LastUpdatedAt.After(hits[j].LastUpdatedAt)
	})

	max := criteria.MaxResults
	if max <= 0 {
		max = util.DefaultMaxResults
	}
	if len(hits) > max {
		hits = hits[:max]
	}

	return hits, nil
}

// SearchByPeople is the concrete implementation of the facet wrapper.
func (e *engine) SearchByPeople(peopleType string) ([]api.ScoredImage, error) {
	return e.Search(api.SearchCriteria{PeopleType: peopleType})
}

// SearchByActivity is the concrete implementation of the facet wrapper.
func (e *engine) SearchByActivity(activity string) ([]api.ScoredImage, error) {
	return e.Search(api.SearchCriteria{Activity: activity})
}

// SearchByMood is the concrete implementation of the facet wrapper.
func (e *engine) SearchByMood(mood string) ([]api.ScoredImage, error) {
	return e.Search(api.SearchCriteria{Mood: mood})
}

// SearchByLocation is the concrete implementation of the facet wrapper.
func (e *engine) SearchByLocation(location string) ([]api.ScoredImage, error) {
	return e.Search(api.SearchCriteria{Location: location})
}

// SearchByAlbum is the concrete implementation of the facet wrapper.
func (e *engine) SearchByAlbum(albumTerm string) ([]api.ScoredImage, error) {
	return e.Search(api.SearchCriteria{AlbumTerm: albumTerm})
}

// candidates narrows the scan through the inverted indices when the criteria
// carry index-friendly terms; otherwise every record is scored.
func (e *engine) candidates(criteria api.SearchCriteria) ([]api.ImageRecord, error) {

	tokens := make([]string, 0, len(criteria.Keywords)+4)
	for _, kw := range criteria.Keywords {
		tokens = append(tokens, store.Tokenize(kw)...)
	}
	for _, facet := range []string{criteria.PeopleType, criteria.Activity, criteria.Mood, criteria.Location} {
		tokens = append(tokens, store.Tokenize(facet)...)
	}

	// album terms and starred-only filters have no index; fall back to a scan
	if len(tokens) == 0 || criteria.AlbumTerm != "" {
		return e.records.AllRecords()
	}

	narrowed, err := e.records.SearchByIndex(tokens)
	if err != nil {
		return nil, err
	}

	return narrowed, nil
}

// scoreRecord computes the relevance score of one record and reports whether
// every keyword matched at least one field.
func scoreRecord(record *api.ImageRecord, criteria api.SearchCriteria) (int, bool) {

	score := 0
	matchedAll := true

	for _, kw := range criteria.Keywords {
		kwScore := scoreTerm(record, kw)
		if kwScore == 0 {
			matchedAll = false
		}
		score += kwScore
	}

	for _, facet := range []string{criteria.PeopleType, criteria.Activity, criteria.Mood, criteria.Location} {
		if facet == "" {
			continue
		}
		if scoreTerm(record, facet) > 0 {
			score += weightFacet
		}
	}

	if criteria.AlbumTerm != "" {
		if containsWord(record.AlbumName, criteria.AlbumTerm) || hierarchyMatches(record.AlbumHierarchy, criteria.AlbumTerm) {
			score += weightFacet
		}
	}

	// starred-only with no other signal still needs a positive score to rank
	if score == 0 && criteria.StarredOnly && record.Analysis.Starred {
		score = 1
	}

	return score, matchedAll
}

// scoreTerm scores one term against every searchable field of a record.
func scoreTerm(record *api.ImageRecord, term string) int {

	score := 0

	for _, kw := range record.Keywords {
		if strings.EqualFold(kw, term) || containsWord(kw, term) {
			score += weightKeyword
			break
		}
	}

	if containsWord(record.Title, term) {
		score += weightTitle
	}

	if containsWord(record.Caption, term) {
		score += weightCaption
	}

	if containsWord(record.Description, term) {
		score += weightDescription
	}

	if hierarchyMatches(record.AlbumHierarchy, term) {
		score += weightHierarchy
	}

	if containsWord(record.AlbumName, term) {
		score += weightAlbumName
	}

	return score
}

// excluded reports whether any negative keyword appears in the record's
// description, keywords, title, or caption.
func excluded(record *api.ImageRecord, negatives []string) bool {

	for _, neg := range negatives {

		if containsWord(record.Description, neg) ||
			containsWord(record.Title, neg) ||
			containsWord(record.Caption, neg) {
			return true
		}

		for _, kw := range record.Keywords {
			if strings.EqualFold(kw, neg) || containsWord(kw, neg) {
				return true
			}
		}
	}

	return false
}

// hierarchyMatches reports whether any hierarchy segment matches the term.
func hierarchyMatches(hierarchy []string, term string) bool {

	for _, segment := range hierarchy {
		if containsWord(segment, term) {
			return true
		}
	}

	return false
}

// containsWord reports whether text contains term as a whole word,
// case-insensitively.  Multi-word terms match as a whole-word-bounded phrase.
func containsWord(text, term string) bool {

	if text == "" || term == "" {
		return false
	}

	lowerText := strings.ToLower(text)
	lowerTerm := strings.ToLower(strings.TrimSpace(term))

	for start := 0; ; {
		idx := strings.Index(lowerText[start:], lowerTerm)
		if idx < 0 {
			return false
		}
		idx += start

		before := idx == 0 || !isWordRune(rune(lowerText[idx-1]))
		afterIdx := idx + len(lowerTerm)
		after := afterIdx >= len(lowerText) || !isWordRune(rune(lowerText[afterIdx]))

		if before && after {
			return true
		}

		start = idx + 1
	}
}

// isWordRune reports whether the rune belongs to a word.
func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}
