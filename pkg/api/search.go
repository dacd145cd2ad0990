package api

import (
	"fmt"
	"strings"
)

// SearchCriteria is the unified, structured input to the search engine.  The
// conversational tools all reduce to this shape.
type SearchCriteria struct {
	Keywords           []string `json:"keywords,omitempty"`
	NegativeKeywords   []string `json:"negative_keywords,omitempty"`
	PeopleType         string   `json:"people_type,omitempty"`
	Activity           string   `json:"activity,omitempty"`
	Mood               string   `json:"mood,omitempty"`
	Location           string   `json:"location,omitempty"`
	AlbumTerm          string   `json:"album_term,omitempty"`
	RequireAllKeywords bool     `json:"require_all_keywords,omitempty"`
	StarredOnly        bool     `json:"starred_only,omitempty"`
	MaxResults         int      `json:"max_results,omitempty"`
}

// Validate validates the SearchCriteria -> input validation.
func (c *SearchCriteria) Validate() error {

	// at least one facet must be present, otherwise the search has no signal
	if len(c.Keywords) == 0 && c.PeopleType == "" && c.Activity == "" &&
		c.Mood == "" && c.Location == "" && c.AlbumTerm == "" && !c.StarredOnly {
		return fmt.Errorf("at least one search term or facet is required")
	}

	for _, kw := range c.Keywords {
		if strings.TrimSpace(kw) == "" {
			return fmt.Errorf("keywords must not be empty")
		}
	}

	for _, kw := range c.NegativeKeywords {
		if strings.TrimSpace(kw) == "" {
			return fmt.Errorf("negative keywords must not be empty")
		}
	}

	if c.MaxResults < 0 {
		return fmt.Errorf("max results must not be negative")
	}

	return nil
}

// ScoredImage is one search hit: the record plus its relevance score and,
// when vision verification ran, the verification outcome.
type ScoredImage struct {
	ImageRecord
	Score    int  `json:"score"`
	Verified bool `json:"verified,omitempty"`
}

// SearchResult is the outcome of one search engine execution.
type SearchResult struct {
	Images []ScoredImage `json:"images"`

	// Unverified is set when vision verification was requested but degraded;
	// the ranking returned is the metadata-only ranking.
	Unverified bool `json:"unverified,omitempty"`
}

// ChatCmd is a model which represents the conversational query command.
type ChatCmd struct {
	Message string `json:"message"`
	Page    int    `json:"page,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}

// Validate validates the ChatCmd -> input validation.
func (cmd *ChatCmd) Validate() error {

	if strings.TrimSpace(cmd.Message) == "" {
		return fmt.Errorf("message is required")
	}

	if len(cmd.Message) > 4096 {
		return fmt.Errorf("message must be at most 4096 chars")
	}

	if cmd.Page < 0 {
		return fmt.Errorf("page must not be negative")
	}

	if cmd.Limit < 0 {
		return fmt.Errorf("limit must not be negative")
	}

	return nil
}

// LoadMoreCmd is a model which represents the follow-up pagination command
// for a prior conversational query.
type LoadMoreCmd struct {
	OriginalQuery string `json:"original_query"`
	Page          int    `json:"page"`
	Limit         int    `json:"limit,omitempty"`
}

// Validate validates the LoadMoreCmd -> input validation.
func (cmd *LoadMoreCmd) Validate() error {

	if strings.TrimSpace(cmd.OriginalQuery) == "" {
		return fmt.Errorf("original query is required")
	}

	if cmd.Page < 1 {
		return fmt.Errorf("page must be at least 1")
	}

	if cmd.Limit < 0 {
		return fmt.Errorf("limit must not be negative")
	}

	return nil
}

// ChatReply is the response payload for conversational queries.
type ChatReply struct {
	Response      string        `json:"response"`
	Results       []ScoredImage `json:"results"`
	Pagination    Pagination    `json:"pagination"`
	ResultCount   int           `json:"result_count"`
	OriginalQuery string        `json:"original_query"`
}
