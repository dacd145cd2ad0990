package chat

import (
	"encoding/json"
	"fmt"

	"github.com/tdeslauriers/muse/pkg/api"
	"github.com/tdeslauriers/muse/pkg/llm"
	"github.com/tdeslauriers/muse/pkg/search"
	"github.com/tdeslauriers/muse/pkg/store"
)

// tool names exposed to the model
const (
	toolSearchImages     = "search_images"
	toolSearchByKeywords = "search_by_keywords"
	toolSearchByPeople   = "search_by_people"
	toolSearchByActivity = "search_by_activity"
	toolSearchByMood     = "search_by_mood"
	toolSearchByLocation = "search_by_location"
	toolSearchByAlbum    = "search_by_album"
	toolFilterByCount    = "filter_by_count"
	toolGetAllImages     = "get_all_images"
)

// toolSchemas returns the declarative tool definitions offered on every
// conversational turn.
func toolSchemas() []llm.ToolSchema {
	return []llm.ToolSchema{
		{
			Name:        toolSearchImages,
			Description: "Search the photo collection with full criteria: keywords, negative keywords, people, activity, mood, location, and album terms.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"keywords": {"type": "array", "items": {"type": "string"}, "description": "search terms"},
					"negative_keywords": {"type": "array", "items": {"type": "string"}, "description": "terms that must not appear"},
					"people_type": {"type": "string", "description": "who is pictured, e.g. kids, family, group"},
					"activity": {"type": "string", "description": "what is happening, e.g. archery, swimming"},
					"mood": {"type": "string", "description": "emotional tone, e.g. happy, calm"},
					"location": {"type": "string", "description": "where, e.g. beach, backyard"},
					"album_term": {"type": "string", "description": "album name or path fragment"},
					"require_all_keywords": {"type": "boolean", "description": "true when every keyword must match"},
					"starred_only": {"type": "boolean", "description": "restrict to starred images"},
					"max_results": {"type": "integer", "description": "result cap"}
				}
			}`),
		},
		{
			Name:        toolSearchByKeywords,
			Description: "Search the photo collection by plain keywords.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"keywords": {"type": "array", "items": {"type": "string"}}
				},
				"required": ["keywords"]
			}`),
		},
		{
			Name:        toolSearchByPeople,
			Description: "Find photos by who is pictured.",
			Parameters:  singleStringSchema("people_type", "who is pictured, e.g. kids, family, group"),
		},
		{
			Name:        toolSearchByActivity,
			Description: "Find photos by the activity taking place.",
			Parameters:  singleStringSchema("activity", "the activity, e.g. archery, hiking, birthday party"),
		},
		{
			Name:        toolSearchByMood,
			Description: "Find photos by emotional tone.",
			Parameters:  singleStringSchema("mood", "the mood, e.g. happy, peaceful, excited"),
		},
		{
			Name:        toolSearchByLocation,
			Description: "Find photos by where they were taken.",
			Parameters:  singleStringSchema("location", "the place, e.g. beach, mountains, kitchen"),
		},
		{
			Name:        toolSearchByAlbum,
			Description: "Find photos by album name or path.",
			Parameters:  singleStringSchema("album_term", "album name or path fragment"),
		},
		{
			Name:        toolFilterByCount,
			Description: "Limit the previous search to the top N results.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"count": {"type": "integer", "description": "how many results to keep"}
				},
				"required": ["count"]
			}`),
		},
		{
			Name:        toolGetAllImages,
			Description: "List every image in the collection. Use only when the user asks for everything.",
			Parameters:  json.RawMessage(`{"type": "object", "properties": {}}`),
		},
	}
}

// singleStringSchema builds a one-required-string-parameter schema.
// Exists to abstract away the repetition across the facet tools.
func singleStringSchema(name, description string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{
		"type": "object",
		"properties": {
			"%s": {"type": "string", "description": "%s"}
		},
		"required": ["%s"]
	}`, name, description, name))
}

// executor runs requested tool calls against the search engine and the store.
type executor struct {
	engine  search.Engine
	records store.Store
}

// execute runs one tool call, returning the serialized result for the model
// and the hits pooled into the reply.
func (x *executor) execute(call llm.ToolCall, pooled []api.ScoredImage) ([]api.ScoredImage, llm.ToolResult, error) {

	var hits []api.ScoredImage
	var err error

	switch call.Name {

	case toolSearchImages:
		var criteria api.SearchCriteria
		if err = json.Unmarshal(call.Arguments, &criteria); err == nil {
			hits, err = x.engine.Search(criteria)
		}

	case toolSearchByKeywords:
		var args struct {
			Keywords []string `json:"keywords"`
		}
		if err = json.Unmarshal(call.Arguments, &args); err == nil {
			hits, err = x.engine.Search(api.SearchCriteria{Keywords: args.Keywords})
		}

	case toolSearchByPeople:
		hits, err = x.facet(call, "people_type", x.engine.SearchByPeople)

	case toolSearchByActivity:
		hits, err = x.facet(call, "activity", x.engine.SearchByActivity)

	case toolSearchByMood:
		hits, err = x.facet(call, "mood", x.engine.SearchByMood)

	case toolSearchByLocation:
		hits, err = x.facet(call, "location", x.engine.SearchByLocation)

	case toolSearchByAlbum:
		hits, err = x.facet(call, "album_term", x.engine.SearchByAlbum)

	case toolFilterByCount:
		var args struct {
			Count int `json:"count"`
		}
		if err = json.Unmarshal(call.Arguments, &args); err == nil {
			hits = pooled
			if args.Count > 0 && len(hits) > args.Count {
				hits = hits[:args.Count]
			}
		}

	case toolGetAllImages:
		var records []api.ImageRecord
		if records, err = x.records.AllRecords(); err == nil {
			hits = make([]api.ScoredImage, 0, len(records))
			for _, record := range records {
				hits = append(hits, api.ScoredImage{ImageRecord: record})
			}
		}

	default:
		err = fmt.Errorf("unknown tool '%s'", call.Name)
	}

	if err != nil {
		return nil, llm.ToolResult{
			CallId:  call.Id,
			Name:    call.Name,
			Content: fmt.Sprintf(`{"error": %q}`, err.Error()),
		}, err
	}

	return hits, llm.ToolResult{
		CallId:  call.Id,
		Name:    call.Name,
		Content: summarizeHits(hits),
	}, nil
}

// facet decodes a single-string tool call and runs the matching facet search.
func (x *executor) facet(call llm.ToolCall, field string, fn func(string) ([]api.ScoredImage, error)) ([]api.ScoredImage, error) {

	var args map[string]string
	if err := json.Unmarshal(call.Arguments, &args); err != nil {
		return nil, fmt.Errorf("failed to decode %s arguments: %v", call.Name, err)
	}

	value := args[field]
	if value == "" {
		return nil, fmt.Errorf("tool '%s' requires a '%s' argument", call.Name, field)
	}

	return fn(value)
}

// summarizeHits serializes hits for the model's follow-up turn.  Only the
// fields the model needs to talk about the results are included; full records
// go to the client in the reply payload, not through the model.
func summarizeHits(hits []api.ScoredImage) string {

	type summary struct {
		Filename    string `json:"filename"`
		Album       string `json:"album"`
		Description string `json:"description,omitempty"`
		Score       int    `json:"score"`
	}

	summaries := make([]summary, 0, len(hits))
	for _, hit := range hits {
		summaries = append(summaries, summary{
			Filename:    hit.Filename,
			Album:       hit.AlbumName,
			Description: hit.Description,
			Score:       hit.Score,
		})
	}

	out, err := json.Marshal(map[string]interface{}{
		"result_count": len(hits),
		"results":      summaries,
	})
	if err != nil {
		return fmt.Sprintf(`{"result_count": %d}`, len(hits))
	}

	return string(out)
}
