package chat

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tdeslauriers/muse/internal/util"
	"github.com/tdeslauriers/muse/pkg/api"
	"github.com/tdeslauriers/muse/pkg/llm"
	"github.com/tdeslauriers/muse/pkg/search"
	"github.com/tdeslauriers/muse/pkg/store"
)

// systemPrompt frames the model as the collection's librarian.  The tool
// surface, not the prompt, is what constrains behavior.
const systemPrompt = `You are the librarian for a family photo collection that has been enriched with AI-generated descriptions and keywords.
Answer questions about the collection by calling the provided search tools, then summarize what was found in a warm, concise way.
Mention how many photos matched and what albums they came from. If nothing matched, suggest a broader query.
Never invent photos that the tools did not return.`

// Defaults are the operator-configured conversational settings.
type Defaults struct {
	ModelId string
}

// DefaultsProvider supplies the current chat defaults; backed by the config
// store.
type DefaultsProvider interface {
	ChatDefaults() Defaults
}

// Bridge is the interface for the conversational layer: it hands the user's
// message to the model with the search tools attached and assembles the reply
// from the tool outcomes.
type Bridge interface {

	// Ask runs one conversational turn.
	Ask(ctx context.Context, cmd api.ChatCmd) (*api.ChatReply, error)

	// LoadMore re-executes a prior query deterministically and returns the
	// requested page.
	LoadMore(ctx context.Context, cmd api.LoadMoreCmd) (*api.ChatReply, error)
}

// NewBridge creates a conversational bridge, returning a pointer to the
// concrete implementation.
func NewBridge(model llm.Client, e search.Engine, records store.Store, defaults DefaultsProvider) Bridge {
	return &bridge{
		model:    model,
		engine:   e,
		exec:     &executor{engine: e, records: records},
		defaults: defaults,

		logger: slog.Default().
			With(slog.String(util.ServiceKey, util.ServiceCurator)).
			With(slog.String(util.PackageKey, util.PackageChat)).
			With(slog.String(util.ComponentKey, util.ComponentChatBridge)),
	}
}

var _ Bridge = (*bridge)(nil)

// bridge is the concrete implementation of the Bridge interface.
type bridge struct {
	model    llm.Client
	engine   search.Engine
	exec     *executor
	defaults DefaultsProvider

	logger *slog.Logger
}

// Ask is the concrete implementation of the interface method which runs one
// conversational turn.
func (b *bridge) Ask(ctx context.Context, cmd api.ChatCmd) (*api.ChatReply, error) {

	if err := cmd.Validate(); err != nil {
		return nil, api.NewJobError(api.ErrInputInvalid, fmt.Sprintf("invalid chat command: %v", err))
	}

	modelId := b.defaults.ChatDefaults().ModelId
	tools := toolSchemas()

	turn, err := b.model.RunToolLoop(ctx, cmd.Message, systemPrompt, tools, modelId)
	if err != nil {
		// the model being down does not make the collection unsearchable;
		// degrade to a direct parse of the message
		b.logger.Warn(fmt.Sprintf("tool loop unavailable, degrading to parsed search: %v", err))
		return b.fallback(cmd)
	}

	// no tool calls means the model answered directly
	if len(turn.ToolCalls) == 0 {
		return b.reply(turn.Text, nil, cmd.Message, cmd.Page, cmd.Limit), nil
	}

	// execute the requested tools, pooling hits across calls
	var pooled []api.ScoredImage
	results := make([]llm.ToolResult, 0, len(turn.ToolCalls))

	for _, call := range turn.ToolCalls {

		hits, result, err := b.exec.execute(call, pooled)
		if err != nil {
			b.logger.Warn(fmt.Sprintf("tool '%s' failed: %v", call.Name, err))
		} else if call.Name == toolFilterByCount {
			pooled = hits
		} else {
			pooled = append(pooled, hits...)
		}

		results = append(results, result)
	}

	pooled = dedupeHits(pooled)

	// hand the outcomes back for the model's narration
	followUp, err := b.model.ContinueToolLoop(ctx, cmd.Message, systemPrompt, tools, turn, results, modelId)

	text := ""
	if err != nil {
		b.logger.Warn(fmt.Sprintf("follow-up turn failed, composing reply without narration: %v", err))
	} else {
		text = followUp.Text
	}

	if text == "" {
		text = composeFallbackText(len(pooled))
	}

	return b.reply(text, pooled, cmd.Message, cmd.Page, cmd.Limit), nil
}

// LoadMore is the concrete implementation of the interface method which
// re-executes a prior query deterministically and returns the requested page.
func (b *bridge) LoadMore(ctx context.Context, cmd api.LoadMoreCmd) (*api.ChatReply, error) {

	if err := cmd.Validate(); err != nil {
		return nil, api.NewJobError(api.ErrInputInvalid, fmt.Sprintf("invalid load more command: %v", err))
	}

	criteria := search.ParseQuery(cmd.OriginalQuery)

	hits, err := b.engine.Search(criteria)
	if err != nil {
		return nil, api.NewJobError(api.ErrInputInvalid, fmt.Sprintf("failed to re-execute query: %v", err))
	}

	reply := b.reply("", hits, cmd.OriginalQuery, cmd.Page, cmd.Limit)
	reply.Response = fmt.Sprintf("Page %d of results for %q.", reply.Pagination.Page, cmd.OriginalQuery)

	return reply, nil
}

// fallback answers a turn without the model: the message is parsed into
// criteria and searched directly.
func (b *bridge) fallback(cmd api.ChatCmd) (*api.ChatReply, error) {

	criteria := search.ParseQuery(cmd.Message)
	if err := criteria.Validate(); err != nil {
		return b.reply("I could not find any search terms in that. Try naming people, places, activities, or albums.",
			nil, cmd.Message, cmd.Page, cmd.Limit), nil
	}

	hits, err := b.engine.Search(criteria)
	if err != nil {
		return nil, api.NewJobError(api.ErrInputInvalid, fmt.Sprintf("failed to search: %v", err))
	}

	return b.reply(composeFallbackText(len(hits)), hits, cmd.Message, cmd.Page, cmd.Limit), nil
}

// reply assembles the paged reply payload.
func (b *bridge) reply(text string, hits []api.ScoredImage, originalQuery string, page, limit int) *api.ChatReply {

	if page < 1 {
		page = 1
	}

	if limit < 1 {
		limit = util.DefaultPageSize
	}

	totalPages := (len(hits) + limit - 1) / limit
	if totalPages < 1 {
		totalPages = 1
	}
	if page > totalPages {
		page = totalPages
	}

	start := (page - 1) * limit
	end := start + limit
	if start > len(hits) {
		start = len(hits)
	}
	if end > len(hits) {
		end = len(hits)
	}

	return &api.ChatReply{
		Response: text,
		Results:  hits[start:end],
		Pagination: api.Pagination{
			Page:       page,
			PageSize:   limit,
			TotalItems: len(hits),
			TotalPages: totalPages,
			HasMore:    page < totalPages,
		},
		ResultCount:   len(hits),
		OriginalQuery: originalQuery,
	}
}

// composeFallbackText builds reply text when the model did not narrate.
func composeFallbackText(count int) string {

	if count == 0 {
		return "No photos matched that search. Try broader terms, or ask about a different album or activity."
	}

	if count == 1 {
		return "I found 1 photo matching that search."
	}

	return fmt.Sprintf("I found %d photos matching that search.", count)
}

// dedupeHits drops repeat hits pooled across multiple tool calls, keeping the
// first (highest ranked) appearance of each source key.
func dedupeHits(hits []api.ScoredImage) []api.ScoredImage {

	seen := make(map[string]struct{}, len(hits))
	out := make([]api.ScoredImage, 0, len(hits))

	for _, hit := range hits {
		if _, ok := seen[hit.SourceImageKey]; ok {
			continue
		}
		seen[hit.SourceImageKey] = struct{}{}
		out = append(out, hit)
	}

	return out
}
