package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/tdeslauriers/muse/pkg/api"
	"github.com/tdeslauriers/muse/pkg/llm"
	"github.com/tdeslauriers/muse/pkg/search"
	"github.com/tdeslauriers/muse/pkg/store"
)

// fakeModel scripts the tool loop turns.
type fakeModel struct {
	turn        *llm.ToolLoopResponse
	turnErr     error
	followUp    *llm.ToolLoopResponse
	followUpErr error

	gotResults []llm.ToolResult
}

func (f *fakeModel) AnalyzeImage(ctx context.Context, img []byte, mimeType, prompt, modelId string) (*llm.Completion, error) {
	return nil, nil
}

func (f *fakeModel) RunToolLoop(ctx context.Context, userText, systemPrompt string, tools []llm.ToolSchema, modelId string) (*llm.ToolLoopResponse, error) {
	if f.turnErr != nil {
		return nil, f.turnErr
	}
	return f.turn, nil
}

func (f *fakeModel) ContinueToolLoop(ctx context.Context, userText, systemPrompt string, tools []llm.ToolSchema, prior *llm.ToolLoopResponse, results []llm.ToolResult, modelId string) (*llm.ToolLoopResponse, error) {
	f.gotResults = results
	if f.followUpErr != nil {
		return nil, f.followUpErr
	}
	return f.followUp, nil
}

func (f *fakeModel) VerifyImages(ctx context.Context, imageUrls []string, query, modelId string) (*llm.Verification, error) {
	return nil, nil
}

// fakeDefaults is a fixed DefaultsProvider.
type fakeDefaults struct{}

func (f *fakeDefaults) ChatDefaults() Defaults {
	return Defaults{ModelId: "gpt-4o"}
}

// newTestBridge wires a bridge over a real store seeded with archery and beach
// records.
func newTestBridge(t *testing.T, model llm.Client) (Bridge, store.Store) {
	t.Helper()

	s := store.New(t.TempDir())
	if err := s.Initialize(); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	seed := []*api.ImageRecord{
		{
			SourceImageKey: "archery-1",
			Filename:       "archery-1.jpg",
			Description:    "kids practicing archery at the range",
			Keywords:       []string{"archery", "kids"},
		},
		{
			SourceImageKey: "beach-1",
			Filename:       "beach-1.jpg",
			Description:    "family walking on the beach",
			Keywords:       []string{"beach", "family"},
		},
	}

	for _, record := range seed {
		record.AlbumKey = "camp-2025"
		record.AlbumName = "Summer Camp"
		record.AlbumPath = "/events/camp-2025"
		record.AlbumHierarchy = []string{"events", "camp-2025"}
		if _, err := s.PutImage(record, api.DuplicateSkip); err != nil {
			t.Fatalf("failed to seed record: %v", err)
		}
	}

	return NewBridge(model, search.NewEngine(s), s, &fakeDefaults{}), s
}

func toolCall(id, name, arguments string) llm.ToolCall {
	return llm.ToolCall{Id: id, Name: name, Arguments: json.RawMessage(arguments)}
}

func TestAskValidatesCommand(t *testing.T) {

	b, _ := newTestBridge(t, &fakeModel{})

	_, err := b.Ask(context.Background(), api.ChatCmd{})
	if err == nil {
		t.Fatalf("expected empty message to be rejected")
	}

	if api.KindOf(err) != api.ErrInputInvalid {
		t.Errorf("expected kind '%s', got '%s'", api.ErrInputInvalid, api.KindOf(err))
	}
}

func TestAskDirectAnswerWithoutTools(t *testing.T) {

	model := &fakeModel{turn: &llm.ToolLoopResponse{Text: "The collection holds family photos."}}
	b, _ := newTestBridge(t, model)

	reply, err := b.Ask(context.Background(), api.ChatCmd{Message: "what is this collection?"})
	if err != nil {
		t.Fatalf("failed to ask: %v", err)
	}

	if reply.Response != "The collection holds family photos." {
		t.Errorf("expected the model's direct answer, got '%s'", reply.Response)
	}

	if len(reply.Results) != 0 {
		t.Errorf("expected no results without tool calls, got %d", len(reply.Results))
	}
}

func TestAskExecutesToolCallsAndNarrates(t *testing.T) {

	model := &fakeModel{
		turn: &llm.ToolLoopResponse{
			ToolCalls: []llm.ToolCall{
				toolCall("call-1", toolSearchByKeywords, `{"keywords": ["archery"]}`),
			},
		},
		followUp: &llm.ToolLoopResponse{Text: "I found one archery photo from Summer Camp."},
	}
	b, _ := newTestBridge(t, model)

	reply, err := b.Ask(context.Background(), api.ChatCmd{Message: "show me archery photos"})
	if err != nil {
		t.Fatalf("failed to ask: %v", err)
	}

	if reply.Response != "I found one archery photo from Summer Camp." {
		t.Errorf("expected narrated reply, got '%s'", reply.Response)
	}

	if reply.ResultCount != 1 || reply.Results[0].SourceImageKey != "archery-1" {
		t.Errorf("expected the archery hit in results, got %+v", reply.Results)
	}

	// the tool outcome went back to the model for narration
	if len(model.gotResults) != 1 || model.gotResults[0].CallId != "call-1" {
		t.Fatalf("expected tool result handed to follow-up turn, got %+v", model.gotResults)
	}

	if !strings.Contains(model.gotResults[0].Content, "archery-1.jpg") {
		t.Errorf("expected result summary to name the file, got '%s'", model.gotResults[0].Content)
	}
}

func TestAskPoolsAndDedupesAcrossToolCalls(t *testing.T) {

	model := &fakeModel{
		turn: &llm.ToolLoopResponse{
			ToolCalls: []llm.ToolCall{
				toolCall("call-1", toolSearchByKeywords, `{"keywords": ["archery"]}`),
				toolCall("call-2", toolSearchByKeywords, `{"keywords": ["kids"]}`),
			},
		},
		followUp: &llm.ToolLoopResponse{Text: "Found them."},
	}
	b, _ := newTestBridge(t, model)

	reply, err := b.Ask(context.Background(), api.ChatCmd{Message: "archery and kids"})
	if err != nil {
		t.Fatalf("failed to ask: %v", err)
	}

	// both calls hit the same record; pooling dedupes it
	if reply.ResultCount != 1 {
		t.Errorf("expected pooled hits deduped to 1, got %d", reply.ResultCount)
	}
}

func TestAskFilterByCountTruncatesPool(t *testing.T) {

	model := &fakeModel{
		turn: &llm.ToolLoopResponse{
			ToolCalls: []llm.ToolCall{
				toolCall("call-1", toolGetAllImages, `{}`),
				toolCall("call-2", toolFilterByCount, `{"count": 1}`),
			},
		},
		followUp: &llm.ToolLoopResponse{Text: "Here is the top photo."},
	}
	b, _ := newTestBridge(t, model)

	reply, err := b.Ask(context.Background(), api.ChatCmd{Message: "just the best one"})
	if err != nil {
		t.Fatalf("failed to ask: %v", err)
	}

	if reply.ResultCount != 1 {
		t.Errorf("expected pool truncated to 1, got %d", reply.ResultCount)
	}
}

func TestAskDegradesToParsedSearchWhenModelDown(t *testing.T) {

	model := &fakeModel{turnErr: api.NewJobError(api.ErrUpstream503, "model unavailable")}
	b, _ := newTestBridge(t, model)

	reply, err := b.Ask(context.Background(), api.ChatCmd{Message: "show me archery photos"})
	if err != nil {
		t.Fatalf("expected degraded search, got error '%v'", err)
	}

	if reply.ResultCount != 1 || reply.Results[0].SourceImageKey != "archery-1" {
		t.Errorf("expected parsed-query fallback to find the archery photo, got %+v", reply.Results)
	}

	if !strings.Contains(reply.Response, "1 photo") {
		t.Errorf("expected composed fallback text, got '%s'", reply.Response)
	}
}

func TestAskComposesTextWhenNarrationFails(t *testing.T) {

	model := &fakeModel{
		turn: &llm.ToolLoopResponse{
			ToolCalls: []llm.ToolCall{
				toolCall("call-1", toolSearchByKeywords, `{"keywords": ["archery"]}`),
			},
		},
		followUpErr: api.NewJobError(api.ErrUpstream503, "model unavailable"),
	}
	b, _ := newTestBridge(t, model)

	reply, err := b.Ask(context.Background(), api.ChatCmd{Message: "archery photos"})
	if err != nil {
		t.Fatalf("failed to ask: %v", err)
	}

	if !strings.Contains(reply.Response, "1 photo") {
		t.Errorf("expected composed count text without narration, got '%s'", reply.Response)
	}

	if reply.ResultCount != 1 {
		t.Errorf("expected the tool hits kept despite narration failure, got %d", reply.ResultCount)
	}
}

func TestLoadMorePaginatesDeterministically(t *testing.T) {

	model := &fakeModel{}
	b, s := newTestBridge(t, model)

	// widen the collection so multiple pages exist
	for i := 0; i < 5; i++ {
		record := &api.ImageRecord{
			SourceImageKey: fmt.Sprintf("extra-%d", i),
			Filename:       fmt.Sprintf("extra-%d.jpg", i),
			AlbumKey:       "camp-2025",
			AlbumName:      "Summer Camp",
			AlbumPath:      "/events/camp-2025",
			AlbumHierarchy: []string{"events", "camp-2025"},
			Description:    "kids practicing archery drills",
			Keywords:       []string{"archery", "kids"},
		}
		if _, err := s.PutImage(record, api.DuplicateSkip); err != nil {
			t.Fatalf("failed to widen collection: %v", err)
		}
	}

	reply, err := b.LoadMore(context.Background(), api.LoadMoreCmd{
		OriginalQuery: "archery photos",
		Page:          2,
		Limit:         2,
	})
	if err != nil {
		t.Fatalf("failed to load more: %v", err)
	}

	if reply.Pagination.Page != 2 || reply.Pagination.PageSize != 2 {
		t.Errorf("expected page 2 of size 2, got %+v", reply.Pagination)
	}

	if len(reply.Results) != 2 {
		t.Errorf("expected 2 results on page 2, got %d", len(reply.Results))
	}

	if reply.Pagination.TotalItems != 6 {
		t.Errorf("expected 6 total archery hits, got %d", reply.Pagination.TotalItems)
	}

	if !reply.Pagination.HasMore {
		t.Errorf("expected a third page to remain")
	}
}

func TestLoadMoreClampsPageBeyondEnd(t *testing.T) {

	b, _ := newTestBridge(t, &fakeModel{})

	reply, err := b.LoadMore(context.Background(), api.LoadMoreCmd{
		OriginalQuery: "archery",
		Page:          99,
		Limit:         10,
	})
	if err != nil {
		t.Fatalf("failed to load more: %v", err)
	}

	if reply.Pagination.Page != 1 {
		t.Errorf("expected page clamped to last page, got %d", reply.Pagination.Page)
	}

	if reply.Pagination.HasMore {
		t.Errorf("expected no further pages")
	}
}

func TestAskToolErrorReportedToModel(t *testing.T) {

	model := &fakeModel{
		turn: &llm.ToolLoopResponse{
			ToolCalls: []llm.ToolCall{
				toolCall("call-1", "nonexistent_tool", `{}`),
			},
		},
		followUp: &llm.ToolLoopResponse{Text: "That tool does not exist."},
	}
	b, _ := newTestBridge(t, model)

	reply, err := b.Ask(context.Background(), api.ChatCmd{Message: "do something odd"})
	if err != nil {
		t.Fatalf("failed to ask: %v", err)
	}

	if len(model.gotResults) != 1 || !strings.Contains(model.gotResults[0].Content, "error") {
		t.Errorf("expected tool error serialized back to the model, got %+v", model.gotResults)
	}

	if reply.ResultCount != 0 {
		t.Errorf("expected no hits from a failed tool, got %d", reply.ResultCount)
	}
}
