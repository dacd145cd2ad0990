package analysis

import (
	"bytes"
	"context"
	"image"
	"image/jpeg"
	"strings"
	"testing"

	"github.com/tdeslauriers/muse/pkg/api"
	"github.com/tdeslauriers/muse/pkg/llm"
	"github.com/tdeslauriers/muse/pkg/normalize"
)

// fakeVision is a canned llm.Client for analysis tests.
type fakeVision struct {
	content    string
	err        error
	gotPrompt  string
	gotModelId string
}

func (f *fakeVision) AnalyzeImage(ctx context.Context, img []byte, mimeType, prompt, modelId string) (*llm.Completion, error) {
	f.gotPrompt = prompt
	f.gotModelId = modelId
	if f.err != nil {
		return nil, f.err
	}
	return &llm.Completion{Content: f.content, ModelId: "test-model"}, nil
}

func (f *fakeVision) RunToolLoop(ctx context.Context, userText, systemPrompt string, tools []llm.ToolSchema, modelId string) (*llm.ToolLoopResponse, error) {
	return nil, nil
}

func (f *fakeVision) ContinueToolLoop(ctx context.Context, userText, systemPrompt string, tools []llm.ToolSchema, prior *llm.ToolLoopResponse, results []llm.ToolResult, modelId string) (*llm.ToolLoopResponse, error) {
	return nil, nil
}

func (f *fakeVision) VerifyImages(ctx context.Context, imageUrls []string, query, modelId string) (*llm.Verification, error) {
	return nil, nil
}

func testImage(t *testing.T) []byte {
	t.Helper()

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, image.NewGray(image.Rect(0, 0, 32, 32)), nil); err != nil {
		t.Fatalf("failed to encode test image: %v", err)
	}

	return buf.Bytes()
}

func TestAnalyzeParsesStructuredReply(t *testing.T) {

	vision := &fakeVision{
		content: `{"description": "Two kids at an archery range.", "keywords": ["archery", "kids", "Archery", "outdoor"]}`,
	}
	svc := NewService(vision, normalize.NewNormalizer())

	outcome, err := svc.Analyze(context.Background(), Request{
		Image:    testImage(t),
		MimeType: "image/jpeg",
		ModelId:  "gpt-4o",
	})
	if err != nil {
		t.Fatalf("failed to analyze: %v", err)
	}

	if outcome.Description != "Two kids at an archery range." {
		t.Errorf("expected parsed description, got '%s'", outcome.Description)
	}

	// keywords are deduped case-insensitively
	if len(outcome.Keywords) != 3 {
		t.Errorf("expected 3 deduped keywords, got %v", outcome.Keywords)
	}

	if outcome.ParseFallback {
		t.Errorf("expected no parse fallback for valid json")
	}

	if outcome.ModelId != "test-model" {
		t.Errorf("expected model id from completion, got '%s'", outcome.ModelId)
	}
}

func TestAnalyzeParsesFencedJson(t *testing.T) {

	vision := &fakeVision{
		content: "Here is the analysis:\n```json\n{\"description\": \"A beach at sunset.\", \"keywords\": [\"beach\", \"sunset\"]}\n```",
	}
	svc := NewService(vision, normalize.NewNormalizer())

	outcome, err := svc.Analyze(context.Background(), Request{Image: testImage(t), MimeType: "image/jpeg"})
	if err != nil {
		t.Fatalf("failed to analyze: %v", err)
	}

	if outcome.Description != "A beach at sunset." {
		t.Errorf("expected description extracted from fenced json, got '%s'", outcome.Description)
	}

	if outcome.ParseFallback {
		t.Errorf("expected no fallback when the json object is extractable")
	}
}

func TestAnalyzeFallsBackToRawText(t *testing.T) {

	vision := &fakeVision{
		content: "A family gathered around a picnic table in the park.",
	}
	svc := NewService(vision, normalize.NewNormalizer())

	outcome, err := svc.Analyze(context.Background(), Request{Image: testImage(t), MimeType: "image/jpeg"})
	if err != nil {
		t.Fatalf("failed to analyze: %v", err)
	}

	if !outcome.ParseFallback {
		t.Errorf("expected parse fallback for prose reply")
	}

	if outcome.Description != "A family gathered around a picnic table in the park." {
		t.Errorf("expected raw text kept as description, got '%s'", outcome.Description)
	}

	if len(outcome.Keywords) != 0 {
		t.Errorf("expected no keywords on fallback, got %v", outcome.Keywords)
	}
}

func TestAnalyzeRequiresImageBytes(t *testing.T) {

	svc := NewService(&fakeVision{}, normalize.NewNormalizer())

	_, err := svc.Analyze(context.Background(), Request{})
	if err == nil {
		t.Fatalf("expected missing image bytes to be rejected")
	}

	if api.KindOf(err) != api.ErrInputInvalid {
		t.Errorf("expected kind '%s', got '%s'", api.ErrInputInvalid, api.KindOf(err))
	}
}

func TestAnalyzePassesThroughModelError(t *testing.T) {

	vision := &fakeVision{err: api.NewJobError(api.ErrUpstream503, "model overloaded")}
	svc := NewService(vision, normalize.NewNormalizer())

	_, err := svc.Analyze(context.Background(), Request{Image: testImage(t), MimeType: "image/jpeg"})
	if err == nil {
		t.Fatalf("expected model error to propagate")
	}

	if api.KindOf(err) != api.ErrUpstream503 {
		t.Errorf("expected kind '%s', got '%s'", api.ErrUpstream503, api.KindOf(err))
	}
}

func TestComposePrompt(t *testing.T) {

	if got := composePrompt("", ""); got != DefaultPrompt {
		t.Errorf("expected default prompt when both inputs empty")
	}

	if got := composePrompt("", "describe this"); got != "describe this" {
		t.Errorf("expected custom prompt kept, got '%s'", got)
	}

	got := composePrompt("These photos are from summer camp.", "")
	if !strings.HasPrefix(got, "These photos are from summer camp.\n\n") {
		t.Errorf("expected pre-context prepended, got '%s'", got)
	}

	if !strings.Contains(got, "keywords") {
		t.Errorf("expected default prompt appended after pre-context")
	}
}

func TestAnalyzeSendsComposedPrompt(t *testing.T) {

	vision := &fakeVision{content: `{"description": "x", "keywords": []}`}
	svc := NewService(vision, normalize.NewNormalizer())

	_, err := svc.Analyze(context.Background(), Request{
		Image:      testImage(t),
		MimeType:   "image/jpeg",
		PreContext: "Family photos.",
		ModelId:    "gpt-4o-mini",
	})
	if err != nil {
		t.Fatalf("failed to analyze: %v", err)
	}

	if !strings.HasPrefix(vision.gotPrompt, "Family photos.") {
		t.Errorf("expected pre-context at the front of the prompt, got '%s'", vision.gotPrompt)
	}

	if vision.gotModelId != "gpt-4o-mini" {
		t.Errorf("expected model id forwarded, got '%s'", vision.gotModelId)
	}
}
