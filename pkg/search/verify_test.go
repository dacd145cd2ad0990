package search

import (
	"context"
	"fmt"
	"testing"

	"github.com/tdeslauriers/muse/pkg/api"
	"github.com/tdeslauriers/muse/pkg/llm"
)

// fakeVision returns canned verification outcomes per batch.
type fakeVision struct {
	matches []map[int]struct{} // one entry per expected batch, in order
	err     error
	calls   int
	gotUrls [][]string
}

func (f *fakeVision) AnalyzeImage(ctx context.Context, img []byte, mimeType, prompt, modelId string) (*llm.Completion, error) {
	return nil, nil
}

func (f *fakeVision) RunToolLoop(ctx context.Context, userText, systemPrompt string, tools []llm.ToolSchema, modelId string) (*llm.ToolLoopResponse, error) {
	return nil, nil
}

func (f *fakeVision) ContinueToolLoop(ctx context.Context, userText, systemPrompt string, tools []llm.ToolSchema, prior *llm.ToolLoopResponse, results []llm.ToolResult, modelId string) (*llm.ToolLoopResponse, error) {
	return nil, nil
}

func (f *fakeVision) VerifyImages(ctx context.Context, imageUrls []string, query, modelId string) (*llm.Verification, error) {

	f.gotUrls = append(f.gotUrls, imageUrls)

	if f.err != nil {
		return nil, f.err
	}

	matched := map[int]struct{}{}
	if f.calls < len(f.matches) {
		matched = f.matches[f.calls]
	}
	f.calls++

	return &llm.Verification{MatchedIndices: matched}, nil
}

func verifyDefaults() Defaults {
	return Defaults{
		VerifyEnabled: true,
		VerifyModelId: "gpt-4o",
	}
}

func scoredHits(n int) []api.ScoredImage {
	hits := make([]api.ScoredImage, 0, n)
	for i := 0; i < n; i++ {
		hits = append(hits, api.ScoredImage{
			ImageRecord: api.ImageRecord{
				SourceImageKey: fmt.Sprintf("img-%d", i),
				SourceUrl:      fmt.Sprintf("https://photos.example.com/img-%d", i),
			},
			Score: 100 - i,
		})
	}
	return hits
}

func TestVerifyKeepsOnlyConfirmedHits(t *testing.T) {

	vision := &fakeVision{matches: []map[int]struct{}{
		{0: {}, 2: {}}, // batch of 3: first and third confirmed
	}}
	v := NewVerifier(vision)

	result := v.Verify(context.Background(), "kids at archery", scoredHits(3), verifyDefaults())

	if result.Unverified {
		t.Errorf("expected verified result")
	}

	if len(result.Images) != 2 {
		t.Fatalf("expected 2 confirmed hits, got %d", len(result.Images))
	}

	if result.Images[0].SourceImageKey != "img-0" || result.Images[1].SourceImageKey != "img-2" {
		t.Errorf("expected rank order preserved, got %s then %s",
			result.Images[0].SourceImageKey, result.Images[1].SourceImageKey)
	}

	for _, img := range result.Images {
		if !img.Verified {
			t.Errorf("expected confirmed hit '%s' marked verified", img.SourceImageKey)
		}
	}
}

func TestVerifyBatchesLargeResultSets(t *testing.T) {

	// 7 hits at a batch size of 5 means two model calls
	vision := &fakeVision{matches: []map[int]struct{}{
		{0: {}, 1: {}, 2: {}, 3: {}, 4: {}},
		{0: {}, 1: {}},
	}}
	v := NewVerifier(vision)

	result := v.Verify(context.Background(), "sunset", scoredHits(7), verifyDefaults())

	if vision.calls != 2 {
		t.Errorf("expected 2 verification batches, got %d", vision.calls)
	}

	if len(vision.gotUrls[0]) != 5 || len(vision.gotUrls[1]) != 2 {
		t.Errorf("expected batches of 5 and 2, got %d and %d", len(vision.gotUrls[0]), len(vision.gotUrls[1]))
	}

	if len(result.Images) != 7 {
		t.Errorf("expected all 7 hits confirmed, got %d", len(result.Images))
	}
}

func TestVerifyHonorsConfiguredBatchSizeAndCap(t *testing.T) {

	// 7 hits capped at 6 candidates with a batch size of 3 means two model
	// calls of 3 each; the 7th hit never reaches the model
	vision := &fakeVision{matches: []map[int]struct{}{
		{0: {}, 1: {}, 2: {}},
		{0: {}, 1: {}, 2: {}},
	}}
	v := NewVerifier(vision)

	defaults := verifyDefaults()
	defaults.VerifyBatchSize = 3
	defaults.VerifyMaxImages = 6

	result := v.Verify(context.Background(), "sunset", scoredHits(7), defaults)

	if vision.calls != 2 {
		t.Errorf("expected 2 verification batches, got %d", vision.calls)
	}

	if len(vision.gotUrls[0]) != 3 || len(vision.gotUrls[1]) != 3 {
		t.Errorf("expected batches of 3 and 3, got %d and %d", len(vision.gotUrls[0]), len(vision.gotUrls[1]))
	}

	if len(result.Images) != 6 {
		t.Errorf("expected the capped 6 candidates confirmed, got %d", len(result.Images))
	}
}

func TestVerifyDegradesToMetadataRankingOnError(t *testing.T) {

	vision := &fakeVision{err: api.NewJobError(api.ErrUpstream503, "model overloaded")}
	v := NewVerifier(vision)

	hits := scoredHits(4)
	result := v.Verify(context.Background(), "sunset", hits, verifyDefaults())

	if !result.Unverified {
		t.Errorf("expected unverified flag on degraded result")
	}

	if len(result.Images) != 4 {
		t.Errorf("expected the full metadata ranking returned, got %d", len(result.Images))
	}

	for _, img := range result.Images {
		if img.Verified {
			t.Errorf("expected no hit marked verified on degraded result")
		}
	}
}

func TestVerifyEmptyHits(t *testing.T) {

	vision := &fakeVision{}
	v := NewVerifier(vision)

	result := v.Verify(context.Background(), "anything", nil, verifyDefaults())

	if vision.calls != 0 {
		t.Errorf("expected no model calls for empty hits")
	}

	if len(result.Images) != 0 || result.Unverified {
		t.Errorf("expected empty verified result, got %+v", result)
	}
}
