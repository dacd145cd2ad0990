package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tdeslauriers/muse/internal/util"
	"github.com/tdeslauriers/muse/pkg/api"
	"github.com/tdeslauriers/muse/pkg/llm"
	"github.com/tdeslauriers/muse/pkg/normalize"
)

// DefaultPrompt is the analysis prompt used when no custom prompt is
// configured.  It demands strict json so downstream parsing stays mechanical.
const DefaultPrompt = `Analyze this photograph and respond with only a JSON object of the form:
{"description": "...", "keywords": ["...", "..."]}
The description is 1-3 sentences covering the people, setting, activity, and mood.
Keywords are 5-10 short searchable terms: subjects, activities, locations, objects, and mood.
Do not include any text outside the JSON object.`

// Request is one image analysis request.  PreContext is prepended to the
// prompt so operators can steer the model with household or event knowledge.
type Request struct {
	Image      []byte
	MimeType   string
	Prompt     string // empty means DefaultPrompt
	PreContext string
	ModelId    string
}

// Outcome is the parsed result of one image analysis.
type Outcome struct {
	Description string   `json:"description"`
	Keywords    []string `json:"keywords"`

	// Raw is the unparsed model reply, kept for side-by-side review.
	Raw     string    `json:"raw,omitempty"`
	ModelId string    `json:"model_id"`
	Usage   llm.Usage `json:"usage"`

	// ParseFallback is true when the reply was not valid json and the raw
	// text was kept as the description.
	ParseFallback bool `json:"parse_fallback,omitempty"`

	// Exif is the metadata read from the original bytes during normalization.
	Exif *api.ExifMeta `json:"exif,omitempty"`
}

// Service analyzes images with the vision model: normalization, prompt
// composition, and response parsing.
type Service interface {

	// Analyze normalizes the image, submits it with the composed prompt, and
	// parses the structured reply.
	Analyze(ctx context.Context, req Request) (*Outcome, error)
}

// NewService creates an analysis service, returning a pointer to the concrete
// implementation.
func NewService(vision llm.Client, n normalize.Normalizer) Service {
	return &service{
		vision:     vision,
		normalizer: n,

		logger: slog.Default().
			With(slog.String(util.ServiceKey, util.ServiceCurator)).
			With(slog.String(util.PackageKey, util.PackageAnalysis)).
			With(slog.String(util.ComponentKey, util.ComponentAnalysisClient)),
	}
}

var _ Service = (*service)(nil)

// service is the concrete implementation of the Service interface.
type service struct {
	vision     llm.Client
	normalizer normalize.Normalizer

	logger *slog.Logger
}

// Analyze is the concrete implementation of the interface method which
// normalizes, submits, and parses one image analysis.
func (s *service) Analyze(ctx context.Context, req Request) (*Outcome, error) {

	if len(req.Image) == 0 {
		return nil, api.NewJobError(api.ErrInputInvalid, "image bytes are required")
	}

	normalized, err := s.normalizer.Normalize(req.Image, req.MimeType)
	if err != nil {
		return nil, api.NewJobError(api.ErrInputInvalid, fmt.Sprintf("failed to normalize image: %v", err))
	}

	prompt := composePrompt(req.PreContext, req.Prompt)

	completion, err := s.vision.AnalyzeImage(ctx, normalized.Bytes, normalized.MimeType, prompt, req.ModelId)
	if err != nil {
		return nil, err
	}

	outcome := parseCompletion(completion)
	outcome.Exif = normalized.Exif
	if outcome.ParseFallback {
		s.logger.Warn(fmt.Sprintf("analysis reply was not valid json, keeping raw text as description (model '%s')", completion.ModelId))
	}

	return outcome, nil
}

// composePrompt joins the operator pre-context and the analysis prompt.
// Exists to abstract away this logic from the analyze path.
func composePrompt(preContext, prompt string) string {

	if strings.TrimSpace(prompt) == "" {
		prompt = DefaultPrompt
	}

	if strings.TrimSpace(preContext) == "" {
		return prompt
	}

	return preContext + "\n\n" + prompt
}

// parseCompletion extracts the structured description and keywords from the
// model reply.  A reply that is not valid json degrades to raw text rather
// than failing the job.
func parseCompletion(completion *llm.Completion) *Outcome {

	outcome := &Outcome{
		Raw:     completion.Content,
		ModelId: completion.ModelId,
		Usage:   completion.Usage,
	}

	var parsed struct {
		Description string   `json:"description"`
		Keywords    []string `json:"keywords"`
	}

	// models wrap json in fences or prose often enough that scanning for the
	// object is cheaper than a strict decode
	content := completion.Content
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")

	if start >= 0 && end > start {
		if err := json.Unmarshal([]byte(content[start:end+1]), &parsed); err == nil && strings.TrimSpace(parsed.Description) != "" {
			outcome.Description = strings.TrimSpace(parsed.Description)
			outcome.Keywords = api.DedupeKeywords(parsed.Keywords)
			return outcome
		}
	}

	// fallback -> the raw text still has search value as a description
	outcome.Description = strings.TrimSpace(content)
	outcome.ParseFallback = true

	return outcome
}
