package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"

	"loopsmith/internal/logging"
)

// GeminiProvider talks to the Gemini API through the genai SDK. It is the
// only provider that supports grounded search.
type GeminiProvider struct {
	client  *genai.Client
	fast    string
	strong  string
	timeout time.Duration
}

// NewGeminiProvider creates a Gemini provider.
func NewGeminiProvider(ctx context.Context, s Settings) (*GeminiProvider, error) {
	if s.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  s.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GeminiProvider{
		client:  client,
		fast:    firstNonEmpty(s.FastModel, "gemini-2.5-flash"),
		strong:  firstNonEmpty(s.StrongModel, "gemini-2.5-pro"),
		timeout: s.Timeout,
	}, nil
}

// Name returns the provider name.
func (g *GeminiProvider) Name() string { return "gemini" }

// Generate performs one generateContent call.
func (g *GeminiProvider) Generate(ctx context.Context, req Request) (*Response, error) {
	if _, ok := ctx.Deadline(); !ok && g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	model := g.fast
	if req.Tier == TierStrong {
		model = g.strong
	}

	cfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(req.Temperature),
	}
	if strings.TrimSpace(req.System) != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	// Gemini rejects JSON mime type combined with the search tool.
	if req.Search {
		cfg.Tools = []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}}
	} else if req.JSON {
		cfg.ResponseMIMEType = "application/json"
	}

	start := time.Now()
	logging.LLMDebug("[Gemini] model=%s op=%s prompt_len=%d search=%v", model, req.Operation, len(req.Prompt), req.Search)

	resp, err := g.client.Models.GenerateContent(ctx, model, genai.Text(req.Prompt), cfg)
	if err != nil {
		return nil, classifyGeminiError(err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, fmt.Errorf("no completion returned")
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part != nil {
			text.WriteString(part.Text)
		}
	}

	out := &Response{Text: strings.TrimSpace(text.String()), Model: model}
	if gm := resp.Candidates[0].GroundingMetadata; gm != nil {
		for _, chunk := range gm.GroundingChunks {
			if chunk != nil && chunk.Web != nil && chunk.Web.URI != "" {
				out.Sources = append(out.Sources, chunk.Web.URI)
			}
		}
	}
	if out.Text == "" {
		return nil, fmt.Errorf("empty completion from %s", model)
	}

	logging.LLM("[Gemini] completed in %v response_len=%d grounding_sources=%d", time.Since(start), len(out.Text), len(out.Sources))
	return out, nil
}

func classifyGeminiError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code == http.StatusTooManyRequests || apiErr.Status == "RESOURCE_EXHAUSTED" {
			return fmt.Errorf("%w: %s", ErrQuota, apiErr.Message)
		}
		return fmt.Errorf("gemini API error %d: %s", apiErr.Code, apiErr.Message)
	}
	if looksLikeQuota(err.Error()) {
		return fmt.Errorf("%w: %v", ErrQuota, err)
	}
	return fmt.Errorf("gemini request failed: %w", err)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
