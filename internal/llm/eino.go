package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ollama"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"loopsmith/internal/logging"
)

// DefaultOllamaURL is used when the ollama provider has no base URL.
const DefaultOllamaURL = "http://localhost:11434"

// EinoProvider wraps an Eino chat model pair (fast/strong) for the
// OpenAI and Ollama fallbacks.
type EinoProvider struct {
	name    string
	fast    model.BaseChatModel
	strong  model.BaseChatModel
	models  [2]string
	timeout time.Duration
}

// NewEinoProvider creates an OpenAI or Ollama provider.
func NewEinoProvider(ctx context.Context, s Settings) (*EinoProvider, error) {
	p := &EinoProvider{name: s.Name, timeout: s.Timeout}

	build := func(name string) (model.BaseChatModel, error) {
		switch s.Name {
		case "openai":
			if s.APIKey == "" {
				return nil, fmt.Errorf("OpenAI API key is required")
			}
			return openai.NewChatModel(ctx, &openai.ChatModelConfig{
				Model:   name,
				APIKey:  s.APIKey,
				BaseURL: s.BaseURL,
			})
		case "ollama":
			return ollama.NewChatModel(ctx, &ollama.ChatModelConfig{
				BaseURL: firstNonEmpty(s.BaseURL, DefaultOllamaURL),
				Model:   name,
			})
		default:
			return nil, fmt.Errorf("unsupported eino provider: %s", s.Name)
		}
	}

	defaults := map[string][2]string{
		"openai": {"gpt-4o-mini", "gpt-4o"},
		"ollama": {"llama3.1", "llama3.1"},
	}[s.Name]
	p.models = [2]string{firstNonEmpty(s.FastModel, defaults[0]), firstNonEmpty(s.StrongModel, defaults[1])}

	var err error
	if p.fast, err = build(p.models[0]); err != nil {
		return nil, err
	}
	if p.strong, err = build(p.models[1]); err != nil {
		return nil, err
	}
	return p, nil
}

// Name returns the provider name.
func (p *EinoProvider) Name() string { return p.name }

// Generate performs one chat completion. Search is not supported and is ignored.
func (p *EinoProvider) Generate(ctx context.Context, req Request) (*Response, error) {
	if _, ok := ctx.Deadline(); !ok && p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	cm, name := p.fast, p.models[0]
	if req.Tier == TierStrong {
		cm, name = p.strong, p.models[1]
	}

	system := req.System
	if req.JSON {
		system = strings.TrimSpace(system + "\nRespond with a single valid JSON document and nothing else.")
	}
	var msgs []*schema.Message
	if system != "" {
		msgs = append(msgs, schema.SystemMessage(system))
	}
	msgs = append(msgs, schema.UserMessage(req.Prompt))

	logging.LLMDebug("[%s] model=%s op=%s prompt_len=%d", p.name, name, req.Operation, len(req.Prompt))
	msg, err := cm.Generate(ctx, msgs, model.WithTemperature(req.Temperature))
	if err != nil {
		if looksLikeQuota(err.Error()) {
			return nil, fmt.Errorf("%w: %v", ErrQuota, err)
		}
		return nil, fmt.Errorf("%s request failed: %w", p.name, err)
	}
	if msg == nil || strings.TrimSpace(msg.Content) == "" {
		return nil, fmt.Errorf("empty completion from %s", name)
	}
	return &Response{Text: strings.TrimSpace(msg.Content), Model: name}, nil
}
