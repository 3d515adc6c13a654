package resilience

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/stagehand-live/stagehand/internal/prompt"
)

// Fallback generation defaults.
const (
	defaultMaxTokens   = 512
	defaultTemperature = 0.3
	defaultHTTPTimeout = 20 * time.Second
)

// CardsGeneratorConfig configures a [CardsGenerator].
type CardsGeneratorConfig struct {
	// Model is the primary chat-completions model.
	Model string

	// FallbackModels are tried, in order, when the primary fails or its
	// breaker is open.
	FallbackModels []string

	// MaxTokens bounds the completion. Default 512.
	MaxTokens int

	// Temperature for generation. Default 0.3.
	Temperature float64

	// Timeout is the per-request HTTP timeout. Default 20s.
	Timeout time.Duration

	// Breaker tunes the per-model circuit breakers.
	Breaker CircuitBreakerConfig

	// BaseURL overrides the API base URL, for tests.
	BaseURL string

	Logger *slog.Logger
}

// CardsGenerator produces Cards results over plain chat completions when the
// realtime session cannot. Each candidate model sits behind its own circuit
// breaker so a degraded primary is bypassed quickly.
type CardsGenerator struct {
	client oai.Client
	models *FallbackGroup[string]
	cfg    CardsGeneratorConfig
	log    *slog.Logger
}

// NewCardsGenerator creates the fallback generator.
func NewCardsGenerator(apiKey string, cfg CardsGeneratorConfig) (*CardsGenerator, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("resilience: api key must not be empty")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("resilience: model must not be empty")
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = defaultTemperature
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultHTTPTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
		// The group already retries across models; per-request retries would
		// only delay the failover.
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}

	models := NewFallbackGroup(cfg.Model, cfg.Model, FallbackConfig{CircuitBreaker: cfg.Breaker})
	for _, m := range cfg.FallbackModels {
		models.AddFallback(m, m)
	}

	return &CardsGenerator{
		client: oai.NewClient(reqOpts...),
		models: models,
		cfg:    cfg,
		log:    cfg.Logger,
	}, nil
}

// Generate assembles the cards context into a chat prompt and returns the
// model's JSON payload. Candidate models are tried through their breakers
// until one responds.
func (g *CardsGenerator) Generate(ctx context.Context, cardsCtx prompt.CardsContext, currentText string) (json.RawMessage, error) {
	system := buildSystemPrompt(cardsCtx)

	payload, err := ExecuteWithResult(g.models, func(model string) (json.RawMessage, error) {
		return g.complete(ctx, model, system, currentText)
	})
	if err != nil {
		return nil, fmt.Errorf("resilience: cards fallback: %w", err)
	}
	return payload, nil
}

// complete runs one chat completion against model and normalizes the result
// to JSON.
func (g *CardsGenerator) complete(ctx context.Context, model, system, currentText string) (json.RawMessage, error) {
	resp, err := g.client.Chat.Completions.New(ctx, oai.ChatCompletionNewParams{
		Model: shared.ChatModel(model),
		Messages: []oai.ChatCompletionMessageParamUnion{
			oai.SystemMessage(system),
			oai.UserMessage(currentText),
		},
		Temperature:         param.NewOpt(g.cfg.Temperature),
		MaxCompletionTokens: param.NewOpt(int64(g.cfg.MaxTokens)),
	})
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("empty choices in response")
	}

	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return nil, fmt.Errorf("empty completion content")
	}

	if json.Valid([]byte(content)) {
		return json.RawMessage(content), nil
	}
	// Model ignored the JSON instruction; wrap so downstream consumers still
	// get a parseable payload.
	g.log.Warn("fallback returned non-JSON content, wrapping", "model", model)
	wrapped, err := json.Marshal(map[string]string{"text": content})
	if err != nil {
		return nil, fmt.Errorf("wrap content: %w", err)
	}
	return wrapped, nil
}

// buildSystemPrompt flattens the assembled cards context into one system
// message for the chat API.
func buildSystemPrompt(cardsCtx prompt.CardsContext) string {
	var b strings.Builder
	for _, bullet := range cardsCtx.Bullets {
		b.WriteString(bullet)
		b.WriteString("\n")
	}
	if cardsCtx.GlossaryContext != "" {
		b.WriteString("Glossary:\n")
		b.WriteString(cardsCtx.GlossaryContext)
		b.WriteString("\n")
	}
	b.WriteString("Respond with a single JSON object containing a \"cards\" array.")
	return b.String()
}
