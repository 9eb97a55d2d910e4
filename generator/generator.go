// Package generator turns natural-language automation descriptions into
// platform-specific workflow definitions via a chat-completion model, with a
// deterministic fallback when the model output is unusable.
package generator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/sony/gobreaker/v2"

	"github.com/flowforge-ai/flowforge/config"
	"github.com/flowforge-ai/flowforge/metrics"
	"github.com/flowforge-ai/flowforge/workflow"
)

// Result is a completed generation.
type Result struct {
	Document         *workflow.Document
	Definition       []byte // marshaled platform JSON
	Fallback         bool   // true when the skeleton replaced the model output
	Model            string
	PromptTokens     int
	CompletionTokens int
}

// Generator produces workflow definitions.
type Generator interface {
	Generate(ctx context.Context, platform workflow.Platform, name, description string) (*Result, error)
}

// chatClient is the slice of the OpenAI client the service needs; tests stub it.
type chatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Service implements Generator against the OpenAI chat-completions API.
type Service struct {
	client  chatClient
	model   string
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker[openai.ChatCompletionResponse]
	logger  *slog.Logger
}

// New creates a generation service from configuration.
func New(cfg config.GenerationConfig, logger *slog.Logger) *Service {
	clientCfg := openai.DefaultConfig(cfg.OpenAIAPIKey)
	if cfg.OpenAIBaseURL != "" {
		clientCfg.BaseURL = cfg.OpenAIBaseURL
	}

	return newWithClient(openai.NewClientWithConfig(clientCfg), cfg, logger)
}

func newWithClient(client chatClient, cfg config.GenerationConfig, logger *slog.Logger) *Service {
	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	cooldown := cfg.BreakerCooldown.Duration
	if cooldown == 0 {
		cooldown = 30 * time.Second
	}

	breaker := gobreaker.NewCircuitBreaker[openai.ChatCompletionResponse](gobreaker.Settings{
		Name:    "openai",
		Timeout: cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("generation breaker state change", "from", from.String(), "to", to.String())
		},
	})

	return &Service{
		client:  client,
		model:   cfg.Model,
		timeout: cfg.RequestTimeout.Duration,
		breaker: breaker,
		logger:  logger.With("component", "generator"),
	}
}

// Generate builds the platform prompt, calls the model, and parses and
// validates the response. Any model-side failure (transport error, open
// breaker, unparsable JSON, invalid structure) degrades to the deterministic
// platform skeleton rather than failing the request.
func (s *Service) Generate(ctx context.Context, platform workflow.Platform, name, description string) (*Result, error) {
	system, user, err := buildMessages(platform, name, description)
	if err != nil {
		return nil, err
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := s.breaker.Execute(func() (openai.ChatCompletionResponse, error) {
		return s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:       s.model,
			Temperature: 0.2,
			ResponseFormat: &openai.ChatCompletionResponseFormat{
				Type: openai.ChatCompletionResponseFormatTypeJSONObject,
			},
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: system},
				{Role: openai.ChatMessageRoleUser, Content: user},
			},
		})
	})
	metrics.OpenAIRequestSeconds.Observe(time.Since(start).Seconds())

	if err != nil {
		// Context cancellation is the caller's signal, not a model failure.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.logger.Warn("model call failed, using fallback", "platform", platform, "error", err)
		return s.fallback(platform, name, description)
	}

	if len(resp.Choices) == 0 {
		s.logger.Warn("model returned no choices, using fallback", "platform", platform)
		return s.fallback(platform, name, description)
	}

	raw := stripCodeFences(resp.Choices[0].Message.Content)
	doc, err := workflow.Parse(platform, []byte(raw))
	if err == nil {
		err = doc.Validate()
	}
	if err != nil {
		s.logger.Warn("model output rejected, using fallback", "platform", platform, "error", err)
		res, ferr := s.fallback(platform, name, description)
		if ferr != nil {
			return nil, ferr
		}
		res.Model = resp.Model
		res.PromptTokens = resp.Usage.PromptTokens
		res.CompletionTokens = resp.Usage.CompletionTokens
		return res, nil
	}

	definition, err := doc.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal definition: %w", err)
	}

	return &Result{
		Document:         doc,
		Definition:       definition,
		Model:            resp.Model,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}, nil
}

func (s *Service) fallback(platform workflow.Platform, name, description string) (*Result, error) {
	doc := fallbackDocument(platform, name, description)
	definition, err := doc.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal fallback definition: %w", err)
	}
	return &Result{
		Document:   doc,
		Definition: definition,
		Fallback:   true,
	}, nil
}

// stripCodeFences removes a surrounding markdown code fence, which some
// models emit despite instructions.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
