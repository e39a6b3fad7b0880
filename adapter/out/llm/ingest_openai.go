// Package llm implements the LLM engine on OpenAI chat completions.
package llm

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
	"github.com/sony/gobreaker"

	"ingest_server/core/port/out"
	"ingest_server/pkg/apperr"
	"ingest_server/pkg/resilience"
)

const DefaultModel = "gpt-4o-mini"

// OpenAIEngine implements out.LLMEngine using the OpenAI chat API
// behind a circuit breaker.
type OpenAIEngine struct {
	client      *openai.Client
	model       string
	maxTokens   int
	temperature float32
	breaker     *gobreaker.CircuitBreaker
}

// EngineConfig holds OpenAI engine configuration.
type EngineConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float64
}

// NewOpenAIEngine creates a new OpenAIEngine.
func NewOpenAIEngine(cfg EngineConfig) *OpenAIEngine {
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = 2048
	}
	temperature := cfg.Temperature
	if temperature == 0 {
		temperature = 0.3
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &OpenAIEngine{
		client:      openai.NewClientWithConfig(clientCfg),
		model:       model,
		maxTokens:   maxTokens,
		temperature: float32(temperature),
		breaker:     resilience.NewBreaker("openai"),
	}
}

// Chat sends systemPrompt + content and returns the completion text.
func (e *OpenAIEngine) Chat(ctx context.Context, systemPrompt, content, language string) (string, error) {
	if language != "" {
		systemPrompt = systemPrompt + "\n\nRespond in " + language + "."
	}

	result, err := e.breaker.Execute(func() (interface{}, error) {
		resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:       e.model,
			MaxTokens:   e.maxTokens,
			Temperature: e.temperature,
			Messages: []openai.ChatCompletionMessage{
				{
					Role:    openai.ChatMessageRoleSystem,
					Content: systemPrompt,
				},
				{
					Role:    openai.ChatMessageRoleUser,
					Content: content,
				},
			},
		})
		if err != nil {
			return nil, err
		}
		if len(resp.Choices) == 0 {
			return "", nil
		}
		return resp.Choices[0].Message.Content, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return "", apperr.ExternalAPI("openai", 0, err)
		}
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			return "", apperr.ExternalAPI("openai", apiErr.HTTPStatusCode, err)
		}
		return "", apperr.ExternalAPI("openai", 0, err)
	}

	text, ok := result.(string)
	if !ok {
		return "", fmt.Errorf("unexpected completion result type")
	}
	return text, nil
}

// Ensure OpenAIEngine implements out.LLMEngine
var _ out.LLMEngine = (*OpenAIEngine)(nil)
