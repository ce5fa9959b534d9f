package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sashabaranov/go-openai"

	"csv-chat-sandbox/internal/config"
)

const systemPrompt = "You are a careful data analyst. Answer with exactly one fenced JavaScript code block."

// OpenAI talks to any OpenAI-compatible chat completions endpoint.
type OpenAI struct {
	client      *openai.Client
	model       string
	temperature float32
	maxTokens   int
	timeout     time.Duration
}

type OpenAIOptions struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float32
	MaxTokens   int
	Timeout     time.Duration
}

func NewOpenAI(opts OpenAIOptions) (*OpenAI, error) {
	if opts.Model == "" {
		return nil, errors.New("model name is required")
	}
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	return &OpenAI{
		client:      openai.NewClientWithConfig(cfg),
		model:       opts.Model,
		temperature: opts.Temperature,
		maxTokens:   opts.MaxTokens,
		timeout:     opts.Timeout,
	}, nil
}

// FromConfig builds the configured client. The API key is read from the
// environment variable named in the config.
func FromConfig(cfg *config.Config) (Client, error) {
	switch cfg.Model.Provider {
	case "scripted":
		return Looping(cfg.Model.Replies...), nil
	case "openai", "":
		key := cfg.ModelAPIKey()
		if key == "" {
			log.Warn().Str("env", cfg.Model.APIKeyEnv).Msg("model API key not set, requests may be rejected")
		}
		return NewOpenAI(OpenAIOptions{
			APIKey:      key,
			BaseURL:     cfg.Model.BaseURL,
			Model:       cfg.Model.Model,
			Temperature: cfg.Model.Temperature,
			MaxTokens:   cfg.Model.MaxTokens,
			Timeout:     cfg.Model.Timeout,
		})
	default:
		return nil, fmt.Errorf("unknown model provider %q", cfg.Model.Provider)
	}
}

func (c *OpenAI) Generate(ctx context.Context, prompt string) (string, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	}

	start := time.Now()
	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			return "", fmt.Errorf("%w: status %d: %s", ErrModel, apiErr.HTTPStatusCode, apiErr.Message)
		}
		return "", fmt.Errorf("%w: %v", ErrModel, err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", ErrNoReply
	}

	log.Debug().
		Str("model", c.model).
		Int("prompt_tokens", resp.Usage.PromptTokens).
		Int("completion_tokens", resp.Usage.CompletionTokens).
		Dur("duration", time.Since(start)).
		Msg("model reply received")
	return resp.Choices[0].Message.Content, nil
}
