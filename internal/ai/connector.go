// Package ai talks to the language model that proposes drawing actions.
package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/cohere"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
	"golang.org/x/time/rate"

	"github.com/canvasmate/internal/logging"
	"github.com/canvasmate/internal/retry"
)

// Provider represents an AI provider type
type Provider string

const (
	ProviderOpenAI Provider = "openai"
	ProviderGemini Provider = "gemini"
	ProviderClaude Provider = "claude"
	ProviderCohere Provider = "cohere"
	ProviderOllama Provider = "ollama"
)

var ErrEmptyReply = errors.New("model returned no content")

// ModelConfig contains the configuration for a specific model
type ModelConfig struct {
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Model       string  `json:"model,omitempty"`
}

// ConnectorOptions contains options for creating a connector
type ConnectorOptions struct {
	Provider    Provider    `json:"provider"`
	APIKey      string      `json:"api_key"`
	BaseURL     string      `json:"base_url,omitempty"`
	ModelConfig ModelConfig `json:"model_config,omitempty"`

	// RequestsPerMinute caps calls to the provider; 0 disables the cap.
	RequestsPerMinute int `json:"requests_per_minute,omitempty"`
	Burst             int `json:"burst,omitempty"`
}

// Connector is a rate-limited connection to one model.
type Connector struct {
	provider Provider
	llm      llms.Model
	options  ConnectorOptions
	limiter  *rate.Limiter
	retry    retry.RetryConfig
}

// NewConnector creates a new connector for the specified provider
func NewConnector(ctx context.Context, options ConnectorOptions) (*Connector, error) {
	var model llms.Model
	var err error

	log.Debug().
		Str("provider", string(options.Provider)).
		Str("model", options.ModelConfig.Model).
		Float64("temperature", options.ModelConfig.Temperature).
		Msg("Creating new connector")

	switch options.Provider {
	case ProviderOpenAI:
		model, err = createOpenAIModel(options)
	case ProviderGemini:
		model, err = createGeminiModel(ctx, options)
	case ProviderClaude:
		model, err = createAnthropicModel(options)
	case ProviderCohere:
		model, err = createCohereModel(options)
	case ProviderOllama:
		model, err = createOllamaModel(options)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", options.Provider)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to create model for provider %s: %w", options.Provider, err)
	}

	return NewConnectorWithModel(model, options), nil
}

// NewConnectorWithModel wraps an already constructed model.
func NewConnectorWithModel(model llms.Model, options ConnectorOptions) *Connector {
	limit := rate.Inf
	if options.RequestsPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(options.RequestsPerMinute))
	}
	burst := options.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Connector{
		provider: options.Provider,
		llm:      model,
		options:  options,
		limiter:  rate.NewLimiter(limit, burst),
		retry:    retry.ProviderRetryConfig(),
	}
}

func createOpenAIModel(options ConnectorOptions) (llms.Model, error) {
	opts := []openai.Option{
		openai.WithModel(options.ModelConfig.Model),
		openai.WithToken(options.APIKey),
	}
	if options.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(options.BaseURL))
	}
	return openai.New(opts...)
}

func createGeminiModel(ctx context.Context, options ConnectorOptions) (llms.Model, error) {
	opts := []googleai.Option{
		googleai.WithAPIKey(options.APIKey),
	}
	if options.ModelConfig.Model != "" {
		opts = append(opts, googleai.WithDefaultModel(options.ModelConfig.Model))
	}
	model, err := googleai.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini model: %w", err)
	}
	return model, nil
}

func createAnthropicModel(options ConnectorOptions) (llms.Model, error) {
	opts := []anthropic.Option{
		anthropic.WithToken(options.APIKey),
		anthropic.WithModel(options.ModelConfig.Model),
	}
	if options.BaseURL != "" {
		opts = append(opts, anthropic.WithBaseURL(options.BaseURL))
	}
	return anthropic.New(opts...)
}

func createCohereModel(options ConnectorOptions) (llms.Model, error) {
	opts := []cohere.Option{
		cohere.WithToken(options.APIKey),
		cohere.WithModel(options.ModelConfig.Model),
	}
	if options.BaseURL != "" {
		opts = append(opts, cohere.WithBaseURL(options.BaseURL))
	}
	return cohere.New(opts...)
}

func createOllamaModel(options ConnectorOptions) (llms.Model, error) {
	if options.BaseURL == "" {
		options.BaseURL = "http://localhost:11434"
	}
	return ollama.New(
		ollama.WithServerURL(options.BaseURL),
		ollama.WithModel(options.ModelConfig.Model),
	)
}

func (c *Connector) callOptions() []llms.CallOption {
	opts := []llms.CallOption{
		llms.WithTemperature(c.options.ModelConfig.Temperature),
	}
	if c.options.ModelConfig.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(c.options.ModelConfig.MaxTokens))
	}
	if c.options.ModelConfig.Model != "" {
		opts = append(opts, llms.WithModel(c.options.ModelConfig.Model))
	}
	return opts
}

// generate sends one conversation and returns the text of the first choice.
// Transient provider errors are retried with backoff.
func (c *Connector) generate(ctx context.Context, messages []llms.MessageContent) (string, error) {
	tl := logging.TurnFrom(ctx)
	var reply string

	result := retry.RetryWithBackoff(ctx, c.retry, func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}
		resp, err := c.llm.GenerateContent(ctx, messages, c.callOptions()...)
		if err != nil {
			return err
		}
		if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Content) == "" {
			return ErrEmptyReply
		}
		reply = resp.Choices[0].Content
		return nil
	}, tl)

	if !result.Success {
		tl.LogError("model call", result.LastError)
		return "", fmt.Errorf("%s request failed after %d attempt(s): %w", c.provider, result.Attempts, result.LastError)
	}
	tl.LogResponse(reply)
	return reply, nil
}

// GenerateVision asks the model for drawing actions given a snapshot of the
// canvas and the user's request.
func (c *Connector) GenerateVision(ctx context.Context, prompt string, imagePNG []byte, sceneContext string) (string, error) {
	var parts []llms.ContentPart
	if len(imagePNG) > 0 {
		parts = append(parts, llms.BinaryPart("image/png", imagePNG))
	}
	parts = append(parts, llms.TextPart(sceneContext+"\n\nUser request: "+prompt))

	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, VisionSystemPrompt),
		{Role: llms.ChatMessageTypeHuman, Parts: parts},
	}
	log.Debug().
		Str("provider", string(c.provider)).
		Int("image_bytes", len(imagePNG)).
		Int("prompt_length", len(prompt)).
		Msg("Requesting drawing actions")
	return c.generate(ctx, messages)
}

// GenerateChat sends a single user message under systemPrompt.
func (c *Connector) GenerateChat(ctx context.Context, systemPrompt, message string) (string, error) {
	return c.generate(ctx, []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, systemPrompt),
		llms.TextParts(llms.ChatMessageTypeHuman, message),
	})
}

// GetProvider returns the provider of this connector
func (c *Connector) GetProvider() Provider {
	return c.provider
}

// GetModel returns the model name from the config
func (c *Connector) GetModel() string {
	return c.options.ModelConfig.Model
}
