package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"gptrelay/internal/domain"
	"gptrelay/internal/metrics"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const defaultModel = "gpt-3.5-turbo"

var _ domain.Completer = (*OpenAI)(nil)

// OpenAI implements domain.Completer on the OpenAI chat-completions API.
// It is stateless: every prompt becomes a fresh single-turn request.
type OpenAI struct {
	client      openai.Client
	model       string
	temperature float64
	choices     int
	timeout     time.Duration
	logger      *slog.Logger
}

type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	Choices     int
	Timeout     time.Duration // per request; 0 = bounded only by ctx
	HTTPClient  *http.Client
	Logger      *slog.Logger
}

func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.Choices < 1 {
		cfg.Choices = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	// Failures surface to the caller on the first attempt.
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}

	return &OpenAI{
		client:      openai.NewClient(opts...),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		choices:     cfg.Choices,
		timeout:     cfg.Timeout,
		logger:      cfg.Logger,
	}
}

func (o *OpenAI) Name() string { return "openai" }
func (o *OpenAI) Model() string { return o.model }

// NewRequest builds the request sent for prompt.
func (o *OpenAI) NewRequest(prompt string) domain.CompletionRequest {
	return domain.CompletionRequest{
		Prompt:      prompt,
		Model:       o.model,
		Temperature: o.temperature,
		N:           o.choices,
	}
}

// Complete sends prompt as a single user message and returns the trimmed
// text of the first choice.
func (o *OpenAI) Complete(ctx context.Context, prompt string) domain.CompletionResult {
	req := o.NewRequest(prompt)

	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	params := openai.ChatCompletionNewParams{
		Model: req.Model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(req.Prompt),
		},
		Temperature: openai.Float(req.Temperature),
		N:           openai.Int(int64(req.N)),
	}

	metrics.CompletionsTotal.Inc()
	start := time.Now()
	resp, err := o.client.Chat.Completions.New(ctx, params)
	metrics.CompletionLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		cerr := classify(err)
		metrics.CompletionFailures.Inc()
		o.logger.WarnContext(ctx, "completion failed",
			"model", req.Model,
			"kind", cerr.Kind,
			"err", err,
		)
		return domain.CompletionResult{Err: cerr}
	}

	if len(resp.Choices) == 0 {
		metrics.CompletionFailures.Inc()
		return domain.CompletionResult{Err: domain.NewCompletionError(domain.ServiceError, "no choices in response")}
	}

	o.logger.DebugContext(ctx, "completion finished",
		"model", req.Model,
		"duration_ms", time.Since(start).Milliseconds(),
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
		"finish_reason", resp.Choices[0].FinishReason,
	)

	return domain.CompletionResult{Text: strings.TrimSpace(resp.Choices[0].Message.Content)}
}

// classify maps an SDK or transport error onto the two completion error kinds.
func classify(err error) *domain.CompletionError {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		msg := apiErr.Message
		if msg == "" {
			msg = fmt.Sprintf("HTTP %d", apiErr.StatusCode)
		}
		if apiErr.Type == "invalid_request_error" || apiErr.StatusCode == http.StatusBadRequest {
			return domain.NewCompletionError(domain.InvalidRequest, msg)
		}
		return domain.NewCompletionError(domain.ServiceError, msg)
	}
	return domain.NewCompletionError(domain.ServiceError, err.Error())
}

// Healthy checks that the API is reachable and the key is accepted.
func (o *OpenAI) Healthy(ctx context.Context) error {
	if _, err := o.client.Models.List(ctx); err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized {
			return fmt.Errorf("openai: invalid API key")
		}
		return fmt.Errorf("openai not reachable: %w", err)
	}
	return nil
}
