// Package provider is a client for OpenAI-compatible chat completion APIs.
// Every call runs under a Retrier and forwards the caller's correlation id.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/NikhilSetiya/storyforge/pkg/correlation"
	"github.com/NikhilSetiya/storyforge/pkg/errors"
	"github.com/NikhilSetiya/storyforge/pkg/logging"
	"github.com/NikhilSetiya/storyforge/pkg/resilience"
)

// maxErrorBody bounds how much of an error response is read
const maxErrorBody = 4 << 10

// Message is one chat message
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage reports token accounting
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Completion is a generated reply
type Completion struct {
	ID           string `json:"id"`
	Model        string `json:"model"`
	Content      string `json:"content"`
	FinishReason string `json:"finish_reason"`
	Usage        Usage  `json:"usage"`
	Attempts     int    `json:"attempts"`
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error"`
}

// Completer generates chat completions
type Completer interface {
	Complete(ctx context.Context, messages []Message) (*Completion, error)
}

// Recorder receives the duration of every single HTTP attempt
type Recorder interface {
	RecordProviderRequest(provider string, statusCode int, duration time.Duration)
}

// Config holds client settings
type Config struct {
	Name        string
	BaseURL     string
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
}

// Client calls a chat completions endpoint
type Client struct {
	config     Config
	httpClient *http.Client
	retrier    *resilience.Retrier
	recorder   Recorder
	logger     *logging.Logger
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRecorder reports per-attempt durations
func WithRecorder(r Recorder) Option {
	return func(c *Client) { c.recorder = r }
}

// WithLogger overrides the global logger
func WithLogger(l *logging.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a client. A nil retrier makes a single attempt per call.
func New(config Config, retrier *resilience.Retrier, opts ...Option) *Client {
	if config.Name == "" {
		config.Name = "openai"
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if retrier == nil {
		retrier = resilience.NewRetrier(resilience.Policy{MaxAttempts: 1}, nil, resilience.WithName(config.Name))
	}

	c := &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		retrier:    retrier,
		logger:     logging.GetLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the provider name
func (c *Client) Name() string {
	return c.config.Name
}

// Retrier returns the retrier guarding provider calls
func (c *Client) Retrier() *resilience.Retrier {
	return c.retrier
}

// Complete sends messages and returns the first choice, retrying transient
// failures according to the client's policy
func (c *Client) Complete(ctx context.Context, messages []Message) (*Completion, error) {
	if len(messages) == 0 {
		return nil, errors.NewValidationError("at least one message is required")
	}

	body, err := json.Marshal(chatRequest{
		Model:       c.config.Model,
		Messages:    messages,
		MaxTokens:   c.config.MaxTokens,
		Temperature: c.config.Temperature,
	})
	if err != nil {
		return nil, errors.NewInternalError("failed to encode completion request").WithCause(err)
	}

	attempts := 0
	completion, err := resilience.Do(ctx, c.retrier, func(ctx context.Context) (*Completion, error) {
		attempts++
		return c.completeOnce(ctx, body)
	})
	if err != nil {
		return nil, err
	}
	completion.Attempts = attempts
	return completion, nil
}

// transportError types a failure that produced no response. Timeouts and
// connection failures stay retryable under the transient categories.
func (c *Client) transportError(err error, id string, hasID bool) error {
	if stderrors.Is(err, context.Canceled) {
		return fmt.Errorf("%s request failed: %w", c.config.Name, err)
	}

	var appErr *errors.AppError
	var netErr net.Error
	switch {
	case stderrors.Is(err, context.DeadlineExceeded), stderrors.As(err, &netErr) && netErr.Timeout():
		appErr = errors.NewTimeoutError(c.config.Name + " request")
	case resilience.IsTransientNetworkError(err):
		appErr = errors.NewExternalError(c.config.Name, c.config.Name+" request failed")
	default:
		appErr = errors.NewInternalError(c.config.Name + " request failed")
	}
	appErr.WithCause(err)
	if hasID {
		appErr.WithCorrelationID(id)
	}
	return appErr
}

func (c *Client) completeOnce(ctx context.Context, body []byte) (*Completion, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, errors.NewInternalError("failed to build completion request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}
	id, hasID := correlation.Current(ctx)
	if hasID {
		req.Header.Set(correlation.Header, id)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.record(0, start)
		return nil, c.transportError(err, id, hasID)
	}
	defer resp.Body.Close()
	c.record(resp.StatusCode, start)

	if resp.StatusCode != http.StatusOK {
		appErr := errors.NewProviderError(c.config.Name, resp.StatusCode, readErrorMessage(resp.Body))
		if hasID {
			appErr.WithCorrelationID(id)
		}
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			appErr.WithDetail("retry_after", ra)
		}
		return nil, appErr
	}

	var decoded chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, errors.NewExternalError(c.config.Name, "malformed completion response").WithCause(err)
	}
	if len(decoded.Choices) == 0 {
		return nil, errors.NewExternalError(c.config.Name, "completion response has no choices")
	}

	choice := decoded.Choices[0]
	return &Completion{
		ID:           decoded.ID,
		Model:        decoded.Model,
		Content:      choice.Message.Content,
		FinishReason: choice.FinishReason,
		Usage:        decoded.Usage,
	}, nil
}

func (c *Client) record(status int, start time.Time) {
	if c.recorder != nil {
		c.recorder.RecordProviderRequest(c.config.Name, status, time.Since(start))
	}
}

func readErrorMessage(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, maxErrorBody))
	if err != nil || len(raw) == 0 {
		return ""
	}
	var decoded errorResponse
	if err := json.Unmarshal(raw, &decoded); err == nil && decoded.Error.Message != "" {
		return decoded.Error.Message
	}
	return strings.TrimSpace(string(raw))
}
