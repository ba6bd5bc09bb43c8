// Package llm provides the chat client used by agents: a thin facade over
// an OpenAI-compatible endpoint with local rate limiting, retry with
// exponential backoff, blocking and streaming calls, and tool-augmented
// chat.
package llm

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"golang.org/x/time/rate"

	"github.com/agentgrid-dev/agentgrid/llm/provider"
	"github.com/agentgrid-dev/agentgrid/pkg/observability"
)

// Sentinel errors surfaced by the client.
var (
	// ErrConfig indicates a missing required setting at construction.
	ErrConfig = errors.New("llm: missing configuration")

	// ErrTransportExhausted indicates the retry budget ran out on a
	// retryable failure.
	ErrTransportExhausted = errors.New("llm: transport retries exhausted")
)

// ClientConfig configures the chat client.
type ClientConfig struct {
	// BaseURL of the OpenAI-compatible endpoint. Required.
	BaseURL string

	// APIKey for the endpoint. Required.
	APIKey string

	// Model used when a request does not specify one. Required.
	Model string

	// MaxRetries bounds retry attempts on transport failures, 429 and 5xx
	// (default 3). The upstream is called at most MaxRetries+1 times.
	MaxRetries int

	// RetryBaseDelay is the backoff base (default 500ms); retry n (n = 1,
	// 2, ...) waits base * 2^(n-1) plus a random jitter below base.
	RetryBaseDelay time.Duration

	// RateLimit is the sustained request rate in requests per second
	// (default 10). Burst is the bucket size (default equals RateLimit).
	RateLimit float64
	Burst     int

	// Timeout applied per call unless overridden in Options (default 60s).
	Timeout time.Duration
}

// Options are per-call sampling and tool parameters.
type Options struct {
	Model       string
	Temperature float64
	MaxTokens   int
	TopP        float64
	Stop        []string
	Tools       []provider.Tool

	// ToolChoice is "auto", "none", or a tool name.
	ToolChoice string

	// Timeout overrides the client default for this call.
	Timeout time.Duration
}

// Client is the chat client. It is immutable after construction and safe
// for concurrent use.
type Client struct {
	provider provider.Provider
	config   ClientConfig
	limiter  *rate.Limiter
}

// NewClient creates a client from configuration, constructing the default
// OpenAI-compatible provider.
func NewClient(config ClientConfig) (*Client, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("%w: base URL", ErrConfig)
	}
	if config.APIKey == "" {
		return nil, fmt.Errorf("%w: API key", ErrConfig)
	}
	if config.Model == "" {
		return nil, fmt.Errorf("%w: model", ErrConfig)
	}
	return NewClientWithProvider(provider.NewOpenAIProvider(config.APIKey, config.BaseURL), config)
}

// NewClientWithProvider creates a client over an existing provider. Useful
// for tests and non-default transports.
func NewClientWithProvider(prov provider.Provider, config ClientConfig) (*Client, error) {
	if config.Model == "" {
		return nil, fmt.Errorf("%w: model", ErrConfig)
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}
	if config.RetryBaseDelay == 0 {
		config.RetryBaseDelay = 500 * time.Millisecond
	}
	if config.RateLimit == 0 {
		config.RateLimit = 10
	}
	if config.Burst == 0 {
		config.Burst = int(config.RateLimit)
		if config.Burst < 1 {
			config.Burst = 1
		}
	}
	if config.Timeout == 0 {
		config.Timeout = 60 * time.Second
	}

	return &Client{
		provider: prov,
		config:   config,
		limiter:  rate.NewLimiter(rate.Limit(config.RateLimit), config.Burst),
	}, nil
}

// Chat issues a single blocking chat call.
func (c *Client) Chat(ctx context.Context, messages []provider.Message, opts *Options) (*provider.CompletionResponse, error) {
	req, timeout := c.buildRequest(messages, opts)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("llm: rate limit wait: %w", err)
	}

	start := time.Now()
	resp, err := c.withRetry(ctx, req)
	observability.RecordLLMRequest(c.provider.Name(), statusLabel(err), time.Since(start))
	return resp, err
}

// ChatWithTools is Chat with tool_choice forced to "auto"; the response may
// carry tool calls for the caller to dispatch.
func (c *Client) ChatWithTools(ctx context.Context, messages []provider.Message, tools []provider.Tool, opts *Options) (*provider.CompletionResponse, error) {
	if opts == nil {
		opts = &Options{}
	}
	withTools := *opts
	withTools.Tools = tools
	withTools.ToolChoice = "auto"
	return c.Chat(ctx, messages, &withTools)
}

// ChatStream issues a streaming chat call and returns a channel of content
// deltas. The channel is closed when the upstream finish reason arrives or
// the context is cancelled; assembled tool calls, if any, appear on the
// final delta. The stream is finite and restartable only from the
// beginning.
func (c *Client) ChatStream(ctx context.Context, messages []provider.Message, opts *Options) (<-chan StreamDelta, error) {
	req, timeout := c.buildRequest(messages, opts)

	streamCtx, cancel := context.WithTimeout(ctx, timeout)

	if err := c.limiter.Wait(streamCtx); err != nil {
		cancel()
		return nil, fmt.Errorf("llm: rate limit wait: %w", err)
	}

	stream, err := c.provider.CreateStreaming(streamCtx, req)
	if err != nil {
		cancel()
		return nil, c.classify(err)
	}

	out := make(chan StreamDelta)
	go func() {
		defer cancel()
		defer close(out)
		defer func() {
			_ = stream.Close()
		}()

		for {
			chunk, recvErr := stream.Recv()
			if chunk != nil {
				delta := StreamDelta{
					Content:      chunk.Delta,
					FinishReason: chunk.FinishReason,
					ToolCalls:    chunk.ToolCalls,
				}
				select {
				case out <- delta:
				case <-streamCtx.Done():
					return
				}
			}
			if recvErr != nil {
				return
			}
			if chunk != nil && chunk.FinishReason != "" {
				return
			}
		}
	}()

	return out, nil
}

// StreamDelta is one element of a streamed response.
type StreamDelta struct {
	Content      string
	FinishReason string
	ToolCalls    []provider.ToolCall
}

func (c *Client) buildRequest(messages []provider.Message, opts *Options) (provider.CompletionRequest, time.Duration) {
	if opts == nil {
		opts = &Options{}
	}

	model := opts.Model
	if model == "" {
		model = c.config.Model
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = c.config.Timeout
	}

	return provider.CompletionRequest{
		Messages:    messages,
		Model:       model,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
		TopP:        opts.TopP,
		Stop:        opts.Stop,
		Tools:       opts.Tools,
		ToolChoice:  opts.ToolChoice,
	}, timeout
}

// withRetry runs the completion with exponential backoff on retryable
// failures. A successful response, whatever its finish reason, is never
// retried; a non-retryable upstream error aborts immediately.
func (c *Client) withRetry(ctx context.Context, req provider.CompletionRequest) (*provider.CompletionResponse, error) {
	var lastErr error

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.config.RetryBaseDelay * (1 << (attempt - 1))
			jitter := time.Duration(rand.Int63n(int64(c.config.RetryBaseDelay)))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay + jitter):
			}
		}

		resp, err := c.provider.CreateCompletion(ctx, req)
		if err == nil {
			return resp, nil
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		var pErr *provider.Error
		if errors.As(err, &pErr) && !pErr.Retryable {
			return nil, err
		}
		lastErr = err
	}

	return nil, fmt.Errorf("%w: %v", ErrTransportExhausted, lastErr)
}

func (c *Client) classify(err error) error {
	var pErr *provider.Error
	if errors.As(err, &pErr) && pErr.Retryable {
		return fmt.Errorf("%w: %v", ErrTransportExhausted, err)
	}
	return err
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
