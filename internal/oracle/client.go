// Package oracle talks to the planning model. It wraps the OpenAI
// responses API for oneshot calls with bounded retry and tracks token
// usage per client.
package oracle

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"
	"github.com/rs/zerolog"

	"github.com/metalagman/sonda/internal/errdefs"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultAPIKeyEnv = "OPENAI_API_KEY"
	defaultTimeout   = 120 * time.Second
	defaultMaxTries  = 3
	defaultRetryStep = 2 * time.Second
)

// Config is oracle client configuration.
type Config struct {
	Model     string
	BaseURL   string
	APIKey    string
	APIKeyEnv string
	Timeout   time.Duration
	MaxTries  int
	RetryStep time.Duration
	// MaxTokens caps output tokens for requests that do not set their
	// own limit.
	MaxTokens int64
}

// Request is a single oracle call.
type Request struct {
	Instructions string
	Input        string
	MaxTokens    int64
}

// Response is the oracle's reply to one call.
type Response struct {
	Content string
	Tokens  int64
}

// Usage accumulates across the calls of one client.
type Usage struct {
	TotalCalls      int   `json:"totalCalls"`
	TotalTokensUsed int64 `json:"totalTokensUsed"`
}

// Client wraps the responses API for oneshot calls. One client serves one
// run; usage counters are not safe for concurrent use.
type Client struct {
	cfg    Config
	client openai.Client
	log    zerolog.Logger
	usage  Usage
}

// New constructs an oracle client. The httpClient override is for tests.
func New(cfg Config, httpClient *http.Client, log zerolog.Logger) (*Client, error) {
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		return nil, fmt.Errorf("oracle model is required")
	}

	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		envKey := strings.TrimSpace(cfg.APIKeyEnv)
		if envKey == "" {
			envKey = defaultAPIKeyEnv
		}
		apiKey = strings.TrimSpace(os.Getenv(envKey))
	}
	if apiKey == "" {
		return nil, fmt.Errorf("oracle api key is required (set api_key or api_key_env)")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxTries <= 0 {
		cfg.MaxTries = defaultMaxTries
	}
	if cfg.RetryStep <= 0 {
		cfg.RetryStep = defaultRetryStep
	}
	cfg.Model = model
	cfg.BaseURL = baseURL

	// Retry policy is owned here, not by the SDK.
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithBaseURL(baseURL),
		option.WithRequestTimeout(cfg.Timeout),
		option.WithMaxRetries(0),
	}
	if httpClient != nil {
		opts = append(opts, option.WithHTTPClient(httpClient))
	}

	return &Client{
		cfg:    cfg,
		client: openai.NewClient(opts...),
		log:    log,
	}, nil
}

// Call executes one responses API request, retrying transport failures
// with linear backoff up to the configured attempt bound.
func (c *Client) Call(ctx context.Context, req Request) (Response, error) {
	callID := uuid.NewString()
	log := c.log.With().Str("call_id", callID).Logger()

	attempt := 0
	operation := func() (Response, error) {
		attempt++
		if attempt > 1 {
			log.Warn().Int("attempt", attempt).Msg("retrying oracle call")
		}
		return c.callOnce(ctx, req)
	}

	resp, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(&linearBackOff{step: c.cfg.RetryStep}),
		backoff.WithMaxTries(uint(c.cfg.MaxTries)),
	)
	if err != nil {
		return Response{}, errdefs.LLM("oracle call failed", err)
	}

	c.usage.TotalCalls++
	c.usage.TotalTokensUsed += resp.Tokens
	log.Debug().
		Int64("tokens", resp.Tokens).
		Int("totalCalls", c.usage.TotalCalls).
		Msg("oracle call complete")
	return resp, nil
}

// Usage reports the accumulated call and token counters.
func (c *Client) Usage() Usage {
	return c.usage
}

func (c *Client) callOnce(ctx context.Context, req Request) (Response, error) {
	params := responses.ResponseNewParams{
		Model:        c.cfg.Model,
		Instructions: openai.String(req.Instructions),
		Input: responses.ResponseNewParamsInputUnion{
			OfString: openai.String(req.Input),
		},
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.cfg.MaxTokens
	}
	if maxTokens > 0 {
		params.MaxOutputTokens = openai.Int(maxTokens)
	}

	resp, err := c.client.Responses.New(ctx, params)
	if err != nil {
		return Response{}, fmt.Errorf("responses.create: %w", err)
	}
	if msg := strings.TrimSpace(resp.Error.Message); msg != "" {
		return Response{}, fmt.Errorf("response failed: %s", msg)
	}

	content := strings.TrimSpace(resp.OutputText())
	if content == "" {
		return Response{}, fmt.Errorf("response did not contain output text")
	}

	return Response{
		Content: content,
		Tokens:  resp.Usage.TotalTokens,
	}, nil
}

// linearBackOff waits step, 2*step, 3*step between attempts.
type linearBackOff struct {
	step    time.Duration
	attempt int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.attempt++
	return time.Duration(b.attempt) * b.step
}

func (b *linearBackOff) Reset() { b.attempt = 0 }
