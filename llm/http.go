package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/dcshock/contentpipe/internal/logging"
)

// Config configures an HTTPGateway.
type Config struct {
	// Endpoint is the API base URL; "/chat/completions" is appended.
	Endpoint string
	APIKey   string
	// Model is used when a Request does not name one.
	Model string
	// Timeout bounds each attempt. Zero means no per-attempt timeout.
	Timeout time.Duration
	Backoff BackoffPolicy
	// RequestsPerSecond enables client-side rate limiting when > 0.
	RequestsPerSecond float64
	Burst             int
}

// HTTPGateway calls an OpenAI-compatible chat completions endpoint.
type HTTPGateway struct {
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// HTTPOption customizes an HTTPGateway.
type HTTPOption func(*HTTPGateway)

// WithHTTPClient sets the client used for requests. Defaults to http.DefaultClient.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(g *HTTPGateway) {
		if c != nil {
			g.client = c
		}
	}
}

// WithLimiter replaces the limiter derived from Config.RequestsPerSecond.
func WithLimiter(l *rate.Limiter) HTTPOption {
	return func(g *HTTPGateway) { g.limiter = l }
}

// WithLogger sets the gateway's logger.
func WithLogger(l *slog.Logger) HTTPOption {
	return func(g *HTTPGateway) {
		if l != nil {
			g.logger = l
		}
	}
}

// NewHTTPGateway validates cfg and returns a gateway.
func NewHTTPGateway(cfg Config, opts ...HTTPOption) (*HTTPGateway, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("llm: endpoint required")
	}
	if cfg.Backoff == (BackoffPolicy{}) {
		cfg.Backoff = DefaultBackoff()
	}
	g := &HTTPGateway{
		cfg:    cfg,
		client: http.DefaultClient,
		logger: logging.New("llm"),
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    *float64        `json:"temperature,omitempty"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
}

// Call implements Gateway.
func (g *HTTPGateway) Call(ctx context.Context, req Request) Response {
	body, err := g.encode(req)
	if err != nil {
		return Failed(0, "%v", err)
	}
	var out chatResponse
	attempts, err := retry(ctx, g.cfg.Backoff, func(ctx context.Context, attempt int) error {
		if g.limiter != nil {
			if err := g.limiter.Wait(ctx); err != nil {
				return fmt.Errorf("rate limit wait: %w", err)
			}
		}
		err := g.post(ctx, body, &out)
		if err != nil && IsRetryable(err) {
			g.logger.Warn("llm call failed, retrying", "prompt", req.Prompt, "attempt", attempt, "error", err)
		}
		return err
	})
	if err != nil {
		g.logger.Error("llm call failed", "prompt", req.Prompt, "attempts", attempts, "error", err)
		return Failed(attempts, "llm call %q failed after %d attempt(s): %v", req.Prompt, attempts, err)
	}
	if out.Usage.Total == 0 {
		out.Usage.Total = out.Usage.Prompt + out.Usage.Completion
	}
	return Response{
		Text:     out.Choices[0].Message.Content,
		Usage:    out.Usage,
		Success:  true,
		Attempts: attempts,
	}
}

func (g *HTTPGateway) encode(req Request) ([]byte, error) {
	model := req.Model
	if model == "" {
		model = g.cfg.Model
	}
	cr := chatRequest{Model: model, Temperature: req.Temperature, MaxTokens: req.MaxTokens}
	if req.System != "" {
		cr.Messages = append(cr.Messages, chatMessage{Role: "system", Content: req.System})
	}
	cr.Messages = append(cr.Messages, chatMessage{Role: "user", Content: req.Input})
	if req.JSON {
		cr.ResponseFormat = &responseFormat{Type: "json_object"}
	}
	b, err := json.Marshal(cr)
	if err != nil {
		return nil, fmt.Errorf("llm: encode request: %w", err)
	}
	return b, nil
}

// post performs one attempt. Transport errors, timeouts, 429 and 5xx are
// retryable; everything else is not.
func (g *HTTPGateway) post(ctx context.Context, body []byte, out *chatResponse) error {
	actx := ctx
	if g.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, g.cfg.Timeout)
		defer cancel()
	}
	url := strings.TrimRight(g.cfg.Endpoint, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(actx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)
	}
	resp, err := g.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return RetryableErr(fmt.Errorf("post %q: %w", url, err))
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return RetryableErr(fmt.Errorf("read body: %w", err))
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return RetryableErr(fmt.Errorf("status %d: %s", resp.StatusCode, snippet(raw)))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("status %d: %s", resp.StatusCode, snippet(raw))
	}
	*out = chatResponse{}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if len(out.Choices) == 0 {
		return errors.New("response has no choices")
	}
	return nil
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
