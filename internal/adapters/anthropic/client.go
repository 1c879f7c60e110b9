// Package anthropic adapts the Anthropic Messages API to ports.TextGenerator.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"golang.org/x/time/rate"

	"siteaudit/internal/config"
	"siteaudit/internal/ports"
	"siteaudit/internal/retry"
)

// ErrNoAPIKey is returned by New when no API key is configured.
var ErrNoAPIKey = errors.New("anthropic: api key not set")

// Client paces requests process-wide and classifies 429 responses as
// rate-limit errors. SDK-level retries are disabled; callers retry.
type Client struct {
	api     anthropic.Client
	model   string
	limiter *rate.Limiter
}

// New builds a client. Extra request options are appended after the
// defaults, which lets tests point it at a fake server.
func New(cfg config.ModelConfig, opts ...option.RequestOption) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, ErrNoAPIKey
	}
	base := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.Timeout > 0 {
		base = append(base, option.WithRequestTimeout(cfg.Timeout))
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	return &Client{
		api:     anthropic.NewClient(append(base, opts...)...),
		model:   cfg.Model,
		limiter: rate.NewLimiter(limit, 1),
	}, nil
}

var _ ports.TextGenerator = (*Client)(nil)

// Generate sends one single-turn prompt and returns the concatenated text
// blocks with usage.
func (c *Client) Generate(ctx context.Context, req ports.GenerateRequest) (ports.Generation, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return ports.Generation{}, err
	}

	msg, err := c.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(c.model),
		MaxTokens:   req.MaxOutputTokens,
		Temperature: anthropic.Float(req.Temperature),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	})
	if err != nil {
		return ports.Generation{}, classify(err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return ports.Generation{
		Text:         text.String(),
		InputTokens:  msg.Usage.InputTokens,
		OutputTokens: msg.Usage.OutputTokens,
	}, nil
}

func classify(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
		return &retry.RateLimitError{Err: err}
	}
	return fmt.Errorf("anthropic: %w", err)
}
