package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicProvider generates text with Anthropic's Messages API. SDK retries
// are disabled; Client owns the retry policy.
type AnthropicProvider struct {
	client     *anthropic.Client
	model      string
	configured bool
}

// NewAnthropicProvider creates a new Anthropic provider.
func NewAnthropicProvider(model, apiKeyEnv, baseURL string, timeout time.Duration) *AnthropicProvider {
	key := os.Getenv(apiKeyEnv)
	opts := []option.RequestOption{
		option.WithAPIKey(key),
		option.WithMaxRetries(0),
	}
	if timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(timeout))
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	client := anthropic.NewClient(opts...)
	return &AnthropicProvider{
		client:     &client,
		model:      model,
		configured: key != "",
	}
}

func (a *AnthropicProvider) Name() string { return "anthropic" }

func (a *AnthropicProvider) IsConfigured() bool { return a.configured }

// Complete sends one message and concatenates the text blocks of the reply.
func (a *AnthropicProvider) Complete(ctx context.Context, r Request) (string, error) {
	if !a.configured {
		return "", ErrNotConfigured
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(a.model),
		MaxTokens:   int64(r.MaxTokens),
		Temperature: anthropic.Float(r.Temperature),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(r.User)),
		},
	}
	if r.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: r.System}}
	}

	message, err := a.client.Messages.New(ctx, params)
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			var h http.Header
			if apiErr.Response != nil {
				h = apiErr.Response.Header
			}
			return "", classifyStatus(a.Name(), apiErr.StatusCode, h, apiErr.Error())
		}
		return "", fmt.Errorf("anthropic API error: %w", err)
	}

	var b strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String(), nil
}
