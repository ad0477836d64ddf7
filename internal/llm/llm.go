// Package llm talks to text generation providers under a shared token and
// request budget.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const defaultOllamaURL = "http://localhost:11434"

// Request is one completion call.
type Request struct {
	System      string
	User        string
	Temperature float64
	MaxTokens   int
}

// Provider is the interface for LLM providers.
type Provider interface {
	Complete(ctx context.Context, req Request) (string, error)
	IsConfigured() bool
	Name() string
}

// OllamaProvider is a local Ollama LLM provider.
type OllamaProvider struct {
	Model   string
	BaseURL string
	client  *http.Client
}

// NewOllamaProvider creates a new Ollama provider.
func NewOllamaProvider(model, baseURL string, timeout time.Duration) *OllamaProvider {
	return &OllamaProvider{
		Model:   model,
		BaseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (o *OllamaProvider) Name() string { return "ollama" }

// IsConfigured checks if Ollama is running and the model is available.
func (o *OllamaProvider) IsConfigured() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.BaseURL+"/api/tags", nil)
	if err != nil {
		return false
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false
	}

	var result struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return false
	}

	modelBase := strings.SplitN(o.Model, ":", 2)[0]
	for _, m := range result.Models {
		if strings.Contains(m.Name, modelBase) {
			return true
		}
	}
	return false
}

// Complete sends a chat request to Ollama and returns the reply text.
func (o *OllamaProvider) Complete(ctx context.Context, r Request) (string, error) {
	body := map[string]any{
		"model":    o.Model,
		"messages": chatMessages(r),
		"stream":   false,
		"options": map[string]any{
			"num_predict": r.MaxTokens,
			"temperature": r.Temperature,
		},
	}

	respBody, err := postJSON(ctx, o.client, o.Name(), o.BaseURL+"/api/chat", nil, body)
	if err != nil {
		return "", err
	}

	var result struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}
	return result.Message.Content, nil
}

// OpenAIProvider is an OpenAI-compatible chat completions provider.
type OpenAIProvider struct {
	Model   string
	APIKey  string
	BaseURL string
	client  *http.Client
}

// NewOpenAIProvider creates a new OpenAI provider. An empty baseURL uses the
// public endpoint.
func NewOpenAIProvider(model, apiKeyEnv, baseURL string, timeout time.Duration) *OpenAIProvider {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &OpenAIProvider{
		Model:   model,
		APIKey:  os.Getenv(apiKeyEnv),
		BaseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (o *OpenAIProvider) Name() string { return "openai" }

// IsConfigured checks if the API key is set.
func (o *OpenAIProvider) IsConfigured() bool {
	return o.APIKey != ""
}

// Complete sends a chat completion request and returns the first choice.
func (o *OpenAIProvider) Complete(ctx context.Context, r Request) (string, error) {
	if o.APIKey == "" {
		return "", ErrNotConfigured
	}

	body := map[string]any{
		"model":       o.Model,
		"messages":    chatMessages(r),
		"max_tokens":  r.MaxTokens,
		"temperature": r.Temperature,
	}
	headers := map[string]string{"Authorization": "Bearer " + o.APIKey}

	respBody, err := postJSON(ctx, o.client, o.Name(), o.BaseURL+"/chat/completions", headers, body)
	if err != nil {
		return "", err
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("no choices in OpenAI response")
	}
	return result.Choices[0].Message.Content, nil
}

func chatMessages(r Request) []map[string]string {
	var msgs []map[string]string
	if r.System != "" {
		msgs = append(msgs, map[string]string{"role": "system", "content": r.System})
	}
	return append(msgs, map[string]string{"role": "user", "content": r.User})
}

func postJSON(ctx context.Context, client *http.Client, provider, url string, headers map[string]string, body any) ([]byte, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s API error: %w", provider, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, classifyStatus(provider, resp.StatusCode, resp.Header, string(respBody))
	}
	return respBody, nil
}

// ProviderOptions selects and configures a provider.
type ProviderOptions struct {
	Provider  string
	Model     string
	BaseURL   string
	APIKeyEnv string
	Timeout   time.Duration

	// Fallback is tried when an ollama provider is unreachable.
	FallbackModel string
}

// NewProvider creates an LLM provider based on configuration. It returns
// ErrNotConfigured when no usable provider is available.
func NewProvider(opts ProviderOptions, log zerolog.Logger) (Provider, error) {
	if opts.Timeout == 0 {
		opts.Timeout = 120 * time.Second
	}

	switch strings.ToLower(opts.Provider) {
	case "ollama":
		if opts.BaseURL == "" {
			opts.BaseURL = defaultOllamaURL
		}
		p := NewOllamaProvider(opts.Model, opts.BaseURL, opts.Timeout)
		if p.IsConfigured() {
			log.Info().Str("model", opts.Model).Msg("using Ollama")
			return p, nil
		}
		if opts.FallbackModel == "" {
			return nil, fmt.Errorf("ollama at %s: %w", opts.BaseURL, ErrNotConfigured)
		}
		log.Warn().Msg("Ollama not available, trying OpenAI fallback")
		p2 := NewOpenAIProvider(opts.FallbackModel, opts.APIKeyEnv, "", opts.Timeout)
		if !p2.IsConfigured() {
			return nil, fmt.Errorf("openai fallback: %w", ErrNotConfigured)
		}
		log.Info().Str("model", opts.FallbackModel).Msg("using OpenAI")
		return p2, nil
	case "openai", "":
		p := NewOpenAIProvider(opts.Model, opts.APIKeyEnv, opts.BaseURL, opts.Timeout)
		if !p.IsConfigured() {
			return nil, fmt.Errorf("set %s: %w", opts.APIKeyEnv, ErrNotConfigured)
		}
		log.Info().Str("model", opts.Model).Msg("using OpenAI")
		return p, nil
	case "anthropic":
		p := NewAnthropicProvider(opts.Model, opts.APIKeyEnv, opts.BaseURL, opts.Timeout)
		if !p.IsConfigured() {
			return nil, fmt.Errorf("set %s: %w", opts.APIKeyEnv, ErrNotConfigured)
		}
		log.Info().Str("model", opts.Model).Msg("using Anthropic")
		return p, nil
	default:
		return nil, fmt.Errorf("unknown provider %q", opts.Provider)
	}
}
