// Package ollama calls a local Ollama server's generate endpoint.
package ollama

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/kirillkom/paperless-pipeline/internal/infrastructure/resilience"
)

type Options struct {
	Model       string
	Temperature float64
	MaxTokens   int
	// RequestsPerSecond throttles calls; zero disables the limiter.
	RequestsPerSecond  float64
	Timeout            time.Duration
	ResilienceExecutor *resilience.Executor
}

type Client struct {
	baseURL     string
	model       string
	temperature float64
	maxTokens   int
	httpClient  *http.Client
	limiter     *rate.Limiter
	executor    *resilience.Executor
}

func New(baseURL string, options Options) *Client {
	timeout := options.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	model := options.Model
	if model == "" {
		model = "llama3.1"
	}
	var limiter *rate.Limiter
	if options.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(options.RequestsPerSecond), 1)
	}
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		model:       model,
		temperature: options.Temperature,
		maxTokens:   options.MaxTokens,
		httpClient:  &http.Client{Timeout: timeout},
		limiter:     limiter,
		executor:    options.ResilienceExecutor,
	}
}

type generateRequest struct {
	Model   string          `json:"model"`
	System  string          `json:"system,omitempty"`
	Prompt  string          `json:"prompt"`
	Stream  bool            `json:"stream"`
	Options generateOptions `json:"options"`
}

type generateOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

// Complete returns the model's answer to userText under systemPrompt.
func (c *Client) Complete(ctx context.Context, systemPrompt, userText string) (string, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("ollama rate limit wait: %w", err)
		}
	}

	request := generateRequest{
		Model:   c.model,
		System:  systemPrompt,
		Prompt:  userText,
		Options: generateOptions{Temperature: c.temperature, NumPredict: c.maxTokens},
	}
	var response struct {
		Response string `json:"response"`
	}
	call := func(ctx context.Context) error {
		return c.postJSON(ctx, "/api/generate", request, &response, "generate")
	}
	if err := resilience.Do(ctx, c.executor, "ollama.generate", call, resilience.ClassifyHTTP); err != nil {
		return "", resilience.WrapTemporary("ollama generate", err, resilience.ClassifyHTTP)
	}
	return strings.TrimSpace(response.Response), nil
}
