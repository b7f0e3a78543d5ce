// Package vertex calls a Gemini model through Vertex AI.
package vertex

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/vertexai/genai"
	"golang.org/x/time/rate"

	"github.com/kirillkom/paperless-pipeline/internal/core/domain"
	"github.com/kirillkom/paperless-pipeline/internal/infrastructure/resilience"
)

type Options struct {
	ProjectID          string
	Region             string
	Model              string
	Temperature        float32
	MaxTokens          int32
	RequestsPerSecond  float64
	ResilienceExecutor *resilience.Executor
}

type Client struct {
	client   *genai.Client
	model    *genai.GenerativeModel
	limiter  *rate.Limiter
	executor *resilience.Executor
}

func New(ctx context.Context, options Options) (*Client, error) {
	if options.ProjectID == "" || options.Region == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "vertex client", errors.New("project id and region are required"))
	}
	name := options.Model
	if name == "" {
		name = "gemini-1.5-flash"
	}
	maxTokens := options.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 300
	}

	client, err := genai.NewClient(ctx, options.ProjectID, options.Region)
	if err != nil {
		return nil, fmt.Errorf("genai.NewClient: %w", err)
	}
	model := client.GenerativeModel(name)
	model.GenerationConfig = genai.GenerationConfig{
		Temperature:     genai.Ptr(options.Temperature),
		MaxOutputTokens: genai.Ptr(maxTokens),
	}

	var limiter *rate.Limiter
	if options.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(options.RequestsPerSecond), 1)
	}
	return &Client{client: client, model: model, limiter: limiter, executor: options.ResilienceExecutor}, nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

func (c *Client) Complete(ctx context.Context, systemPrompt, userText string) (string, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("vertex rate limit wait: %w", err)
		}
	}

	// GenerativeModel is shared across workers; the system instruction is
	// applied on a per-call copy.
	model := *c.model
	if systemPrompt != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(systemPrompt)}}
	}

	var resp *genai.GenerateContentResponse
	call := func(ctx context.Context) error {
		var err error
		resp, err = model.GenerateContent(ctx, genai.Text(userText))
		if err != nil {
			return fmt.Errorf("vertex generate: %w", err)
		}
		return nil
	}
	if err := resilience.Do(ctx, c.executor, "vertex.generate", call, resilience.ClassifyHTTP); err != nil {
		return "", resilience.WrapTemporary("vertex generate", err, resilience.ClassifyHTTP)
	}
	return responseText(resp)
}

func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", fmt.Errorf("vertex generate: empty response")
	}
	var out strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			out.WriteString(string(text))
		}
	}
	return strings.TrimSpace(out.String()), nil
}
