package narrative

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// EndpointError is a failed exchange with the completion endpoint.
type EndpointError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *EndpointError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("completion endpoint: HTTP %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("completion endpoint: %s", e.Message)
}

func (e *EndpointError) Unwrap() error { return e.Err }

// IsRetryable is true for rate limiting, server errors and transport failures.
// Other client errors are permanent.
func (e *EndpointError) IsRetryable() bool {
	return e.StatusCode == 0 || e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// OpenAICompleter sends prompts to an OpenAI-compatible chat completions endpoint. It asks for
// the stage's JSON schema and falls back to plain JSON mode when the endpoint rejects schemas.
type OpenAICompleter struct {
	client      openai.Client
	model       string
	temperature float64
	logger      *slog.Logger
}

func NewOpenAICompleter(apiKey, baseURL, model string, logger *slog.Logger) *OpenAICompleter {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		// retries belong to the orchestrator, which retries once with a stricter prompt
		option.WithMaxRetries(0),
	}
	if strings.TrimSpace(baseURL) != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAICompleter{
		client:      openai.NewClient(opts...),
		model:       model,
		temperature: 0.2,
		logger:      logger,
	}
}

func (c *OpenAICompleter) Complete(ctx context.Context, p Prompt) (string, error) {
	params := openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(p.System),
			openai.UserMessage(p.User),
		},
		Model:       c.model,
		Temperature: openai.Float(c.temperature),
	}
	if p.Schema != nil {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &shared.ResponseFormatJSONSchemaParam{
				JSONSchema: shared.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   p.Stage + "_response",
					Strict: openai.Bool(false),
					Schema: p.Schema,
				},
			},
		}
	} else {
		params.ResponseFormat = jsonObjectFormat()
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil && p.Schema != nil && shouldFallbackJSONMode(err) {
		if c.logger != nil {
			c.logger.Warn("endpoint rejected json_schema, retrying in json_object mode", "stage", p.Stage)
		}
		params.ResponseFormat = jsonObjectFormat()
		resp, err = c.client.Chat.Completions.New(ctx, params)
	}
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", endpointError(err)
	}
	if len(resp.Choices) == 0 {
		return "", &EndpointError{Message: "response has no choices"}
	}
	return resp.Choices[0].Message.Content, nil
}

func jsonObjectFormat() openai.ChatCompletionNewParamsResponseFormatUnion {
	return openai.ChatCompletionNewParamsResponseFormatUnion{
		OfJSONObject: &shared.ResponseFormatJSONObjectParam{Type: "json_object"},
	}
}

func endpointError(err error) *EndpointError {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return &EndpointError{StatusCode: apiErr.StatusCode, Message: apiErr.Message, Err: err}
	}
	return &EndpointError{Message: err.Error(), Err: err}
}

func shouldFallbackJSONMode(err error) bool {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "json_schema"), strings.Contains(msg, "response_format"):
		return true
	case strings.Contains(msg, "unsupported") && strings.Contains(msg, "schema"):
		return true
	}
	return false
}
