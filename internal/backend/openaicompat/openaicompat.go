// Package openaicompat implements backend.Client against an OpenAI-compatible
// chat completions endpoint. Google exposes one for Gemini, which lets the
// pool be served through the OpenAI wire format instead of the GenAI SDK.
package openaicompat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/nulpointcorp/keyrelay/internal/backend"
)

// DefaultBaseURL is Gemini's OpenAI-compatible endpoint.
const DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta/openai/"

// Client is a backend.Client speaking the OpenAI chat completions protocol.
type Client struct {
	name    string
	baseURL string
	client  openaiSDK.Client
}

// New creates a new OpenAI-compatible Client.
//
//   - name    is used in logs and error messages.
//   - baseURL is the API base URL; empty selects DefaultBaseURL.
//   - httpClient may be nil to use a client with backend.DefaultTimeout.
func New(name, baseURL string, httpClient *http.Client) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: backend.DefaultTimeout}
	}
	c := &Client{name: name, baseURL: baseURL}
	c.client = openaiSDK.NewClient(
		option.WithBaseURL(baseURL),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(0),
	)
	return c
}

func (c *Client) Name() string { return c.name }

// Complete runs a single non-streaming completion with the given key.
func (c *Client) Complete(ctx context.Context, key string, req *backend.Request) (*backend.Completion, error) {
	opts, err := c.requestOptions(key)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Chat.Completions.New(ctx, buildParams(req), opts...)
	if err != nil {
		return nil, c.toClientError(err)
	}

	out := &backend.Completion{
		ID: resp.ID,
		Usage: backend.Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
	}
	if len(resp.Choices) > 0 {
		out.Text = resp.Choices[0].Message.Content
		out.FinishReason = resp.Choices[0].FinishReason
	}
	return out, nil
}

// Stream opens a streaming completion. The returned channel is closed when
// the upstream stream ends or ctx is cancelled.
func (c *Client) Stream(ctx context.Context, key string, req *backend.Request) (<-chan backend.StreamChunk, error) {
	opts, err := c.requestOptions(key)
	if err != nil {
		return nil, err
	}

	stream := c.client.Chat.Completions.NewStreaming(ctx, buildParams(req), opts...)
	ch := make(chan backend.StreamChunk, 64)

	go func() {
		defer close(ch)
		defer stream.Close()

		send := func(chunk backend.StreamChunk) bool {
			select {
			case ch <- chunk:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			if choice.Delta.Content == "" && choice.FinishReason == "" {
				continue
			}
			if !send(backend.StreamChunk{Content: choice.Delta.Content, FinishReason: choice.FinishReason}) {
				return
			}
		}

		if err := stream.Err(); err != nil {
			send(backend.StreamChunk{Err: c.toClientError(err)})
		}
	}()

	return ch, nil
}

// ListModels returns the models visible to key.
func (c *Client) ListModels(ctx context.Context, key string) ([]backend.Model, error) {
	opts, err := c.requestOptions(key)
	if err != nil {
		return nil, err
	}

	page, err := c.client.Models.List(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("%s: list models: %w", c.name, c.toClientError(err))
	}

	out := make([]backend.Model, 0, len(page.Data))
	for _, m := range page.Data {
		out = append(out, backend.Model{ID: strings.TrimPrefix(m.ID, "models/")})
	}
	return out, nil
}

func (c *Client) requestOptions(key string) ([]option.RequestOption, error) {
	if key == "" {
		return nil, fmt.Errorf("%s: no API key supplied", c.name)
	}
	return []option.RequestOption{option.WithAPIKey(key)}, nil
}

func buildParams(req *backend.Request) openaiSDK.ChatCompletionNewParams {
	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(req.Contents)+1)
	if req.SystemInstruction != "" {
		msgs = append(msgs, openaiSDK.SystemMessage(req.SystemInstruction))
	}
	for _, m := range req.Contents {
		if m.Role == backend.RoleModel {
			msgs = append(msgs, openaiSDK.AssistantMessage(m.Text))
			continue
		}
		msgs = append(msgs, openaiSDK.UserMessage(m.Text))
	}

	params := openaiSDK.ChatCompletionNewParams{
		Messages: msgs,
		Model:    req.Model,
	}
	if req.Temperature > 0 {
		params.Temperature = openaiSDK.Float(req.Temperature)
	}
	if req.TopP > 0 {
		params.TopP = openaiSDK.Float(req.TopP)
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openaiSDK.Int(int64(req.MaxTokens))
	}
	return params
}

// ClientError is a structured error returned by an OpenAI-compatible API.
type ClientError struct {
	Name       string
	StatusCode int
	Message    string
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("%s: %s (status=%d)", e.Name, e.Message, e.StatusCode)
}

// HTTPStatus implements backend.StatusCoder.
func (e *ClientError) HTTPStatus() int { return e.StatusCode }

func (c *Client) toClientError(err error) error {
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		return &ClientError{
			Name:       c.name,
			StatusCode: apierr.StatusCode,
			Message:    apierr.Error(),
		}
	}
	return err
}
