// Package gemini implements backend.Client on top of the official GenAI SDK.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"google.golang.org/genai"

	"github.com/nulpointcorp/keyrelay/internal/backend"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	clientName     = "gemini"
)

// Client talks to the Gemini API. SDK clients are created lazily per API key
// and reused for the lifetime of the Client.
type Client struct {
	ctx        context.Context
	baseURL    string
	base       string
	apiVersion string
	httpClient *http.Client

	mu      sync.Mutex
	clients map[string]*genai.Client
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(u string) Option {
	return func(c *Client) {
		if u != "" {
			c.baseURL = u
		}
	}
}

// WithHTTPClient overrides the HTTP client shared by every key.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// New creates a new Gemini Client. ctx is retained for SDK client creation.
func New(ctx context.Context, opts ...Option) *Client {
	if ctx == nil {
		panic("gemini: context must not be nil")
	}
	c := &Client{
		ctx:        ctx,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: backend.DefaultTimeout},
		clients:    make(map[string]*genai.Client),
	}
	for _, o := range opts {
		o(c)
	}
	c.base, c.apiVersion = splitBaseURLAndVersion(c.baseURL)
	return c
}

func (c *Client) Name() string { return clientName }

// Complete runs a single non-streaming generation with the given key.
func (c *Client) Complete(ctx context.Context, key string, req *backend.Request) (*backend.Completion, error) {
	client, err := c.clientForKey(key)
	if err != nil {
		return nil, err
	}

	contents, cfg := buildContentsAndConfig(req)
	resp, err := client.Models.GenerateContent(ctx, req.Model, contents, cfg)
	if err != nil {
		return nil, toClientError(err)
	}

	out := &backend.Completion{ID: generateID()}
	if resp == nil {
		return out, nil
	}
	if resp.ResponseID != "" {
		out.ID = resp.ResponseID
	}
	out.Text = resp.Text()
	if len(resp.Candidates) > 0 && resp.Candidates[0] != nil {
		out.FinishReason = finishReason(resp.Candidates[0].FinishReason)
	}
	if resp.UsageMetadata != nil {
		out.Usage = backend.Usage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		}
	}
	return out, nil
}

// Stream opens a streaming generation. The returned channel is closed when
// the upstream stream ends or ctx is cancelled.
func (c *Client) Stream(ctx context.Context, key string, req *backend.Request) (<-chan backend.StreamChunk, error) {
	client, err := c.clientForKey(key)
	if err != nil {
		return nil, err
	}

	contents, cfg := buildContentsAndConfig(req)
	ch := make(chan backend.StreamChunk, 64)

	go func() {
		defer close(ch)

		send := func(chunk backend.StreamChunk) bool {
			select {
			case ch <- chunk:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for resp, err := range client.Models.GenerateContentStream(ctx, req.Model, contents, cfg) {
			if err != nil {
				send(backend.StreamChunk{Err: toClientError(err)})
				return
			}
			if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
				continue
			}

			cand := resp.Candidates[0]
			text := candidateText(cand)
			finish := finishReason(cand.FinishReason)

			if text == "" && finish == "" {
				continue
			}
			if !send(backend.StreamChunk{Content: text, FinishReason: finish}) {
				return
			}
		}
	}()

	return ch, nil
}

// ListModels returns the models visible to key.
func (c *Client) ListModels(ctx context.Context, key string) ([]backend.Model, error) {
	client, err := c.clientForKey(key)
	if err != nil {
		return nil, err
	}

	page, err := client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1000})
	if err != nil {
		return nil, fmt.Errorf("gemini: list models: %w", toClientError(err))
	}

	out := make([]backend.Model, 0, len(page.Items))
	for _, m := range page.Items {
		if m == nil {
			continue
		}
		out = append(out, backend.Model{
			ID:          strings.TrimPrefix(m.Name, "models/"),
			DisplayName: m.DisplayName,
		})
	}
	return out, nil
}

func (c *Client) clientForKey(key string) (*genai.Client, error) {
	if key == "" {
		return nil, fmt.Errorf("gemini: no API key supplied")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if client, ok := c.clients[key]; ok {
		return client, nil
	}
	client, err := genai.NewClient(c.ctx, &genai.ClientConfig{
		APIKey:      key,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  c.httpClient,
		HTTPOptions: genai.HTTPOptions{BaseURL: c.base, APIVersion: c.apiVersion},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: new client: %w", err)
	}
	c.clients[key] = client
	return client, nil
}

func buildContentsAndConfig(req *backend.Request) ([]*genai.Content, *genai.GenerateContentConfig) {
	contents := make([]*genai.Content, 0, len(req.Contents))
	for _, m := range req.Contents {
		role := genai.Role(genai.RoleUser)
		if m.Role == backend.RoleModel {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Text, role))
	}

	cfg := &genai.GenerateContentConfig{}

	if req.SystemInstruction != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.SystemInstruction}},
		}
	}
	if req.Temperature > 0 {
		cfg.Temperature = genai.Ptr[float32](float32(req.Temperature))
	}
	if req.TopP > 0 {
		cfg.TopP = genai.Ptr[float32](float32(req.TopP))
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	for _, s := range req.SafetySettings {
		cfg.SafetySettings = append(cfg.SafetySettings, &genai.SafetySetting{
			Category:  genai.HarmCategory(s.Category),
			Threshold: genai.HarmBlockThreshold(s.Threshold),
		})
	}

	return contents, cfg
}

func candidateText(c *genai.Candidate) string {
	if c == nil || c.Content == nil || len(c.Content.Parts) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, p := range c.Content.Parts {
		if p != nil && p.Text != "" && !p.Thought {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// finishReason maps Gemini finish reasons onto the OpenAI vocabulary.
func finishReason(r genai.FinishReason) string {
	switch r {
	case "", genai.FinishReasonUnspecified:
		return ""
	case genai.FinishReasonStop:
		return "stop"
	case genai.FinishReasonMaxTokens:
		return "length"
	case genai.FinishReasonSafety, genai.FinishReasonRecitation, genai.FinishReasonProhibitedContent,
		genai.FinishReasonBlocklist, genai.FinishReasonSPII:
		return "content_filter"
	default:
		return strings.ToLower(string(r))
	}
}

func splitBaseURLAndVersion(raw string) (baseURL string, apiVersion string) {
	u, err := url.Parse(raw)
	if err != nil {
		return raw, ""
	}

	path := strings.Trim(u.Path, "/")
	if path == "" {
		base := u.String()
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		return base, ""
	}

	parts := strings.Split(path, "/")
	last := parts[len(parts)-1]

	if looksLikeAPIVersion(last) {
		apiVersion = last
		parts = parts[:len(parts)-1]
	}

	u.Path = "/" + strings.Join(parts, "/")
	if u.Path == "/" {
		u.Path = ""
	}

	baseURL = u.String()
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return baseURL, apiVersion
}

// looksLikeAPIVersion reports whether s is a "v<digit>..." path segment.
func looksLikeAPIVersion(s string) bool {
	if !strings.HasPrefix(s, "v") || len(s) < 2 {
		return false
	}
	return s[1] >= '0' && s[1] <= '9'
}

func generateID() string {
	return fmt.Sprintf("gemini-%x", rand.Int63())
}

// ClientError is a structured error returned by the Gemini API.
type ClientError struct {
	StatusCode int
	Message    string
	Status     string
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("gemini: %s (status=%d, type=%s)", e.Message, e.StatusCode, e.Status)
}

// HTTPStatus implements backend.StatusCoder.
func (e *ClientError) HTTPStatus() int { return e.StatusCode }

func toClientError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &ClientError{
			StatusCode: apiErr.Code,
			Message:    apiErr.Message,
			Status:     apiErr.Status,
		}
	}
	return err
}
