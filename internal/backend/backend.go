// Package backend defines the contract between the dispatch engine and an
// upstream Gemini-family generation service.
//
// A Client is stateless with respect to credentials: every call names the
// API key it should be made with, so a single Client serves the whole key
// pool. Implementations live in sub-packages (gemini, openaicompat).
package backend

import (
	"context"
	"time"
)

// Roles used in Message.Role. The upstream protocol only knows these two;
// system text travels separately in Request.SystemInstruction.
const (
	RoleUser  = "user"
	RoleModel = "model"
)

// DefaultTimeout bounds a single upstream call when the caller does not
// configure one.
const DefaultTimeout = 5 * time.Minute

type (
	// Message is a single conversation turn.
	Message struct {
		Role string
		Text string
	}

	// SafetySetting pairs a harm category with the threshold applied to it.
	SafetySetting struct {
		Category  string
		Threshold string
	}

	// Request is the provider-native form of a chat request.
	Request struct {
		Model             string
		Contents          []Message
		SystemInstruction string
		SafetySettings    []SafetySetting
		Temperature       float64
		TopP              float64
		MaxTokens         int
	}

	// Usage reports token accounting for a completion when the upstream
	// returns it.
	Usage struct {
		InputTokens  int
		OutputTokens int
	}

	// Completion is a full non-streaming generation result. An empty Text
	// means the upstream answered but produced nothing usable.
	Completion struct {
		ID           string
		Text         string
		FinishReason string
		Usage        Usage
	}

	// StreamChunk is one increment of a streaming generation. A chunk with a
	// non-nil Err is always the last one delivered before the channel closes.
	StreamChunk struct {
		Content      string
		FinishReason string
		Err          error
	}

	// Model describes an upstream model as reported by ListModels.
	Model struct {
		ID          string
		DisplayName string
	}
)

// Client is the upstream generation service.
//
// Stream returns a channel that the implementation closes when the upstream
// stream ends. Producers must stop sending once ctx is cancelled, so callers
// abandon a stream by cancelling the context they passed in.
type Client interface {
	Name() string
	Complete(ctx context.Context, key string, req *Request) (*Completion, error)
	Stream(ctx context.Context, key string, req *Request) (<-chan StreamChunk, error)
	ListModels(ctx context.Context, key string) ([]Model, error)
}

// StatusCoder is implemented by upstream errors that carry an HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}
