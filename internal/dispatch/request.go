// Package dispatch satisfies one client request with some working key from
// the pool. Keys are raced in concurrency batches; the first usable result
// in key order wins and is relayed to the client as SSE frames, and a batch
// that fails completely escalates the concurrency of the next one.
//
// Two modes exist. Real streaming probes a backend stream for content and
// then relays a fresh stream. Fake streaming makes one blocking completion
// call and slices the text into chunks, sending keep-alive frames while the
// call is in flight.
package dispatch

import (
	"time"

	"github.com/google/uuid"

	"github.com/nulpointcorp/keyrelay/internal/backend"
)

// Defaults applied by NewRequest to zero tunables.
const (
	DefaultHeartbeatInterval = time.Second
	DefaultConcurrency       = 1
)

// Request type labels used in logs and metrics.
const (
	TypeFakeStream = "fake-stream"
	TypeStream     = "stream"
	TypeComplete   = "non-stream"
)

// Options carries the gateway-level dispatch tunables.
type Options struct {
	// FakeStreaming selects synthetic streaming from one completion call.
	FakeStreaming bool

	// HeartbeatInterval is the keep-alive period in fake mode.
	HeartbeatInterval time.Duration

	// InitialConcurrency is the size of the first batch.
	InitialConcurrency int

	// EscalationStep is added to the batch size after a batch fails.
	EscalationStep int

	// MaxConcurrency caps the batch size.
	MaxConcurrency int
}

// Request is the per-call dispatch context. Build it with NewRequest and
// treat it as read-only afterwards.
type Request struct {
	ID                string
	Model             string
	Contents          []backend.Message
	SystemInstruction string

	// Safety and SafetyAlt are the two safety-setting variants. Nil fields
	// fall back to backend.DefaultSafetySettings and backend.AltSafetySettings.
	Safety    []backend.SafetySetting
	SafetyAlt []backend.SafetySetting

	Temperature float64
	TopP        float64
	MaxTokens   int

	Options

	safety []backend.SafetySetting
}

// NewRequest copies r, fills defaults, and selects the safety variant once:
// SafetyAlt when useAlt reports true for the model, Safety otherwise.
func NewRequest(r Request, useAlt func(model string) bool) *Request {
	req := r
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Safety == nil {
		req.Safety = backend.DefaultSafetySettings()
	}
	if req.SafetyAlt == nil {
		req.SafetyAlt = backend.AltSafetySettings()
	}

	if req.HeartbeatInterval <= 0 {
		req.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if req.InitialConcurrency < 1 {
		req.InitialConcurrency = DefaultConcurrency
	}
	if req.EscalationStep < 0 {
		req.EscalationStep = 0
	}
	if req.MaxConcurrency < 1 {
		req.MaxConcurrency = req.InitialConcurrency
	}

	req.safety = req.Safety
	if useAlt != nil && useAlt(req.Model) {
		req.safety = req.SafetyAlt
	}
	return &req
}

// SelectedSafety returns the safety variant chosen at construction.
func (r *Request) SelectedSafety() []backend.SafetySetting {
	if r.safety == nil {
		return r.Safety
	}
	return r.safety
}

// chunkID is the id carried by every content frame of this request.
func (r *Request) chunkID() string {
	return "chatcmpl-" + r.ID
}

func (r *Request) streamType() string {
	if r.FakeStreaming {
		return TypeFakeStream
	}
	return TypeStream
}

// call builds the backend request shared by every attempt.
func (r *Request) call() *backend.Request {
	return &backend.Request{
		Model:             r.Model,
		Contents:          r.Contents,
		SystemInstruction: r.SystemInstruction,
		SafetySettings:    r.SelectedSafety(),
		Temperature:       r.Temperature,
		TopP:              r.TopP,
		MaxTokens:         r.MaxTokens,
	}
}
