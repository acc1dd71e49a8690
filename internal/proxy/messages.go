package proxy

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nulpointcorp/keyrelay/internal/backend"
)

type (
	inboundMessage struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}

	inboundPart struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}

	inboundRequest struct {
		Model               string           `json:"model"`
		Messages            []inboundMessage `json:"messages"`
		Stream              bool             `json:"stream"`
		Temperature         float64          `json:"temperature"`
		TopP                float64          `json:"top_p"`
		MaxTokens           int              `json:"max_tokens"`
		MaxCompletionTokens int              `json:"max_completion_tokens"`
	}
)

// maxTokens prefers the newer max_completion_tokens field.
func (r *inboundRequest) maxTokens() int {
	if r.MaxCompletionTokens > 0 {
		return r.MaxCompletionTokens
	}
	return r.MaxTokens
}

var errNoMessages = errors.New("messages must contain at least one user or assistant message")

// prepareMessages converts OpenAI chat messages into backend contents.
// System and developer messages are joined into the system instruction,
// assistant turns become model turns and every other role is sent as user.
// Messages without text are dropped.
func prepareMessages(msgs []inboundMessage) ([]backend.Message, string, error) {
	contents := make([]backend.Message, 0, len(msgs))
	var system []string

	for i, m := range msgs {
		text, err := messageText(m.Content)
		if err != nil {
			return nil, "", fmt.Errorf("messages[%d]: %w", i, err)
		}
		if text == "" {
			continue
		}
		switch m.Role {
		case "system", "developer":
			system = append(system, text)
		case "assistant":
			contents = append(contents, backend.Message{Role: backend.RoleModel, Text: text})
		default:
			contents = append(contents, backend.Message{Role: backend.RoleUser, Text: text})
		}
	}

	if len(contents) == 0 {
		return nil, "", errNoMessages
	}
	return contents, strings.Join(system, "\n"), nil
}

// messageText accepts either a plain string or an array of content parts, of
// which only the text parts are kept.
func messageText(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}

	var parts []inboundPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "", errors.New("content must be a string or an array of content parts")
	}
	var b strings.Builder
	for _, p := range parts {
		if p.Type != "" && p.Type != "text" {
			continue
		}
		b.WriteString(p.Text)
	}
	return b.String(), nil
}
