// Package sse builds the Server-Sent Events frames sent to streaming
// clients. Every frame is an OpenAI chat.completion.chunk serialized as a
// single "data: <json>\n\n" event; the stream ends with "data: [DONE]\n\n".
package sse

import (
	"bytes"
	"encoding/json"
	"time"
)

// Well-known chunk ids.
const (
	KeepAliveID = "chatcmpl-keepalive"
	ErrorID     = "chatcmpl-error"
	IDPrefix    = "chatcmpl-"

	// FinishError marks the terminal error chunk.
	FinishError = "error"

	chunkObject = "chat.completion.chunk"
)

var (
	dataPrefix = []byte("data: ")
	eventEnd   = []byte("\n\n")
	doneFrame  = []byte("data: [DONE]\n\n")
)

// now is swapped in tests.
var now = time.Now

type (
	delta struct {
		Content string `json:"content"`
	}

	choice struct {
		Delta        delta   `json:"delta"`
		Index        int     `json:"index"`
		FinishReason *string `json:"finish_reason"`
	}

	chunk struct {
		ID      string   `json:"id"`
		Object  string   `json:"object"`
		Created int64    `json:"created"`
		Model   string   `json:"model"`
		Choices []choice `json:"choices"`
	}
)

// Chunk frames one content increment. An empty finishReason is emitted as
// JSON null. Non-ASCII text is written as-is, never \u-escaped.
func Chunk(id, model, content, finishReason string) []byte {
	c := chunk{
		ID:      id,
		Object:  chunkObject,
		Created: now().Unix(),
		Model:   model,
		Choices: []choice{{Delta: delta{Content: content}}},
	}
	if finishReason != "" {
		c.Choices[0].FinishReason = &finishReason
	}

	var buf bytes.Buffer
	buf.Write(dataPrefix)
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// The struct above always marshals; Encode appends a single '\n'.
	_ = enc.Encode(c)
	buf.WriteByte('\n')
	return buf.Bytes()
}

// KeepAlive frames a heartbeat whose content is a single newline.
func KeepAlive(model string) []byte {
	return Chunk(KeepAliveID, model, "\n", "")
}

// Error frames the terminal error chunk carrying msg.
func Error(model, msg string) []byte {
	return Chunk(ErrorID, model, msg, FinishError)
}

// Done returns the end-of-stream sentinel frame.
func Done() []byte {
	return append([]byte(nil), doneFrame...)
}

// IsDone reports whether frame is the end-of-stream sentinel.
func IsDone(frame []byte) bool {
	return bytes.Equal(bytes.TrimSpace(frame), bytes.TrimSpace(doneFrame))
}

// Normalize guarantees frame ends with the blank line that terminates an
// SSE event, trimming any partial line terminator first.
func Normalize(frame []byte) []byte {
	if bytes.HasSuffix(frame, eventEnd) {
		return frame
	}
	out := bytes.TrimRight(frame, "\r\n")
	return append(out[:len(out):len(out)], eventEnd...)
}
