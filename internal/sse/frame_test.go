package sse

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func decodeFrame(t *testing.T, frame []byte) map[string]any {
	t.Helper()
	s := string(frame)
	if !strings.HasPrefix(s, "data: ") || !strings.HasSuffix(s, "\n\n") {
		t.Fatalf("malformed frame %q", s)
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSuffix(strings.TrimPrefix(s, "data: "), "\n\n")), &out); err != nil {
		t.Fatalf("frame payload is not JSON: %v (%q)", err, s)
	}
	return out
}

func withClock(t *testing.T, at time.Time) {
	t.Helper()
	prev := now
	now = func() time.Time { return at }
	t.Cleanup(func() { now = prev })
}

func TestChunk_Shape(t *testing.T) {
	withClock(t, time.Unix(1700000000, 0))

	got := decodeFrame(t, Chunk("chatcmpl-abc", "gemini-1.5-pro", "hello", ""))

	if got["id"] != "chatcmpl-abc" {
		t.Errorf("id = %v", got["id"])
	}
	if got["object"] != "chat.completion.chunk" {
		t.Errorf("object = %v", got["object"])
	}
	if got["created"] != float64(1700000000) {
		t.Errorf("created = %v", got["created"])
	}
	if got["model"] != "gemini-1.5-pro" {
		t.Errorf("model = %v", got["model"])
	}

	choices := got["choices"].([]any)
	if len(choices) != 1 {
		t.Fatalf("expected 1 choice, got %d", len(choices))
	}
	c := choices[0].(map[string]any)
	if c["index"] != float64(0) {
		t.Errorf("index = %v", c["index"])
	}
	if fr, ok := c["finish_reason"]; !ok || fr != nil {
		t.Errorf("finish_reason should be present and null, got %v (present=%v)", fr, ok)
	}
	if c["delta"].(map[string]any)["content"] != "hello" {
		t.Errorf("delta = %v", c["delta"])
	}
}

func TestChunk_FinishReason(t *testing.T) {
	got := decodeFrame(t, Chunk("chatcmpl-x", "m", "", "stop"))
	c := got["choices"].([]any)[0].(map[string]any)
	if c["finish_reason"] != "stop" {
		t.Errorf("finish_reason = %v", c["finish_reason"])
	}
}

func TestChunk_NonASCIIUnescaped(t *testing.T) {
	frame := Chunk("chatcmpl-x", "m", "你好 <b>&", "")
	if !bytes.Contains(frame, []byte("你好 <b>&")) {
		t.Fatalf("expected raw non-ASCII and HTML characters, got %q", frame)
	}
	if bytes.Contains(frame, []byte(`\u`)) {
		t.Fatalf("unexpected escape sequence in %q", frame)
	}
}

func TestKeepAlive(t *testing.T) {
	got := decodeFrame(t, KeepAlive("gemini-pro"))
	if got["id"] != KeepAliveID {
		t.Errorf("id = %v", got["id"])
	}
	c := got["choices"].([]any)[0].(map[string]any)
	if c["delta"].(map[string]any)["content"] != "\n" {
		t.Errorf("keepalive content = %q", c["delta"])
	}
	if c["finish_reason"] != nil {
		t.Errorf("keepalive finish_reason = %v", c["finish_reason"])
	}
}

func TestError(t *testing.T) {
	got := decodeFrame(t, Error("gemini-pro", "\n\n[error: boom]"))
	if got["id"] != ErrorID {
		t.Errorf("id = %v", got["id"])
	}
	c := got["choices"].([]any)[0].(map[string]any)
	if c["finish_reason"] != "error" {
		t.Errorf("finish_reason = %v", c["finish_reason"])
	}
	if c["delta"].(map[string]any)["content"] != "\n\n[error: boom]" {
		t.Errorf("content = %v", c["delta"])
	}
}

func TestDone(t *testing.T) {
	if string(Done()) != "data: [DONE]\n\n" {
		t.Fatalf("Done() = %q", Done())
	}
	if !IsDone(Done()) || !IsDone([]byte("data: [DONE]")) {
		t.Error("IsDone should accept the sentinel with or without terminator")
	}
	if IsDone(KeepAlive("m")) {
		t.Error("IsDone(keepalive) = true")
	}

	d := Done()
	d[0] = 'X'
	if Done()[0] != 'd' {
		t.Error("Done returned a shared buffer")
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"data: x\n\n", "data: x\n\n"},
		{"data: x\n", "data: x\n\n"},
		{"data: x", "data: x\n\n"},
		{"data: x\r\n", "data: x\n\n"},
	}
	for _, tt := range tests {
		if got := string(Normalize([]byte(tt.in))); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
