package main

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"
)

// newOpenAIHandler returns an http.Handler simulating Gemini's
// OpenAI-compatible endpoint under /v1beta/openai/.
func newOpenAIHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1beta/openai/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeOpenAIError(w, http.StatusMethodNotAllowed, "method not allowed", "method_not_allowed")
			return
		}
		mode, ok := bearerAuth(w, r)
		if !ok {
			return
		}
		applyLatency(cfg)
		if shouldError(cfg) {
			writeOpenAIError(w, http.StatusInternalServerError, "mock internal server error", "server_error")
			return
		}

		var req struct {
			Model  string `json:"model"`
			Stream bool   `json:"stream"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeOpenAIError(w, http.StatusBadRequest, "invalid request body", "invalid_request")
			return
		}
		model := req.Model
		if model == "" {
			model = "gemini-2.0-flash"
		}

		id := fmt.Sprintf("chatcmpl-mock%x", rand.Int64())
		content := fakeSentence(cfg.StreamWords)
		if mode == keyEmpty {
			content = ""
		}

		if req.Stream {
			serveOpenAIStream(w, id, model, content)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"id":      id,
			"object":  "chat.completion",
			"created": time.Now().Unix(),
			"model":   model,
			"choices": []map[string]any{
				{
					"index": 0,
					"message": map[string]string{
						"role":    "assistant",
						"content": content,
					},
					"finish_reason": "stop",
				},
			},
			"usage": map[string]int{
				"prompt_tokens":     10,
				"completion_tokens": cfg.StreamWords,
				"total_tokens":      10 + cfg.StreamWords,
			},
		})
	})

	mux.HandleFunc("/v1beta/openai/models", func(w http.ResponseWriter, r *http.Request) {
		if _, ok := bearerAuth(w, r); !ok {
			return
		}
		data := make([]map[string]any, len(mockModels))
		for i, m := range mockModels {
			data[i] = map[string]any{
				"id":       "models/" + m.ID,
				"object":   "model",
				"created":  1710000000,
				"owned_by": "google",
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeOpenAIError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", r.URL.Path), "not_found")
	})

	return mux
}

func bearerAuth(w http.ResponseWriter, r *http.Request) (keyMode, bool) {
	key, found := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !found || key == "" {
		writeOpenAIError(w, http.StatusUnauthorized, "missing API key", "invalid_api_key")
		return keyOK, false
	}

	mode := modeForKey(key)
	switch mode {
	case keyInvalid:
		writeOpenAIError(w, http.StatusUnauthorized, "API key not valid", "invalid_api_key")
		return mode, false
	case keyQuota:
		writeOpenAIError(w, http.StatusTooManyRequests, "Resource has been exhausted", "rate_limit_exceeded")
		return mode, false
	}
	return mode, true
}

// serveOpenAIStream writes an SSE stream of chat completion chunks.
func serveOpenAIStream(w http.ResponseWriter, id, model, content string) {
	startEventStream(w)

	chunk := func(delta map[string]string, finish any) map[string]any {
		return map[string]any{
			"id":      id,
			"object":  "chat.completion.chunk",
			"created": time.Now().Unix(),
			"model":   model,
			"choices": []map[string]any{
				{"index": 0, "delta": delta, "finish_reason": finish},
			},
		}
	}

	words := strings.Fields(content)
	for i, word := range words {
		if i < len(words)-1 {
			word += " "
		}
		writeEvent(w, chunk(map[string]string{"content": word}, nil))
	}

	writeEvent(w, chunk(map[string]string{}, "stop"))
	fmt.Fprint(w, "data: [DONE]\n\n")
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

func writeOpenAIError(w http.ResponseWriter, status int, msg, code string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"message": msg,
			"type":    "invalid_request_error",
			"code":    code,
		},
	})
}
