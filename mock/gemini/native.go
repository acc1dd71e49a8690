package main

import (
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
)

// newNativeHandler returns an http.Handler simulating the Gemini API as the
// genai SDK calls it:
//
//	POST {base}/models/{model}:generateContent
//	POST {base}/models/{model}:streamGenerateContent?alt=sse
//	GET  {base}/models
//
// where {base} is /v1beta. The key travels in x-goog-api-key or ?key=.
func newNativeHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1beta/models/", func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		stream := strings.HasSuffix(path, ":streamGenerateContent")
		if !stream && !strings.HasSuffix(path, ":generateContent") {
			writeNativeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("mock: unknown path %s", path))
			return
		}
		if r.Method != http.MethodPost {
			writeNativeError(w, http.StatusMethodNotAllowed, "INVALID_ARGUMENT", "method not allowed")
			return
		}
		mode, ok := nativeAuth(w, r)
		if !ok {
			return
		}
		applyLatency(cfg)
		if shouldError(cfg) {
			writeNativeError(w, http.StatusInternalServerError, "INTERNAL", "mock internal error")
			return
		}
		handleGenerate(w, cfg, extractModel(path), mode == keyEmpty, stream)
	})

	mux.HandleFunc("/v1beta/models", func(w http.ResponseWriter, r *http.Request) {
		if _, ok := nativeAuth(w, r); !ok {
			return
		}
		models := make([]map[string]string, len(mockModels))
		for i, m := range mockModels {
			models[i] = map[string]string{
				"name":        "models/" + m.ID,
				"displayName": m.DisplayName,
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"models": models})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeNativeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("mock: unknown path %s", r.URL.Path))
	})

	return mux
}

// nativeAuth rejects requests whose key asks for a failure and returns the
// key mode otherwise.
func nativeAuth(w http.ResponseWriter, r *http.Request) (keyMode, bool) {
	key := r.Header.Get("x-goog-api-key")
	if key == "" {
		key = r.URL.Query().Get("key")
	}
	if key == "" {
		writeNativeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "missing API key")
		return keyOK, false
	}

	mode := modeForKey(key)
	switch mode {
	case keyInvalid:
		writeNativeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "API key not valid. Please pass a valid API key.")
		return mode, false
	case keyQuota:
		writeNativeError(w, http.StatusTooManyRequests, "RESOURCE_EXHAUSTED", "Resource has been exhausted (e.g. check quota).")
		return mode, false
	}
	return mode, true
}

func handleGenerate(w http.ResponseWriter, cfg Config, model string, empty, stream bool) {
	id := fmt.Sprintf("mock-%x", rand.Int64())
	words := strings.Fields(fakeSentence(cfg.StreamWords))

	response := func(text, finish string) map[string]any {
		resp := map[string]any{
			"responseId":   id,
			"modelVersion": model,
			"usageMetadata": map[string]int{
				"promptTokenCount":     10,
				"candidatesTokenCount": len(words),
				"totalTokenCount":      10 + len(words),
			},
		}
		if empty {
			resp["candidates"] = []any{}
			return resp
		}
		candidate := map[string]any{
			"index": 0,
			"content": map[string]any{
				"role":  "model",
				"parts": []map[string]string{{"text": text}},
			},
		}
		if finish != "" {
			candidate["finishReason"] = finish
		}
		resp["candidates"] = []any{candidate}
		return resp
	}

	if !stream {
		writeJSON(w, http.StatusOK, response(strings.Join(words, " "), "STOP"))
		return
	}

	startEventStream(w)
	if empty {
		writeEvent(w, response("", ""))
		return
	}
	for i, word := range words {
		finish := ""
		if i == len(words)-1 {
			finish = "STOP"
		} else {
			word += " "
		}
		writeEvent(w, response(word, finish))
	}
}

func writeNativeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    status,
			"message": msg,
			"status":  code,
		},
	})
}

// extractModel pulls the model name out of a path like
// /v1beta/models/gemini-1.5-pro:generateContent
func extractModel(path string) string {
	const prefix = "/v1beta/models/"
	if idx := strings.Index(path, prefix); idx >= 0 {
		rest := path[idx+len(prefix):]
		if col := strings.Index(rest, ":"); col >= 0 {
			return rest[:col]
		}
		return rest
	}
	return "gemini-2.0-flash"
}
