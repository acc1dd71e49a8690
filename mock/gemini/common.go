package main

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"
)

// fakeWords is a pool of words used to build mock responses.
var fakeWords = []string{
	"The", "quick", "brown", "fox", "jumps", "over", "the", "lazy", "dog",
	"Hello", "world", "This", "is", "a", "mock", "response", "from", "the",
	"mock", "Gemini", "API", "simulating", "a", "real", "model", "call",
	"for", "development", "and", "testing", "purposes",
}

// fakeSentence returns a fake response text of roughly n words.
func fakeSentence(n int) string {
	words := make([]string, n)
	for i := range words {
		words[i] = fakeWords[rand.IntN(len(fakeWords))]
	}
	return strings.Join(words, " ") + "."
}

// keyMode is the behaviour a request's API key asks for.
type keyMode int

const (
	keyOK keyMode = iota
	keyInvalid
	keyQuota
	keyEmpty
)

func modeForKey(key string) keyMode {
	switch {
	case strings.HasPrefix(key, "bad-"):
		return keyInvalid
	case strings.HasPrefix(key, "quota-"):
		return keyQuota
	case strings.HasPrefix(key, "empty-"):
		return keyEmpty
	default:
		return keyOK
	}
}

// applyLatency sleeps for the configured latency.
func applyLatency(cfg Config) {
	if cfg.LatencyMS > 0 {
		time.Sleep(time.Duration(cfg.LatencyMS) * time.Millisecond)
	}
}

// shouldError returns true if this request should simulate an error.
func shouldError(cfg Config) bool {
	if cfg.ErrorRate <= 0 {
		return false
	}
	return rand.Float64() < cfg.ErrorRate
}

// writeJSON writes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeEvent writes v as one SSE data event and flushes it.
func writeEvent(w http.ResponseWriter, v any) {
	data, _ := json.Marshal(v)
	fmt.Fprintf(w, "data: %s\n\n", data)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

func startEventStream(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
}

// mockModels is the catalogue both APIs report.
var mockModels = []struct{ ID, DisplayName string }{
	{"gemini-1.5-pro", "Gemini 1.5 Pro"},
	{"gemini-2.0-flash", "Gemini 2.0 Flash"},
	{"gemini-2.0-flash-exp", "Gemini 2.0 Flash Experimental"},
}
