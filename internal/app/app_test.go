package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/nulpointcorp/keyrelay/internal/config"
	"github.com/nulpointcorp/keyrelay/internal/stats"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// upstream mimics Gemini's OpenAI-compatible endpoint. Key "bad-key" is
// rejected.
func upstream(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.Header.Get("Authorization") == "Bearer bad-key" {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprintln(w, `{"error":{"message":"API key not valid","type":"invalid_request_error","code":"invalid_api_key"}}`)
			return
		}
		switch {
		case strings.HasSuffix(r.URL.Path, "/models"):
			fmt.Fprintln(w, `{"object":"list","data":[{"id":"models/gemini-pro","object":"model","created":1,"owned_by":"google"}]}`)
		case strings.HasSuffix(r.URL.Path, "/chat/completions"):
			fmt.Fprintln(w, `{"id":"chatcmpl-up","object":"chat.completion","created":1,"model":"gemini-pro",
"choices":[{"index":0,"message":{"role":"assistant","content":"pong"},"finish_reason":"stop"}],
"usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(baseURL string) *config.Config {
	return &config.Config{
		Port:     0,
		LogLevel: "info",
		Keys:     []string{"good-key"},
		Backend: config.BackendConfig{
			Kind:    config.BackendOpenAI,
			BaseURL: baseURL,
			Timeout: 5 * time.Second,
		},
		Dispatch: config.DispatchConfig{
			FakeStreaming:         true,
			FakeStreamingInterval: time.Second,
			ConcurrentRequests:    1,
			MaxConcurrentRequests: 2,
		},
		AltSafetyModels: []string{"gemini-2.0-flash-exp"},
		StoreMode:       config.StoreMemory,
		Keypool: config.KeypoolConfig{
			KeyCooldown:        time.Minute,
			InvalidKeyCooldown: time.Hour,
		},
		CircuitBreaker: config.CircuitBreakerConfig{
			ErrorThreshold:  5,
			TimeWindow:      time.Minute,
			HalfOpenTimeout: 30 * time.Second,
		},
		ModelsCacheTTL: time.Minute,
		CORSOrigins:    []string{"*"},
	}
}

func serve(t *testing.T, h fasthttp.RequestHandler) *http.Client {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()
	go func() { _ = fasthttp.Serve(ln, h) }()
	t.Cleanup(func() { ln.Close() })
	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(context.Context, string, string) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}
}

func get(t *testing.T, c *http.Client, method, path, body string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(method, "http://test"+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := c.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(data)
}

func TestNew_NilContext(t *testing.T) {
	if _, err := New(nil, testConfig(""), discardLogger(), "test"); err == nil {
		t.Fatal("expected error for nil context")
	}
}

func TestNew_RedisUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	cfg := testConfig("")
	cfg.StoreMode = config.StoreRedis
	cfg.Redis.URL = "redis://" + addr

	_, err := New(context.Background(), cfg, discardLogger(), "test")
	if err == nil || !strings.Contains(err.Error(), "init infra") {
		t.Fatalf("expected infra error, got %v", err)
	}
}

func TestNew_BadAltSafetyPattern(t *testing.T) {
	cfg := testConfig(upstream(t).URL + "/v1beta/openai/")
	cfg.AltSafetyPatterns = []string{"("}

	_, err := New(context.Background(), cfg, discardLogger(), "test")
	if err == nil || !strings.Contains(err.Error(), "init services") {
		t.Fatalf("expected services error, got %v", err)
	}
}

func TestApp_EndToEndMemory(t *testing.T) {
	cfg := testConfig(upstream(t).URL + "/v1beta/openai/")
	cfg.Keys = []string{"bad-key", "good-key"}
	cfg.Dispatch.ConcurrentRequests = 2

	a, err := New(context.Background(), cfg, discardLogger(), "1.0.0")
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	c := serve(t, a.Handler())

	status, body := get(t, c, "POST", "/v1/chat/completions",
		`{"model":"gemini-pro","messages":[{"role":"user","content":"ping"}]}`)
	if status != http.StatusOK || !strings.Contains(body, `"content":"pong"`) {
		t.Fatalf("chat: %d %s", status, body)
	}

	status, body = get(t, c, "POST", "/v1/chat/completions",
		`{"model":"gemini-pro","stream":true,"messages":[{"role":"user","content":"ping"}]}`)
	if status != http.StatusOK || !strings.HasSuffix(body, "data: [DONE]\n\n") {
		t.Fatalf("stream: %d %q", status, body)
	}

	status, body = get(t, c, "GET", "/v1/models", "")
	if status != http.StatusOK || !strings.Contains(body, `"id":"gemini-pro"`) {
		t.Fatalf("models: %d %s", status, body)
	}

	status, body = get(t, c, "GET", "/metrics", "")
	if status != http.StatusOK || !strings.Contains(body, "keyrelay_attempts_total") {
		t.Fatalf("metrics: %d", status)
	}

	// The rejected key is cooling down after the first request.
	status, body = get(t, c, "GET", "/api/dashboard-data", "")
	if status != http.StatusOK || !strings.Contains(body, `"active_key_count":1`) {
		t.Fatalf("dashboard: %d %s", status, body)
	}
}

func TestApp_RedisStore(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := testConfig(upstream(t).URL + "/v1beta/openai/")
	cfg.StoreMode = config.StoreRedis
	cfg.Redis.URL = "redis://" + mr.Addr()
	cfg.RateLimit.RPMLimit = 1
	cfg.Password = "pw"

	a, err := New(context.Background(), cfg, discardLogger(), "1.0.0")
	if err != nil {
		t.Fatal(err)
	}
	c := serve(t, a.Handler())

	chat := func() int {
		req, _ := http.NewRequest("POST", "http://test/v1/chat/completions",
			strings.NewReader(`{"model":"gemini-pro","messages":[{"role":"user","content":"ping"}]}`))
		req.Header.Set("Authorization", "Bearer pw")
		resp, err := c.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}
	if got := chat(); got != http.StatusOK {
		t.Fatalf("first request = %d", got)
	}
	if got := chat(); got != http.StatusTooManyRequests {
		t.Fatalf("second request = %d, want 429", got)
	}

	if status, _ := get(t, c, "GET", "/readiness", ""); status != http.StatusOK {
		t.Errorf("readiness = %d", status)
	}

	// Close flushes the stats recorder into Redis.
	a.Close()
	a.Close()

	members, err := mr.ZMembers(stats.DefaultRedisKey)
	if err != nil || len(members) != 1 {
		t.Fatalf("stats members = %v, err %v", members, err)
	}
	if strings.Contains(members[0], "good-key") {
		t.Errorf("raw key stored in redis: %q", members[0])
	}
}

func TestRedactURL(t *testing.T) {
	cases := map[string]string{
		"redis://:secret@localhost:6379":    "redis://***@localhost:6379",
		"redis://user:pw@cache.internal:63": "redis://***@cache.internal:63",
		"redis://localhost:6379":            "redis://localhost:6379",
	}
	for in, want := range cases {
		if got := redactURL(in); got != want {
			t.Errorf("redactURL(%q) = %q, want %q", in, got, want)
		}
	}
}
