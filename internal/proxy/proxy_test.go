package proxy

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/portwayapi/portway/internal/cache"
	"github.com/portwayapi/portway/internal/config"
	"github.com/portwayapi/portway/internal/endpoint"
	"github.com/portwayapi/portway/internal/environment"
)

func testEnvironments(t *testing.T, headers map[string]string) *environment.Registry {
	t.Helper()
	dir := t.TempDir()
	global := map[string]any{
		"Environment": map[string]any{
			"ServerName":          "sql01",
			"AllowedEnvironments": []string{"600"},
		},
	}
	writeJSON(t, filepath.Join(dir, "settings.json"), global)
	settings := map[string]any{
		"ServerName":       "sql01",
		"ConnectionString": "Server=sql01;Database=env600;User Id=svc;Password=pw;",
		"Headers":          headers,
	}
	if err := os.MkdirAll(filepath.Join(dir, "600"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	writeJSON(t, filepath.Join(dir, "600", "settings.json"), settings)

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa key: %v", err)
	}
	return environment.NewRegistry(dir, key, nil)
}

func writeJSON(t *testing.T, path string, value any) {
	t.Helper()
	body, err := json.Marshal(value)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func proxyDefinition(upstream string) *endpoint.Definition {
	return &endpoint.Definition{
		Name: "Accounts",
		Kind: endpoint.KindProxy,
		Proxy: &endpoint.ProxyDefinition{
			UpstreamURL:        upstream,
			MethodTranslations: map[string]string{"MERGE": "PATCH"},
			AppendHeaders: map[string]map[string]string{
				"MERGE": {"X-Original-Method": "{ORIGINAL_METHOD}"},
			},
		},
	}
}

func newTestEngine(t *testing.T, envs *environment.Registry) *Engine {
	t.Helper()
	memory, err := cache.NewMemory(128, time.Minute)
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}
	cfg := config.ProxyConfig{Timeout: 5 * time.Second, DefaultCacheTTL: time.Minute, HeaderConflict: "skip"}
	return NewEngine(cfg, memory, envs, nil, nil)
}

func TestExecuteForwardsAndInjectsHeaders(t *testing.T) {
	var got *http.Request
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	envs := testEnvironments(t, map[string]string{"X-Tenant": "600"})
	engine := newTestEngine(t, envs)
	def := proxyDefinition(upstream.URL)

	request := httptest.NewRequest(http.MethodGet, "/api/600/Accounts/42?active=true", nil)
	recorder := httptest.NewRecorder()
	if err := engine.Execute(context.Background(), recorder, request, "600", def, []string{"42"}, ""); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if got == nil {
		t.Fatalf("upstream never called")
	}
	if got.URL.Path != "/42" || got.URL.RawQuery != "active=true" {
		t.Fatalf("target wrong: %s?%s", got.URL.Path, got.URL.RawQuery)
	}
	if got.Header.Get("X-Tenant") != "600" {
		t.Fatalf("environment header not injected")
	}
	if recorder.Header().Get(CacheHeader) != "MISS" {
		t.Fatalf("first request must be a miss, got %q", recorder.Header().Get(CacheHeader))
	}
}

func TestExecuteServesSecondReadFromCache(t *testing.T) {
	calls := 0
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"n":1}`))
	}))
	defer upstream.Close()

	engine := newTestEngine(t, testEnvironments(t, nil))
	def := proxyDefinition(upstream.URL)

	for i := 0; i < 2; i++ {
		request := httptest.NewRequest(http.MethodGet, "/api/600/Accounts", nil)
		recorder := httptest.NewRecorder()
		if err := engine.Execute(context.Background(), recorder, request, "600", def, nil, ""); err != nil {
			t.Fatalf("Execute %d: %v", i, err)
		}
		want := "MISS"
		if i == 1 {
			want = "HIT"
		}
		if got := recorder.Header().Get(CacheHeader); got != want {
			t.Fatalf("request %d: cache verdict %q, want %q", i, got, want)
		}
	}
	if calls != 1 {
		t.Fatalf("upstream called %d times, want 1", calls)
	}
}

func TestExecuteMutationInvalidatesCache(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{}`))
	}))
	defer upstream.Close()

	engine := newTestEngine(t, testEnvironments(t, nil))
	def := proxyDefinition(upstream.URL)

	get := func() string {
		request := httptest.NewRequest(http.MethodGet, "/api/600/Accounts", nil)
		recorder := httptest.NewRecorder()
		if err := engine.Execute(context.Background(), recorder, request, "600", def, nil, ""); err != nil {
			t.Fatalf("Execute: %v", err)
		}
		return recorder.Header().Get(CacheHeader)
	}

	get()
	if verdict := get(); verdict != "HIT" {
		t.Fatalf("expected warm cache, got %q", verdict)
	}

	post := httptest.NewRequest(http.MethodPost, "/api/600/Accounts", nil)
	if err := engine.Execute(context.Background(), httptest.NewRecorder(), post, "600", def, nil, ""); err != nil {
		t.Fatalf("Execute POST: %v", err)
	}
	if verdict := get(); verdict != "MISS" {
		t.Fatalf("mutation must invalidate the endpoint cache, got %q", verdict)
	}
}

func TestExecuteTranslatesMethod(t *testing.T) {
	var gotMethod, gotOriginal string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotOriginal = r.Header.Get("X-Original-Method")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer upstream.Close()

	engine := newTestEngine(t, testEnvironments(t, nil))
	def := proxyDefinition(upstream.URL)

	request := httptest.NewRequest("MERGE", "/api/600/Accounts/42", nil)
	if err := engine.Execute(context.Background(), httptest.NewRecorder(), request, "600", def, []string{"42"}, ""); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if gotMethod != "PATCH" {
		t.Fatalf("method not translated: %q", gotMethod)
	}
	if gotOriginal != "MERGE" {
		t.Fatalf("append header placeholder wrong: %q", gotOriginal)
	}

	// The header group is keyed by the inbound verb, so plain GETs stay bare.
	gotOriginal = ""
	request = httptest.NewRequest(http.MethodGet, "/api/600/Accounts/42", nil)
	if err := engine.Execute(context.Background(), httptest.NewRecorder(), request, "600", def, []string{"42"}, ""); err != nil {
		t.Fatalf("Execute GET: %v", err)
	}
	if gotOriginal != "" {
		t.Fatalf("GET must not pick up MERGE headers, got %q", gotOriginal)
	}
}

func TestExecuteStripsAuthorization(t *testing.T) {
	var gotAuth string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{}`))
	}))
	defer upstream.Close()

	engine := newTestEngine(t, testEnvironments(t, nil))
	def := proxyDefinition(upstream.URL)

	request := httptest.NewRequest(http.MethodGet, "/api/600/Accounts", nil)
	request.Header.Set("Authorization", "Bearer gateway-token")
	if err := engine.Execute(context.Background(), httptest.NewRecorder(), request, "600", def, nil, ""); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if gotAuth != "" {
		t.Fatalf("gateway bearer token crossed to the upstream: %q", gotAuth)
	}
}

func TestExecuteSkipsCacheForBinaryResponses(t *testing.T) {
	calls := 0
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/pdf")
		w.Write([]byte("%PDF-1.7"))
	}))
	defer upstream.Close()

	engine := newTestEngine(t, testEnvironments(t, nil))
	def := proxyDefinition(upstream.URL)

	for i := 0; i < 2; i++ {
		request := httptest.NewRequest(http.MethodGet, "/api/600/Accounts", nil)
		recorder := httptest.NewRecorder()
		if err := engine.Execute(context.Background(), recorder, request, "600", def, nil, ""); err != nil {
			t.Fatalf("Execute %d: %v", i, err)
		}
		if got := recorder.Header().Get(CacheHeader); got != "MISS" {
			t.Fatalf("request %d: binary payloads must bypass the cache, got %q", i, got)
		}
	}
	if calls != 2 {
		t.Fatalf("upstream called %d times, want 2", calls)
	}
}

func TestRewriteURLs(t *testing.T) {
	payload := []byte(`{"next":"http://internal:8080/api/items?page=2"}`)
	got := rewriteURLs(payload, "http://internal:8080/api", "https://gw.example/api/600/Items")
	want := `{"next":"https://gw.example/api/600/Items/items?page=2"}`
	if string(got) != want {
		t.Fatalf("rewrite wrong:\n got %s\nwant %s", got, want)
	}
}

func TestParseMaxAge(t *testing.T) {
	if ttl, ok := parseMaxAge("public, max-age=120"); !ok || ttl != 2*time.Minute {
		t.Fatalf("max-age not parsed: %v %v", ttl, ok)
	}
	if ttl, ok := parseMaxAge("no-store"); !ok || ttl != 0 {
		t.Fatalf("no-store must force zero ttl: %v %v", ttl, ok)
	}
	if _, ok := parseMaxAge(""); ok {
		t.Fatalf("empty header must report absent")
	}
}
