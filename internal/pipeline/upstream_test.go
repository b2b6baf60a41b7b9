package pipeline

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/divanvisagie/reservoir/internal/apperr"
)

func newTestUpstream(openAIURL, ollamaURL string) *Upstream {
	return NewUpstream(openAIURL, ollamaURL, 5*time.Second, 4, 3, 1, time.Second)
}

func Test_Forward_RelaysStatusAndBodyVerbatim(t *testing.T) {
	var gotAuth string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"hi"}}]}`))
	}))
	defer srv.Close()

	u := newTestUpstream(srv.URL, srv.URL)
	status, body, err := u.Forward(context.Background(), "gpt-4o-mini", "Bearer sk-test", []byte(`{"model":"gpt-4o-mini"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if gotAuth != "Bearer sk-test" {
		t.Fatalf("expected the Authorization header passed through, got %q", gotAuth)
	}
	if string(gotBody) != `{"model":"gpt-4o-mini"}` {
		t.Fatalf("expected the outbound body verbatim, got %q", gotBody)
	}
	if len(body) == 0 {
		t.Fatal("expected the upstream body back")
	}
}

func Test_Forward_ReturnsUpstreamErrorStatusWithoutAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":{"message":"boom"}}`))
	}))
	defer srv.Close()

	u := newTestUpstream(srv.URL, srv.URL)
	status, body, err := u.Forward(context.Background(), "gpt-4o-mini", "", nil)
	if err != nil {
		t.Fatalf("expected a non-2xx upstream status to come back without a transport error, got %v", err)
	}
	if status != http.StatusInternalServerError || len(body) == 0 {
		t.Fatalf("expected the upstream's own 500 and body, got %d %q", status, body)
	}
}

func Test_Forward_SurfacesConnectionFailureAsUpstreamUnavailable(t *testing.T) {
	u := newTestUpstream("http://127.0.0.1:1/chat/completions", "http://127.0.0.1:1/chat/completions")

	_, _, err := u.Forward(context.Background(), "gpt-4o-mini", "", nil)
	if err == nil {
		t.Fatal("expected an error for a refused connection")
	}
	appErr, ok := apperr.As(err)
	if !ok || appErr.Kind != apperr.UpstreamUnavailable {
		t.Fatalf("expected UpstreamUnavailable, got %v", err)
	}
}

func Test_BaseURLFor_DispatchesOnModelFamily(t *testing.T) {
	u := newTestUpstream("https://openai.example/v1/chat/completions", "http://ollama.local/v1/chat/completions")

	if got := u.baseURLFor("gpt-4o-mini"); got != u.openAIURL {
		t.Fatalf("expected the OpenAI upstream for gpt-4o-mini, got %s", got)
	}
	if got := u.baseURLFor("llama3:8b"); got != u.ollamaURL {
		t.Fatalf("expected the Ollama upstream for llama3, got %s", got)
	}
}

func Test_ProxyRaw_RelaysPathQueryAndHeaders(t *testing.T) {
	var gotPath, gotAccept string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path + "?" + r.URL.RawQuery
		gotAccept = r.Header.Get("Accept")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()

	u := newTestUpstream(srv.URL+"/v1/chat/completions", srv.URL)
	header := http.Header{"Accept": []string{"application/json"}, "Connection": []string{"keep-alive"}}
	status, respHeader, body, err := u.ProxyRaw(context.Background(), http.MethodGet, "/v1/models?limit=5", header, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != http.StatusOK || string(body) != `{"data":[]}` {
		t.Fatalf("expected the upstream response verbatim, got %d %q", status, body)
	}
	if gotPath != "/v1/models?limit=5" {
		t.Fatalf("expected the path and query relayed, got %s", gotPath)
	}
	if gotAccept != "application/json" {
		t.Fatalf("expected end-to-end headers relayed, got Accept=%q", gotAccept)
	}
	if respHeader.Get("Content-Type") != "application/json" {
		t.Fatalf("expected response headers back, got %v", respHeader)
	}
}
