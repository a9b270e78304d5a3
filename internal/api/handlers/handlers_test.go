package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/llamanexus/gateway/internal/mcp"
	"github.com/llamanexus/gateway/internal/proxy"
	"github.com/llamanexus/gateway/internal/registry"
	"github.com/llamanexus/gateway/internal/toolloop"
	"github.com/llamanexus/gateway/pkg/models"
)

func newTestHandlers(t *testing.T, backendURL string) *Handlers {
	t.Helper()
	reg := registry.New()
	if backendURL != "" {
		if _, err := reg.Register(backendURL, models.KindChat, ""); err != nil {
			t.Fatalf("register backend: %v", err)
		}
	}
	pool := mcp.NewPool(context.Background(), nil)
	loop := toolloop.New(pool, 4)
	return New(reg, proxy.New(), pool, nil, nil, loop, 0)
}

// TestChatCompletionsBasic covers spec scenario S1: the gateway's response
// body equals the upstream body verbatim for a non-streaming chat request.
func TestChatCompletionsBasic(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"hello"}}],"model":"M"}`))
	}))
	defer upstream.Close()

	h := newTestHandlers(t, upstream.URL)

	reqBody := `{"model":"M","messages":[{"role":"user","content":"hi"}],"stream":false}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(reqBody))
	rec := httptest.NewRecorder()

	h.ChatCompletions(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var got map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	choices, ok := got["choices"].([]interface{})
	if !ok || len(choices) != 1 {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
	message := choices[0].(map[string]interface{})["message"].(map[string]interface{})
	if message["content"] != "hello" {
		t.Errorf("expected assistant content %q, got %v", "hello", message["content"])
	}
	if got["model"] != "M" {
		t.Errorf("expected model field to be preserved, got %v", got["model"])
	}
}

// TestChatCompletionsNoBackend covers spec scenario S2.
func TestChatCompletionsNoBackend(t *testing.T) {
	h := newTestHandlers(t, "")

	reqBody := `{"model":"M","messages":[{"role":"user","content":"hi"}],"stream":false}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(reqBody))
	rec := httptest.NewRecorder()

	h.ChatCompletions(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d: %s", rec.Code, rec.Body.String())
	}
	var got map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	errObj, ok := got["error"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected an error envelope, got: %s", rec.Body.String())
	}
	if errObj["type"] != "no_backend" {
		t.Errorf("expected error type no_backend, got %v", errObj["type"])
	}
	if errObj["message"] != "no chat backend available" {
		t.Errorf("expected exact message, got %v", errObj["message"])
	}
}

// TestChatCompletionsStreaming covers spec scenario S3: SSE frames relayed
// byte-identical and in order.
func TestChatCompletionsStreaming(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"A\"}}]}\n\n"))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer upstream.Close()

	h := newTestHandlers(t, upstream.URL)

	reqBody := `{"model":"M","messages":[{"role":"user","content":"hi"}],"stream":true}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(reqBody))
	rec := httptest.NewRecorder()

	h.ChatCompletions(rec, req)

	want := "data: {\"choices\":[{\"delta\":{\"content\":\"A\"}}]}\n\ndata: [DONE]\n\n"
	if rec.Body.String() != want {
		t.Errorf("expected byte-identical relayed frames\nwant: %q\ngot:  %q", want, rec.Body.String())
	}
	if rec.Header().Get("Content-Type") != "text/event-stream" {
		t.Errorf("expected SSE content type, got %q", rec.Header().Get("Content-Type"))
	}
}

func TestChatCompletionsMalformedBody(t *testing.T) {
	h := newTestHandlers(t, "")
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()

	h.ChatCompletions(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed json, got %d", rec.Code)
	}
}

func TestRegisterAndListBackends(t *testing.T) {
	h := newTestHandlers(t, "")

	registerBody := `{"url":"http://example.test:9/v1","kind":"chat"}`
	req := httptest.NewRequest(http.MethodPost, "/admin/servers/register", strings.NewReader(registerBody))
	rec := httptest.NewRecorder()
	h.RegisterBackend(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	listReq := httptest.NewRequest(http.MethodGet, "/admin/servers/?kind=chat", nil)
	listRec := httptest.NewRecorder()
	h.ListBackends(listRec, listReq)

	var views []models.BackendView
	if err := json.Unmarshal(listRec.Body.Bytes(), &views); err != nil {
		t.Fatalf("decode list response: %v", err)
	}
	if len(views) != 1 || views[0].URL != "http://example.test:9/v1" {
		t.Fatalf("unexpected backend list: %#v", views)
	}
}

func TestHealthEndpoint(t *testing.T) {
	h := newTestHandlers(t, "")
	req := httptest.NewRequest(http.MethodGet, "/v1/health", nil)
	rec := httptest.NewRecorder()
	h.Health(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got map[string]string
	_ = json.Unmarshal(rec.Body.Bytes(), &got)
	if got["status"] != "ok" {
		t.Errorf("expected status ok, got %v", got)
	}
}
