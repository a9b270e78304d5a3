package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/llamanexus/gateway/pkg/models"
)

func TestApplyAuthPrefersBearerTokenWhenNoOAuthURL(t *testing.T) {
	c := newClient(models.MCPServerDescriptor{BearerToken: "static-token"})
	req, _ := http.NewRequest(http.MethodGet, "http://example.invalid", nil)
	c.applyAuth(req)

	if got := req.Header.Get("Authorization"); got != "Bearer static-token" {
		t.Errorf("expected static bearer token, got %q", got)
	}
}

func TestApplyAuthFallsBackToAPIKeyHeader(t *testing.T) {
	c := newClient(models.MCPServerDescriptor{APIKeyHeader: "X-Api-Key", APIKeyValue: "secret"})
	req, _ := http.NewRequest(http.MethodGet, "http://example.invalid", nil)
	c.applyAuth(req)

	if got := req.Header.Get("X-Api-Key"); got != "secret" {
		t.Errorf("expected api key header set, got %q", got)
	}
}

func TestApplyAuthUsesOAuthClientCredentialsFlow(t *testing.T) {
	var tokenHits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/.well-known/oauth-authorization-server":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"token_endpoint":        "http://" + r.Host + "/token",
				"grant_types_supported": []string{"client_credentials"},
			})
		case "/token":
			tokenHits++
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"access_token": "minted-token",
				"token_type":   "Bearer",
				"expires_in":   3600,
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := newClient(models.MCPServerDescriptor{
		Name:              "oauth-server",
		OAuthURL:          srv.URL,
		OAuthClientID:     "client-id",
		OAuthClientSecret: "client-secret",
		BearerToken:       "should-not-be-used",
	})

	req, _ := http.NewRequest(http.MethodGet, "http://example.invalid", nil)
	c.applyAuth(req)

	if got := req.Header.Get("Authorization"); got != "Bearer minted-token" {
		t.Errorf("expected minted oauth token, got %q", got)
	}
	if tokenHits != 1 {
		t.Errorf("expected exactly one token request, got %d", tokenHits)
	}

	// A second call should reuse the cached, still-valid token rather than
	// hitting the token endpoint again.
	req2, _ := http.NewRequest(http.MethodGet, "http://example.invalid", nil)
	c.applyAuth(req2)
	if tokenHits != 1 {
		t.Errorf("expected token reuse on second call, got %d token fetches", tokenHits)
	}
}

func TestApplyAuthFallsBackWhenOnlyAuthorizationCodeAdvertised(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"token_endpoint":        "http://" + r.Host + "/token",
			"grant_types_supported": []string{"authorization_code"},
		})
	}))
	defer srv.Close()

	c := newClient(models.MCPServerDescriptor{
		Name:        "interactive-only",
		OAuthURL:    srv.URL,
		BearerToken: "fallback-token",
	})

	req, _ := http.NewRequest(http.MethodGet, "http://example.invalid", nil)
	c.applyAuth(req)

	if got := req.Header.Get("Authorization"); got != "Bearer fallback-token" {
		t.Errorf("expected fallback to static bearer token, got %q", got)
	}
	if !c.oauthUnsupported() {
		t.Errorf("expected oauthGiveUp to be set after a metadata response with no client_credentials grant")
	}
}

func TestFetchOAuthMetadataRejectsMissingTokenEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"grant_types_supported": []string{"client_credentials"}})
	}))
	defer srv.Close()

	_, err := fetchOAuthMetadata(context.Background(), srv.URL)
	if err == nil || !strings.Contains(err.Error(), "token_endpoint") {
		t.Errorf("expected a token_endpoint error, got %v", err)
	}
}
