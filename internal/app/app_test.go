package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

// sessionBackend serves /api/* (406 unless the cookie is "rotated") and /refresh.
type sessionBackend struct {
	server *httptest.Server

	mu            sync.Mutex
	refreshCookie string
	apiCookies    []string
}

func newSessionBackend(t *testing.T) *sessionBackend {
	t.Helper()

	b := &sessionBackend{}
	b.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var token string
		if c, err := r.Cookie("token"); err == nil {
			token = c.Value
		}

		b.mu.Lock()
		defer b.mu.Unlock()

		switch {
		case r.URL.Path == "/refresh" && r.Method == http.MethodPost:
			b.refreshCookie = token
			http.SetCookie(w, &http.Cookie{Name: "token", Value: "rotated", Path: "/", HttpOnly: true})
			_, _ = w.Write([]byte(`{"message":"Refreshed"}`))
		case strings.HasPrefix(r.URL.Path, "/api/"):
			b.apiCookies = append(b.apiCookies, token)
			if token != "rotated" {
				w.WriteHeader(http.StatusNotAcceptable)
				return
			}
			_, _ = w.Write([]byte(`[]`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(b.server.Close)
	return b
}

func writeCredential(t *testing.T, value string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "session")
	if err := os.WriteFile(path, []byte(value+"\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func newCookieConfig(t *testing.T, backendURL, credentialFile string) *Config {
	t.Helper()
	cfg := &Config{
		Upstream: UpstreamConfig{BaseURL: backendURL},
		Refresh: RefreshConfig{
			URL:      backendURL + "/refresh",
			Dispatch: "sync",
		},
		Credentials: CredentialsConfig{
			Storage: CredentialStorageFile,
			File:    credentialFile,
		},
	}
	if err := cfg.ApplyDefaults(); err != nil {
		t.Fatalf("ApplyDefaults: %v", err)
	}
	return cfg
}

func TestAppRefreshesStoredSession(t *testing.T) {
	backend := newSessionBackend(t)
	credentialFile := writeCredential(t, "seed")

	a, err := New(context.Background(), newCookieConfig(t, backend.server.URL, credentialFile))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Close(context.Background()) })

	if session, ok := a.Session(); !ok || session != "seed" {
		t.Fatalf("Session() = %q, %v; want seed", session, ok)
	}

	resp, err := a.Client().Get(backend.server.URL + "/api/elections")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	_ = resp.Body.Close()

	if resp.StatusCode != http.StatusNotAcceptable {
		t.Errorf("status = %d, want 406 unchanged", resp.StatusCode)
	}

	backend.mu.Lock()
	refreshCookie := backend.refreshCookie
	backend.mu.Unlock()
	if refreshCookie != "seed" {
		t.Errorf("refresh request cookie = %q, want seed", refreshCookie)
	}

	if stats := a.Interceptor().Stats(); stats.Triggers != 1 || stats.Refreshed != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if session, _ := a.Session(); session != "rotated" {
		t.Errorf("session after refresh = %q, want rotated", session)
	}

	data, err := os.ReadFile(credentialFile)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if got := strings.TrimSpace(string(data)); got != "rotated" {
		t.Errorf("stored credential = %q, want rotated", got)
	}
}

func TestAppProxyUsesRotatedSession(t *testing.T) {
	backend := newSessionBackend(t)
	credentialFile := writeCredential(t, "seed")

	a, err := New(context.Background(), newCookieConfig(t, backend.server.URL, credentialFile))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Close(context.Background()) })

	first := httptest.NewRecorder()
	a.Handler().ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/api/elections", nil))
	if first.Code != http.StatusNotAcceptable {
		t.Fatalf("first status = %d, want 406", first.Code)
	}

	second := httptest.NewRecorder()
	a.Handler().ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/api/elections", nil))
	if second.Code != http.StatusOK {
		t.Errorf("second status = %d, want 200 after refresh", second.Code)
	}

	backend.mu.Lock()
	defer backend.mu.Unlock()
	want := []string{"seed", "rotated"}
	if len(backend.apiCookies) != len(want) {
		t.Fatalf("api cookies = %v, want %v", backend.apiCookies, want)
	}
	for i := range want {
		if backend.apiCookies[i] != want[i] {
			t.Errorf("api cookie %d = %q, want %q", i, backend.apiCookies[i], want[i])
		}
	}
}

func TestAppOmitCredentials(t *testing.T) {
	backend := newSessionBackend(t)
	cfg := newCookieConfig(t, backend.server.URL, writeCredential(t, "seed"))
	cfg.Refresh.OmitCredentials = true

	a, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Close(context.Background()) })

	resp, err := a.Client().Get(backend.server.URL + "/api/elections")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	_ = resp.Body.Close()

	backend.mu.Lock()
	defer backend.mu.Unlock()
	if backend.refreshCookie != "" {
		t.Errorf("refresh request carried cookie %q", backend.refreshCookie)
	}
}

func TestAppOAuth(t *testing.T) {
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"access-1","token_type":"Bearer","refresh_token":"refresh-2","expires_in":3600}`))
	}))
	t.Cleanup(tokenServer.Close)

	var gotAuth string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
	}))
	t.Cleanup(backend.Close)

	credentialFile := writeCredential(t, "refresh-1")
	cfg := &Config{
		Upstream: UpstreamConfig{BaseURL: backend.URL},
		Refresh: RefreshConfig{
			Method: RefreshMethodOAuth,
			OAuth:  OAuthConfig{TokenURL: tokenServer.URL, ClientID: "refreshwatch"},
		},
		Credentials: CredentialsConfig{Storage: CredentialStorageFile, File: credentialFile},
	}
	if err := cfg.ApplyDefaults(); err != nil {
		t.Fatalf("ApplyDefaults: %v", err)
	}

	a, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Close(context.Background()) })

	resp, err := a.Client().Get(backend.URL + "/api/elections")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	_ = resp.Body.Close()

	if gotAuth != "Bearer access-1" {
		t.Errorf("Authorization = %q, want Bearer access-1", gotAuth)
	}

	data, err := os.ReadFile(credentialFile)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if got := strings.TrimSpace(string(data)); got != "refresh-2" {
		t.Errorf("stored refresh token = %q, want refresh-2", got)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := &Config{
		Refresh: RefreshConfig{
			Method: RefreshMethodOAuth,
			OAuth:  OAuthConfig{TokenURL: "https://auth.example.com/token"},
		},
		Credentials: CredentialsConfig{Storage: CredentialStorageEnv, EnvKey: "SESSION"},
	}
	if err := cfg.ApplyDefaults(); err != nil {
		t.Fatalf("ApplyDefaults: %v", err)
	}

	if _, err := New(context.Background(), cfg); err == nil {
		t.Error("expected oauth with env storage to be rejected")
	}
}
