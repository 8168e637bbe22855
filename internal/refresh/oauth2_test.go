package refresh

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"golang.org/x/oauth2"
)

type memoryStore struct {
	mu     sync.Mutex
	value  string
	writes int
}

func (m *memoryStore) Read(context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.value == "" {
		return "", errors.New("not found")
	}
	return m.value, nil
}

func (m *memoryStore) Write(_ context.Context, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.value = value
	m.writes++
	return nil
}

func (m *memoryStore) Delete(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.value = ""
	return nil
}

// readOnlyDisk returns its seed value and fails every write.
type readOnlyDisk struct {
	value string
}

func (d *readOnlyDisk) Read(context.Context) (string, error) { return d.value, nil }

func (d *readOnlyDisk) Write(context.Context, string) error { return errors.New("disk full") }

func (d *readOnlyDisk) Delete(context.Context) error { return errors.New("disk full") }

// tokenEndpoint issues access-N / refresh-N pairs and records the refresh tokens it receives.
type tokenEndpoint struct {
	server *httptest.Server
	calls  atomic.Int32

	mu          sync.Mutex
	received    []string
	contentType string
}

func newTokenEndpoint(t *testing.T, status int) *tokenEndpoint {
	t.Helper()

	e := &tokenEndpoint{}
	e.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := e.calls.Add(1)

		body, _ := io.ReadAll(r.Body)
		var refreshToken string
		if r.Header.Get("Content-Type") == "application/json" {
			var fields map[string]string
			_ = json.Unmarshal(body, &fields)
			refreshToken = fields["refresh_token"]
		} else {
			form, _ := url.ParseQuery(string(body))
			refreshToken = form.Get("refresh_token")
		}

		e.mu.Lock()
		e.received = append(e.received, refreshToken)
		e.contentType = r.Header.Get("Content-Type")
		e.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "access-" + strconv.Itoa(int(n)),
			"refresh_token": "refresh-" + strconv.Itoa(int(n)),
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	}))
	t.Cleanup(e.server.Close)
	return e
}

func (e *tokenEndpoint) config() *oauth2.Config {
	return &oauth2.Config{
		ClientID: "refreshwatch",
		Endpoint: oauth2.Endpoint{
			TokenURL:  e.server.URL + "/oauth/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

func TestOAuth2RefresherRotatesRefreshToken(t *testing.T) {
	endpoint := newTokenEndpoint(t, http.StatusOK)
	store := &memoryStore{value: "refresh-0"}

	r, err := NewOAuth2Refresher(endpoint.config(), store)
	if err != nil {
		t.Fatalf("NewOAuth2Refresher: %v", err)
	}

	outcome, err := r.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if outcome.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want 200", outcome.StatusCode)
	}
	if store.value != "refresh-1" {
		t.Errorf("stored refresh token = %q, want refresh-1", store.value)
	}

	if _, err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("second Refresh: %v", err)
	}

	endpoint.mu.Lock()
	received := append([]string(nil), endpoint.received...)
	endpoint.mu.Unlock()
	if len(received) != 2 || received[0] != "refresh-0" || received[1] != "refresh-1" {
		t.Errorf("refresh tokens sent = %v, want [refresh-0 refresh-1]", received)
	}
	if store.writes != 2 {
		t.Errorf("store writes = %d, want 2", store.writes)
	}
}

func TestOAuth2RefresherKeepsRotatedTokenWhenStoreFails(t *testing.T) {
	endpoint := newTokenEndpoint(t, http.StatusOK)

	r, err := NewOAuth2Refresher(endpoint.config(), &readOnlyDisk{value: "refresh-0"})
	if err != nil {
		t.Fatalf("NewOAuth2Refresher: %v", err)
	}

	for range 3 {
		if _, err := r.Refresh(context.Background()); err != nil {
			t.Fatalf("Refresh: %v", err)
		}
	}

	endpoint.mu.Lock()
	defer endpoint.mu.Unlock()
	want := []string{"refresh-0", "refresh-1", "refresh-2"}
	if len(endpoint.received) != len(want) {
		t.Fatalf("refresh tokens sent = %v, want %v", endpoint.received, want)
	}
	for i := range want {
		if endpoint.received[i] != want[i] {
			t.Errorf("refresh tokens sent = %v, want %v", endpoint.received, want)
			break
		}
	}
}

func TestOAuth2RefresherTokenSource(t *testing.T) {
	endpoint := newTokenEndpoint(t, http.StatusOK)

	r, err := NewOAuth2Refresher(endpoint.config(), &memoryStore{value: "refresh-0"})
	if err != nil {
		t.Fatalf("NewOAuth2Refresher: %v", err)
	}

	for range 3 {
		token, err := r.Token()
		if err != nil {
			t.Fatalf("Token: %v", err)
		}
		if token.AccessToken != "access-1" {
			t.Errorf("AccessToken = %q, want access-1", token.AccessToken)
		}
	}
	if got := endpoint.calls.Load(); got != 1 {
		t.Errorf("token endpoint calls = %d, want 1", got)
	}

	// A forced refresh replaces the cached access token.
	if _, err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	token, err := r.Token()
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if token.AccessToken != "access-2" {
		t.Errorf("AccessToken after refresh = %q, want access-2", token.AccessToken)
	}
}

func TestOAuth2RefresherJSONTokenRequests(t *testing.T) {
	endpoint := newTokenEndpoint(t, http.StatusOK)

	r, err := NewOAuth2Refresher(endpoint.config(), &memoryStore{value: "refresh-0"}, WithJSONTokenRequests())
	if err != nil {
		t.Fatalf("NewOAuth2Refresher: %v", err)
	}
	if _, err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	endpoint.mu.Lock()
	defer endpoint.mu.Unlock()
	if endpoint.contentType != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", endpoint.contentType)
	}
	if len(endpoint.received) != 1 || endpoint.received[0] != "refresh-0" {
		t.Errorf("refresh tokens sent = %v, want [refresh-0]", endpoint.received)
	}
}

func TestOAuth2RefresherRejected(t *testing.T) {
	endpoint := newTokenEndpoint(t, http.StatusUnauthorized)
	store := &memoryStore{value: "refresh-0"}

	r, err := NewOAuth2Refresher(endpoint.config(), store)
	if err != nil {
		t.Fatalf("NewOAuth2Refresher: %v", err)
	}

	outcome, err := r.Refresh(context.Background())
	if !errors.Is(err, ErrSessionExpired) {
		t.Errorf("Refresh error = %v, want ErrSessionExpired", err)
	}
	if outcome.StatusCode != http.StatusUnauthorized {
		t.Errorf("StatusCode = %d, want 401", outcome.StatusCode)
	}
	if store.writes != 0 {
		t.Errorf("store written %d times after failed refresh", store.writes)
	}
}

func TestOAuth2RefresherMissingStoredToken(t *testing.T) {
	endpoint := newTokenEndpoint(t, http.StatusOK)

	r, err := NewOAuth2Refresher(endpoint.config(), &memoryStore{})
	if err != nil {
		t.Fatalf("NewOAuth2Refresher: %v", err)
	}
	if _, err := r.Refresh(context.Background()); err == nil {
		t.Error("Refresh without stored token succeeded")
	}
	if got := endpoint.calls.Load(); got != 0 {
		t.Errorf("token endpoint calls = %d, want 0", got)
	}
}

func TestNewOAuth2RefresherValidation(t *testing.T) {
	store := &memoryStore{}
	if _, err := NewOAuth2Refresher(nil, store); err == nil {
		t.Error("nil config accepted")
	}
	if _, err := NewOAuth2Refresher(&oauth2.Config{}, store); err == nil {
		t.Error("config without token URL accepted")
	}
	if _, err := NewOAuth2Refresher(&oauth2.Config{Endpoint: oauth2.Endpoint{TokenURL: "http://localhost/token"}}, nil); err == nil {
		t.Error("nil store accepted")
	}
}
