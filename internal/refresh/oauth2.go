package refresh

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/oauth2"

	"github.com/florianilch/refreshwatch/internal/credstore"
)

// OAuth2Option configures an OAuth2Refresher.
type OAuth2Option func(*oauth2RefresherConfig)

type oauth2RefresherConfig struct {
	baseTransport http.RoundTripper
	jsonRequests  bool
	timeout       time.Duration
}

// WithOAuth2Transport sets the base transport for token endpoint requests.
// If not provided, http.DefaultTransport is used.
func WithOAuth2Transport(transport http.RoundTripper) OAuth2Option {
	return func(c *oauth2RefresherConfig) {
		c.baseTransport = transport
	}
}

// WithJSONTokenRequests sends token requests as JSON instead of form-encoded,
// for providers that deviate from RFC 6749 in that way.
func WithJSONTokenRequests() OAuth2Option {
	return func(c *oauth2RefresherConfig) {
		c.jsonRequests = true
	}
}

// WithTokenTimeout bounds each token endpoint request. Defaults to 30s.
func WithTokenTimeout(timeout time.Duration) OAuth2Option {
	return func(c *oauth2RefresherConfig) {
		c.timeout = timeout
	}
}

// OAuth2Refresher renews a bearer session by exchanging the stored refresh
// token. Rotated refresh tokens are written back to the store.
//
// It is also an oauth2.TokenSource for the current access token, so the same
// instance can authorize outgoing requests through oauth2.Transport.
type OAuth2Refresher struct {
	config     *oauth2.Config
	store      credstore.Store
	httpClient *http.Client

	// mu serializes refreshes and guards current.
	mu      sync.Mutex
	current *oauth2.Token

	lastRefreshToken atomic.Pointer[string]
	writeMu          sync.Mutex
}

var (
	_ Refresher          = (*OAuth2Refresher)(nil)
	_ oauth2.TokenSource = (*OAuth2Refresher)(nil)
)

// NewOAuth2Refresher creates an OAuth2Refresher. No I/O is performed until the
// first Refresh or Token call.
func NewOAuth2Refresher(config *oauth2.Config, store credstore.Store, opts ...OAuth2Option) (*OAuth2Refresher, error) {
	if config == nil {
		return nil, fmt.Errorf("missing oauth2 config")
	}
	if config.Endpoint.TokenURL == "" {
		return nil, fmt.Errorf("missing oauth2 token URL")
	}
	if store == nil {
		return nil, fmt.Errorf("missing credential store")
	}

	cfg := &oauth2RefresherConfig{
		baseTransport: http.DefaultTransport,
		timeout:       30 * time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	transport := cfg.baseTransport
	if cfg.jsonRequests {
		transport = &jsonTokenTransport{base: transport}
	}

	return &OAuth2Refresher{
		config: config,
		store:  store,
		httpClient: &http.Client{
			Timeout:   cfg.timeout,
			Transport: transport,
		},
	}, nil
}

// Refresh exchanges the refresh token for a new access token.
func (r *OAuth2Refresher) Refresh(ctx context.Context) (Outcome, error) {
	start := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	refreshToken, err := r.refreshToken(ctx)
	if err != nil {
		return Outcome{Duration: time.Since(start)}, err
	}

	// oauth2 picks up the HTTP client from the context
	ctx = context.WithValue(ctx, oauth2.HTTPClient, r.httpClient)
	token, err := r.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		outcome := Outcome{Duration: time.Since(start)}

		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
			outcome.StatusCode = retrieveErr.Response.StatusCode
			outcome.Payload = retrieveErr.Body
			if statusErr := statusError(outcome.StatusCode, outcome.Payload); statusErr != nil {
				return outcome, statusErr
			}
		}
		return outcome, fmt.Errorf("refreshing oauth2 token: %w", err)
	}

	r.current = token
	r.persist(ctx, token.RefreshToken)

	return Outcome{
		StatusCode: http.StatusOK,
		Duration:   time.Since(start),
	}, nil
}

// Token returns the current access token, refreshing it when missing or expired.
func (r *OAuth2Refresher) Token() (*oauth2.Token, error) {
	r.mu.Lock()
	token := r.current
	r.mu.Unlock()

	if token.Valid() {
		return token, nil
	}

	// oauth2.TokenSource has no context parameter
	if _, err := r.Refresh(context.Background()); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current, nil
}

// refreshToken returns the refresh token for the next exchange: the one
// issued with the current token, else the stored one. Caller must hold mu.
func (r *OAuth2Refresher) refreshToken(ctx context.Context) (string, error) {
	if r.current != nil && r.current.RefreshToken != "" {
		return r.current.RefreshToken, nil
	}
	if last := r.lastRefreshToken.Load(); last != nil {
		return *last, nil
	}

	stored, err := r.store.Read(ctx)
	if err != nil {
		return "", fmt.Errorf("reading refresh token: %w", err)
	}
	r.lastRefreshToken.Store(&stored)
	return stored, nil
}

// persist writes a rotated refresh token back to the store. On failure the
// token stays in memory only and the write is retried after the next rotation.
func (r *OAuth2Refresher) persist(ctx context.Context, refreshToken string) {
	if last := r.lastRefreshToken.Load(); refreshToken == "" || (last != nil && *last == refreshToken) {
		return
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	// Rotated tokens are persisted even if the triggering request was canceled.
	if err := r.store.Write(context.WithoutCancel(ctx), refreshToken); err != nil {
		slog.ErrorContext(ctx, "failed to persist refresh token", "error", err)
		return
	}
	r.lastRefreshToken.Store(&refreshToken)
}

// jsonTokenTransport re-encodes form-encoded token requests as JSON.
// The oauth2 package only sends token endpoint requests through it.
type jsonTokenTransport struct {
	base http.RoundTripper
}

// Compile-time check that jsonTokenTransport implements http.RoundTripper.
var _ http.RoundTripper = (*jsonTokenTransport)(nil)

func (t *jsonTokenTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Body == nil {
		return t.base.RoundTrip(req)
	}
	defer func() { _ = req.Body.Close() }()

	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, fmt.Errorf("reading token request body: %w", err)
	}

	form, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, fmt.Errorf("parsing token request form: %w", err)
	}

	fields := make(map[string]string, len(form))
	for key, values := range form {
		fields[key] = values[0]
	}

	jsonBody, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encoding token request: %w", err)
	}

	out := req.Clone(req.Context())
	out.Body = io.NopCloser(bytes.NewReader(jsonBody))
	out.ContentLength = int64(len(jsonBody))
	out.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(jsonBody)), nil
	}
	out.Header.Set("Content-Type", "application/json")

	return t.base.RoundTrip(out)
}
