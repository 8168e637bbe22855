package refresh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// DefaultURL is the session refresh endpoint of the local backend.
const DefaultURL = "http://localhost:8080/refresh"

// maxPayloadSize caps how much of the refresh response body is kept.
const maxPayloadSize = 1 << 20

var (
	// ErrSessionExpired is returned when the refresh credential itself is no longer valid.
	ErrSessionExpired = errors.New("session expired")
	// ErrSessionTakenOver is returned when the session was claimed by another device.
	ErrSessionTakenOver = errors.New("session active on another device")
	// ErrRejected is returned for any other non-success refresh response.
	ErrRejected = errors.New("refresh rejected")
)

// Refresher renews an expired session.
type Refresher interface {
	Refresh(ctx context.Context) (Outcome, error)
}

// Outcome describes a completed refresh call.
type Outcome struct {
	// StatusCode of the refresh response, zero if no response was received.
	StatusCode int
	// Payload is the raw response body, truncated to 1 MiB.
	Payload  []byte
	Duration time.Duration
}

// Error is returned when the refresh endpoint answered with a non-success status.
type Error struct {
	StatusCode int
	Payload    []byte
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("refresh endpoint returned %d: %v", e.StatusCode, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// statusError maps a refresh response status to an error, nil for 2xx.
func statusError(status int, payload []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}

	var err error
	switch status {
	case http.StatusUnauthorized:
		err = ErrSessionExpired
	case http.StatusNetworkAuthenticationRequired:
		err = ErrSessionTakenOver
	default:
		err = ErrRejected
	}
	return &Error{StatusCode: status, Payload: payload, Err: err}
}

// HTTPOption configures an HTTPRefresher.
type HTTPOption func(*httpRefresherConfig)

type httpRefresherConfig struct {
	url       string
	transport http.RoundTripper
	jar       http.CookieJar
}

// WithURL overrides DefaultURL.
func WithURL(rawURL string) HTTPOption {
	return func(c *httpRefresherConfig) {
		c.url = rawURL
	}
}

// WithTransport sets the transport used for refresh calls.
// If not provided, http.DefaultTransport is used.
func WithTransport(transport http.RoundTripper) HTTPOption {
	return func(c *httpRefresherConfig) {
		c.transport = transport
	}
}

// WithCredentials attaches the cookies of jar to refresh calls and stores the
// cookies set by the refresh response back into it.
func WithCredentials(jar http.CookieJar) HTTPOption {
	return func(c *httpRefresherConfig) {
		c.jar = jar
	}
}

// HTTPRefresher renews a cookie session by POSTing to the refresh endpoint.
type HTTPRefresher struct {
	client *http.Client
	url    string
}

// Compile-time check to ensure HTTPRefresher implements Refresher
var _ Refresher = (*HTTPRefresher)(nil)

// NewHTTPRefresher creates an HTTPRefresher.
func NewHTTPRefresher(opts ...HTTPOption) (*HTTPRefresher, error) {
	cfg := &httpRefresherConfig{
		url:       DefaultURL,
		transport: http.DefaultTransport,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	u, err := url.Parse(cfg.url)
	if err != nil {
		return nil, fmt.Errorf("invalid refresh URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid refresh URL %q: scheme must be http or https", cfg.url)
	}

	return &HTTPRefresher{
		client: &http.Client{
			Transport: cfg.transport,
			Jar:       cfg.jar,
		},
		url: u.String(),
	}, nil
}

// URL returns the refresh endpoint.
func (r *HTTPRefresher) URL() string {
	return r.url
}

// Refresh sends one POST to the refresh endpoint.
func (r *HTTPRefresher) Refresh(ctx context.Context) (Outcome, error) {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, http.NoBody)
	if err != nil {
		return Outcome{}, fmt.Errorf("creating refresh request: %w", err)
	}
	req.Header.Set("Accept", "*/*")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := r.client.Do(req)
	if err != nil {
		return Outcome{Duration: time.Since(start)}, fmt.Errorf("sending refresh request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxPayloadSize))
	outcome := Outcome{
		StatusCode: resp.StatusCode,
		Payload:    payload,
		Duration:   time.Since(start),
	}
	if err != nil {
		return outcome, fmt.Errorf("reading refresh response: %w", err)
	}

	return outcome, statusError(resp.StatusCode, payload)
}
