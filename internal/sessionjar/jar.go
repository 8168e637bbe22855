// Package sessionjar provides the cookie jar that carries the session
// credential on refresh calls and keeps the rotated session cookie across runs.
package sessionjar

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/publicsuffix"

	"github.com/florianilch/refreshwatch/internal/credstore"
)

// DefaultCookieName is the name of the session cookie set by the backend.
const DefaultCookieName = "token"

// Option configures a PersistentJar.
type Option func(*PersistentJar)

// WithCookieName overrides DefaultCookieName.
func WithCookieName(name string) Option {
	return func(j *PersistentJar) {
		j.cookieName = name
	}
}

// WithStore persists the session cookie in store. Without a store the jar
// only lives in memory.
func WithStore(store credstore.Store) Option {
	return func(j *PersistentJar) {
		j.store = store
	}
}

// PersistentJar is an http.CookieJar that persists one session cookie.
type PersistentJar struct {
	jar        *cookiejar.Jar
	origin     *url.URL
	cookieName string
	store      credstore.Store

	lastValue atomic.Pointer[string]
	writeMu   sync.Mutex
}

// Compile-time check to ensure PersistentJar implements http.CookieJar
var _ http.CookieJar = (*PersistentJar)(nil)

// New creates a PersistentJar for the session issued by origin.
func New(origin string, opts ...Option) (*PersistentJar, error) {
	u, err := url.Parse(origin)
	if err != nil {
		return nil, fmt.Errorf("invalid session origin: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid session origin %q: missing host", origin)
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("creating cookie jar: %w", err)
	}

	j := &PersistentJar{
		jar:        jar,
		origin:     &url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/"},
		cookieName: DefaultCookieName,
	}
	for _, opt := range opts {
		opt(j)
	}
	if j.cookieName == "" {
		return nil, fmt.Errorf("cookie name cannot be empty")
	}

	return j, nil
}

// Load seeds the jar with the stored session cookie and reports whether one
// was found. Without a stored cookie the session starts empty.
func (j *PersistentJar) Load(ctx context.Context) bool {
	if j.store == nil {
		return false
	}

	value, err := j.store.Read(ctx)
	if err != nil {
		slog.WarnContext(ctx, "no stored session cookie", "error", err)
		return false
	}

	j.lastValue.Store(&value)
	j.jar.SetCookies(j.origin, []*http.Cookie{{
		Name:     j.cookieName,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
	}})
	return true
}

// Set replaces the session cookie and persists it.
func (j *PersistentJar) Set(ctx context.Context, value string) error {
	j.jar.SetCookies(j.origin, []*http.Cookie{{
		Name:     j.cookieName,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
	}})
	return j.persist(ctx, value)
}

// SetCookies implements http.CookieJar. A new value of the session cookie is
// written to the store. When the server deletes the session cookie the
// stored value is removed too. Persistence failures are logged.
func (j *PersistentJar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	j.jar.SetCookies(u, cookies)

	// http.CookieJar has no context parameter
	ctx := context.Background()
	for _, c := range cookies {
		if c.Name != j.cookieName {
			continue
		}
		if deleted(c) {
			slog.WarnContext(ctx, "session ended by server", "cookie", c.Name)
			if err := j.clear(ctx); err != nil {
				slog.ErrorContext(ctx, "failed to clear stored session cookie", "error", err)
			}
			continue
		}
		if err := j.persist(ctx, c.Value); err != nil {
			slog.ErrorContext(ctx, "failed to persist session cookie", "error", err)
		}
	}
}

func deleted(c *http.Cookie) bool {
	return c.Value == "" || c.MaxAge < 0 || (!c.Expires.IsZero() && c.Expires.Before(time.Now()))
}

// Cookies implements http.CookieJar.
func (j *PersistentJar) Cookies(u *url.URL) []*http.Cookie {
	return j.jar.Cookies(u)
}

// Session returns the current session cookie value for the origin.
func (j *PersistentJar) Session() (string, bool) {
	for _, c := range j.jar.Cookies(j.origin) {
		if c.Name == j.cookieName {
			return c.Value, true
		}
	}
	return "", false
}

func (j *PersistentJar) persist(ctx context.Context, value string) error {
	if j.store == nil {
		return nil
	}

	// Hot path: lock-free check for unchanged values
	if last := j.lastValue.Load(); last != nil && *last == value {
		return nil
	}

	j.writeMu.Lock()
	defer j.writeMu.Unlock()

	if err := j.store.Write(ctx, value); err != nil {
		return err
	}
	j.lastValue.Store(&value)
	return nil
}

func (j *PersistentJar) clear(ctx context.Context) error {
	if j.store == nil {
		return nil
	}

	j.writeMu.Lock()
	defer j.writeMu.Unlock()

	j.lastValue.Store(nil)
	return j.store.Delete(ctx)
}
