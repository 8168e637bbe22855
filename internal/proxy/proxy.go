package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/florianilch/refreshwatch/internal/interceptor"
)

// StatsProvider exposes interceptor counters.
type StatsProvider interface {
	Stats() interceptor.Stats
}

// Option configures a Proxy.
type Option func(*config)

type config struct {
	stats  StatsProvider
	logger *slog.Logger
}

// WithStats serves the counters of p on GET /-/stats.
func WithStats(p StatsProvider) Option {
	return func(c *config) {
		c.stats = p
	}
}

// WithLogger sets the access logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// Proxy forwards local traffic to the upstream backend through the shared,
// intercepted transport.
type Proxy struct {
	router chi.Router
	server *http.Server
}

// Compile-time check that Proxy implements http.Handler
var _ http.Handler = (*Proxy)(nil)

// New creates a Proxy for upstreamURL. Every forwarded request goes through transport.
func New(upstreamURL string, transport http.RoundTripper, opts ...Option) (*Proxy, error) {
	upstream, err := url.Parse(upstreamURL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream URL: %w", err)
	}
	if upstream.Scheme == "" || upstream.Host == "" {
		return nil, fmt.Errorf("invalid upstream URL %q: scheme and host required", upstreamURL)
	}
	if transport == nil {
		return nil, fmt.Errorf("missing transport")
	}

	cfg := &config{logger: slog.Default()}
	for _, opt := range opts {
		opt(cfg)
	}

	reverseProxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(upstream)
			pr.SetXForwarded()
		},
		// Flush as soon as the upstream flushes
		FlushInterval: -1,
		Transport:     transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			slog.ErrorContext(r.Context(), "upstream request failed", "error", err)
			writeJSONError(r.Context(), w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		},
	}

	r := chi.NewRouter()
	r.Use(Recovery)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(r.Context(), w, map[string]string{"status": "ok"}, http.StatusOK)
	})
	if cfg.stats != nil {
		r.Get("/-/stats", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(r.Context(), w, cfg.stats.Stats(), http.StatusOK)
		})
	}

	r.Group(func(r chi.Router) {
		r.Use(Logging(cfg.logger))
		r.Handle("/*", reverseProxy)
	})

	return &Proxy{router: r}, nil
}

// ServeHTTP implements http.Handler interface
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.router.ServeHTTP(w, r)
}

// Start starts the HTTP server in the background and returns immediately.
// Startup errors (port in use, permission denied) are returned directly;
// runtime errors are sent to the returned channel, which is closed when the
// server stops.
func (p *Proxy) Start(ctx context.Context, address string) (<-chan error, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	return p.Serve(ctx, listener), nil
}

// Serve serves on an existing listener. See Start.
func (p *Proxy) Serve(ctx context.Context, listener net.Listener) <-chan error {
	p.server = &http.Server{
		Handler:           p,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       90 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		err := p.server.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	return errCh
}

// Shutdown gracefully stops the server, forcing it closed if ctx expires first.
func (p *Proxy) Shutdown(ctx context.Context) error {
	if p.server == nil {
		return nil
	}

	if err := p.server.Shutdown(ctx); err != nil {
		_ = p.server.Close()
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}
