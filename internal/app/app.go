package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"

	"github.com/florianilch/refreshwatch/internal/credstore"
	"github.com/florianilch/refreshwatch/internal/interceptor"
	"github.com/florianilch/refreshwatch/internal/proxy"
	"github.com/florianilch/refreshwatch/internal/refresh"
	"github.com/florianilch/refreshwatch/internal/sessionjar"
)

// App orchestrates the shared intercepted client, the proxy server and the
// credential store.
type App struct {
	cfg *Config

	client      *http.Client
	interceptor *interceptor.Transport
	jar         *sessionjar.PersistentJar
	closeStore  func() error

	proxy *proxy.Proxy
}

// New creates a new App instance. The stored session, if any, is loaded here.
func New(ctx context.Context, cfg *Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	store, closeStore, err := cfg.Credentials.NewStore()
	if err != nil {
		return nil, fmt.Errorf("failed to create credential store: %w", err)
	}

	a := &App{cfg: cfg, closeStore: closeStore}
	if err := a.build(ctx, store); err != nil {
		_ = closeStore()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, store credstore.Store) error {
	cfg := a.cfg

	mode, err := interceptor.ParseDispatchMode(cfg.Refresh.Dispatch)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	var (
		refresher interceptor.Refresher
		base      http.RoundTripper
	)

	switch cfg.Refresh.Method {
	case RefreshMethodCookie:
		jarOpts := []sessionjar.Option{sessionjar.WithCookieName(cfg.Refresh.CookieName)}
		if store != nil {
			jarOpts = append(jarOpts, sessionjar.WithStore(store))
		}
		jar, err := sessionjar.New(cfg.Refresh.URL, jarOpts...)
		if err != nil {
			return fmt.Errorf("failed to create session jar: %w", err)
		}
		if jar.Load(ctx) {
			slog.InfoContext(ctx, "loaded stored session", "cookie", cfg.Refresh.CookieName)
		}
		a.jar = jar

		refreshOpts := []refresh.HTTPOption{refresh.WithURL(cfg.Refresh.URL)}
		if !cfg.Refresh.OmitCredentials {
			refreshOpts = append(refreshOpts, refresh.WithCredentials(jar))
		}
		httpRefresher, err := refresh.NewHTTPRefresher(refreshOpts...)
		if err != nil {
			return fmt.Errorf("failed to create refresher: %w", err)
		}

		refresher = httpRefresher
		base = &sessionjar.Transport{Jar: jar}

	case RefreshMethodOAuth:
		oauthCfg := &oauth2.Config{
			ClientID:     cfg.Refresh.OAuth.ClientID,
			ClientSecret: cfg.Refresh.OAuth.ClientSecret,
			Scopes:       cfg.Refresh.OAuth.Scopes,
			Endpoint:     oauth2.Endpoint{TokenURL: cfg.Refresh.OAuth.TokenURL},
		}
		var oauthOpts []refresh.OAuth2Option
		if cfg.Refresh.OAuth.JSONRequests {
			oauthOpts = append(oauthOpts, refresh.WithJSONTokenRequests())
		}
		oauthRefresher, err := refresh.NewOAuth2Refresher(oauthCfg, store, oauthOpts...)
		if err != nil {
			return fmt.Errorf("failed to create refresher: %w", err)
		}

		refresher = oauthRefresher
		base = &oauth2.Transport{Source: oauthRefresher, Base: http.DefaultTransport}

	default:
		return fmt.Errorf("unsupported refresh method: %s", cfg.Refresh.Method)
	}

	a.client = &http.Client{Transport: base}
	a.interceptor, err = interceptor.Register(a.client, refresher,
		interceptor.WithTriggerStatus(cfg.Refresh.TriggerStatus),
		interceptor.WithDispatchMode(mode),
		interceptor.WithRefreshTimeout(cfg.Refresh.Timeout),
	)
	if err != nil {
		return fmt.Errorf("failed to register interceptor: %w", err)
	}

	a.proxy, err = proxy.New(cfg.Upstream.BaseURL, a.client.Transport, proxy.WithStats(a.interceptor))
	if err != nil {
		return fmt.Errorf("failed to create proxy: %w", err)
	}

	return nil
}

// Client returns the shared intercepted client.
func (a *App) Client() *http.Client {
	return a.client
}

// Interceptor returns the transport installed on Client.
func (a *App) Interceptor() *interceptor.Transport {
	return a.interceptor
}

// Handler returns the proxy handler.
func (a *App) Handler() http.Handler {
	return a.proxy
}

// Session returns the current session cookie value, if the cookie refresh
// method is in use and a session is known.
func (a *App) Session() (string, bool) {
	if a.jar == nil {
		return "", false
	}
	return a.jar.Session()
}

// Start starts all services and blocks until shutdown is triggered.
// Uses errgroup for runtime error monitoring and shutdown function collection for coordinated cleanup.
func (a *App) Start(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	address := a.cfg.Server.Host + ":" + strconv.FormatUint(uint64(a.cfg.Server.Port), 10)

	// Run in reverse order: proxy first, then pending refreshes, then storage.
	shutdownFuncs := []func(context.Context) error{
		func(context.Context) error { return a.closeStore() },
		a.interceptor.Wait,
	}

	slog.InfoContext(gCtx, "starting proxy server",
		"address", address,
		"upstream", a.cfg.Upstream.BaseURL,
		"refresh_url", a.cfg.Refresh.URL,
	)
	proxyErrCh, err := a.proxy.Start(gCtx, address)
	if err != nil {
		_ = a.closeStore()
		return fmt.Errorf("proxy startup failed: %w", err)
	}
	shutdownFuncs = append(shutdownFuncs, a.proxy.Shutdown)

	// Monitor runtime errors - errgroup cancels context on first error
	g.Go(func() error {
		select {
		case err := <-proxyErrCh:
			if err != nil {
				slog.ErrorContext(gCtx, "proxy runtime error", "error", err)
				return fmt.Errorf("proxy: %w", err)
			}
			return nil
		case <-gCtx.Done():
			return nil
		}
	})

	slog.InfoContext(gCtx, "application ready", "address", address)

	runtimeErr := g.Wait()

	slog.InfoContext(gCtx, "shutting down services")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Shutdown.Timeout)
	defer cancel()

	var errs []error
	if runtimeErr != nil {
		errs = append(errs, fmt.Errorf("runtime: %w", runtimeErr))
	}

	for i := len(shutdownFuncs) - 1; i >= 0; i-- {
		if err := shutdownFuncs[i](shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "service shutdown failed", "error", err)
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	slog.Info("application stopped", "stats", a.interceptor.Stats())
	return nil
}

// Close drains in-flight refreshes and releases the credential store. Use it
// instead of Start's shutdown when the App only serves Client.
func (a *App) Close(ctx context.Context) error {
	return errors.Join(a.interceptor.Wait(ctx), a.closeStore())
}
