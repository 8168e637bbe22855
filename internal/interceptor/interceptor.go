package interceptor

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/florianilch/refreshwatch/internal/refresh"
)

// Refresher renews the session after a trigger.
type Refresher interface {
	Refresh(ctx context.Context) (refresh.Outcome, error)
}

// DispatchMode controls whether RoundTrip waits for the refresh.
type DispatchMode int

const (
	// DispatchAsync runs the refresh in the background and returns the
	// triggering response immediately.
	DispatchAsync DispatchMode = iota
	// DispatchSync runs the refresh before returning the triggering response.
	DispatchSync
)

// ParseDispatchMode parses "async" or "sync".
func ParseDispatchMode(s string) (DispatchMode, error) {
	switch s {
	case "", "async":
		return DispatchAsync, nil
	case "sync":
		return DispatchSync, nil
	default:
		return DispatchAsync, fmt.Errorf("unknown dispatch mode %q", s)
	}
}

// Event describes one intercepted response.
type Event struct {
	ID         string
	Reason     TriggerReason
	Method     string
	URL        string
	StatusCode int
	At         time.Time
}

// Result is the outcome of the refresh dispatched for an Event.
type Result struct {
	Event   Event
	Outcome refresh.Outcome
	Err     error
}

// Refreshed reports whether the refresh succeeded.
func (r Result) Refreshed() bool {
	return r.Err == nil
}

// Observer receives every Result. Observers run on the dispatching goroutine
// and must not block.
type Observer func(Result)

// Stats are cumulative counters of a Transport.
type Stats struct {
	Triggers  uint64 `json:"triggers"`
	Refreshed uint64 `json:"refreshed"`
	Failed    uint64 `json:"failed"`
}

// Option configures a Transport.
type Option func(*Transport)

// WithBase sets the wrapped transport. Defaults to http.DefaultTransport.
func WithBase(base http.RoundTripper) Option {
	return func(t *Transport) {
		t.base = base
	}
}

// WithClassifier replaces the trigger rule.
func WithClassifier(classify Classifier) Option {
	return func(t *Transport) {
		t.classify = classify
	}
}

// WithTriggerStatus triggers on the given status codes instead of 406.
func WithTriggerStatus(statuses ...int) Option {
	return WithClassifier(StatusClassifier(statuses...))
}

// WithDispatchMode sets the dispatch mode. Defaults to DispatchAsync.
func WithDispatchMode(mode DispatchMode) Option {
	return func(t *Transport) {
		t.mode = mode
	}
}

// WithRefreshTimeout bounds each refresh. Zero disables the bound.
func WithRefreshTimeout(timeout time.Duration) Option {
	return func(t *Transport) {
		t.timeout = timeout
	}
}

// WithObserver adds an Observer.
func WithObserver(observer Observer) Option {
	return func(t *Transport) {
		t.observers = append(t.observers, observer)
	}
}

// Transport is an http.RoundTripper that dispatches a refresh for every
// response its Classifier flags. Responses are returned to the caller unchanged.
type Transport struct {
	base      http.RoundTripper
	refresher Refresher
	classify  Classifier
	mode      DispatchMode
	timeout   time.Duration
	observers []Observer

	inflight inflight

	triggers  atomic.Uint64
	refreshed atomic.Uint64
	failed    atomic.Uint64
}

// Compile-time check that Transport implements http.RoundTripper.
var _ http.RoundTripper = (*Transport)(nil)

// New creates a Transport that calls refresher on every trigger.
func New(refresher Refresher, opts ...Option) (*Transport, error) {
	if refresher == nil {
		return nil, fmt.Errorf("missing refresher")
	}

	t := &Transport{
		base:      http.DefaultTransport,
		refresher: refresher,
		classify:  StatusClassifier(),
		mode:      DispatchAsync,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.base == nil {
		t.base = http.DefaultTransport
	}
	if t.classify == nil {
		return nil, fmt.Errorf("missing classifier")
	}

	return t, nil
}

// Register installs a Transport on client, wrapping its current transport.
// WithBase, if given, takes precedence over the client's transport.
func Register(client *http.Client, refresher Refresher, opts ...Option) (*Transport, error) {
	if client == nil {
		return nil, fmt.Errorf("missing client")
	}

	base := client.Transport
	if base == nil {
		base = http.DefaultTransport
	}

	t, err := New(refresher, append([]Option{WithBase(base)}, opts...)...)
	if err != nil {
		return nil, err
	}

	client.Transport = t
	return t, nil
}

// RoundTrip implements http.RoundTripper interface.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err != nil || isBypassed(req.Context()) {
		return resp, err
	}

	reason := t.classify(resp)
	if reason == TriggerNone {
		return resp, nil
	}

	ev := Event{
		ID:         uuid.NewString(),
		Reason:     reason,
		Method:     req.Method,
		URL:        redactURL(req),
		StatusCode: resp.StatusCode,
		At:         time.Now(),
	}
	t.dispatch(req.Context(), ev)

	return resp, nil
}

// Stats returns a snapshot of the counters.
func (t *Transport) Stats() Stats {
	return Stats{
		Triggers:  t.triggers.Load(),
		Refreshed: t.refreshed.Load(),
		Failed:    t.failed.Load(),
	}
}

// Wait blocks until no refresh is in flight or ctx is done. It may be called
// while the client is still in use; refreshes dispatched after Wait returns
// are not covered.
func (t *Transport) Wait(ctx context.Context) error {
	select {
	case <-t.inflight.idle():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for in-flight refreshes: %w", ctx.Err())
	}
}

func (t *Transport) dispatch(ctx context.Context, ev Event) {
	t.triggers.Add(1)

	logger := slog.Default().With(eventAttrs(ctx, ev)...)
	logger.InfoContext(ctx, "refresh triggered", "mode", t.mode.String())

	rec := recorderFrom(ctx)

	// The refresh outlives the triggering request.
	ctx = Bypass(context.WithoutCancel(ctx))

	if t.mode == DispatchSync {
		t.run(ctx, logger, ev, rec)
		return
	}

	t.inflight.add()
	go func() {
		defer t.inflight.done()
		t.run(ctx, logger, ev, rec)
	}()
}

func (t *Transport) run(ctx context.Context, logger *slog.Logger, ev Event, rec *Recorder) {
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	outcome, err := t.refresher.Refresh(ctx)
	res := Result{Event: ev, Outcome: outcome, Err: err}

	if err != nil {
		t.failed.Add(1)
		logger.WarnContext(ctx, "refresh failed",
			"refresh_status", outcome.StatusCode,
			"duration", outcome.Duration,
			"error", err,
		)
	} else {
		t.refreshed.Add(1)
		logger.InfoContext(ctx, "refreshed",
			"refresh_status", outcome.StatusCode,
			"duration", outcome.Duration,
		)
	}
	if len(outcome.Payload) > 0 {
		logger.DebugContext(ctx, "refresh payload", "payload", string(outcome.Payload))
	}

	if rec != nil {
		rec.add(res)
	}
	for _, observe := range t.observers {
		observe(res)
	}
}

// inflight counts running refreshes. Unlike sync.WaitGroup it allows waiting
// concurrently with new dispatches.
type inflight struct {
	mu     sync.Mutex
	n      int
	idleCh chan struct{}
}

func (f *inflight) add() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.n == 0 {
		f.idleCh = make(chan struct{})
	}
	f.n++
}

func (f *inflight) done() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n--
	if f.n == 0 {
		close(f.idleCh)
	}
}

// idle returns a channel that is closed once the count drops to zero.
func (f *inflight) idle() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.n == 0 {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return f.idleCh
}

// String implements fmt.Stringer.
func (m DispatchMode) String() string {
	if m == DispatchSync {
		return "sync"
	}
	return "async"
}

func eventAttrs(ctx context.Context, ev Event) []any {
	attrs := []any{
		"event_id", ev.ID,
		"reason", ev.Reason.String(),
		"method", ev.Method,
		"url", ev.URL,
		"status", ev.StatusCode,
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		attrs = append(attrs, "trace_id", sc.TraceID().String())
	}
	return attrs
}

// redactURL drops credentials and query parameters from the logged URL.
func redactURL(req *http.Request) string {
	if req.URL == nil {
		return ""
	}
	u := *req.URL
	u.User = nil
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}
