package interceptor

import (
	"context"
	"slices"
	"sync"
)

type bypassKey struct{}

type recorderKey struct{}

// Bypass returns a context whose requests are never classified, so they
// cannot trigger a refresh. Refresh calls carry it automatically.
func Bypass(ctx context.Context) context.Context {
	return context.WithValue(ctx, bypassKey{}, true)
}

func isBypassed(ctx context.Context) bool {
	bypassed, _ := ctx.Value(bypassKey{}).(bool)
	return bypassed
}

// Recorder collects the Results of refreshes triggered by requests made with
// its context. Safe for concurrent use.
type Recorder struct {
	mu      sync.Mutex
	results []Result
}

// WithRecorder returns a context carrying a new Recorder.
func WithRecorder(ctx context.Context) (context.Context, *Recorder) {
	rec := &Recorder{}
	return context.WithValue(ctx, recorderKey{}, rec), rec
}

func recorderFrom(ctx context.Context) *Recorder {
	rec, _ := ctx.Value(recorderKey{}).(*Recorder)
	return rec
}

func (r *Recorder) add(res Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
}

// Results returns the recorded Results in completion order.
func (r *Recorder) Results() []Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.results)
}

// Refreshed reports whether any recorded refresh succeeded.
func (r *Recorder) Refreshed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.ContainsFunc(r.results, Result.Refreshed)
}
