// Package trace keeps per-request phase timings for scans.
package trace

import (
	"context"
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type requestTraceContextKey string

const traceContextKey requestTraceContextKey = "trace"

// Phase names a timed section of a scan.
type Phase string

const (
	PhaseExtract Phase = "extract"
	PhaseDetect  Phase = "detect"
	PhaseRedact  Phase = "redact"
	PhaseAudit   Phase = "audit"
)

type span struct {
	start, end time.Time
}

type RequestTrace struct {
	ID      string
	Start   time.Time
	Sampled bool

	mu      sync.Mutex
	phases  map[Phase]span
	logOnce sync.Once
}

// NewRequestTrace starts a trace; sampleRate in [0,1] decides whether LogAt
// emits anything.
func NewRequestTrace(sampleRate float64) *RequestTrace {
	return &RequestTrace{
		ID:      uuid.NewString(),
		Start:   time.Now(),
		Sampled: sampleRate > 0 && mathrand.Float64() <= sampleRate,
		phases:  map[Phase]span{},
	}
}

func WithContext(ctx context.Context, tr *RequestTrace) context.Context {
	if tr == nil {
		return ctx
	}
	return context.WithValue(ctx, traceContextKey, tr)
}

func FromContext(ctx context.Context) (*RequestTrace, bool) {
	if ctx == nil {
		return nil, false
	}
	tr, ok := ctx.Value(traceContextKey).(*RequestTrace)
	return tr, ok
}

// Begin records the start of p and returns the function that ends it.
// It is safe on a nil trace.
func (t *RequestTrace) Begin(p Phase) func() {
	if t == nil {
		return func() {}
	}
	t.mu.Lock()
	t.phases[p] = span{start: time.Now()}
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		s := t.phases[p]
		s.end = time.Now()
		t.phases[p] = s
		t.mu.Unlock()
	}
}

// Duration returns how long p took, 0 if it never finished.
func (t *RequestTrace) Duration(p Phase) time.Duration {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.phases[p]
	return durationBetween(s.start, s.end)
}

// Elapsed is the time since the trace started.
func (t *RequestTrace) Elapsed() time.Duration {
	if t == nil {
		return 0
	}
	return time.Since(t.Start)
}

// LogAt writes one debug line with every phase duration, once.
func (t *RequestTrace) LogAt(logger zerolog.Logger, end time.Time) {
	if t == nil || !t.Sampled {
		return
	}
	t.logOnce.Do(func() {
		ev := logger.Debug().
			Str("trace", t.ID).
			Dur("total", durationBetween(t.Start, end))
		for _, p := range []Phase{PhaseExtract, PhaseDetect, PhaseRedact, PhaseAudit} {
			if d := t.Duration(p); d > 0 {
				ev = ev.Dur(string(p), d)
			}
		}
		ev.Msg("request trace")
	})
}

func durationBetween(start, end time.Time) time.Duration {
	if start.IsZero() || end.IsZero() || end.Before(start) {
		return 0
	}
	return end.Sub(start)
}
