package detect

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"secureflow/internal/otel"
)

var tracer = otel.Tracer("secureflow/internal/detect")

// Pipeline runs every available detector of a registry over the same text
// and resolves their candidates.
type Pipeline struct {
	registry *Registry
	handles  []*Handle
}

// NewPipeline snapshots the available handles of reg.
func NewPipeline(reg *Registry) *Pipeline {
	return &Pipeline{registry: reg, handles: reg.Available()}
}

// Registry returns the registry the pipeline was built from.
func (p *Pipeline) Registry() *Registry { return p.registry }

// Run detects entities in text. Detectors run concurrently and each writes
// its own slot; slots are concatenated in registration order so the result
// does not depend on completion order. A detector that fails or panics
// contributes no candidates. Only a contract violation fails the call.
func (p *Pipeline) Run(ctx context.Context, text string) (Result, error) {
	ctx, span := tracer.Start(ctx, "detect.pipeline",
		trace.WithAttributes(
			attribute.Int("text.bytes", len(text)),
			attribute.Int("detectors", len(p.handles)),
		))
	defer span.End()

	slots := make([][]Entity, len(p.handles))
	var wg sync.WaitGroup
	for i, h := range p.handles {
		wg.Add(1)
		go func(i int, h *Handle) {
			defer wg.Done()
			slots[i] = p.invoke(ctx, h, text)
		}(i, h)
	}
	wg.Wait()

	total := 0
	for _, s := range slots {
		total += len(s)
	}
	candidates := make([]Entity, 0, total)
	for _, s := range slots {
		candidates = append(candidates, s...)
	}

	res, err := Resolve(text, candidates)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "contract violation")
		log.Error().Func(otel.LogTraceFields(ctx)).Err(err).Msg("detection failed")
		return Result{}, err
	}
	recordResult(ctx, total, res)
	span.SetAttributes(
		attribute.Int("candidates", total),
		attribute.Int("entities", len(res.Entities)),
	)
	return res, nil
}

func (p *Pipeline) invoke(ctx context.Context, h *Handle, text string) (out []Entity) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Func(otel.LogTraceFields(ctx)).
				Str("detector", h.Name).
				Interface("panic", r).
				Msg("detector panicked, treating as no candidates")
			recordDetectorError(ctx, h.Name)
			out = nil
		}
	}()

	if h.Serialize {
		h.mu.Lock()
		defer h.mu.Unlock()
	}
	dctx := ctx
	if h.Timeout > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, h.Timeout)
		defer cancel()
	}

	entities, err := h.Detector.Detect(dctx, text)
	if err != nil {
		log.Warn().
			Func(otel.LogTraceFields(ctx)).
			Str("detector", h.Name).
			Str("kind", string(h.Kind)).
			Err(err).
			Msg("detector failed, treating as no candidates")
		recordDetectorError(ctx, h.Name)
		return nil
	}
	return entities
}
