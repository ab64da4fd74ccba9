package detect

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("secureflow/internal/detect")

var (
	entitiesDetected metric.Int64Counter
	detectorErrors   metric.Int64Counter
	candidatesTotal  metric.Int64Histogram
)

func init() {
	var err error
	entitiesDetected, err = meter.Int64Counter("secureflow.entities.detected",
		metric.WithDescription("Resolved entities by type"))
	if err != nil {
		entitiesDetected, _ = meter.Int64Counter("secureflow.entities.detected.fallback")
	}

	detectorErrors, err = meter.Int64Counter("secureflow.detector.errors",
		metric.WithDescription("Detector calls that failed and were treated as empty"))
	if err != nil {
		detectorErrors, _ = meter.Int64Counter("secureflow.detector.errors.fallback")
	}

	candidatesTotal, err = meter.Int64Histogram("secureflow.candidates",
		metric.WithDescription("Candidate spans handed to the resolver per request"))
	if err != nil {
		candidatesTotal, _ = meter.Int64Histogram("secureflow.candidates.fallback")
	}
}

func recordResult(ctx context.Context, candidates int, res Result) {
	candidatesTotal.Record(ctx, int64(candidates))
	for typ, n := range res.Summary {
		entitiesDetected.Add(ctx, int64(n), metric.WithAttributes(attribute.String("entity.type", typ)))
	}
}

func recordDetectorError(ctx context.Context, name string) {
	detectorErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("detector", name)))
}
