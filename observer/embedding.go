package observer

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/calderahq/caldera"
)

// ObservedEmbedder wraps a caldera.EmbeddingProvider with OTEL
// instrumentation.
type ObservedEmbedder struct {
	inner caldera.EmbeddingProvider
	inst  *Instruments
}

// WrapEmbedder returns an instrumented embedding provider.
func WrapEmbedder(inner caldera.EmbeddingProvider, inst *Instruments) *ObservedEmbedder {
	return &ObservedEmbedder{inner: inner, inst: inst}
}

func (o *ObservedEmbedder) Dimensions() int { return o.inner.Dimensions() }
func (o *ObservedEmbedder) Model() string   { return o.inner.Model() }

func (o *ObservedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "embedding.embed", trace.WithAttributes(
		AttrLLMModel.String(o.inner.Model()),
		AttrEmbedTextCount.Int(len(texts)),
	))
	defer span.End()
	start := time.Now()

	vecs, err := o.inner.Embed(ctx, texts)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if len(vecs) > 0 {
		span.SetAttributes(AttrEmbedDimensions.Int(len(vecs[0])))
	}

	o.inst.EmbedRequests.Add(ctx, 1, metric.WithAttributes(
		AttrLLMModel.String(o.inner.Model()),
		attribute.String("status", status),
	))
	o.inst.EmbedDuration.Record(ctx, durationMs, metric.WithAttributes(
		AttrLLMModel.String(o.inner.Model()),
	))
	return vecs, err
}

var _ caldera.EmbeddingProvider = (*ObservedEmbedder)(nil)
