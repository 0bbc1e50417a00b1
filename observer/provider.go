package observer

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/calderahq/caldera"
)

// ObservedProvider wraps a caldera.LLMProvider with OTEL instrumentation.
type ObservedProvider struct {
	inner caldera.LLMProvider
	inst  *Instruments
}

// WrapProvider returns an instrumented provider that emits traces, metrics
// and logs around every call.
func WrapProvider(inner caldera.LLMProvider, inst *Instruments) *ObservedProvider {
	return &ObservedProvider{inner: inner, inst: inst}
}

func (o *ObservedProvider) Name() string { return o.inner.Name() }

func (o *ObservedProvider) Chat(ctx context.Context, req caldera.ChatRequest) (caldera.ChatResponse, error) {
	spanName := "llm.chat"
	method := "chat"
	attrs := []attribute.KeyValue{
		AttrLLMModel.String(req.Model),
		AttrLLMProvider.String(o.inner.Name()),
	}
	if len(req.Tools) > 0 {
		names := make([]string, len(req.Tools))
		for i, t := range req.Tools {
			names[i] = t.Name
		}
		attrs = append(attrs, AttrToolCount.Int(len(req.Tools)), AttrToolNames.StringSlice(names))
		spanName = "llm.chat_with_tools"
		method = "chat_with_tools"
	}

	ctx, span := o.inst.Tracer.Start(ctx, spanName, trace.WithAttributes(attrs...))
	defer span.End()
	start := time.Now()

	resp, err := o.inner.Chat(ctx, req)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	o.record(ctx, span, req.Model, method, status, durationMs, resp.Usage)
	return resp, err
}

func (o *ObservedProvider) ChatStream(ctx context.Context, req caldera.ChatRequest, ch chan<- caldera.ChatStreamChunk) error {
	ctx, span := o.inst.Tracer.Start(ctx, "llm.chat_stream", trace.WithAttributes(
		AttrLLMModel.String(req.Model),
		AttrLLMProvider.String(o.inner.Name()),
	))
	defer span.End()
	start := time.Now()

	// Count chunks and collect usage while relaying. The inner provider
	// closes wrapped; we close ch when the relay drains.
	wrapped := make(chan caldera.ChatStreamChunk, 16)
	chunks := 0
	var usage caldera.Usage
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer close(ch)
		for chunk := range wrapped {
			chunks++
			if chunk.Usage != nil {
				usage.Add(*chunk.Usage)
			}
			select {
			case ch <- chunk:
			case <-ctx.Done():
				// Keep draining so the inner provider can finish.
			}
		}
	}()

	err := o.inner.ChatStream(ctx, req, wrapped)
	<-done

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(AttrStreamChunks.Int(chunks))
	o.record(ctx, span, req.Model, "chat_stream", status, durationMs, usage)
	return err
}

func (o *ObservedProvider) record(ctx context.Context, span trace.Span, model, method, status string, durationMs float64, usage caldera.Usage) {
	cost := o.inst.Cost.Calculate(model, usage.PromptTokens, usage.CompletionTokens)
	span.SetAttributes(
		AttrTokensInput.Int(usage.PromptTokens),
		AttrTokensOutput.Int(usage.CompletionTokens),
		AttrCostUSD.Float64(cost),
	)

	methodAttr := metric.WithAttributes(
		AttrLLMProvider.String(o.inner.Name()),
		AttrLLMMethod.String(method),
		attribute.String("status", status),
	)
	o.inst.LLMRequests.Add(ctx, 1, methodAttr)
	o.inst.LLMDuration.Record(ctx, durationMs, metric.WithAttributes(
		AttrLLMProvider.String(o.inner.Name()),
		AttrLLMMethod.String(method),
	))
	if usage.TotalTokens > 0 {
		o.inst.TokenUsage.Add(ctx, int64(usage.TotalTokens), metric.WithAttributes(AttrLLMModel.String(model)))
	}
	if cost > 0 {
		o.inst.CostTotal.Add(ctx, cost, metric.WithAttributes(AttrLLMModel.String(model)))
	}

	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("llm call"))
	rec.AddAttributes(
		otellog.String("llm.model", model),
		otellog.String("llm.method", method),
		otellog.String("llm.status", status),
		otellog.Int("llm.tokens.total", usage.TotalTokens),
		otellog.Float64("llm.duration_ms", durationMs),
	)
	o.inst.Logger.Emit(ctx, rec)
}

var _ caldera.LLMProvider = (*ObservedProvider)(nil)
