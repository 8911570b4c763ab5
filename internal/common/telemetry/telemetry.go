// Package telemetry wires OTel tracing around the coordination core:
// runbook and turn execution, lease arbitration, and the director API.
//
// Tracing is a no-op (zero overhead) unless OTEL_EXPORTER_OTLP_ENDPOINT is
// set. LIMINAL_TRACE_SAMPLE (0..1) thins the span stream for chatty
// runbooks; unset or invalid means sample everything.
package telemetry

import (
	"context"
	"os"
	"strconv"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const serviceName = "liminal-director"

// Span attribute keys for the coordination domain.
const (
	AttrEpochID  = "liminal.epoch_id"
	AttrRunbook  = "liminal.runbook"
	AttrTurnID   = "liminal.turn_id"
	AttrRole     = "liminal.role"
	AttrAgentID  = "liminal.agent_id"
	AttrResource = "liminal.resource"
)

var (
	mu          sync.Mutex
	provider    trace.TracerProvider
	sdkProvider *sdktrace.TracerProvider
)

// ensureProvider initializes the tracer provider on first use.
func ensureProvider() trace.TracerProvider {
	mu.Lock()
	defer mu.Unlock()
	if provider != nil {
		return provider
	}

	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		provider = noop.NewTracerProvider()
		return provider
	}

	exporter, err := otlptracehttp.New(context.Background(),
		otlptracehttp.WithEndpoint(stripScheme(endpoint)),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		provider = noop.NewTracerProvider()
		return provider
	}

	res, err := resource.Merge(resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(serviceName)))
	if err != nil {
		res = resource.Default()
	}

	sdkProvider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler()),
	)
	provider = sdkProvider
	otel.SetTracerProvider(provider)
	return provider
}

// sampler reads the LIMINAL_TRACE_SAMPLE ratio.
func sampler() sdktrace.Sampler {
	raw := os.Getenv("LIMINAL_TRACE_SAMPLE")
	ratio, err := strconv.ParseFloat(raw, 64)
	if raw == "" || err != nil || ratio >= 1 {
		return sdktrace.AlwaysSample()
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

// stripScheme drops http(s):// for otlptracehttp's endpoint option.
func stripScheme(endpoint string) string {
	for _, prefix := range []string{"https://", "http://"} {
		if strings.HasPrefix(endpoint, prefix) {
			return endpoint[len(prefix):]
		}
	}
	return endpoint
}

// Tracer returns a named tracer for one component.
func Tracer(component string) trace.Tracer {
	return ensureProvider().Tracer("liminal/" + component)
}

// StartRunbookSpan opens the span covering one epoch's execution.
func StartRunbookSpan(ctx context.Context, epochID, runbookName string) (context.Context, trace.Span) {
	return Tracer("director").Start(ctx, "runbook.execute",
		trace.WithAttributes(
			attribute.String(AttrEpochID, epochID),
			attribute.String(AttrRunbook, runbookName),
		))
}

// StartTurnSpan opens the span covering one turn, nested under the runbook
// span carried by ctx.
func StartTurnSpan(ctx context.Context, epochID string, turnID int, role string) (context.Context, trace.Span) {
	return Tracer("director").Start(ctx, "turn.execute",
		trace.WithAttributes(
			attribute.String(AttrEpochID, epochID),
			attribute.Int(AttrTurnID, turnID),
			attribute.String(AttrRole, role),
		))
}

// LeaseEvent annotates the span in ctx with a lease arbitration outcome
// ("lease.granted", "lease.deferred", "lease.escalated").
func LeaseEvent(ctx context.Context, name, resource, agentID string) {
	trace.SpanFromContext(ctx).AddEvent(name,
		trace.WithAttributes(
			attribute.String(AttrResource, resource),
			attribute.String(AttrAgentID, agentID),
		))
}

// Shutdown flushes pending spans.
func Shutdown(ctx context.Context) error {
	mu.Lock()
	defer mu.Unlock()
	if sdkProvider != nil {
		return sdkProvider.Shutdown(ctx)
	}
	return nil
}
