// Package tracing связывает спаны OpenTelemetry сервиса с заголовками событий outbox.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName - имя tracer'а для всех спанов сервиса.
const InstrumentationName = "github.com/vladislavdragonenkov/stockorders"

var propagator = propagation.TraceContext{}

// Tracer возвращает tracer из глобального провайдера. Без настроенного SDK спаны не записываются.
func Tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}

// Inject сохраняет контекст трассировки ctx в карту заголовков (traceparent, tracestate).
// Возвращает nil, если в ctx нет валидного спана.
func Inject(ctx context.Context) map[string]string {
	if !trace.SpanContextFromContext(ctx).IsValid() {
		return nil
	}
	carrier := propagation.MapCarrier{}
	propagator.Inject(ctx, carrier)
	if len(carrier) == 0 {
		return nil
	}
	return carrier
}

// Extract восстанавливает удалённый контекст трассировки из заголовков события.
func Extract(ctx context.Context, headers map[string]string) context.Context {
	if len(headers) == 0 {
		return ctx
	}
	return propagator.Extract(ctx, propagation.MapCarrier(headers))
}
