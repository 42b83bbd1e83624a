package ordering

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vladislavdragonenkov/stockorders/internal/domain"
	"github.com/vladislavdragonenkov/stockorders/internal/metrics"
	"github.com/vladislavdragonenkov/stockorders/internal/tracing"
)

// observer - общая диагностика оркестраторов: спан на операцию и каждый шаг,
// гистограмма длительности шагов и debug-лог.
type observer struct {
	tracer  trace.Tracer
	metrics *metrics.OrderMetrics
	logger  *log.Entry
}

func newObserver(m *metrics.OrderMetrics, logger *log.Entry, component string) *observer {
	if logger == nil {
		logger = log.WithField("component", component)
	}
	return &observer{
		tracer:  tracing.Tracer(),
		metrics: m,
		logger:  logger,
	}
}

// operation - одна операция (create, confirm, quote) над одним заказом.
type operation struct {
	obs     *observer
	name    string
	span    trace.Span
	logger  *log.Entry
	started time.Time
}

func (o *observer) start(ctx context.Context, name string, fields log.Fields, attrs ...attribute.KeyValue) (context.Context, *operation) {
	ctx, span := o.tracer.Start(ctx, "ordering."+name, trace.WithAttributes(attrs...))
	logger := o.logger.WithField("operation", name)
	if len(fields) > 0 {
		logger = logger.WithFields(fields)
	}
	return ctx, &operation{obs: o, name: name, span: span, logger: logger, started: time.Now()}
}

// step выполняет fn внутри дочернего спана и замеряет его длительность.
func (op *operation) step(ctx context.Context, step string, fn func(ctx context.Context) error) error {
	ctx, span := op.obs.tracer.Start(ctx, "ordering."+op.name+"."+step)
	defer span.End()

	started := time.Now()
	err := fn(ctx)
	elapsed := time.Since(started)

	op.obs.metrics.RecordStepDuration(op.name, step, elapsed)
	entry := op.logger.WithFields(log.Fields{
		"step":        step,
		"duration_ms": elapsed.Milliseconds(),
	})
	if err != nil {
		markSpanError(span, err)
		entry.WithError(err).WithField("kind", domain.KindOf(err)).Debug("step failed")
		return err
	}
	entry.Debug("step completed")
	return nil
}

// end закрывает спан операции и пишет итог с уровнем по классу ошибки.
func (op *operation) end(err error) {
	defer op.span.End()

	entry := op.logger.WithField("duration_ms", time.Since(op.started).Milliseconds())
	if err == nil {
		entry.Info(op.name + " succeeded")
		return
	}

	markSpanError(op.span, err)
	kind := domain.KindOf(err)
	entry = entry.WithError(err).WithField("kind", kind)
	switch kind {
	case domain.ErrorKindUnavailable, domain.ErrorKindUnknown:
		entry.Error(op.name + " failed")
	case domain.ErrorKindCanceled:
		entry.Info(op.name + " canceled by caller")
	default:
		entry.Warn(op.name + " rejected")
	}
}

func markSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(otelcodes.Error, err.Error())
	span.SetAttributes(attribute.String("error.kind", string(domain.KindOf(err))))
}

// resultLabel - значение метки result для метрик.
func resultLabel(err error, success string) string {
	if err == nil {
		return success
	}
	return string(domain.KindOf(err))
}
