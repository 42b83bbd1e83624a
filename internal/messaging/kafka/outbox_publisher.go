package kafka

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vladislavdragonenkov/stockorders/internal/domain"
	"github.com/vladislavdragonenkov/stockorders/internal/tracing"
)

// OutboxTopicPublisher публикует outbox-сообщения в заданный Kafka topic.
// Спан публикации продолжает трассу, сохранённую в заголовках сообщения.
type OutboxTopicPublisher struct {
	producer     *Producer
	topic        string
	extraHeaders map[string]string
	tracer       trace.Tracer
	now          func() time.Time
}

// NewOutboxPublisher создаёт Kafka-паблишер для transactional outbox.
func NewOutboxPublisher(producer *Producer, topic string) *OutboxTopicPublisher {
	if topic == "" {
		topic = TopicOrderEvents
	}
	return &OutboxTopicPublisher{
		producer: producer,
		topic:    topic,
		tracer:   tracing.Tracer(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// NewDLQPublisher создаёт паблишер в DLQ; в заголовках остаётся исходный topic.
func NewDLQPublisher(producer *Producer, dlqTopic, originalTopic string) *OutboxTopicPublisher {
	if dlqTopic == "" {
		dlqTopic = TopicDeadLetterQueue
	}
	if originalTopic == "" {
		originalTopic = TopicOrderEvents
	}
	p := NewOutboxPublisher(producer, dlqTopic)
	p.extraHeaders = map[string]string{HeaderOriginalTopic: originalTopic}
	return p
}

// Topic возвращает topic назначения.
func (p *OutboxTopicPublisher) Topic() string {
	return p.topic
}

func (p *OutboxTopicPublisher) Publish(ctx context.Context, event domain.OutboxMessage) error {
	if p == nil || p.producer == nil {
		return fmt.Errorf("kafka outbox publisher is not initialized")
	}

	ctx = tracing.Extract(ctx, event.Headers)
	ctx, span := p.tracer.Start(ctx, "kafka.publish "+p.topic,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination.name", p.topic),
			attribute.String("messaging.message.id", event.ID),
			attribute.String("order.id", event.AggregateID),
		),
	)
	defer span.End()

	key := event.AggregateID
	if key == "" {
		key = event.ID
	}

	headers := make(map[string]string, len(event.Headers)+len(p.extraHeaders)+2)
	for k, v := range event.Headers {
		headers[k] = v
	}
	for k, v := range p.extraHeaders {
		headers[k] = v
	}
	for k, v := range tracing.Inject(ctx) {
		headers[k] = v
	}
	headers[HeaderEventType] = event.EventType
	headers[HeaderOutboxID] = event.ID

	if err := p.producer.PublishEvent(ctx, p.topic, key, NewEnvelope(event, p.now()), headers); err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
		return fmt.Errorf("%w: %w", domain.ErrOutboxPublish, err)
	}
	return nil
}

var _ domain.OutboxPublisher = (*OutboxTopicPublisher)(nil)
