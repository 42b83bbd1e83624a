package ordering

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/stockorders/internal/domain"
	"github.com/vladislavdragonenkov/stockorders/internal/tracing"
)

// recordEvent пишет событие в outbox и timeline той же транзакции, что и изменение заказа.
func recordEvent(ctx context.Context, tx domain.Tx, orderID, eventType string, payload any, occurred time.Time) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", eventType, err)
	}

	msg := domain.OutboxMessage{
		ID:            uuid.NewString(),
		AggregateType: domain.AggregateTypeOrder,
		AggregateID:   orderID,
		EventType:     eventType,
		Payload:       data,
		Headers:       tracing.Inject(ctx),
		CreatedAt:     occurred,
	}
	if _, err := tx.Outbox().Enqueue(ctx, msg); err != nil {
		return fmt.Errorf("enqueue %s: %w", eventType, err)
	}

	event := domain.TimelineEvent{
		OrderID:  orderID,
		Type:     eventType,
		Occurred: occurred,
	}
	if err := tx.Timeline().Append(ctx, event); err != nil {
		return fmt.Errorf("append timeline %s: %w", eventType, err)
	}
	return nil
}
