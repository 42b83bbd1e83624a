package metrics

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// OrderMetrics - метрики создания и подтверждения заказов.
// Все методы допускают nil-получатель, чтобы сервисы могли работать без метрик.
type OrderMetrics struct {
	ordersCreated        *prometheus.CounterVec
	confirmations        *prometheus.CounterVec
	confirmationDuration prometheus.Histogram
	stepDuration         *prometheus.HistogramVec
	stockConflicts       prometheus.Counter
	unitsDecremented     prometheus.Counter
	outboxEvents         prometheus.Counter
	timelineEvents       prometheus.Counter
	activeConfirmations  prometheus.Gauge
}

// NewOrderMetrics регистрирует метрики в prometheus.DefaultRegisterer.
func NewOrderMetrics() *OrderMetrics {
	return NewOrderMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewOrderMetricsWithRegisterer регистрирует метрики в переданном реестре.
// Повторная регистрация возвращает уже существующие коллекторы.
func NewOrderMetricsWithRegisterer(registerer prometheus.Registerer) *OrderMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &OrderMetrics{
		ordersCreated: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oms_orders_created_total",
			Help: "Order creation attempts by result",
		}, []string{"result"})),
		confirmations: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oms_order_confirmations_total",
			Help: "Order confirmation attempts by result (confirmed, quoted or error kind)",
		}, []string{"result"})),
		confirmationDuration: register(registerer, prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "oms_order_confirmation_duration_seconds",
			Help:    "Duration of the whole confirmation transaction in seconds",
			Buckets: prometheus.DefBuckets,
		})),
		stepDuration: register(registerer, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "oms_order_step_duration_seconds",
			Help:    "Duration of individual order creation and confirmation steps in seconds",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"operation", "step"})),
		stockConflicts: register(registerer, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oms_stock_cas_conflicts_total",
			Help: "Stock compare-and-swap attempts that affected no rows",
		})),
		unitsDecremented: register(registerer, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oms_stock_units_decremented_total",
			Help: "Stock units taken by committed confirmations",
		})),
		outboxEvents: register(registerer, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oms_outbox_events_enqueued_total",
			Help: "Outbox events written together with order changes",
		})),
		timelineEvents: register(registerer, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oms_timeline_events_total",
			Help: "Total number of timeline events recorded",
		})),
		activeConfirmations: register(registerer, prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "oms_active_confirmations",
			Help: "Number of confirmation transactions in flight",
		})),
	}
}

func register[C prometheus.Collector](registerer prometheus.Registerer, collector C) C {
	err := registerer.Register(collector)
	if err == nil {
		return collector
	}

	var alreadyRegistered prometheus.AlreadyRegisteredError
	if errors.As(err, &alreadyRegistered) {
		existing, ok := alreadyRegistered.ExistingCollector.(C)
		if !ok {
			panic(fmt.Sprintf("collector already registered with unexpected type %T", alreadyRegistered.ExistingCollector))
		}
		return existing
	}
	panic(fmt.Sprintf("register collector: %v", err))
}

// RecordOrderCreated учитывает попытку создания заказа. Пустой result означает успех.
func (m *OrderMetrics) RecordOrderCreated(result string) {
	if m == nil {
		return
	}
	if result == "" {
		result = "created"
	}
	m.ordersCreated.WithLabelValues(result).Inc()
}

// ConfirmationStarted увеличивает gauge активных подтверждений и возвращает функцию завершения.
func (m *OrderMetrics) ConfirmationStarted() func(result string, duration time.Duration) {
	if m == nil {
		return func(string, time.Duration) {}
	}
	m.activeConfirmations.Inc()
	return func(result string, duration time.Duration) {
		m.activeConfirmations.Dec()
		m.confirmations.WithLabelValues(result).Inc()
		m.confirmationDuration.Observe(duration.Seconds())
	}
}

// RecordStepDuration записывает длительность шага операции (create, confirm, quote).
func (m *OrderMetrics) RecordStepDuration(operation, step string, duration time.Duration) {
	if m == nil {
		return
	}
	m.stepDuration.WithLabelValues(operation, step).Observe(duration.Seconds())
}

// RecordStockConflict учитывает CAS, проигравший конкурентной транзакции.
func (m *OrderMetrics) RecordStockConflict() {
	if m == nil {
		return
	}
	m.stockConflicts.Inc()
}

// RecordUnitsDecremented учитывает списанные единицы после commit.
func (m *OrderMetrics) RecordUnitsDecremented(units int) {
	if m == nil || units <= 0 {
		return
	}
	m.unitsDecremented.Add(float64(units))
}

func (m *OrderMetrics) RecordOutboxEvent() {
	if m == nil {
		return
	}
	m.outboxEvents.Inc()
}

func (m *OrderMetrics) RecordTimelineEvent() {
	if m == nil {
		return
	}
	m.timelineEvents.Inc()
}
