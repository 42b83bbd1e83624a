package app

import (
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/stockorders/internal/metrics"
	"github.com/vladislavdragonenkov/stockorders/internal/pricing"
	grpcsvc "github.com/vladislavdragonenkov/stockorders/internal/service/grpc"
	"github.com/vladislavdragonenkov/stockorders/internal/service/ordering"
)

// createOrderService собирает сценарии создания и подтверждения заказа
// и оборачивает их в gRPC сервис с ключами идемпотентности.
func createOrderService(deps *runtimeDependencies, cfg Config, logger *log.Entry) *grpcsvc.OrderService {
	svc := ordering.NewService(
		deps.store,
		pricing.NewEngine(pricing.DefaultRules()),
		metrics.NewOrderMetrics(),
		logger.WithField("layer", "ordering"),
	)
	return grpcsvc.NewOrderService(svc, deps.idempotencyRepo, cfg.IdempotencyTTL, logger.WithField("layer", "grpc"))
}
