// Package app собирает сервис заказов: хранилище, gRPC API, outbox worker и HTTP-метрики.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	ordersv1 "github.com/vladislavdragonenkov/stockorders/api/orders/v1"
	healthcheck "github.com/vladislavdragonenkov/stockorders/internal/health"
	"github.com/vladislavdragonenkov/stockorders/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/stockorders/internal/metrics"
	"github.com/vladislavdragonenkov/stockorders/internal/service/idempotency"
	"github.com/vladislavdragonenkov/stockorders/internal/service/outbox"
	"github.com/vladislavdragonenkov/stockorders/internal/version"
)

// Run поднимает сервис и блокируется до отмены ctx или падения gRPC сервера.
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")

	deps, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.close(logger)

	kafkaProducer, err := initKafkaProducer(cfg.KafkaBrokerList(), logger)
	if err != nil {
		logger.WithError(err).Warn("failed to create kafka producer, outbox events stay pending")
		kafkaProducer = nil
	}

	orderService := createOrderService(deps, cfg, logger)

	grpcMetrics := registerGRPCMetrics(logger)
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(grpcMetrics.UnaryServerInterceptor()))
	ordersv1.RegisterOrderServiceServer(grpcServer, orderService)
	grpcMetrics.InitializeMetrics(grpcServer)
	reflection.Register(grpcServer)

	healthServer := health.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(ordersv1.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	healthHandler := healthcheck.NewHandler(version.GetVersion())
	for name, pinger := range deps.pingers {
		healthHandler.RegisterChecker(name, healthcheck.NewPingChecker(name, pinger))
	}
	if kafkaProducer != nil {
		healthHandler.RegisterChecker("outbox", healthcheck.NewOutboxBacklogChecker(deps.store.Outbox(), cfg.OutboxMaxLag))
	}

	httpCtx, stopHTTP := context.WithCancel(ctx)
	defer stopHTTP()
	metricsSrv, _, err := startMetricsServer(httpCtx, cfg.MetricsAddr, logger, healthHandler)
	if err != nil {
		closeKafka(kafkaProducer, logger)
		return fmt.Errorf("listen metrics %s: %w", cfg.MetricsAddr, err)
	}

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		shutdownHTTP(metricsSrv, logger)
		closeKafka(kafkaProducer, logger)
		return fmt.Errorf("listen grpc %s: %w", cfg.GRPCAddr, err)
	}

	workersCtx, stopWorkers := context.WithCancel(context.Background())
	var workers sync.WaitGroup
	startWorkers(workersCtx, &workers, cfg, deps, kafkaProducer, logger)

	shutdown := func() {
		stopWorkers()
		workers.Wait()
		shutdownHTTP(metricsSrv, logger)
		closeKafka(kafkaProducer, logger)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("gRPC сервер слушает %s", lis.Addr())
		errCh <- grpcServer.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		logger.Info("получен сигнал остановки, останавливаем gRPC сервер")
		healthServer.Shutdown()
		stopGRPC(grpcServer, cfg.ShutdownTimeout, logger)
		shutdown()
		return ctx.Err()
	case err := <-errCh:
		shutdown()
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	}
}

// registerGRPCMetrics регистрирует метрики gRPC сервера, переиспользуя уже зарегистрированные.
func registerGRPCMetrics(logger *log.Entry) *promgrpc.ServerMetrics {
	grpcMetrics := promgrpc.NewServerMetrics()
	if err := prometheus.Register(grpcMetrics); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*promgrpc.ServerMetrics); ok {
				return existing
			}
		}
		logger.WithError(err).Warn("failed to register grpc metrics")
	}
	return grpcMetrics
}

// startWorkers запускает фоновые воркеры; все они останавливаются отменой ctx.
func startWorkers(ctx context.Context, wg *sync.WaitGroup, cfg Config, deps *runtimeDependencies, producer *kafka.Producer, logger *log.Entry) {
	if producer != nil {
		publishers := newOutboxPublishers(producer, cfg)
		worker := outbox.NewWorker(
			deps.store.Outbox(),
			publishers.events,
			outbox.WithLogger(logger.WithField("component", "outbox-worker")),
			outbox.WithDLQPublisher(publishers.dlq),
			outbox.WithPollInterval(cfg.OutboxPollInterval),
			outbox.WithBatchSize(cfg.OutboxBatchSize),
			outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
			outbox.WithRetryBaseDelay(cfg.OutboxRetryDelay),
			outbox.WithMetrics(metrics.NewOutboxMetrics(prometheus.DefaultRegisterer)),
		)
		wg.Add(1)
		go func() {
			defer wg.Done()
			worker.Run(ctx)
		}()
		logger.WithField("topic", cfg.KafkaTopic).Info("outbox worker started")
	} else {
		logger.Warn("kafka is not configured, outbox events are not published")
	}

	// В Redis ключи истекают по TTL, периодическая очистка нужна только основному хранилищу.
	if cfg.IdempotencyBackend == IdempotencyBackendStorage {
		cleanup := idempotency.NewCleanupWorker(
			deps.idempotencyRepo,
			idempotency.WithLogger(logger.WithField("component", "idempotency-cleanup-worker")),
			idempotency.WithInterval(cfg.IdempotencyCleanupInterval),
			idempotency.WithBatchSize(cfg.IdempotencyCleanupBatchSize),
			idempotency.WithMetrics(metrics.NewCleanupMetrics(prometheus.DefaultRegisterer)),
		)
		wg.Add(1)
		go func() {
			defer wg.Done()
			cleanup.Run(ctx)
		}()
	}
}

// stopGRPC ждёт завершения активных RPC не дольше timeout.
func stopGRPC(srv *grpc.Server, timeout time.Duration, logger *log.Entry) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	stoppedCh := make(chan struct{})
	go func() {
		srv.GracefulStop()
		close(stoppedCh)
	}()
	select {
	case <-stoppedCh:
	case <-time.After(timeout):
		logger.Warn("graceful stop превысил таймаут, принудительно останавливаем")
		srv.Stop()
	}
}
