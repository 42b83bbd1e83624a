package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/stockorders/internal/app"
	"github.com/vladislavdragonenkov/stockorders/internal/version"
)

// setupLogger настраивает формат и уровень логирования для сервиса.
func setupLogger(cfg logConfig) {
	if cfg.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	log.SetLevel(cfg.Level)
}

func main() {
	cfg, logCfg, warnings := readConfig()
	setupLogger(logCfg)
	for _, warning := range warnings {
		log.Warn(warning)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithFields(log.Fields{
		"grpc_addr":           cfg.GRPCAddr,
		"metrics_addr":        cfg.MetricsAddr,
		"storage_driver":      cfg.StorageDriver,
		"idempotency_backend": cfg.IdempotencyBackend,
		"kafka_enabled":       cfg.KafkaBrokers != "",
		"version":             version.String(),
	}).Info("запускаем OrderService")

	if err := app.Run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("приложение завершилось с ошибкой")
	}

	log.Info("OrderService остановлен")
}
