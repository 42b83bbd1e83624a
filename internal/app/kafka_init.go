package app

import (
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/stockorders/internal/messaging/kafka"
)

// initKafkaProducer создаёт producer, если заданы брокеры.
// Возвращает nil, nil, когда публикация outbox отключена.
func initKafkaProducer(brokers []string, logger *log.Entry) (*kafka.Producer, error) {
	if len(brokers) == 0 {
		return nil, nil
	}

	producer, err := kafka.NewProducer(brokers, logger.WithField("component", "kafka-producer"))
	if err != nil {
		return nil, err
	}

	logger.WithField("brokers", brokers).Info("kafka producer initialized")
	return producer, nil
}

// outboxPublishers - основной и DLQ publisher для outbox worker.
type outboxPublishers struct {
	events *kafka.OutboxTopicPublisher
	dlq    *kafka.OutboxTopicPublisher
}

func newOutboxPublishers(producer *kafka.Producer, cfg Config) outboxPublishers {
	return outboxPublishers{
		events: kafka.NewOutboxPublisher(producer, cfg.KafkaTopic),
		dlq:    kafka.NewDLQPublisher(producer, cfg.DLQTopic(), cfg.KafkaTopic),
	}
}

// closeKafka закрывает Kafka producer если он не nil.
func closeKafka(producer *kafka.Producer, logger *log.Entry) {
	if producer == nil {
		return
	}

	if err := producer.Close(); err != nil {
		logger.WithError(err).Warn("failed to close kafka producer")
	} else {
		logger.Info("kafka producer closed")
	}
}
