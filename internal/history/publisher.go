package history

import (
	"context"

	"github.com/goccy/go-json"
	"github.com/hiapp/hicall/internal/config"
	"github.com/hiapp/hicall/internal/kafka"
	"github.com/hiapp/hicall/internal/logging"
	"github.com/hiapp/hicall/internal/prometheus"
	"go.uber.org/zap"
)

// EventPublisher hands history events to the history sink through Kafka
// instead of writing the database directly.
type EventPublisher struct {
	Producer *kafka.Producer
	Topic    string
}

func NewEventPublisher(producer *kafka.Producer) *EventPublisher {
	return &EventPublisher{
		Producer: producer,
		Topic:    config.Conf.KafkaCallEventTopic,
	}
}

func (publisher *EventPublisher) Apply(ctx context.Context, event *CallEvent) error {
	err := event.Validate()
	if err != nil {
		return err
	}

	value, err := json.Marshal(event)
	if err != nil {
		return err
	}

	partition, offset, err := publisher.Producer.SendMessage(publisher.Topic, []byte(event.CallID), value)
	if err != nil {
		prometheus.HistoryEvents.WithLabelValues(string(event.Type), "publish_failed").Inc()
		return err
	}

	prometheus.HistoryEvents.WithLabelValues(string(event.Type), "published").Inc()

	logging.Logger.Debug("[Apply] call event published",
		zap.String("call_id", event.CallID),
		zap.String("type", string(event.Type)),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset),
	)

	return nil
}
