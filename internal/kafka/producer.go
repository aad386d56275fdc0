package kafka

import (
	"time"

	"github.com/IBM/sarama"
	"github.com/hiapp/hicall/internal/circuitbreak"
	"github.com/hiapp/hicall/internal/config"
	"github.com/hiapp/hicall/internal/logging"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

type ProducerResult struct {
	Partition int32
	Offset    int64
}

type Producer struct {
	Client         sarama.SyncProducer
	CircuitBreaker *gobreaker.CircuitBreaker[ProducerResult]
}

// NewProducer connects a synchronous producer to KAFKA_BOOTSTRAP_SERVER.
func NewProducer() (*Producer, error) {
	client, err := sarama.NewSyncProducer([]string{config.Conf.KafkaBootstrapServer}, newSaramaConfig())
	if err != nil {
		logging.Logger.Error("Failed to create Kafka producer",
			zap.String("bootstrap", config.Conf.KafkaBootstrapServer),
			zap.String("error", err.Error()),
		)

		return nil, err
	}

	logging.Logger.Info("Successfully connected to Kafka producer",
		zap.String("bootstrap", config.Conf.KafkaBootstrapServer),
		zap.String("mechanism", mechanism()),
	)

	return NewProducerWithClient(client), nil
}

// NewProducerWithClient wraps an existing sarama producer, e.g. a mock.
func NewProducerWithClient(client sarama.SyncProducer) *Producer {
	return &Producer{
		Client:         client,
		CircuitBreaker: newKafkaProducerCircuitBreaker(),
	}
}

func newKafkaProducerCircuitBreaker() *gobreaker.CircuitBreaker[ProducerResult] {
	settings := gobreaker.Settings{
		Name:     "KafkaProducer",
		Interval: time.Duration(config.Conf.KafkaIntervalCB) * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.Conf.KafkaConsecutiveFailuresCB
		},
		OnStateChange: func(name string, fromState, toState gobreaker.State) {
			logging.Logger.Warn("Circuit state changed",
				zap.String("service", name),
				zap.String("from", fromState.String()),
				zap.String("to", toState.String()),
			)

			if toState == gobreaker.StateOpen {
				circuitbreak.TriggerError(circuitbreak.KafkaProducerService)
			}
		},
	}

	return gobreaker.NewCircuitBreaker[ProducerResult](settings)
}

// SendMessage publishes value under key. Messages sharing a key land on the
// same partition and are consumed in order.
func (p *Producer) SendMessage(topic string, key, value []byte) (int32, int64, error) {
	result, err := p.CircuitBreaker.Execute(func() (ProducerResult, error) {
		return p.doSendMessage(topic, key, value)
	})
	if err != nil {
		return 0, 0, err
	}

	return result.Partition, result.Offset, nil
}

func (p *Producer) Close() error {
	err := p.Client.Close()
	if err != nil {
		logging.Logger.Error("Failed to close Kafka producer", zap.String("error", err.Error()))
		return err
	}

	logging.Logger.Info("Kafka producer closed successfully")

	return nil
}

func (p *Producer) doSendMessage(topic string, key, value []byte) (ProducerResult, error) {
	message := &sarama.ProducerMessage{
		Topic:     topic,
		Key:       sarama.ByteEncoder(key),
		Value:     sarama.ByteEncoder(value),
		Timestamp: time.Now(),
	}

	partition, offset, err := p.Client.SendMessage(message)
	if err != nil {
		logging.Logger.Error("Failed to send message to Kafka",
			zap.String("topic", topic),
			zap.String("error", err.Error()),
		)

		return ProducerResult{}, err
	}

	logging.Logger.Debug("Message sent successfully",
		zap.String("topic", topic),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset),
	)

	return ProducerResult{Partition: partition, Offset: offset}, nil
}
