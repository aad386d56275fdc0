package kafka

import (
	"context"

	"github.com/IBM/sarama"
	"github.com/hiapp/hicall/internal/config"
	"github.com/hiapp/hicall/internal/logging"
	"go.uber.org/zap"
)

type MessageHandler func(context.Context, *sarama.ConsumerMessage)

type Consumer struct {
	Client sarama.ConsumerGroup
}

// NewConsumer joins the call event consumer group.
func NewConsumer() (*Consumer, error) {
	client, err := createConsumerGroup(config.Conf.KafkaCallEventGroupID)
	if err != nil {
		return nil, err
	}

	return &Consumer{
		Client: client,
	}, nil
}

// Consume blocks until ctx is cancelled, handing every message of topic to
// messageHandler. A message is marked once the handler returns.
func (c *Consumer) Consume(ctx context.Context, topic string, messageHandler MessageHandler) error {
	runConsumerLoop(ctx, c.Client, topic, &consumerGroupHandler{messageHandler: messageHandler})

	return nil
}

func (c *Consumer) Close() error {
	err := c.Client.Close()
	if err != nil {
		logging.Logger.Error("Failed to close Kafka consumer", zap.String("error", err.Error()))
		return err
	}

	logging.Logger.Info("Kafka consumer closed successfully")

	return nil
}

type consumerGroupHandler struct {
	messageHandler MessageHandler
}

func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	return nil
}

func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

func (h *consumerGroupHandler) ConsumeClaim(
	session sarama.ConsumerGroupSession,
	claim sarama.ConsumerGroupClaim,
) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok || message == nil {
				return nil
			}

			h.messageHandler(session.Context(), message)

			session.MarkMessage(message, "")

		case <-session.Context().Done():
			return nil
		}
	}
}
