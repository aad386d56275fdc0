package kafka

import (
	"context"
	"sync"

	"github.com/IBM/sarama"
	"github.com/hiapp/hicall/internal/config"
	"github.com/hiapp/hicall/internal/logging"
	"go.uber.org/zap"
)

// newSaramaConfig builds the shared client configuration. SCRAM-SHA512 is
// only negotiated when KAFKA_SASL_ENABLE is set, so local brokers work without
// credentials.
func newSaramaConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V3_8_0_0
	cfg.ClientID = "hicall"

	if config.Conf.KafkaSASLEnable {
		cfg.Net.SASL.Enable = true
		cfg.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA512
		cfg.Net.SASL.User = config.Conf.KafkaUsername
		cfg.Net.SASL.Password = config.Conf.KafkaPassword
		cfg.Net.SASL.Handshake = true
		cfg.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
			return &XDGSCRAMClient{HashGeneratorFcn: SHA512}
		}
	}

	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Partitioner = sarama.NewHashPartitioner

	cfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Group.ResetInvalidOffsets = true
	cfg.Consumer.Return.Errors = true

	return cfg
}

func mechanism() string {
	if config.Conf.KafkaSASLEnable {
		return "SCRAM-SHA-512"
	}

	return "PLAINTEXT"
}

func createConsumerGroup(groupID string) (sarama.ConsumerGroup, error) {
	client, err := sarama.NewConsumerGroup(
		[]string{config.Conf.KafkaBootstrapServer},
		groupID,
		newSaramaConfig(),
	)
	if err != nil {
		logging.Logger.Error("Failed to create Kafka consumer group",
			zap.String("bootstrap", config.Conf.KafkaBootstrapServer),
			zap.String("group_id", groupID),
			zap.String("error", err.Error()),
		)

		return nil, err
	}

	logging.Logger.Info("Successfully connected to Kafka",
		zap.String("bootstrap", config.Conf.KafkaBootstrapServer),
		zap.String("group_id", groupID),
		zap.String("mechanism", mechanism()),
	)

	return client, nil
}

// runConsumerLoop re-joins the group after every rebalance until ctx is done.
func runConsumerLoop(ctx context.Context, client sarama.ConsumerGroup, topic string, handler sarama.ConsumerGroupHandler) {
	var waitGroup sync.WaitGroup

	waitGroup.Add(1)

	go func() {
		defer waitGroup.Done()

		for {
			err := client.Consume(ctx, []string{topic}, handler)
			if err != nil {
				logging.Logger.Error("Kafka consume error",
					zap.String("topic", topic),
					zap.String("error", err.Error()),
				)
			}

			if ctx.Err() != nil {
				logging.Logger.Info("Kafka consumer stopping (context canceled)",
					zap.String("topic", topic),
					zap.String("error", ctx.Err().Error()),
				)

				return
			}
		}
	}()

	go func() {
		for err := range client.Errors() {
			logging.Logger.Error("Kafka consumer internal error",
				zap.String("topic", topic),
				zap.String("error", err.Error()),
			)
		}
	}()

	waitGroup.Wait()
}

// Ping connects to the brokers and refreshes topic metadata.
func Ping() error {
	client, err := sarama.NewClient([]string{config.Conf.KafkaBootstrapServer}, newSaramaConfig())
	if err != nil {
		return err
	}

	defer func() {
		_ = client.Close()
	}()

	return client.RefreshMetadata(config.Conf.KafkaCallEventTopic)
}
