package circuitbreak

import (
	"github.com/hiapp/hicall/internal/logging"
	"go.uber.org/zap"
)

var CircuitBreakChan chan string

const (
	DBService            = "database"
	RedisService         = "redis"
	SignalingService     = "signaling"
	KafkaProducerService = "kafka_producer"
)

func Init() {
	CircuitBreakChan = make(chan string, 1)
}

// TriggerError reports an opened breaker to the health checker. Processes
// that run no health checker (the client) only log the event.
func TriggerError(service string) {
	if CircuitBreakChan == nil {
		logging.Logger.Warn("[TriggerError] circuit opened without a health monitor", zap.String("service", service))
		return
	}

	select {
	case CircuitBreakChan <- service:
	default:
		logging.Logger.Warn("[TriggerError] health monitor busy, dropping signal", zap.String("service", service))
	}
}
