package healthchecker

import (
	"context"
	"time"

	"github.com/hiapp/hicall/internal/circuitbreak"
	"github.com/hiapp/hicall/internal/config"
	"github.com/hiapp/hicall/internal/logging"
	"go.uber.org/zap"
)

type Healthchecker struct {
	CtxCancelFunc context.CancelFunc
	ErrorService  string
}

func NewService(ctxCancelFunc context.CancelFunc) *Healthchecker {
	return &Healthchecker{
		CtxCancelFunc: ctxCancelFunc,
	}
}

func (h *Healthchecker) TriggerError(service string) {
	logging.Logger.Error("service error happened", zap.String("service", service))
	h.ErrorService = service
	h.CtxCancelFunc()
}

// Monitor cancels the app context on the first opened circuit breaker.
func (h *Healthchecker) Monitor(ctx context.Context) {
	logging.Logger.Info("health checker monitor start successfully")

	select {
	case <-ctx.Done():
		return
	case serviceName := <-circuitbreak.CircuitBreakChan:
		logging.Logger.Info("circuit break happened", zap.String("service", serviceName))
		h.TriggerError(serviceName)
	}
}

// Check blocks until the failed service answers again. It reports false
// when ctx ends first.
func (h *Healthchecker) Check(ctx context.Context) bool {
	if h.ErrorService == "" {
		logging.Logger.Info("app stopped without a failed service, nothing to check")
		return true
	}

	ticker := time.NewTicker(time.Duration(config.Conf.HealthCheckerMonitorInterval) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}

		ok := h.checkErrorService()
		if ok {
			h.ErrorService = ""
			return true
		}
	}
}

func (h *Healthchecker) checkErrorService() bool {
	type checkFunc func() error

	checks := map[string]checkFunc{
		circuitbreak.DBService:            CheckDB,
		circuitbreak.RedisService:         CheckRedis,
		circuitbreak.SignalingService:     CheckSignaling,
		circuitbreak.KafkaProducerService: CheckKafka,
	}

	check, ok := checks[h.ErrorService]
	if !ok {
		logging.Logger.Warn("Unknown service in checkErrorService", zap.String("service", h.ErrorService))
		return false
	}

	err := check()
	if err != nil {
		logging.Logger.Warn(h.ErrorService+" service still unhealthy", zap.String("error", err.Error()))
		return false
	}

	logging.Logger.Info(h.ErrorService + " service back healthy")

	return true
}
