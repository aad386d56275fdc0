package healthchecker

import (
	"github.com/hiapp/hicall/internal/kafka"
	"github.com/hiapp/hicall/internal/logging"
	"go.uber.org/zap"
)

func CheckKafka() error {
	err := kafka.Ping()
	if err != nil {
		logging.Logger.Error("failed to reach kafka brokers", zap.String("error", err.Error()))
		return err
	}

	return nil
}
