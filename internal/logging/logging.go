package logging

import (
	"os"

	"github.com/hiapp/hicall/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var Logger *zap.Logger

func init() {
	var err error

	Logger, err = getDoubleLogger()
	if err != nil {
		zap.NewExample().Fatal("Could not initialize logger", zap.String("error", err.Error()))
	}
}

// getDoubleLogger writes JSON lines to the log file and a colored console
// rendering of the same entries to stdout.
func getDoubleLogger() (*zap.Logger, error) {
	productionEncoderConfig := zap.NewProductionEncoderConfig()
	productionEncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	developmentEncoderConfig := zap.NewDevelopmentEncoderConfig()
	developmentEncoderConfig.ConsoleSeparator = "  "
	developmentEncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	developmentEncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")

	level, err := zapcore.ParseLevel(config.Conf.LogLevel)
	if err != nil {
		zap.NewExample().Info("Invalid log level, using info level")

		level = zapcore.InfoLevel
	}

	zapConfig := &zap.Config{
		Level:             zap.NewAtomicLevelAt(level),
		Development:       false,
		DisableCaller:     false,
		DisableStacktrace: false,
		Encoding:          "json",
		EncoderConfig:     productionEncoderConfig,
		OutputPaths:       []string{config.Conf.LogFilePath},
	}

	fileLogger, err := zapConfig.Build()
	if err != nil {
		return nil, err
	}

	core := zapcore.NewTee(
		fileLogger.Core(),
		zapcore.NewCore(zapcore.NewConsoleEncoder(developmentEncoderConfig), zapcore.AddSync(os.Stdout), level),
	)

	return zap.New(core, zap.AddCaller()), nil
}

// CallFields are attached to every log line emitted for one call.
func CallFields(callID, role string) []zap.Field {
	return []zap.Field{
		zap.String("call_id", callID),
		zap.String("role", role),
	}
}
