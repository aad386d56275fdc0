package signaling

import (
	"context"
	"fmt"

	"github.com/hiapp/hicall/internal/config"
	"github.com/hiapp/hicall/internal/database"
	"github.com/hiapp/hicall/internal/logging"
	"go.uber.org/zap"
)

const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// New opens the backend named by SIGNALING_BACKEND wrapped in Resilient.
func New(ctx context.Context) (Channel, error) {
	var (
		inner Channel
		err   error
	)

	switch config.Conf.SignalingBackend {
	case BackendMemory:
		inner = NewMemory()
	case BackendRedis:
		inner, err = NewRedis(ctx)
	case BackendPostgres:
		db, dbErr := database.NewDatabase(ctx)
		if dbErr != nil {
			err = fmt.Errorf("%w: %w", ErrChannelUnavailable, dbErr)
			break
		}

		inner = NewPostgres(db)
	default:
		err = fmt.Errorf("unknown signaling backend %q", config.Conf.SignalingBackend)
	}

	if err != nil {
		return nil, err
	}

	logging.Logger.Info("Signaling channel ready", zap.String("backend", config.Conf.SignalingBackend))

	return NewResilient(inner, config.Conf.SignalingBackend), nil
}
