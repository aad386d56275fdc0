package healthchecker

import (
	"context"
	"time"

	"github.com/hiapp/hicall/internal/config"
	"github.com/hiapp/hicall/internal/signaling"
)

const probeTimeout = 5 * time.Second

func CheckRedis() error {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	client, err := signaling.NewRedis(ctx)
	if err != nil {
		return err
	}

	return client.Close()
}

// CheckSignaling probes whichever backend SIGNALING_BACKEND selects.
func CheckSignaling() error {
	switch config.Conf.SignalingBackend {
	case signaling.BackendRedis:
		return CheckRedis()
	case signaling.BackendPostgres:
		return CheckDB()
	default:
		return nil
	}
}
