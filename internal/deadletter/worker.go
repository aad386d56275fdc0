package deadletter

import (
	"context"
	"time"

	"github.com/hiapp/hicall/internal/config"
	"github.com/hiapp/hicall/internal/logging"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

type DeadLetterWorker struct {
	WorkerPool   *ants.Pool
	DLService    *DeadLetterService
	DLRepository *DeadLetterRepository
}

func NewWorker(dlService *DeadLetterService) (*DeadLetterWorker, error) {
	workerPool, err := ants.NewPool(config.Conf.DeadLetterPoolSize, ants.WithPreAlloc(true))
	if err != nil {
		return nil, err
	}

	return &DeadLetterWorker{
		WorkerPool:   workerPool,
		DLService:    dlService,
		DLRepository: dlService.DLRepository,
	}, nil
}

func (dlWorker *DeadLetterWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(config.Conf.DeadLetterEventInterval) * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			dlWorker.WorkerPool.Release()
			return
		case <-ticker.C:
			dlWorker.processDeadLetterEvents(ctx)
		}
	}
}

func (dlWorker *DeadLetterWorker) processDeadLetterEvents(ctx context.Context) {
	dlEvents, err := dlWorker.DLRepository.GetPendingEvents(ctx)
	if err != nil {
		return
	}

	if len(dlEvents) == 0 {
		logging.Logger.Debug("no dl events are existed")
		return
	}

	logging.Logger.Info("start processing dl events", zap.Int("count_dl_events", len(dlEvents)))

	for idx := range dlEvents {
		dlEvent := dlEvents[idx]

		err := dlWorker.WorkerPool.Submit(func() {
			dlWorker.DLService.ProcessDeadLetterEvent(ctx, &dlEvent)
		})
		if err != nil {
			logging.Logger.Error("failed to submit dl worker pool",
				zap.String("event_id", dlEvent.EventID),
				zap.String("error", err.Error()),
			)
		}
	}
}
