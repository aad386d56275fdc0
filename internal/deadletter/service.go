package deadletter

import (
	"context"
	"errors"

	"github.com/hiapp/hicall/internal/history"
	"github.com/hiapp/hicall/internal/logging"
	"github.com/hiapp/hicall/internal/prometheus"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type DeadLetterService struct {
	DLRepository *DeadLetterRepository
	HistoryStore history.Store
}

func NewService(dbConn *gorm.DB, historyStore history.Store) *DeadLetterService {
	return &DeadLetterService{
		DLRepository: NewRepository(dbConn),
		HistoryStore: historyStore,
	}
}

func (dlService *DeadLetterService) MarkEvent(ctx context.Context, eventID, callID string, msg []byte, errMsg string) error {
	_, err := dlService.DLRepository.CreateEvent(ctx, eventID, callID, msg, errMsg)
	if err != nil {
		return err
	}

	prometheus.HistoryEvents.WithLabelValues("unknown", "dead_lettered").Inc()

	logging.Logger.Info("mark call event as dead letter",
		zap.String("event_id", eventID),
		zap.String("call_id", callID),
	)

	return nil
}

func (dlService *DeadLetterService) ProcessDeadLetterEvent(ctx context.Context, dlEvent *CallEventDeadLetter) {
	err := dlService.DLRepository.UpdateEventStatus(ctx, dlEvent, StatusInProgress)
	if err != nil {
		logging.Logger.Info("failed to update dl event to in progress", zap.String("event_id", dlEvent.EventID))
		return
	}

	event, err := history.DecodeEvent(dlEvent.Msg)
	if err != nil {
		// A malformed event never succeeds; retrying it only burns attempts.
		logging.Logger.Error("dropping undecodable dl event",
			zap.String("event_id", dlEvent.EventID),
			zap.String("error", err.Error()),
		)

		dlService.delete(ctx, dlEvent)

		return
	}

	err = dlService.HistoryStore.Apply(ctx, event)
	if err != nil {
		logging.Logger.Error("failed to reapply call event",
			zap.String("event_id", dlEvent.EventID),
			zap.String("call_id", dlEvent.CallID),
			zap.String("error", err.Error()),
		)

		_ = dlService.DLRepository.IncreaseRetryCount(ctx, dlEvent, err.Error())

		return
	}

	prometheus.HistoryEvents.WithLabelValues(string(event.Type), "recovered").Inc()

	logging.Logger.Info("dl event processed successfully",
		zap.String("event_id", dlEvent.EventID),
		zap.String("call_id", dlEvent.CallID),
	)

	dlService.delete(ctx, dlEvent)
}

func (dlService *DeadLetterService) delete(ctx context.Context, dlEvent *CallEventDeadLetter) {
	err := dlService.DLRepository.DeleteEvent(ctx, dlEvent)
	if err != nil && !errors.Is(err, context.Canceled) {
		logging.Logger.Info("failed to delete processed dl event",
			zap.String("event_id", dlEvent.EventID),
			zap.String("error", err.Error()),
		)
	}
}
