package deadletter

import (
	"context"
	"errors"
	"time"

	"github.com/hiapp/hicall/internal/config"
	"github.com/hiapp/hicall/internal/database"
	"github.com/hiapp/hicall/internal/logging"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrInvalidCallEventDeadLetterResult      = errors.New("invalid result type, it should be pointer to CallEventDeadLetter")
	ErrInvalidCallEventDeadLetterSliceResult = errors.New("invalid result type, it should be slice of CallEventDeadLetter")
)

type DeadLetterRepository struct {
	DBConn         *gorm.DB
	CircuitBreaker *gobreaker.CircuitBreaker[any]
}

func NewRepository(dbConn *gorm.DB) *DeadLetterRepository {
	cbSettings := database.CircuitBreakerSettings()

	return &DeadLetterRepository{
		DBConn:         dbConn,
		CircuitBreaker: gobreaker.NewCircuitBreaker[any](cbSettings),
	}
}

func (dlRepository *DeadLetterRepository) CreateEvent(
	ctx context.Context,
	eventID string,
	callID string,
	msg []byte,
	errMsg string,
) (*CallEventDeadLetter, error) {
	result, err := dlRepository.CircuitBreaker.Execute(func() (any, error) {
		now := time.Now()
		dlEvent := CallEventDeadLetter{
			EventID:     eventID,
			CallID:      callID,
			Msg:         msg,
			Error:       errMsg,
			Status:      StatusPending,
			LastRetryAt: &now,
		}

		var dbConn *gorm.DB

		// The event failed while ctx may already be cancelled; it must still
		// be parked.
		select {
		case <-ctx.Done():
			dbConn = dlRepository.DBConn
		default:
			dbConn = dlRepository.DBConn.WithContext(ctx)
		}

		err := dbConn.Where("event_id = ?", eventID).
			Assign(map[string]any{
				"msg":           msg,
				"error":         errMsg,
				"status":        StatusPending,
				"last_retry_at": &now,
			}).
			FirstOrCreate(&dlEvent).Error
		if err != nil {
			logging.Logger.Error("failed to create dead letter event",
				zap.String("event_id", eventID),
				zap.String("call_id", callID),
				zap.String("error", err.Error()),
			)

			return nil, err
		}

		return &dlEvent, nil
	})
	if err != nil {
		return nil, err
	}

	dlEvent, ok := result.(*CallEventDeadLetter)
	if !ok {
		return nil, ErrInvalidCallEventDeadLetterResult
	}

	return dlEvent, nil
}

func (dlRepository *DeadLetterRepository) GetPendingEvents(ctx context.Context) ([]CallEventDeadLetter, error) {
	result, err := dlRepository.CircuitBreaker.Execute(func() (any, error) {
		var records []CallEventDeadLetter

		err := dlRepository.DBConn.WithContext(ctx).
			Where(
				"status = ? AND last_retry_at <= ? AND retry_count < ?",
				StatusPending,
				time.Now().Add(-time.Duration(config.Conf.DeadLetterEventRetryDelay)*time.Minute),
				config.Conf.DeadLetterEventMaxRetries,
			).
			Order("created_at ASC").
			Limit(config.Conf.DeadLetterEventLimit).
			Find(&records).Error
		if err != nil {
			logging.Logger.Info("failed to fetch dead letter events", zap.String("error", err.Error()))
			return nil, err
		}

		return records, nil
	})
	if err != nil {
		return nil, err
	}

	records, ok := result.([]CallEventDeadLetter)
	if !ok {
		return nil, ErrInvalidCallEventDeadLetterSliceResult
	}

	return records, nil
}

func (dlRepository *DeadLetterRepository) UpdateEventStatus(
	ctx context.Context,
	dlEvent *CallEventDeadLetter,
	status string,
) error {
	_, err := dlRepository.CircuitBreaker.Execute(func() (any, error) {
		err := dlRepository.DBConn.
			WithContext(ctx).
			Model(dlEvent).
			Where("event_id = ?", dlEvent.EventID).
			Update("status", status).Error
		if err != nil {
			return nil, err
		}

		return dlEvent, nil
	})

	return err
}

func (dlRepository *DeadLetterRepository) IncreaseRetryCount(
	ctx context.Context,
	dlEvent *CallEventDeadLetter,
	errMsg string,
) error {
	_, err := dlRepository.CircuitBreaker.Execute(func() (any, error) {
		updates := map[string]any{
			"retry_count":   gorm.Expr("retry_count + 1"),
			"last_retry_at": time.Now(),
			"status":        StatusPending,
			"error":         errMsg,
		}

		err := dlRepository.DBConn.WithContext(ctx).
			Model(dlEvent).
			Where("event_id = ?", dlEvent.EventID).
			Updates(updates).Error
		if err != nil {
			logging.Logger.Error("failed to increase dl event retry count",
				zap.String("event_id", dlEvent.EventID),
				zap.String("error", err.Error()),
			)

			return nil, err
		}

		return dlEvent, nil
	})

	return err
}

func (dlRepository *DeadLetterRepository) DeleteEvent(ctx context.Context, dlEvent *CallEventDeadLetter) error {
	_, err := dlRepository.CircuitBreaker.Execute(func() (any, error) {
		err := dlRepository.DBConn.WithContext(ctx).
			Where("event_id = ?", dlEvent.EventID).
			Delete(dlEvent).
			Error

		return nil, err
	})

	return err
}
