package history

import (
	"context"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/hiapp/hicall/internal/call"
	"github.com/hiapp/hicall/internal/database"
	"github.com/hiapp/hicall/internal/logging"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrInvalidCallHistoryResult      = errors.New("invalid result type, it should be pointer to CallHistory")
	ErrInvalidCallHistorySliceResult = errors.New("invalid result type, it should be slice of CallHistory")
)

const defaultListLimit = 50

// rowIsLive guards every conflict update: a terminal row is never touched.
var rowIsLive = clause.Where{Exprs: []clause.Expression{
	clause.Expr{
		SQL:  "call_history.status NOT IN (?, ?)",
		Vars: []any{string(call.StatusMissed), string(call.StatusEnded)},
	},
}}

type Repository struct {
	DBConn         *gorm.DB
	CircuitBreaker *gobreaker.CircuitBreaker[any]
}

func NewRepository(dbConn *gorm.DB) *Repository {
	cbSettings := database.CircuitBreakerSettings()
	cbSettings.IsSuccessful = func(err error) bool {
		return err == nil || errors.Is(err, gorm.ErrRecordNotFound) || errors.Is(err, ErrInvalidEvent)
	}

	return &Repository{
		DBConn:         dbConn,
		CircuitBreaker: gobreaker.NewCircuitBreaker[any](cbSettings),
	}
}

// Apply folds one event into the call's row. Events may arrive in any order
// across processes; each one upserts what it knows.
func (repository *Repository) Apply(ctx context.Context, event *CallEvent) error {
	err := event.Validate()
	if err != nil {
		return err
	}

	_, err = repository.CircuitBreaker.Execute(func() (any, error) {
		if ctx.Err() != nil {
			logging.Logger.Warn("[Apply] Context canceled before DB operation",
				zap.String("call_id", event.CallID),
				zap.Error(ctx.Err()),
			)

			return nil, ctx.Err()
		}

		var err error

		switch event.Type {
		case EventInitiated:
			err = repository.createCall(ctx, event)
		case EventAnswered:
			err = repository.updateAnswered(ctx, event)
		case EventTerminal:
			err = repository.updateTerminal(ctx, event)
		}

		if err != nil {
			logging.Logger.Error("[Apply] Failed to write call history - may cause circuit breaker trip",
				zap.String("call_id", event.CallID),
				zap.String("type", string(event.Type)),
				zap.String("error", err.Error()),
				zap.Bool("is_context_error", ctx.Err() != nil),
			)

			return nil, err
		}

		return nil, nil
	})

	return err
}

func (repository *Repository) createCall(ctx context.Context, event *CallEvent) error {
	participants, err := json.Marshal([]string{event.CallerID, event.CalleeID})
	if err != nil {
		return err
	}

	row := CallHistory{
		CallID:       event.CallID,
		CallerID:     event.CallerID,
		CalleeID:     event.CalleeID,
		Participants: datatypes.JSON(participants),
		Status:       event.Status,
		CreatedAt:    event.At,
	}

	return repository.DBConn.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "call_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"caller_id", "callee_id", "participants", "created_at"}),
	}).Create(&row).Error
}

func (repository *Repository) updateAnswered(ctx context.Context, event *CallEvent) error {
	at := event.At
	row := CallHistory{
		CallID:       event.CallID,
		Participants: datatypes.JSON("[]"),
		Status:       string(call.StatusAnswered),
		CreatedAt:    event.At,
		AnsweredAt:   &at,
	}

	return repository.DBConn.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "call_id"}},
		Where:     rowIsLive,
		DoUpdates: clause.AssignmentColumns([]string{"status", "answered_at"}),
	}).Create(&row).Error
}

func (repository *Repository) updateTerminal(ctx context.Context, event *CallEvent) error {
	at := event.At
	row := CallHistory{
		CallID:       event.CallID,
		Participants: datatypes.JSON("[]"),
		Status:       event.Status,
		EndReason:    event.EndReason,
		CreatedAt:    event.At,
		EndedAt:      &at,
	}

	return repository.DBConn.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "call_id"}},
		Where:     rowIsLive,
		DoUpdates: clause.AssignmentColumns([]string{"status", "end_reason", "ended_at"}),
	}).Create(&row).Error
}

// GetByID retrieves the history row of callID.
func (repository *Repository) GetByID(ctx context.Context, callID string) (*CallHistory, error) {
	result, err := repository.CircuitBreaker.Execute(func() (any, error) {
		var row CallHistory

		err := repository.DBConn.WithContext(ctx).
			Where("call_id = ?", callID).
			First(&row).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, fmt.Errorf("call %s: %w", callID, err)
			}

			logging.Logger.Error("[GetByID] Failed to fetch call history - may cause circuit breaker trip",
				zap.String("call_id", callID),
				zap.String("error", err.Error()),
			)

			return nil, err
		}

		return &row, nil
	})
	if err != nil {
		return nil, err
	}

	row, ok := result.(*CallHistory)
	if !ok {
		return nil, ErrInvalidCallHistoryResult
	}

	return row, nil
}

// ListForUser returns the calls userID took part in, newest first.
func (repository *Repository) ListForUser(ctx context.Context, userID string, limit int) ([]CallHistory, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}

	result, err := repository.CircuitBreaker.Execute(func() (any, error) {
		var rows []CallHistory

		err := repository.DBConn.WithContext(ctx).
			Where("caller_id = ? OR callee_id = ?", userID, userID).
			Order("created_at DESC").
			Limit(limit).
			Find(&rows).Error
		if err != nil {
			logging.Logger.Error("[ListForUser] Failed to list call history",
				zap.String("user_id", userID),
				zap.String("error", err.Error()),
			)

			return nil, err
		}

		return rows, nil
	})
	if err != nil {
		return nil, err
	}

	rows, ok := result.([]CallHistory)
	if !ok {
		return nil, ErrInvalidCallHistorySliceResult
	}

	return rows, nil
}
