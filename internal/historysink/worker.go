package historysink

import (
	"context"
	"time"

	"github.com/IBM/sarama"
	"github.com/hiapp/hicall/internal/history"
	"github.com/hiapp/hicall/internal/logging"
	prometheusHicall "github.com/hiapp/hicall/internal/prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// MessageHandler hands one call event to the worker pool.
func (app *HistorySink) MessageHandler(ctx context.Context, msg *sarama.ConsumerMessage) {
	err := app.WorkerPool.Submit(func() {
		app.processEvent(ctx, msg)
	})
	if err != nil {
		logging.Logger.Error("failed to submit job to ants pool", zap.String("error", err.Error()))
	}
}

func (app *HistorySink) processEvent(ctx context.Context, msg *sarama.ConsumerMessage) {
	defer handlePanic()

	event, err := history.DecodeEvent(msg.Value)
	if err != nil {
		prometheusHicall.HistoryEvents.WithLabelValues("unknown", "invalid").Inc()
		logging.Logger.Warn("dropping invalid call event",
			zap.ByteString("call_id", msg.Key),
			zap.String("error", err.Error()),
		)

		return
	}

	recordEventLatency(event.CreatedAt)

	err = applyEvent(ctx, app.HistoryStore, event)
	if err != nil {
		logging.Logger.Error("failed to apply call event",
			zap.String("event_id", event.EventID),
			zap.String("call_id", event.CallID),
			zap.String("error", err.Error()),
		)

		markErr := app.DeadLetterService.MarkEvent(ctx, event.EventID, event.CallID, msg.Value, err.Error())
		if markErr != nil {
			prometheusHicall.HistoryEvents.WithLabelValues(string(event.Type), "lost").Inc()
			logging.Logger.Error("failed to park call event in dead letter table",
				zap.String("event_id", event.EventID),
				zap.String("call_id", event.CallID),
				zap.Int32("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.String("error", markErr.Error()),
			)
		}

		return
	}

	logging.Logger.Info("call event applied",
		zap.String("call_id", event.CallID),
		zap.String("type", string(event.Type)),
		zap.Int32("partition", msg.Partition),
		zap.Int64("offset", msg.Offset),
	)
}

// applyEvent writes one event and records the outcome.
func applyEvent(ctx context.Context, store history.Store, event *history.CallEvent) error {
	timer := prometheus.NewTimer(
		prometheusHicall.HistoryProcessDuration.WithLabelValues(string(event.Type)),
	)

	defer func() {
		duration := timer.ObserveDuration()
		logging.Logger.Debug("Process event duration",
			zap.String("type", string(event.Type)),
			zap.Duration("duration", duration),
		)
	}()

	err := store.Apply(ctx, event)
	if err != nil {
		prometheusHicall.HistoryEvents.WithLabelValues(string(event.Type), "failed").Inc()
		return err
	}

	prometheusHicall.HistoryEvents.WithLabelValues(string(event.Type), "applied").Inc()

	return nil
}

func recordEventLatency(createdAt time.Time) {
	if createdAt.IsZero() {
		return
	}

	latency := time.Since(createdAt).Seconds()
	prometheusHicall.HistoryEventLatency.Observe(latency)

	logging.Logger.Debug("call event latency", zap.Float64("latency", latency))
}

func handlePanic() {
	if r := recover(); r != nil {
		logging.Logger.Error("panic in history worker", zap.Any("recover", r))
	}
}
