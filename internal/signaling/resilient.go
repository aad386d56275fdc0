package signaling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go"
	"github.com/hiapp/hicall/internal/circuitbreak"
	"github.com/hiapp/hicall/internal/config"
	"github.com/hiapp/hicall/internal/logging"
	"github.com/hiapp/hicall/internal/prometheus"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

// Resilient retries transient failures of the wrapped channel with
// exponential backoff, bounded by the caller's context, behind a circuit
// breaker. Permanent errors such as ErrNotFound are returned at once.
type Resilient struct {
	inner          Channel
	backend        string
	attempts       uint
	minBackoff     time.Duration
	maxBackoff     time.Duration
	CircuitBreaker *gobreaker.CircuitBreaker[any]
}

func NewResilient(inner Channel, backend string) *Resilient {
	return &Resilient{
		inner:          inner,
		backend:        backend,
		attempts:       max(config.Conf.SignalingRetryMaxAttempts, 1),
		minBackoff:     time.Duration(config.Conf.SignalingRetryMinBackoffMS) * time.Millisecond,
		maxBackoff:     time.Duration(config.Conf.SignalingRetryMaxBackoffMS) * time.Millisecond,
		CircuitBreaker: gobreaker.NewCircuitBreaker[any](getCircuitBreakerSettings(backend)),
	}
}

func getCircuitBreakerSettings(backend string) gobreaker.Settings {
	return gobreaker.Settings{
		Name:     "signaling-" + backend,
		Interval: time.Duration(config.Conf.SignalingIntervalCB) * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.Conf.SignalingConsecutiveFailureCB
		},
		OnStateChange: func(name string, fromState, toState gobreaker.State) {
			logging.Logger.Warn("Circuit state changed",
				zap.String("service", name),
				zap.String("from", fromState.String()),
				zap.String("to", toState.String()),
			)

			if toState == gobreaker.StateOpen {
				circuitbreak.TriggerError(circuitbreak.SignalingService)
			}
		},
		IsSuccessful: func(err error) bool {
			return !errors.Is(err, ErrChannelUnavailable)
		},
	}
}

func (r *Resilient) do(ctx context.Context, op string, fn func() error) error {
	timer := prometheus.NewSignalingTimer(r.backend, op)
	defer timer.ObserveDuration()

	_, err := r.CircuitBreaker.Execute(func() (any, error) {
		return nil, retry.Do(
			fn,
			retry.Context(ctx),
			retry.Attempts(r.attempts),
			retry.DelayType(retry.BackOffDelay),
			retry.Delay(r.minBackoff),
			retry.MaxDelay(r.maxBackoff),
			retry.LastErrorOnly(true),
			retry.RetryIf(func(err error) bool {
				return errors.Is(err, ErrChannelUnavailable)
			}),
			retry.OnRetry(func(n uint, err error) {
				prometheus.SignalingRetries.WithLabelValues(op).Inc()
				logging.Logger.Warn("[Resilient] retrying signaling operation",
					zap.String("op", op),
					zap.Uint("attempt", n+1),
					zap.String("error", err.Error()),
				)
			}),
		)
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %w", ErrChannelUnavailable, err)
	}

	return err
}

func (r *Resilient) Write(ctx context.Context, key Key, fields map[string]any) error {
	return r.do(ctx, "write", func() error {
		return r.inner.Write(ctx, key, fields)
	})
}

func (r *Resilient) Read(ctx context.Context, key Key) (Document, error) {
	var doc Document

	err := r.do(ctx, "read", func() error {
		var err error

		doc, err = r.inner.Read(ctx, key)

		return err
	})

	return doc, err
}

func (r *Resilient) Watch(ctx context.Context, key Key, fn WatchFunc) (CancelFunc, error) {
	var cancel CancelFunc

	err := r.do(ctx, "watch", func() error {
		var err error

		cancel, err = r.inner.Watch(ctx, key, fn)

		return err
	})

	return cancel, err
}

func (r *Resilient) Append(ctx context.Context, key Key, list string, data any) (Item, error) {
	var item Item

	err := r.do(ctx, "append", func() error {
		var err error

		item, err = r.inner.Append(ctx, key, list, data)

		return err
	})

	return item, err
}

func (r *Resilient) WatchList(ctx context.Context, key Key, list string, fn ItemFunc) (CancelFunc, error) {
	var cancel CancelFunc

	err := r.do(ctx, "watch_list", func() error {
		var err error

		cancel, err = r.inner.WatchList(ctx, key, list, fn)

		return err
	})

	return cancel, err
}

func (r *Resilient) Close() error {
	return r.inner.Close()
}
