package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/hiapp/hicall/internal/historysink"
	"github.com/hiapp/hicall/internal/logging"
	"github.com/hiapp/hicall/internal/prometheus"
	"go.uber.org/zap"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		err := prometheus.Serve(ctx)
		if err != nil {
			logging.Logger.Error("[main] metrics endpoint failed", zap.String("error", err.Error()))
		}
	}()

	// The sink is rebuilt whenever the health checker stopped it because a
	// dependency tripped its circuit breaker, once that dependency is back.
	for ctx.Err() == nil {
		appCtx, cancel := context.WithCancel(ctx)

		app, err := historysink.NewApp(appCtx, cancel)
		if err != nil {
			cancel()
			logging.Logger.Fatal("[main] failed to create history sink", zap.String("error", err.Error()))
		}

		err = app.Run(appCtx)
		cancel()

		if err != nil {
			logging.Logger.Fatal("[main] history sink stopped with error", zap.String("error", err.Error()))
		}

		if ctx.Err() != nil {
			break
		}

		logging.Logger.Warn("[main] history sink stopped, waiting for failed dependency",
			zap.String("service", app.HealthCheckerService.ErrorService),
		)

		if !app.HealthCheckerService.Check(ctx) {
			break
		}
	}

	logging.Logger.Info("[main] history sink shut down")
}
