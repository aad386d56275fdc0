package prometheus

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/hiapp/hicall/internal/config"
	"github.com/hiapp/hicall/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Handler exposes the default registry on /metrics and a liveness check on
// /healthz.
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{
		ErrorLog:          zap.NewStdLog(logging.Logger),
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return mux
}

// Serve runs the metrics endpoint on PROMETHEUS_PORT until ctx is done.
func Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", ":"+config.Conf.PrometheusPort)
	if err != nil {
		logging.Logger.Error("[Serve] failed to listen for metrics",
			zap.String("port", config.Conf.PrometheusPort),
			zap.String("error", err.Error()),
		)

		return err
	}

	return serve(ctx, listener)
}

func serve(ctx context.Context, listener net.Listener) error {
	timeout := time.Duration(config.Conf.PrometheusTimeout) * time.Second

	server := &http.Server{
		Handler:           Handler(),
		ReadTimeout:       timeout,
		ReadHeaderTimeout: timeout,
		WriteTimeout:      timeout,
		IdleTimeout:       timeout,
	}

	errCh := make(chan error, 1)

	go func() {
		errCh <- server.Serve(listener)
	}()

	logging.Logger.Info("[Serve] metrics endpoint started", zap.String("addr", listener.Addr().String()))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		logging.Logger.Error("[Serve] metrics endpoint stopped", zap.String("error", err.Error()))

		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	err := server.Shutdown(shutdownCtx)
	if err != nil {
		logging.Logger.Warn("[Serve] failed to shut down metrics endpoint", zap.String("error", err.Error()))
		return err
	}

	logging.Logger.Info("[Serve] metrics endpoint stopped")

	return nil
}
