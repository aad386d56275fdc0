package database

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/hiapp/hicall/internal/circuitbreak"
	"github.com/hiapp/hicall/internal/config"
	"github.com/hiapp/hicall/internal/logging"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// NewDatabase opens the Postgres pool shared by the signaling backend, the
// call history store and the dead-letter repository. The connection is
// verified with a ping bounded by POSTGRES_CONNECT_TIMEOUT.
func NewDatabase(ctx context.Context) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(DSN()), &gorm.Config{
		Logger: NewGormLogger(logging.Logger, time.Duration(config.Conf.PostgresSlowQueryMS)*time.Millisecond),
	})
	if err != nil {
		logging.Logger.Error("[NewDatabase] failed to open postgres", zap.String("error", err.Error()))
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		logging.Logger.Error("[NewDatabase] failed to get sql.DB from gorm", zap.String("error", err.Error()))
		return nil, err
	}

	if config.Conf.PostgresMaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(config.Conf.PostgresMaxOpenConns)
		sqlDB.SetMaxIdleConns(config.Conf.PostgresMaxOpenConns)
	}

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout())
	defer cancel()

	err = sqlDB.PingContext(pingCtx)
	if err != nil {
		_ = sqlDB.Close()

		logging.Logger.Error("[NewDatabase] failed to ping postgres",
			zap.String("host", config.Conf.PostgresHost),
			zap.String("error", err.Error()),
		)

		return nil, err
	}

	logging.Logger.Info("[NewDatabase] connected to postgres",
		zap.String("host", config.Conf.PostgresHost),
		zap.String("database", config.Conf.PostgresDatabase),
	)

	return db, nil
}

func connectTimeout() time.Duration {
	if config.Conf.PostgresConnectTimeout <= 0 {
		return 5 * time.Second
	}

	return time.Duration(config.Conf.PostgresConnectTimeout) * time.Second
}

// DSN is the key/value connection string used by the gorm driver.
func DSN() string {
	return fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%s connect_timeout=%d",
		config.Conf.PostgresHost,
		config.Conf.PostgresUsername,
		config.Conf.PostgresPassword,
		config.Conf.PostgresDatabase,
		config.Conf.PostgresPort,
		int(connectTimeout().Seconds()),
	)
}

// URL is the same connection in URL form, as golang-migrate expects it.
func URL() string {
	dbURL := &url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(config.Conf.PostgresUsername, config.Conf.PostgresPassword),
		Host:   config.Conf.PostgresHost + ":" + config.Conf.PostgresPort,
		Path:   config.Conf.PostgresDatabase,
	}

	query := url.Values{}
	query.Add("sslmode", "disable")
	dbURL.RawQuery = query.Encode()

	return dbURL.String()
}

// CircuitBreakerSettings trips after DB_CONSECUTIVE_FAILURES_CB failed
// queries in a row and reports the open state to the health checker.
func CircuitBreakerSettings() gobreaker.Settings {
	return gobreaker.Settings{
		Name:     "database",
		Interval: time.Duration(config.Conf.DBIntervalCB) * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			willTrip := counts.ConsecutiveFailures >= config.Conf.DBConsecutiveFailuresCB

			if willTrip {
				logging.Logger.Error("[database] circuit breaker about to trip",
					zap.Uint32("requests", counts.Requests),
					zap.Uint32("failures", counts.TotalFailures),
					zap.Uint32("consecutive_failures", counts.ConsecutiveFailures),
					zap.Uint32("threshold", config.Conf.DBConsecutiveFailuresCB),
				)
			}

			return willTrip
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Logger.Warn("[database] circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)

			if to == gobreaker.StateOpen {
				circuitbreak.TriggerError(circuitbreak.DBService)
			}
		},
	}
}
