package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// gormLogger routes gorm's query log into zap. Failed queries are logged as
// errors, queries slower than slow as warnings, the rest at debug.
type gormLogger struct {
	logger *zap.Logger
	level  gormlogger.LogLevel
	slow   time.Duration
}

func NewGormLogger(logger *zap.Logger, slow time.Duration) gormlogger.Interface {
	return &gormLogger{
		logger: logger.WithOptions(zap.AddCallerSkip(3)),
		level:  gormlogger.Warn,
		slow:   slow,
	}
}

func (l *gormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	clone := *l
	clone.level = level

	return &clone
}

func (l *gormLogger) Info(_ context.Context, msg string, args ...any) {
	if l.level >= gormlogger.Info {
		l.logger.Info("[gorm] " + fmt.Sprintf(msg, args...))
	}
}

func (l *gormLogger) Warn(_ context.Context, msg string, args ...any) {
	if l.level >= gormlogger.Warn {
		l.logger.Warn("[gorm] " + fmt.Sprintf(msg, args...))
	}
}

func (l *gormLogger) Error(_ context.Context, msg string, args ...any) {
	if l.level >= gormlogger.Error {
		l.logger.Error("[gorm] " + fmt.Sprintf(msg, args...))
	}
}

func (l *gormLogger) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}

	elapsed := time.Since(begin)

	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && l.level >= gormlogger.Error:
		query, rows := fc()
		l.logger.Error("[gorm] query failed",
			zap.String("sql", query),
			zap.Int64("rows", rows),
			zap.Duration("elapsed", elapsed),
			zap.String("error", err.Error()),
		)
	case l.slow > 0 && elapsed > l.slow && l.level >= gormlogger.Warn:
		query, rows := fc()
		l.logger.Warn("[gorm] slow query",
			zap.String("sql", query),
			zap.Int64("rows", rows),
			zap.Duration("elapsed", elapsed),
			zap.Duration("threshold", l.slow),
		)
	case l.level >= gormlogger.Info:
		query, rows := fc()
		l.logger.Debug("[gorm] query",
			zap.String("sql", query),
			zap.Int64("rows", rows),
			zap.Duration("elapsed", elapsed),
		)
	}
}
