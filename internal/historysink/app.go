package historysink

import (
	"context"

	"github.com/hiapp/hicall/internal/circuitbreak"
	"github.com/hiapp/hicall/internal/config"
	"github.com/hiapp/hicall/internal/database"
	"github.com/hiapp/hicall/internal/deadletter"
	"github.com/hiapp/hicall/internal/healthchecker"
	"github.com/hiapp/hicall/internal/history"
	"github.com/hiapp/hicall/internal/kafka"
	"github.com/hiapp/hicall/internal/logging"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DeadLetterMarker parks an event that could not be applied so it can be
// retried later.
type DeadLetterMarker interface {
	MarkEvent(ctx context.Context, eventID, callID string, msg []byte, errMsg string) error
}

// HistorySink consumes call events from Kafka and folds them into the
// call_history table. Events that cannot be written are parked in the dead
// letter table and retried by the dead letter worker.
type HistorySink struct {
	DBConn               *gorm.DB
	KafkaConsumer        *kafka.Consumer
	WorkerPool           *ants.Pool
	HistoryStore         history.Store
	DeadLetterService    DeadLetterMarker
	DeadLetterWorker     *deadletter.DeadLetterWorker
	HealthCheckerService *healthchecker.Healthchecker
}

func NewApp(ctx context.Context, ctxCancelFun context.CancelFunc) (*HistorySink, error) {
	logging.Logger.Info("[NewApp] Initializing history sink...")

	healthcheckerService := healthchecker.NewService(ctxCancelFun)

	dbConn, err := database.NewDatabase(ctx)
	if err != nil {
		logging.Logger.Error("[NewApp] Failed to initialize database", zap.Error(err))
		return nil, err
	}

	logging.Logger.Info("[NewApp] Database connection established")

	kafkaConsumer, err := kafka.NewConsumer()
	if err != nil {
		logging.Logger.Error("[NewApp] Failed to create Kafka consumer", zap.Error(err))
		return nil, err
	}

	logging.Logger.Info("[NewApp] Creating worker pool", zap.Int("pool_size", config.Conf.PoolSize))

	workerPool, err := ants.NewPool(config.Conf.PoolSize, ants.WithPreAlloc(true))
	if err != nil {
		logging.Logger.Error("[NewApp] Failed to create worker pool", zap.Error(err))
		return nil, err
	}

	historyRepository := history.NewRepository(dbConn)
	deadletterService := deadletter.NewService(dbConn, historyRepository)

	deadletterWorker, err := deadletter.NewWorker(deadletterService)
	if err != nil {
		logging.Logger.Error("[NewApp] Failed to create dead letter worker", zap.Error(err))
		return nil, err
	}

	logging.Logger.Info("[NewApp] Initializing circuit breakers...")
	circuitbreak.Init()

	return &HistorySink{
		DBConn:               dbConn,
		KafkaConsumer:        kafkaConsumer,
		WorkerPool:           workerPool,
		HistoryStore:         historyRepository,
		DeadLetterService:    deadletterService,
		DeadLetterWorker:     deadletterWorker,
		HealthCheckerService: healthcheckerService,
	}, nil
}

// Run blocks until ctx is cancelled, either by shutdown or by the health
// checker after a circuit breaker opened.
func (app *HistorySink) Run(ctx context.Context) error {
	logging.Logger.Info("[Run] Starting health checker monitor goroutine")

	go app.HealthCheckerService.Monitor(ctx)

	logging.Logger.Info("[Run] Starting dead letter worker goroutine")

	go app.DeadLetterWorker.Run(ctx)

	logging.Logger.Info("[Run] Starting call event consumer (BLOCKING)",
		zap.String("topic", config.Conf.KafkaCallEventTopic),
		zap.Int("worker_pool_size", config.Conf.PoolSize),
	)

	defer app.shutdown()

	err := app.KafkaConsumer.Consume(ctx, config.Conf.KafkaCallEventTopic, app.MessageHandler)
	if err != nil {
		logging.Logger.Error("[Run] Kafka consumer returned error", zap.Error(err))
		return err
	}

	logging.Logger.Warn("[Run] Kafka consumer returned, beginning shutdown...")

	return nil
}

func (app *HistorySink) shutdown() {
	err := app.KafkaConsumer.Close()
	if err != nil {
		logging.Logger.Error("[Run] Failed to close consumer", zap.String("error", err.Error()))
	}

	logging.Logger.Info("[Run] Releasing worker pool...",
		zap.Int("running_workers", app.WorkerPool.Running()),
		zap.Int("free_workers", app.WorkerPool.Free()),
	)
	app.WorkerPool.Release()

	sqlDB, err := app.DBConn.DB()
	if err == nil {
		err = sqlDB.Close()
	}

	if err != nil {
		logging.Logger.Error("[Run] Failed to close database", zap.String("error", err.Error()))
	}

	logging.Logger.Info("[Run] ===== History sink shutdown complete =====")
}
