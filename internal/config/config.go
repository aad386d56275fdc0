package config

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

type Config struct {
	UserID string `mapstructure:"user_id"`

	SignalingBackend              string `mapstructure:"signaling_backend"                validate:"required,oneof=memory redis postgres"`
	SignalingListTTL              int    `mapstructure:"signaling_list_ttl"`
	SignalingPollIntervalMS       int    `mapstructure:"signaling_poll_interval_ms"`
	SignalingRetryMaxAttempts     uint   `mapstructure:"signaling_retry_max_attempts"`
	SignalingRetryMinBackoffMS    int    `mapstructure:"signaling_retry_min_backoff_ms"`
	SignalingRetryMaxBackoffMS    int    `mapstructure:"signaling_retry_max_backoff_ms"`
	SignalingIntervalCB           uint32 `mapstructure:"signaling_interval_cb"`
	SignalingConsecutiveFailureCB uint32 `mapstructure:"signaling_consecutive_failures_cb"`

	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`

	ICEServersJSON string `mapstructure:"ice_servers_json"`
	STUNURLs       string `mapstructure:"stun_urls"`
	TURNURLs       string `mapstructure:"turn_urls"`
	TURNUsername   string `mapstructure:"turn_username"`
	TURNCredential string `mapstructure:"turn_credential"`

	RingTimeout               int  `mapstructure:"ring_timeout"                validate:"gt=0"`
	PresenceHeartbeatInterval int  `mapstructure:"presence_heartbeat_interval"`
	PresenceOnlineThreshold   int  `mapstructure:"presence_online_threshold"`
	MicrophoneEnabled         bool `mapstructure:"microphone_enabled"`

	HistoryStore string `mapstructure:"history_store" validate:"required,oneof=database kafka none"`

	PostgresHost            string `mapstructure:"postgres_host"`
	PostgresUsername        string `mapstructure:"postgres_username"`
	PostgresPassword        string `mapstructure:"postgres_password"`
	PostgresPort            string `mapstructure:"postgres_port"`
	PostgresDatabase        string `mapstructure:"postgres_database"`
	PostgresConnectTimeout  int    `mapstructure:"postgres_connect_timeout"`
	PostgresMaxOpenConns    int    `mapstructure:"postgres_max_open_conns"`
	PostgresSlowQueryMS     int    `mapstructure:"postgres_slow_query_ms"`
	MigrationsDir           string `mapstructure:"migrations_dir"`
	DBIntervalCB            uint32 `mapstructure:"db_interval_cb"`
	DBConsecutiveFailuresCB uint32 `mapstructure:"db_consecutive_failures_cb"`

	KafkaBootstrapServer       string `mapstructure:"kafka_bootstrap_server"`
	KafkaSASLEnable            bool   `mapstructure:"kafka_sasl_enable"`
	KafkaUsername              string `mapstructure:"kafka_username"`
	KafkaPassword              string `mapstructure:"kafka_password"`
	KafkaCallEventTopic        string `mapstructure:"kafka_call_event_topic"`
	KafkaCallEventGroupID      string `mapstructure:"kafka_call_event_group_id"`
	KafkaIntervalCB            uint32 `mapstructure:"kafka_interval_cb"`
	KafkaConsecutiveFailuresCB uint32 `mapstructure:"kafka_consecutive_failures_cb"`

	LogLevel    string `mapstructure:"log_level"`
	LogFilePath string `mapstructure:"log_file_path"`

	PoolSize           int `mapstructure:"pool_size"`
	DeadLetterPoolSize int `mapstructure:"dead_letter_pool_size"`

	DeadLetterEventMaxRetries int `mapstructure:"deadletter_event_max_retries"`
	DeadLetterEventLimit      int `mapstructure:"deadletter_event_limit"`
	DeadLetterEventInterval   int `mapstructure:"deadletter_event_interval"`
	DeadLetterEventRetryDelay int `mapstructure:"deadletter_event_retry_delay"`

	HealthCheckerMonitorInterval int `mapstructure:"health_checker_monitor_interval"`

	PrometheusPort    string `mapstructure:"prometheus_port"`
	PrometheusTimeout int    `mapstructure:"prometheus_timeout"`
}

var Conf Config

func init() {
	err := loadEnvConfig(&Conf)
	if err != nil {
		zap.NewExample().Fatal("failed to load config", zap.String("error", err.Error()))
	}
}

func loadEnvConfig(cfg *Config) error {
	viper.AutomaticEnv()
	viper.AllowEmptyEnv(true)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setupDefaults()

	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AddConfigPath(".")

	err := viper.ReadInConfig()
	if err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError

		ok := errors.As(err, &configFileNotFoundError)
		if !ok {
			return err
		}
	}

	err = viper.Unmarshal(cfg)
	if err != nil {
		return err
	}

	err = validator.New().Struct(cfg)
	if err != nil {
		return err
	}

	return nil
}

func setupDefaults() {
	confType := reflect.TypeOf(Conf)
	for i := range confType.NumField() {
		field := confType.Field(i)
		viper.SetDefault(field.Tag.Get("mapstructure"), "")
	}

	viper.SetDefault("SIGNALING_BACKEND", "memory")
	viper.SetDefault("SIGNALING_LIST_TTL", "3600")
	viper.SetDefault("SIGNALING_POLL_INTERVAL_MS", "250")
	viper.SetDefault("SIGNALING_RETRY_MAX_ATTEMPTS", "5")
	viper.SetDefault("SIGNALING_RETRY_MIN_BACKOFF_MS", "100")
	viper.SetDefault("SIGNALING_RETRY_MAX_BACKOFF_MS", "2000")
	viper.SetDefault("SIGNALING_INTERVAL_CB", "30")
	viper.SetDefault("SIGNALING_CONSECUTIVE_FAILURES_CB", "10")
	viper.SetDefault("REDIS_ADDR", "localhost:6379")
	viper.SetDefault("REDIS_DB", "0")
	viper.SetDefault("STUN_URLS", "stun:stun.l.google.com:19302")
	viper.SetDefault("RING_TIMEOUT", "30")
	viper.SetDefault("PRESENCE_HEARTBEAT_INTERVAL", "30")
	viper.SetDefault("PRESENCE_ONLINE_THRESHOLD", "90")
	viper.SetDefault("MICROPHONE_ENABLED", "true")
	viper.SetDefault("HISTORY_STORE", "none")
	viper.SetDefault("POSTGRES_HOST", "localhost")
	viper.SetDefault("POSTGRES_PORT", "5432")
	viper.SetDefault("POSTGRES_CONNECT_TIMEOUT", "5")
	viper.SetDefault("POSTGRES_MAX_OPEN_CONNS", "10")
	viper.SetDefault("POSTGRES_SLOW_QUERY_MS", "200")
	viper.SetDefault("MIGRATIONS_DIR", "migrations")
	viper.SetDefault("DB_INTERVAL_CB", "30")
	viper.SetDefault("DB_CONSECUTIVE_FAILURES_CB", "3")
	viper.SetDefault("KAFKA_SASL_ENABLE", "false")
	viper.SetDefault("KAFKA_CALL_EVENT_TOPIC", "call-events")
	viper.SetDefault("KAFKA_CALL_EVENT_GROUP_ID", "hicall-history")
	viper.SetDefault("KAFKA_INTERVAL_CB", "30")
	viper.SetDefault("KAFKA_CONSECUTIVE_FAILURES_CB", "5")
	viper.SetDefault("LOG_LEVEL", "INFO")
	viper.SetDefault("LOG_FILE_PATH", "./access.log")
	viper.SetDefault("POOL_SIZE", "10")
	viper.SetDefault("DEAD_LETTER_POOL_SIZE", "3")
	viper.SetDefault("DEADLETTER_EVENT_MAX_RETRIES", "10")
	viper.SetDefault("DEADLETTER_EVENT_LIMIT", "100")
	viper.SetDefault("DEADLETTER_EVENT_INTERVAL", "1")
	viper.SetDefault("DEADLETTER_EVENT_RETRY_DELAY", "1")
	viper.SetDefault("HEALTH_CHECKER_MONITOR_INTERVAL", "60")
	viper.SetDefault("PROMETHEUS_PORT", "2112")
	viper.SetDefault("PROMETHEUS_TIMEOUT", "60")
}
