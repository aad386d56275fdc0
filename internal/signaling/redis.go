package signaling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/hiapp/hicall/internal/config"
	"github.com/hiapp/hicall/internal/logging"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisKeyPrefix = "hicall"

// Redis stores every document as a hash (field -> raw JSON) and every item
// list as a Redis list. Each mutation publishes on a per-key notification
// channel; watchers re-read on notification and on a periodic resync tick so
// a dropped pub/sub connection only delays delivery.
type Redis struct {
	client       *redis.Client
	listTTL      time.Duration
	pollInterval time.Duration
}

func NewRedis(ctx context.Context) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Conf.RedisAddr,
		Password: config.Conf.RedisPassword,
		DB:       config.Conf.RedisDB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := client.Ping(pingCtx).Err()
	if err != nil {
		logging.Logger.Error("Failed to connect to Redis",
			zap.String("addr", config.Conf.RedisAddr),
			zap.String("error", err.Error()),
		)

		return nil, fmt.Errorf("%w: %w", ErrChannelUnavailable, err)
	}

	logging.Logger.Info("Successfully connected to Redis", zap.String("addr", config.Conf.RedisAddr))

	return NewRedisWithClient(client), nil
}

func NewRedisWithClient(client *redis.Client) *Redis {
	return &Redis{
		client:       client,
		listTTL:      time.Duration(config.Conf.SignalingListTTL) * time.Second,
		pollInterval: pollInterval(),
	}
}

func pollInterval() time.Duration {
	interval := time.Duration(config.Conf.SignalingPollIntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}

	return interval
}

func docKey(key Key) string {
	return fmt.Sprintf("%s:doc:%s:%s", redisKeyPrefix, key.Collection, key.ID)
}

func listRedisKey(key Key, list string) string {
	return fmt.Sprintf("%s:list:%s:%s:%s", redisKeyPrefix, key.Collection, key.ID, list)
}

func notifyChannel(redisKey string) string {
	return redisKey + ":notify"
}

func unavailable(err error) error {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	return fmt.Errorf("%w: %w", ErrChannelUnavailable, err)
}

func (r *Redis) Write(ctx context.Context, key Key, fields map[string]any) error {
	update, err := encodeFields(fields)
	if err != nil {
		return err
	}

	values := make(map[string]any, len(update))
	for name, raw := range update {
		values[name] = string(raw)
	}

	redisKey := docKey(key)

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, redisKey, values)
		pipe.Publish(ctx, notifyChannel(redisKey), "w")

		return nil
	})

	return unavailable(err)
}

func (r *Redis) Read(ctx context.Context, key Key) (Document, error) {
	values, err := r.client.HGetAll(ctx, docKey(key)).Result()
	if err != nil {
		return nil, unavailable(err)
	}

	if len(values) == 0 {
		return nil, ErrNotFound
	}

	doc := make(Document, len(values))
	for name, raw := range values {
		doc[name] = json.RawMessage(raw)
	}

	return doc, nil
}

func (r *Redis) Watch(ctx context.Context, key Key, fn WatchFunc) (CancelFunc, error) {
	redisKey := docKey(key)

	pubsub, err := r.subscribe(ctx, notifyChannel(redisKey))
	if err != nil {
		return nil, err
	}

	watchCtx, cancel := context.WithCancel(ctx)

	go func() {
		defer pubsub.Close()

		var last string

		deliver := func() {
			doc, err := r.Read(watchCtx, key)
			if err != nil {
				if !errors.Is(err, ErrNotFound) && watchCtx.Err() == nil {
					logging.Logger.Warn("[Watch] failed to read document",
						zap.String("key", key.String()),
						zap.String("error", err.Error()),
					)
				}

				return
			}

			encoded, err := json.Marshal(doc)
			if err != nil || string(encoded) == last {
				return
			}

			last = string(encoded)

			fn(doc)
		}

		r.pump(watchCtx, pubsub, deliver)
	}()

	return CancelFunc(cancel), nil
}

func (r *Redis) Append(ctx context.Context, key Key, list string, data any) (Item, error) {
	raw, err := encodeValue(data)
	if err != nil {
		return Item{}, err
	}

	item := Item{ID: uuid.NewString(), Data: raw}

	encoded, err := json.Marshal(item)
	if err != nil {
		return Item{}, err
	}

	redisKey := listRedisKey(key, list)

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, redisKey, encoded)

		if r.listTTL > 0 {
			pipe.Expire(ctx, redisKey, r.listTTL)
		}

		pipe.Publish(ctx, notifyChannel(redisKey), "a")

		return nil
	})
	if err != nil {
		return Item{}, unavailable(err)
	}

	return item, nil
}

func (r *Redis) WatchList(ctx context.Context, key Key, list string, fn ItemFunc) (CancelFunc, error) {
	redisKey := listRedisKey(key, list)

	pubsub, err := r.subscribe(ctx, notifyChannel(redisKey))
	if err != nil {
		return nil, err
	}

	watchCtx, cancel := context.WithCancel(ctx)

	go func() {
		defer pubsub.Close()

		var offset int64

		deliver := func() {
			values, err := r.client.LRange(watchCtx, redisKey, offset, -1).Result()
			if err != nil {
				if watchCtx.Err() == nil {
					logging.Logger.Warn("[WatchList] failed to read list",
						zap.String("key", redisKey),
						zap.String("error", err.Error()),
					)
				}

				return
			}

			for _, value := range values {
				offset++

				var item Item

				err := json.Unmarshal([]byte(value), &item)
				if err != nil {
					logging.Logger.Warn("[WatchList] skipping malformed item",
						zap.String("key", redisKey),
						zap.String("error", err.Error()),
					)

					continue
				}

				if watchCtx.Err() != nil {
					return
				}

				fn(item)
			}
		}

		r.pump(watchCtx, pubsub, deliver)
	}()

	return CancelFunc(cancel), nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

// subscribe returns only once the subscription is confirmed, so no
// notification published after Watch returns can be missed.
func (r *Redis) subscribe(ctx context.Context, channel string) (*redis.PubSub, error) {
	pubsub := r.client.Subscribe(ctx, channel)

	_, err := pubsub.Receive(ctx)
	if err != nil {
		_ = pubsub.Close()
		return nil, unavailable(err)
	}

	return pubsub, nil
}

func (r *Redis) pump(ctx context.Context, pubsub *redis.PubSub, deliver func()) {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	messages := pubsub.Channel()

	deliver()

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-messages:
			if !ok {
				return
			}

			deliver()
		case <-ticker.C:
			deliver()
		}
	}
}
