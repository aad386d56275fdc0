package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hiapp/hicall/internal/call"
	"github.com/hiapp/hicall/internal/circuitbreak"
	"github.com/hiapp/hicall/internal/config"
	"github.com/hiapp/hicall/internal/database"
	"github.com/hiapp/hicall/internal/history"
	"github.com/hiapp/hicall/internal/kafka"
	"github.com/hiapp/hicall/internal/logging"
	"github.com/hiapp/hicall/internal/presence"
	"github.com/hiapp/hicall/internal/signaling"
	"github.com/hiapp/hicall/internal/webrtcpeer"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const historyListLimit = 20

type client struct {
	userID   string
	channel  signaling.Channel
	presence *presence.Bridge
	registry *history.Registry
	service  *call.CallService

	closers       []func() error
	heartbeatDone chan error
	stopHeartbeat context.CancelFunc
}

func newClient(ctx context.Context, userID string) (*client, error) {
	circuitbreak.Init()

	c := &client{userID: userID}

	var factory *webrtcpeer.Factory

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		channel, err := signaling.New(groupCtx)
		if err != nil {
			return fmt.Errorf("signaling: %w", err)
		}

		c.channel = channel

		return nil
	})

	group.Go(func() error {
		var err error

		factory, err = webrtcpeer.NewFactory()
		if err != nil {
			return fmt.Errorf("webrtc: %w", err)
		}

		return nil
	})

	group.Go(func() error {
		registry, closer, err := newRegistry(groupCtx)
		if err != nil {
			return fmt.Errorf("history: %w", err)
		}

		c.registry = registry

		if closer != nil {
			c.closers = append(c.closers, closer)
		}

		return nil
	})

	err := group.Wait()
	if err != nil {
		_ = c.shutdown(ctx)
		return nil, err
	}

	clk := clock.New()
	c.presence = presence.NewBridge(c.channel, userID, clk)

	deps := call.Dependencies{
		Channel:     c.channel,
		Transports:  factory,
		Presence:    c.presence,
		Clock:       clk,
		RingTimeout: time.Duration(config.Conf.RingTimeout) * time.Second,
		Notifier:    logEvent,
	}

	if c.registry != nil {
		deps.Recorder = c.registry
	}

	c.service = call.NewService(userID, deps)

	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	c.stopHeartbeat = stopHeartbeat
	c.heartbeatDone = make(chan error, 1)

	go func() {
		c.heartbeatDone <- c.presence.Heartbeat(heartbeatCtx)
	}()

	return c, nil
}

// newRegistry picks the call history store named by HISTORY_STORE. A nil
// registry disables call history.
func newRegistry(ctx context.Context) (*history.Registry, func() error, error) {
	switch config.Conf.HistoryStore {
	case "database":
		db, err := database.NewDatabase(ctx)
		if err != nil {
			return nil, nil, err
		}

		closer := func() error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}

			return sqlDB.Close()
		}

		return history.NewRegistry(history.NewRepository(db)), closer, nil
	case "kafka":
		producer, err := kafka.NewProducer()
		if err != nil {
			return nil, nil, err
		}

		return history.NewRegistry(history.NewEventPublisher(producer)), producer.Close, nil
	default:
		return nil, nil, nil
	}
}

func logEvent(event call.Event) {
	fields := append(logging.CallFields(event.CallID, string(event.Role)),
		zap.String("state", string(event.State)),
		zap.String("peer_id", event.PeerID),
		zap.Bool("connected", event.Connected),
	)

	if event.Reason != "" {
		fields = append(fields, zap.String("reason", string(event.Reason)))
	}

	if event.Err != nil {
		fields = append(fields, zap.String("error", event.Err.Error()))
	}

	logging.Logger.Info("call event", fields...)
}

// call rings peerID and blocks until the call ends or ctx is done.
func (c *client) call(ctx context.Context, peerID string) error {
	online, err := c.presence.IsOnline(ctx, peerID)
	if err != nil {
		logging.Logger.Warn("[call] failed to read peer presence", zap.String("error", err.Error()))
	} else if !online {
		logging.Logger.Info("[call] peer looks offline, ringing anyway", zap.String("peer_id", peerID))
	}

	session, err := c.service.Call(ctx, peerID)
	if err != nil {
		return err
	}

	logging.Logger.Info("[call] ringing", zap.String("call_id", session.ID()), zap.String("peer_id", peerID))

	select {
	case <-session.Done():
		logging.Logger.Info("[call] call finished",
			zap.String("call_id", session.ID()),
			zap.String("state", string(session.State())),
			zap.String("reason", string(session.Reason())),
		)

		return nil
	case <-ctx.Done():
		return nil
	}
}

// listen answers every incoming call until ctx is done.
func (c *client) listen(ctx context.Context) error {
	c.service.OnIncoming(func(incoming *call.IncomingCall) {
		logging.Logger.Info("[listen] incoming call",
			zap.String("call_id", incoming.Session.ID()),
			zap.String("caller_id", incoming.CallerID),
		)

		err := incoming.Accept(ctx)
		if err != nil {
			logging.Logger.Warn("[listen] failed to accept call",
				zap.String("call_id", incoming.Session.ID()),
				zap.String("error", err.Error()),
			)
		}
	})

	err := c.service.Listen(ctx)
	if err != nil {
		return err
	}

	<-ctx.Done()

	return nil
}

func (c *client) printHistory(ctx context.Context) error {
	if c.registry == nil {
		return history.ErrListingUnavailable
	}

	entries, err := c.registry.ListForUser(ctx, c.userID, historyListLimit)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		peer := entry.CalleeID
		if entry.CalleeID == c.userID {
			peer = entry.CallerID
		}

		fmt.Printf("%s  %-8s  %-16s  %-7s  %-16s  %s\n",
			entry.CreatedAt.Local().Format(time.DateTime),
			entry.Direction(c.userID),
			peer,
			entry.Status,
			entry.EndReason,
			entry.Duration().Round(time.Second),
		)
	}

	return nil
}

// shutdown hangs up the active call, then releases the stores in parallel.
func (c *client) shutdown(ctx context.Context) error {
	var err error

	if c.service != nil {
		err = c.service.Close(ctx)
	}

	if c.stopHeartbeat != nil {
		c.stopHeartbeat()
		<-c.heartbeatDone
	}

	var group errgroup.Group

	for _, closer := range c.closers {
		group.Go(closer)
	}

	if c.channel != nil {
		group.Go(c.channel.Close)
	}

	return errors.Join(err, group.Wait())
}
