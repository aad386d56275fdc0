package presence

import (
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hiapp/hicall/internal/config"
	"github.com/hiapp/hicall/internal/logging"
	"github.com/hiapp/hicall/internal/signaling"
	"go.uber.org/zap"
)

const Collection = "presence"

// Flag is the presence document of one user.
type Flag struct {
	Online     bool      `json:"online"`
	LastActive time.Time `json:"lastActive"`
	CallStatus string    `json:"callStatus"`
	CallID     string    `json:"callId"`
}

func Key(userID string) signaling.Key {
	return signaling.Key{Collection: Collection, ID: userID}
}

// Bridge publishes the local user's presence and reads other users'.
// Presence is advisory: call state always comes from the call record.
type Bridge struct {
	channel   signaling.Channel
	clock     clock.Clock
	userID    string
	heartbeat time.Duration
	threshold time.Duration
}

func NewBridge(channel signaling.Channel, userID string, clk clock.Clock) *Bridge {
	if clk == nil {
		clk = clock.New()
	}

	heartbeat := time.Duration(config.Conf.PresenceHeartbeatInterval) * time.Second
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}

	threshold := time.Duration(config.Conf.PresenceOnlineThreshold) * time.Second
	if threshold <= 0 {
		threshold = 90 * time.Second
	}

	return &Bridge{
		channel:   channel,
		clock:     clk,
		userID:    userID,
		heartbeat: heartbeat,
		threshold: threshold,
	}
}

func (b *Bridge) SetOnline(ctx context.Context, online bool) error {
	return b.channel.Write(ctx, Key(b.userID), map[string]any{
		"online":     online,
		"lastActive": b.clock.Now(),
	})
}

// Heartbeat marks the user online and refreshes lastActive until ctx is
// done, then marks the user offline.
func (b *Bridge) Heartbeat(ctx context.Context) error {
	err := b.SetOnline(ctx, true)
	if err != nil {
		return err
	}

	ticker := b.clock.Ticker(b.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			err := b.SetOnline(context.WithoutCancel(ctx), false)
			if err != nil {
				logging.Logger.Warn("[Heartbeat] failed to mark user offline",
					zap.String("user_id", b.userID),
					zap.String("error", err.Error()),
				)
			}

			return nil
		case <-ticker.C:
			err := b.channel.Write(ctx, Key(b.userID), map[string]any{"lastActive": b.clock.Now()})
			if err != nil && ctx.Err() == nil {
				logging.Logger.Warn("[Heartbeat] failed to refresh presence",
					zap.String("user_id", b.userID),
					zap.String("error", err.Error()),
				)
			}
		}
	}
}

// PublishCallAction mirrors the local call progress into the presence
// document so the peer gets a fast hint.
func (b *Bridge) PublishCallAction(ctx context.Context, callID, action string) error {
	return b.channel.Write(ctx, Key(b.userID), map[string]any{
		"callStatus": action,
		"callId":     callID,
		"lastActive": b.clock.Now(),
	})
}

func (b *Bridge) Get(ctx context.Context, userID string) (Flag, error) {
	doc, err := b.channel.Read(ctx, Key(userID))
	if err != nil {
		return Flag{}, err
	}

	var flag Flag

	err = doc.Decode(&flag)
	if err != nil {
		return Flag{}, err
	}

	return flag, nil
}

// IsOnline treats a user as online when the flag is set or the last
// activity is recent enough.
func (b *Bridge) IsOnline(ctx context.Context, userID string) (bool, error) {
	flag, err := b.Get(ctx, userID)
	if errors.Is(err, signaling.ErrNotFound) {
		return false, nil
	}

	if err != nil {
		return false, err
	}

	return b.online(flag), nil
}

func (b *Bridge) online(flag Flag) bool {
	if flag.Online {
		return true
	}

	return !flag.LastActive.IsZero() && b.clock.Since(flag.LastActive) <= b.threshold
}

func (b *Bridge) Watch(ctx context.Context, userID string, fn func(Flag)) (signaling.CancelFunc, error) {
	return b.channel.Watch(ctx, Key(userID), func(doc signaling.Document) {
		var flag Flag

		err := doc.Decode(&flag)
		if err != nil {
			logging.Logger.Warn("[Watch] ignoring malformed presence",
				zap.String("user_id", userID),
				zap.String("error", err.Error()),
			)

			return
		}

		fn(flag)
	})
}

// WatchCallHints calls fn whenever userID's presence names a call with a
// call status it did not name before. Heartbeat-only updates are dropped.
func (b *Bridge) WatchCallHints(ctx context.Context, userID string, fn func(callID string)) (signaling.CancelFunc, error) {
	var lastCall, lastStatus string

	return b.Watch(ctx, userID, func(flag Flag) {
		if flag.CallID == "" {
			return
		}

		if flag.CallID == lastCall && flag.CallStatus == lastStatus {
			return
		}

		lastCall, lastStatus = flag.CallID, flag.CallStatus

		fn(flag.CallID)
	})
}
