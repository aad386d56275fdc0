package call

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hiapp/hicall/internal/logging"
	"github.com/hiapp/hicall/internal/prometheus"
	"github.com/hiapp/hicall/internal/signaling"
	"go.uber.org/zap"
)

// ICEExchange trickles candidates between the two peers of one call. Local
// candidates are appended to the role's own list; the opposite list is
// watched and every distinct candidate is handed to the transport once.
type ICEExchange struct {
	ctx       context.Context
	channel   signaling.Channel
	key       signaling.Key
	role      Role
	transport Transport

	mu      sync.Mutex
	applied map[string]struct{}

	stopped  atomic.Bool
	stopOnce sync.Once
	cancel   signaling.CancelFunc
}

// StartICEExchange refuses to run before the transport knows the remote
// description, since candidates cannot be applied without it.
func StartICEExchange(
	ctx context.Context,
	channel signaling.Channel,
	callID string,
	role Role,
	transport Transport,
) (*ICEExchange, error) {
	if !transport.HasRemoteDescription() {
		return nil, fmt.Errorf("%w: ice exchange before remote description", ErrProtocolViolation)
	}

	exchange := &ICEExchange{
		ctx:       ctx,
		channel:   channel,
		key:       RecordKey(callID),
		role:      role,
		transport: transport,
		applied:   make(map[string]struct{}),
	}

	cancel, err := channel.WatchList(ctx, exchange.key, role.RemoteList(), exchange.applyRemote)
	if err != nil {
		return nil, err
	}

	exchange.cancel = cancel

	transport.OnLocalCandidate(exchange.publishLocal)

	return exchange, nil
}

func (x *ICEExchange) publishLocal(candidate Candidate) {
	if x.stopped.Load() {
		return
	}

	_, err := x.channel.Append(x.ctx, x.key, x.role.LocalList(), candidate)
	if err != nil && x.ctx.Err() == nil {
		logging.Logger.Warn("[publishLocal] failed to publish local candidate",
			zap.String("call_id", x.key.ID),
			zap.String("role", string(x.role)),
			zap.String("error", err.Error()),
		)
	}
}

func (x *ICEExchange) applyRemote(item signaling.Item) {
	if x.stopped.Load() {
		return
	}

	var candidate Candidate

	err := item.Decode(&candidate)
	if err != nil || candidate.Candidate == "" {
		logging.Logger.Warn("[applyRemote] ignoring malformed candidate",
			zap.String("call_id", x.key.ID),
			zap.String("item_id", item.ID),
		)

		return
	}

	key := candidate.Key()

	x.mu.Lock()
	_, seen := x.applied[key]
	x.applied[key] = struct{}{}
	x.mu.Unlock()

	if seen {
		return
	}

	err = x.transport.AddRemoteCandidate(candidate)
	if err != nil {
		logging.Logger.Warn("[applyRemote] transport rejected remote candidate",
			zap.String("call_id", x.key.ID),
			zap.String("role", string(x.role)),
			zap.String("error", err.Error()),
		)

		return
	}

	prometheus.ICECandidatesApplied.WithLabelValues(string(x.role)).Inc()
}

// Applied returns how many distinct remote candidates were seen.
func (x *ICEExchange) Applied() int {
	x.mu.Lock()
	defer x.mu.Unlock()

	return len(x.applied)
}

func (x *ICEExchange) Stop() {
	if x == nil {
		return
	}

	x.stopOnce.Do(func() {
		x.stopped.Store(true)

		if x.cancel != nil {
			x.cancel()
		}
	})
}
