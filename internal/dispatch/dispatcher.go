package dispatch

import (
	"context"

	"marketcache/internal/metrics"
	"marketcache/internal/model"
	"marketcache/internal/protocol"
	"marketcache/internal/subscription"

	"go.uber.org/zap"
)

// TCPPusher delivers a payload to one session's bounded queue. Reports false
// when the session is gone or its queue is full.
type TCPPusher interface {
	Push(sessionID string, payload []byte) bool
}

// UDPPusher sends a best-effort datagram to one session's registered
// endpoint, reporting whether the session has one.
type UDPPusher interface {
	Push(sessionID string, payload []byte) bool
}

// Broadcaster is an optional sink for every update regardless of
// subscriptions, used by the websocket stream.
type Broadcaster interface {
	Broadcast(payload []byte)
}

// Dispatcher is the fan-out step: it consumes update batches from the
// scheduler and delivers each update to every subscriber over both
// transports. It holds no per-session state, so the scheduler stays free of
// session concerns.
type Dispatcher struct {
	registry  *subscription.Registry
	tcp       TCPPusher
	udp       UDPPusher
	broadcast Broadcaster
	updates   <-chan []model.PriceUpdate
	logger    *zap.Logger
}

func New(registry *subscription.Registry, tcp TCPPusher, udp UDPPusher, broadcast Broadcaster, updates <-chan []model.PriceUpdate, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		registry:  registry,
		tcp:       tcp,
		udp:       udp,
		broadcast: broadcast,
		updates:   updates,
		logger:    logger,
	}
}

// Run consumes the update feed until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case batch, ok := <-d.updates:
			if !ok {
				return
			}
			d.fanOut(batch)
		}
	}
}

func (d *Dispatcher) fanOut(batch []model.PriceUpdate) {
	delivered, dropped := 0, 0

	for _, update := range batch {
		payload, err := protocol.Encode(protocol.NewPriceUpdate(update))
		if err != nil {
			d.logger.Error("encode price update failed",
				zap.String("coin", update.CoinID),
				zap.Error(err),
			)
			continue
		}

		if d.broadcast != nil {
			d.broadcast.Broadcast(payload)
		}

		for _, sessionID := range d.registry.SubscribersOf(update.CoinID) {
			// One transport per session: a registered UDP endpoint takes the
			// update as a datagram, everyone else gets the TCP queue.
			if d.udp != nil && d.udp.Push(sessionID, payload) {
				delivered++
				continue
			}
			if d.tcp.Push(sessionID, payload) {
				delivered++
			} else {
				dropped++
			}
		}
	}

	metrics.UpdatesFannedOut.Add(float64(delivered))
	metrics.UpdatesDropped.Add(float64(dropped))

	d.logger.Debug("fan-out complete",
		zap.Int("updates", len(batch)),
		zap.Int("delivered", delivered),
		zap.Int("dropped", dropped),
	)
}
