package udpserver

import (
	"context"
	"net"
	"sync"
	"time"

	"marketcache/internal/protocol"

	"go.uber.org/zap"
)

// Broadcaster pushes price-update datagrams to endpoints registered by
// authenticated TCP sessions. Sends are fire-and-forget: a lost datagram is
// resolved by the client re-polling over TCP or waiting for the next cycle.
type Broadcaster struct {
	conn   *net.UDPConn
	logger *zap.Logger

	mu        sync.RWMutex
	endpoints map[string]*net.UDPAddr // sessionID -> registered endpoint
}

// Listen binds the broadcaster's UDP socket on port.
func Listen(port int, logger *zap.Logger) (*Broadcaster, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, err
	}
	return &Broadcaster{
		conn:      conn,
		logger:    logger,
		endpoints: make(map[string]*net.UDPAddr),
	}, nil
}

// Register binds a session to a UDP endpoint. Re-registration replaces the
// previous endpoint.
func (b *Broadcaster) Register(sessionID string, addr *net.UDPAddr) {
	b.mu.Lock()
	b.endpoints[sessionID] = addr
	b.mu.Unlock()

	b.logger.Debug("udp endpoint registered",
		zap.String("session", sessionID),
		zap.String("addr", addr.String()),
	)
}

// Unregister removes a session's endpoint, if any.
func (b *Broadcaster) Unregister(sessionID string) {
	b.mu.Lock()
	delete(b.endpoints, sessionID)
	b.mu.Unlock()
}

// EndpointCount returns the number of registered endpoints.
func (b *Broadcaster) EndpointCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.endpoints)
}

// Push sends one datagram to the session's endpoint, reporting whether the
// session has one registered. Never retried; send errors are accepted as
// loss and still count as handled.
func (b *Broadcaster) Push(sessionID string, payload []byte) bool {
	b.mu.RLock()
	addr, ok := b.endpoints[sessionID]
	b.mu.RUnlock()
	if !ok {
		return false
	}

	b.conn.SetWriteDeadline(time.Now().Add(time.Second))
	if _, err := b.conn.WriteToUDP(payload, addr); err != nil {
		b.logger.Debug("udp push failed",
			zap.String("session", sessionID),
			zap.Error(err),
		)
	}
	return true
}

// RunHeartbeats sends liveness heartbeats to every registered endpoint on a
// fixed interval until ctx is cancelled. Heartbeats carry no acknowledgment.
func (b *Broadcaster) RunHeartbeats(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			payload, err := protocol.Encode(protocol.NewHeartbeat())
			if err != nil {
				continue
			}

			b.mu.RLock()
			ids := make([]string, 0, len(b.endpoints))
			for sessionID := range b.endpoints {
				ids = append(ids, sessionID)
			}
			b.mu.RUnlock()

			for _, sessionID := range ids {
				b.Push(sessionID, payload)
			}
		}
	}
}

// Close releases the UDP socket.
func (b *Broadcaster) Close() error {
	return b.conn.Close()
}
