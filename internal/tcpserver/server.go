package tcpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"marketcache/internal/cache"
	"marketcache/internal/metrics"
	"marketcache/internal/subscription"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EndpointRegistrar is implemented by the UDP broadcaster: sessions register
// a datagram endpoint on authentication and lose it on close.
type EndpointRegistrar interface {
	Register(sessionID string, addr *net.UDPAddr)
	Unregister(sessionID string)
}

// Config holds TCP server configuration.
type Config struct {
	Port            int
	AuthTokens      []string
	IdleTimeout     time.Duration
	MaxAuthFailures int
	SendQueueSize   int
}

// Server accepts TCP connections and runs one Session per connection.
type Server struct {
	cfg       Config
	registry  *subscription.Registry
	cache     *cache.PriceCache
	endpoints EndpointRegistrar
	logger    *zap.Logger

	listener net.Listener

	mu       sync.RWMutex
	sessions map[string]*Session

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewServer(cfg Config, registry *subscription.Registry, priceCache *cache.PriceCache, endpoints EndpointRegistrar, logger *zap.Logger) *Server {
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = 256
	}
	return &Server{
		cfg:       cfg,
		registry:  registry,
		cache:     priceCache,
		endpoints: endpoints,
		logger:    logger,
		sessions:  make(map[string]*Session),
	}
}

// Start binds the listener and begins accepting connections.
func (s *Server) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("tcp listen: %w", err)
	}
	s.listener = listener

	s.wg.Add(1)
	go s.acceptLoop()

	s.logger.Info("tcp server started", zap.Int("port", s.cfg.Port))
	return nil
}

// Stop closes the listener and shuts every session down gracefully, letting
// write loops drain buffered replies first.
func (s *Server) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.listener != nil {
		s.listener.Close()
	}

	s.mu.RLock()
	for _, session := range s.sessions {
		session.wake()
	}
	s.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("tcp server stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Push enqueues a broadcast payload on one session's queue, dropping it if
// the queue is full. Reports whether the payload was enqueued.
func (s *Server) Push(sessionID string, payload []byte) bool {
	s.mu.RLock()
	session, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	return session.Push(payload)
}

// Addr returns the listener address, useful when Port 0 picked a free port.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// SessionCount returns the number of live sessions.
func (s *Server) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || s.ctx.Err() != nil {
				return
			}
			s.logger.Warn("accept failed", zap.Error(err))
			continue
		}

		session := newSession(uuid.NewString(), conn, s)

		s.mu.Lock()
		s.sessions[session.id] = session
		s.mu.Unlock()
		metrics.ActiveSessions.Inc()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			session.run()
		}()
	}
}

func (s *Server) removeSession(sessionID string) {
	s.mu.Lock()
	if _, ok := s.sessions[sessionID]; ok {
		delete(s.sessions, sessionID)
		metrics.ActiveSessions.Dec()
	}
	s.mu.Unlock()
}

func (s *Server) validToken(token string) bool {
	for _, t := range s.cfg.AuthTokens {
		if token == t {
			return true
		}
	}
	return false
}
