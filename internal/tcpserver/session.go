package tcpserver

import (
	"bufio"
	"net"
	"sync"
	"time"

	"marketcache/internal/model"
	"marketcache/internal/protocol"

	"go.uber.org/zap"
)

const maxLineSize = 64 * 1024

type sessionState int

const (
	stateUnauthenticated sessionState = iota
	stateAuthenticated
	stateClosed
)

// Session is one TCP connection's state machine. The read loop owns all
// state transitions; the write loop drains the bounded send queue. Messages
// are newline-delimited JSON envelopes.
type Session struct {
	id     string
	conn   net.Conn
	server *Server
	logger *zap.Logger

	state         sessionState
	authFailures  int
	lastHeartbeat time.Time

	sendMu sync.RWMutex
	send   chan []byte
	closed bool
}

func newSession(id string, conn net.Conn, server *Server) *Session {
	return &Session{
		id:     id,
		conn:   conn,
		server: server,
		logger: server.logger.With(zap.String("session", id)),
		state:  stateUnauthenticated,
		send:   make(chan []byte, server.cfg.SendQueueSize),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

func (s *Session) run() {
	go s.writeLoop()
	s.readLoop()
	s.teardown()
}

// Push enqueues a broadcast payload. When the queue is full the message is
// dropped so a slow consumer never stalls the scheduler or other sessions.
func (s *Session) Push(payload []byte) bool {
	return s.enqueue(payload)
}

// reply enqueues a protocol reply to the session's own request.
func (s *Session) reply(msg protocol.Message) {
	payload, err := protocol.Encode(msg)
	if err != nil {
		s.logger.Error("encode reply failed", zap.Error(err))
		return
	}
	if !s.enqueue(payload) {
		s.logger.Warn("send queue full, reply dropped", zap.String("type", string(msg.Kind())))
	}
}

func (s *Session) enqueue(payload []byte) bool {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()

	if s.closed {
		return false
	}
	select {
	case s.send <- payload:
		return true
	default:
		return false
	}
}

func (s *Session) readLoop() {
	scanner := bufio.NewScanner(s.conn)
	scanner.Buffer(make([]byte, 4096), maxLineSize)

	for {
		// Idle timeout covers silence of any kind, heartbeats included.
		s.conn.SetReadDeadline(time.Now().Add(s.server.cfg.IdleTimeout))

		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				s.logger.Debug("session read ended", zap.Error(err))
			}
			return
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		msg, err := protocol.Decode(line)
		if err != nil {
			s.logger.Warn("protocol violation, closing session", zap.Error(err))
			return
		}
		if !s.handle(msg) {
			return
		}
	}
}

// handle dispatches one inbound message. Returning false closes the session.
func (s *Session) handle(msg protocol.Message) bool {
	switch m := msg.(type) {
	case protocol.Heartbeat:
		// Allowed in any state.
		s.lastHeartbeat = time.Now()
		s.reply(protocol.NewAck(m.Correlation(), true, ""))
		return true

	case protocol.AuthRequest:
		return s.handleAuth(m)

	case protocol.SubscribeRequest:
		if s.state != stateAuthenticated {
			s.logger.Warn("subscribe before auth, closing session")
			return false
		}
		s.server.registry.Subscribe(s.id, m.CoinIDs)
		s.reply(protocol.NewAck(m.Correlation(), true, ""))
		return true

	case protocol.UnsubscribeRequest:
		if s.state != stateAuthenticated {
			s.logger.Warn("unsubscribe before auth, closing session")
			return false
		}
		s.server.registry.Unsubscribe(s.id, m.CoinIDs)
		s.reply(protocol.NewAck(m.Correlation(), true, ""))
		return true

	case protocol.PriceRequest:
		if s.state != stateAuthenticated {
			s.logger.Warn("price request before auth, closing session")
			return false
		}
		s.handlePriceRequest(m)
		return true

	default:
		// Client-bound variants arriving from a client are violations.
		s.logger.Warn("unexpected message from client, closing session",
			zap.String("type", string(msg.Kind())),
		)
		return false
	}
}

func (s *Session) handleAuth(m protocol.AuthRequest) bool {
	if s.state == stateAuthenticated {
		// Idempotent: an authenticated session re-sending credentials gets
		// a success ack and no state change.
		s.reply(protocol.NewAck(m.Correlation(), true, ""))
		return true
	}

	if !s.server.validToken(m.Token) {
		s.authFailures++
		s.reply(protocol.NewAck(m.Correlation(), false, "invalid token"))
		if s.authFailures >= s.server.cfg.MaxAuthFailures {
			s.logger.Warn("auth failure threshold reached, closing session",
				zap.Int("failures", s.authFailures),
			)
			return false
		}
		return true
	}

	s.state = stateAuthenticated
	s.lastHeartbeat = time.Now()

	if m.UDPPort > 0 && s.server.endpoints != nil {
		if addr := s.udpAddr(m.UDPPort); addr != nil {
			s.server.endpoints.Register(s.id, addr)
		}
	}

	s.reply(protocol.NewAck(m.Correlation(), true, "authenticated"))
	return true
}

func (s *Session) handlePriceRequest(m protocol.PriceRequest) {
	prices := make([]model.CurrencySnapshot, 0, len(m.CoinIDs))
	allFound := true
	for _, coinID := range m.CoinIDs {
		snap, ok := s.server.cache.GetOne(coinID)
		if !ok {
			allFound = false
			continue
		}
		prices = append(prices, snap)
	}
	s.reply(protocol.NewPriceResponse(m.Correlation(), prices, allFound))
}

// udpAddr derives the session's UDP endpoint from its TCP peer IP and the
// port it registered.
func (s *Session) udpAddr(port int) *net.UDPAddr {
	host, _, err := net.SplitHostPort(s.conn.RemoteAddr().String())
	if err != nil {
		return nil
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil
	}
	return &net.UDPAddr{IP: ip, Port: port}
}

func (s *Session) writeLoop() {
	for payload := range s.send {
		s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))

		buf := make([]byte, 0, len(payload)+1)
		buf = append(buf, payload...)
		buf = append(buf, '\n')
		if _, err := s.conn.Write(buf); err != nil {
			s.logger.Debug("session write failed", zap.Error(err))
			break
		}
	}
	s.conn.Close()
}

// teardown runs once when the read loop exits, for any cause: disconnect,
// protocol violation, idle timeout, or server shutdown. Buffered replies are
// drained by the write loop before the connection closes.
func (s *Session) teardown() {
	s.sendMu.Lock()
	if s.closed {
		s.sendMu.Unlock()
		return
	}
	s.closed = true
	s.state = stateClosed
	close(s.send)
	s.sendMu.Unlock()

	s.server.registry.DropSession(s.id)
	if s.server.endpoints != nil {
		s.server.endpoints.Unregister(s.id)
	}
	s.server.removeSession(s.id)

	s.logger.Info("session closed")
}

// wake interrupts a blocked read so the session can shut down.
func (s *Session) wake() {
	s.conn.SetReadDeadline(time.Now())
}
