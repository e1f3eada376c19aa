package tcpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"marketcache/internal/cache"
	"marketcache/internal/history"
	"marketcache/internal/model"
	"marketcache/internal/protocol"
	"marketcache/internal/subscription"

	"go.uber.org/zap"
)

type testEnv struct {
	server   *Server
	registry *subscription.Registry
	cache    *cache.PriceCache
}

func startServer(t *testing.T, cfg Config) *testEnv {
	t.Helper()

	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 2 * time.Second
	}
	if cfg.MaxAuthFailures == 0 {
		cfg.MaxAuthFailures = 3
	}
	if cfg.AuthTokens == nil {
		cfg.AuthTokens = []string{"secret"}
	}

	registry := subscription.NewRegistry()
	priceCache := cache.New(history.NewMemoryStore(10), zap.NewNop())
	server := NewServer(cfg, registry, priceCache, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	if err := server.Start(ctx); err != nil {
		cancel()
		t.Fatalf("failed to start server: %v", err)
	}
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer stopCancel()
		server.Stop(stopCtx)
		cancel()
	})

	return &testEnv{server: server, registry: registry, cache: priceCache}
}

func dial(t *testing.T, env *testEnv) (net.Conn, *bufio.Reader) {
	t.Helper()

	conn, err := net.Dial("tcp", env.server.Addr().String())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn, bufio.NewReader(conn)
}

func send(t *testing.T, conn net.Conn, msg protocol.Message) {
	t.Helper()

	payload, err := protocol.Encode(msg)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if _, err := conn.Write(append(payload, '\n')); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func sendRaw(t *testing.T, conn net.Conn, v any) {
	t.Helper()

	payload, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if _, err := conn.Write(append(payload, '\n')); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func readMessage(t *testing.T, r *bufio.Reader) protocol.Message {
	t.Helper()

	line, err := r.ReadBytes('\n')
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	msg, err := protocol.Decode(line[:len(line)-1])
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	return msg
}

func authRequest(token string) protocol.AuthRequest {
	return protocol.AuthRequest{
		Header: protocol.Header{
			Type:          protocol.TypeAuthRequest,
			Timestamp:     time.Now(),
			CorrelationID: "auth-1",
		},
		Token: token,
	}
}

func subscribeRequest(coins ...string) protocol.SubscribeRequest {
	return protocol.SubscribeRequest{
		Header: protocol.Header{
			Type:          protocol.TypeSubscribeRequest,
			Timestamp:     time.Now(),
			CorrelationID: "sub-1",
		},
		CoinIDs: coins,
	}
}

// go test -v --run TestAuthAndSubscribe
func TestAuthAndSubscribe(t *testing.T) {
	env := startServer(t, Config{})
	conn, r := dial(t, env)

	send(t, conn, authRequest("secret"))
	ack, ok := readMessage(t, r).(protocol.Ack)
	if !ok || !ack.Success {
		t.Fatalf("expected successful auth ack, got %+v", ack)
	}
	if ack.Correlation() != "auth-1" {
		t.Errorf("ack should echo the request correlation id, got %s", ack.Correlation())
	}

	send(t, conn, subscribeRequest("bitcoin", "ethereum"))
	ack, ok = readMessage(t, r).(protocol.Ack)
	if !ok || !ack.Success {
		t.Fatalf("expected successful subscribe ack, got %+v", ack)
	}

	if subs := env.registry.SubscribersOf("bitcoin"); len(subs) != 1 {
		t.Errorf("expected one bitcoin subscriber, got %v", subs)
	}
}

// go test -v --run TestInvalidTokenBoundedRetries
func TestInvalidTokenBoundedRetries(t *testing.T) {
	env := startServer(t, Config{MaxAuthFailures: 2})
	conn, r := dial(t, env)

	send(t, conn, authRequest("wrong"))
	if ack := readMessage(t, r).(protocol.Ack); ack.Success {
		t.Fatal("expected failed auth ack")
	}

	// Second failure crosses the threshold: session closes after the ack.
	send(t, conn, authRequest("wrong-again"))
	if ack := readMessage(t, r).(protocol.Ack); ack.Success {
		t.Fatal("expected failed auth ack")
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := r.ReadBytes('\n'); err == nil {
		t.Fatal("expected connection to be closed after auth failure threshold")
	}
}

// go test -v --run TestProtocolViolationBeforeAuth
func TestProtocolViolationBeforeAuth(t *testing.T) {
	env := startServer(t, Config{})
	conn, r := dial(t, env)

	// Subscribe without authenticating: immediate close, no reply.
	send(t, conn, subscribeRequest("bitcoin"))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := r.ReadBytes('\n'); err == nil {
		t.Fatal("expected connection to be closed on pre-auth subscribe")
	}
	if subs := env.registry.SubscribersOf("bitcoin"); len(subs) != 0 {
		t.Errorf("violating session must not be registered, got %v", subs)
	}
}

// go test -v --run TestMalformedMessageClosesSession
func TestMalformedMessageClosesSession(t *testing.T) {
	env := startServer(t, Config{})
	conn, r := dial(t, env)

	send(t, conn, authRequest("secret"))
	readMessage(t, r)

	// Heartbeat discriminator with an auth payload is a violation.
	sendRaw(t, conn, map[string]any{
		"messageType": "heartbeat",
		"token":       "secret",
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := r.ReadBytes('\n'); err == nil {
		t.Fatal("expected connection to be closed on payload mismatch")
	}
}

// go test -v --run TestPriceRequestServedFromCache
func TestPriceRequestServedFromCache(t *testing.T) {
	env := startServer(t, Config{})
	env.cache.WriteThrough(context.Background(), model.CurrencySnapshot{
		ID:           "bitcoin",
		Symbol:       "btc",
		CurrentPrice: 50000,
		LastUpdated:  time.Now(),
	})

	conn, r := dial(t, env)
	send(t, conn, authRequest("secret"))
	readMessage(t, r)

	send(t, conn, protocol.PriceRequest{
		Header:  protocol.Header{Type: protocol.TypePriceRequest, CorrelationID: "pr-1"},
		CoinIDs: []string{"bitcoin", "unknowncoin"},
	})

	resp, ok := readMessage(t, r).(protocol.PriceResponse)
	if !ok {
		t.Fatal("expected a price response")
	}
	if len(resp.Prices) != 1 || resp.Prices[0].CurrentPrice != 50000 {
		t.Errorf("unexpected prices: %+v", resp.Prices)
	}
	if resp.Success {
		t.Error("success should be false when a requested coin is missing")
	}
}

// go test -v --run TestHeartbeatAcked
func TestHeartbeatAcked(t *testing.T) {
	env := startServer(t, Config{})
	conn, r := dial(t, env)

	// Heartbeat is allowed before authentication.
	send(t, conn, protocol.NewHeartbeat())
	if ack, ok := readMessage(t, r).(protocol.Ack); !ok || !ack.Success {
		t.Fatalf("expected heartbeat ack, got %+v", ack)
	}
}

// go test -v --run TestPushDeliveredToSubscriber
func TestPushDeliveredToSubscriber(t *testing.T) {
	env := startServer(t, Config{})
	conn, r := dial(t, env)

	send(t, conn, authRequest("secret"))
	readMessage(t, r)
	send(t, conn, subscribeRequest("bitcoin"))
	readMessage(t, r)

	subs := env.registry.SubscribersOf("bitcoin")
	if len(subs) != 1 {
		t.Fatalf("expected one subscriber, got %v", subs)
	}

	payload, _ := protocol.Encode(protocol.NewPriceUpdate(model.PriceUpdate{
		CoinID: "bitcoin",
		Price:  50000,
	}))
	if !env.server.Push(subs[0], payload) {
		t.Fatal("push should have been enqueued")
	}

	update, ok := readMessage(t, r).(protocol.PriceUpdate)
	if !ok {
		t.Fatal("expected a price update")
	}
	if update.CoinID != "bitcoin" || update.Price != 50000 {
		t.Errorf("unexpected update: %+v", update)
	}
}

// go test -v --run TestIdleTimeoutDropsSubscriptions
func TestIdleTimeoutDropsSubscriptions(t *testing.T) {
	env := startServer(t, Config{IdleTimeout: 200 * time.Millisecond})
	conn, r := dial(t, env)

	send(t, conn, authRequest("secret"))
	readMessage(t, r)
	send(t, conn, subscribeRequest("bitcoin"))
	readMessage(t, r)

	// Stay silent past the idle timeout.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(env.registry.SubscribersOf("bitcoin")) == 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("idle session was not dropped from the registry")
}
