package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"marketcache/internal/model"
	"marketcache/internal/protocol"
	"marketcache/internal/subscription"

	"go.uber.org/zap"
)

type recordingPusher struct {
	mu       sync.Mutex
	payloads map[string][][]byte
	full     bool
}

func newRecordingPusher() *recordingPusher {
	return &recordingPusher{payloads: make(map[string][][]byte)}
}

func (p *recordingPusher) Push(sessionID string, payload []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.full {
		return false
	}
	p.payloads[sessionID] = append(p.payloads[sessionID], payload)
	return true
}

func (p *recordingPusher) received(sessionID string) [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.payloads[sessionID]
}

// recordingUDP models the broadcaster: only sessions with a registered
// endpoint take the datagram.
type recordingUDP struct {
	recordingPusher
	registered map[string]bool
}

func (p *recordingUDP) Push(sessionID string, payload []byte) bool {
	if !p.registered[sessionID] {
		return false
	}
	return p.recordingPusher.Push(sessionID, payload)
}

func runOneBatch(t *testing.T, registry *subscription.Registry, tcp TCPPusher, udp UDPPusher, batch []model.PriceUpdate) {
	t.Helper()

	updates := make(chan []model.PriceUpdate, 1)
	updates <- batch

	d := New(registry, tcp, udp, nil, updates, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	// Let the dispatcher drain the batch, then stop it.
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done
}

// go test -v --run TestFanOutToSubscribersOnly
func TestFanOutToSubscribersOnly(t *testing.T) {
	registry := subscription.NewRegistry()
	registry.Subscribe("s1", []string{"bitcoin"})
	registry.Subscribe("s2", []string{"ethereum"})

	tcp := newRecordingPusher()

	runOneBatch(t, registry, tcp, nil, []model.PriceUpdate{
		{CoinID: "bitcoin", Price: 50000},
	})

	if got := tcp.received("s1"); len(got) != 1 {
		t.Fatalf("expected one TCP push for s1, got %d", len(got))
	}
	if got := tcp.received("s2"); len(got) != 0 {
		t.Errorf("s2 is not subscribed to bitcoin, got %d pushes", len(got))
	}

	// The payload is a decodable PriceUpdate envelope.
	msg, err := protocol.Decode(tcp.received("s1")[0])
	if err != nil {
		t.Fatalf("pushed payload does not decode: %v", err)
	}
	update, ok := msg.(protocol.PriceUpdate)
	if !ok || update.CoinID != "bitcoin" || update.Price != 50000 {
		t.Errorf("unexpected payload: %+v", msg)
	}
}

// go test -v --run TestOneTransportPerSession
func TestOneTransportPerSession(t *testing.T) {
	registry := subscription.NewRegistry()
	registry.Subscribe("datagram", []string{"bitcoin"})
	registry.Subscribe("stream", []string{"bitcoin"})

	tcp := newRecordingPusher()
	udp := &recordingUDP{
		recordingPusher: *newRecordingPusher(),
		registered:      map[string]bool{"datagram": true},
	}

	runOneBatch(t, registry, tcp, udp, []model.PriceUpdate{
		{CoinID: "bitcoin", Price: 50000},
	})

	// A session with a registered endpoint gets the datagram and nothing on
	// its TCP queue; a session without one gets exactly the TCP push.
	if got := udp.received("datagram"); len(got) != 1 {
		t.Fatalf("expected one datagram, got %d", len(got))
	}
	if got := tcp.received("datagram"); len(got) != 0 {
		t.Errorf("udp session must not receive a duplicate TCP push, got %d", len(got))
	}
	if got := tcp.received("stream"); len(got) != 1 {
		t.Errorf("expected one TCP push for the stream session, got %d", len(got))
	}
	if got := udp.received("stream"); len(got) != 0 {
		t.Errorf("session without an endpoint got %d datagrams", len(got))
	}
}

// go test -v --run TestExactlyOneUpdatePerSubscriberPerCycle
func TestExactlyOneUpdatePerSubscriberPerCycle(t *testing.T) {
	registry := subscription.NewRegistry()
	registry.Subscribe("s1", []string{"bitcoin", "ethereum"})

	tcp := newRecordingPusher()

	runOneBatch(t, registry, tcp, nil, []model.PriceUpdate{
		{CoinID: "bitcoin", Price: 50000},
		{CoinID: "ethereum", Price: 3000},
	})

	if got := tcp.received("s1"); len(got) != 2 {
		t.Fatalf("expected one push per subscribed coin, got %d", len(got))
	}
}

// go test -v --run TestFullQueueDoesNotBlockDispatch
func TestFullQueueDoesNotBlockDispatch(t *testing.T) {
	registry := subscription.NewRegistry()
	registry.Subscribe("slow", []string{"bitcoin"})
	registry.Subscribe("fast", []string{"bitcoin"})

	slow := newRecordingPusher()
	slow.full = true

	// One pusher serving both sessions: "slow" rejects, "fast" accepts.
	tcp := &selectivePusher{slow: slow, fast: newRecordingPusher()}

	runOneBatch(t, registry, tcp, nil, []model.PriceUpdate{
		{CoinID: "bitcoin", Price: 50000},
	})

	if got := tcp.fast.received("fast"); len(got) != 1 {
		t.Errorf("fast session should still receive its push, got %d", len(got))
	}
}

type selectivePusher struct {
	slow *recordingPusher
	fast *recordingPusher
}

func (p *selectivePusher) Push(sessionID string, payload []byte) bool {
	if sessionID == "slow" {
		return p.slow.Push(sessionID, payload)
	}
	return p.fast.Push(sessionID, payload)
}
