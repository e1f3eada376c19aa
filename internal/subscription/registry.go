package subscription

import "sync"

// Registry tracks which live sessions want updates for which coins. It is
// mutated concurrently by session handlers and read by the fan-out step, so
// every operation takes the registry lock. Sessions are referenced by
// identifier only; the TCP handler owns their lifecycle.
type Registry struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]struct{} // coinID -> set of sessionID
	sessionSubs map[string]map[string]struct{} // sessionID -> set of coinID
}

func NewRegistry() *Registry {
	return &Registry{
		subscribers: make(map[string]map[string]struct{}),
		sessionSubs: make(map[string]map[string]struct{}),
	}
}

// Subscribe adds the session to each coin's subscriber set. Repeated
// subscriptions are idempotent.
func (r *Registry) Subscribe(sessionID string, coinIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs := r.sessionSubs[sessionID]
	if subs == nil {
		subs = make(map[string]struct{})
		r.sessionSubs[sessionID] = subs
	}

	for _, coinID := range coinIDs {
		subs[coinID] = struct{}{}
		if r.subscribers[coinID] == nil {
			r.subscribers[coinID] = make(map[string]struct{})
		}
		r.subscribers[coinID][sessionID] = struct{}{}
	}
}

// Unsubscribe removes the session from each coin's subscriber set.
func (r *Registry) Unsubscribe(sessionID string, coinIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs, ok := r.sessionSubs[sessionID]
	if !ok {
		return
	}
	for _, coinID := range coinIDs {
		delete(subs, coinID)
		r.removeSubscriber(coinID, sessionID)
	}
}

// SubscribersOf returns the session identifiers subscribed to coinID.
func (r *Registry) SubscribersOf(coinID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set, ok := r.subscribers[coinID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for sessionID := range set {
		out = append(out, sessionID)
	}
	return out
}

// Subscriptions returns the coin identifiers the session is subscribed to.
func (r *Registry) Subscriptions(sessionID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set, ok := r.sessionSubs[sessionID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for coinID := range set {
		out = append(out, coinID)
	}
	return out
}

// DropSession removes the session from every coin's subscriber set. Once it
// returns, no fan-out lookup will produce the session again; a push already
// in flight may still be delivered and discarded by the transport.
func (r *Registry) DropSession(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs, ok := r.sessionSubs[sessionID]
	if !ok {
		return
	}
	for coinID := range subs {
		r.removeSubscriber(coinID, sessionID)
	}
	delete(r.sessionSubs, sessionID)
}

// removeSubscriber deletes one (coin, session) edge. Caller holds mu.
func (r *Registry) removeSubscriber(coinID, sessionID string) {
	set, ok := r.subscribers[coinID]
	if !ok {
		return
	}
	delete(set, sessionID)
	if len(set) == 0 {
		delete(r.subscribers, coinID)
	}
}
