package realtime

import (
	"sync"

	"collab/cmd/internal/offer"
)

// subscriptionSet tracks the live queries opened by one connection, keyed by the client's subscription_id.
// Only the read loop adds; teardown can come from any connection goroutine.
type subscriptionSet struct {
	mu     sync.Mutex
	subs   map[string]offer.Unsubscribe
	closed bool
}

func newSubscriptionSet() *subscriptionSet {
	return &subscriptionSet{subs: make(map[string]offer.Unsubscribe)}
}

func (s *subscriptionSet) has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subs[id]
	return ok
}

func (s *subscriptionSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// add registers unsub under id. When the set is already closed the subscription is torn down and
// add reports false.
func (s *subscriptionSet) add(id string, unsub offer.Unsubscribe) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		unsub()
		return false
	}
	s.subs[id] = unsub
	s.mu.Unlock()
	return true
}

func (s *subscriptionSet) remove(id string) bool {
	s.mu.Lock()
	unsub, ok := s.subs[id]
	delete(s.subs, id)
	s.mu.Unlock()

	if ok {
		unsub()
	}
	return ok
}

// closeAll tears down every subscription and rejects further adds.
func (s *subscriptionSet) closeAll() int {
	s.mu.Lock()
	s.closed = true
	subs := s.subs
	s.subs = make(map[string]offer.Unsubscribe)
	s.mu.Unlock()

	for _, unsub := range subs {
		unsub()
	}
	return len(subs)
}
