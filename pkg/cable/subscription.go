package cable

import (
	"spacechat/internal/metrics"
)

// Subscription is one channel registered on a transport. It is re-subscribed
// after every reconnect until it is removed or rejected.
type Subscription struct {
	t          *Transport
	identifier string
	handlers   SubscriptionHandlers

	// guarded by t.mu
	state   SubscriptionState
	removed bool
}

// Subscribe registers a channel. The subscribe command is sent immediately when
// connected, otherwise on the next welcome frame.
func (t *Transport) Subscribe(identifier string, handlers SubscriptionHandlers) *Subscription {
	sub := &Subscription{
		t:          t,
		identifier: identifier,
		handlers:   handlers,
		state:      SubscriptionPending,
	}

	t.mu.Lock()
	if existing := t.subs[identifier]; existing != nil {
		existing.removed = true
	}
	t.subs[identifier] = sub
	count := len(t.subs)
	gen := t.gen
	connected := t.state == StateConnected
	t.mu.Unlock()

	metrics.SetGauge(metrics.ActiveSubscriptions, float64(count), nil, "Live channel subscriptions")
	if connected {
		t.sendCommand(gen, commandSubscribe, identifier, nil)
	}
	return sub
}

// Identifier returns the channel identifier
func (s *Subscription) Identifier() string {
	return s.identifier
}

// State returns the subscription state
func (s *Subscription) State() SubscriptionState {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	return s.state
}

// Active reports whether the subscription is confirmed on a connected transport
func (s *Subscription) Active() bool {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	return !s.removed && s.state == SubscriptionConfirmed && s.t.state == StateConnected
}

// Perform sends a message command on the channel. It returns false when the
// subscription is not active or the write fails.
func (s *Subscription) Perform(data any) bool {
	s.t.mu.Lock()
	if s.removed || s.state != SubscriptionConfirmed {
		s.t.mu.Unlock()
		return false
	}
	s.t.mu.Unlock()

	gen, ok := s.t.currentGen()
	if !ok {
		return false
	}
	return s.t.sendCommand(gen, commandMessage, s.identifier, data)
}

// Unsubscribe removes the subscription. Further frames for it are dropped.
func (s *Subscription) Unsubscribe() {
	t := s.t
	t.mu.Lock()
	if s.removed {
		t.mu.Unlock()
		return
	}
	s.removed = true
	if t.subs[s.identifier] == s {
		delete(t.subs, s.identifier)
	}
	count := len(t.subs)
	gen := t.gen
	connected := t.state == StateConnected && s.state != SubscriptionRejected
	t.mu.Unlock()

	metrics.SetGauge(metrics.ActiveSubscriptions, float64(count), nil, "Live channel subscriptions")
	if connected {
		t.sendCommand(gen, commandLeave, s.identifier, nil)
	}
}
