package typing

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"spacechat/internal/constants"
	"spacechat/internal/metrics"
	"spacechat/internal/privacy"

	"github.com/sirupsen/logrus"
)

// Signal sends the local typing state to peers. It reports whether the
// signal was sent.
type Signal func(isTyping bool) bool

type Config struct {
	PeerExpiry time.Duration
	LocalIdle  time.Duration
}

func DefaultConfig() Config {
	return Config{
		PeerExpiry: time.Duration(constants.DefaultTypingExpiryMs) * time.Millisecond,
		LocalIdle:  time.Duration(constants.DefaultLocalTypingIdleMs) * time.Millisecond,
	}
}

type timer interface {
	Stop() bool
}

type peer struct {
	timer timer
}

// Coordinator tracks who is typing in one conversation and throttles the
// local user's typing signals
type Coordinator struct {
	conversationID string
	selfID         string
	signal         Signal
	cfg            Config
	logger         *logrus.Logger
	afterFunc      func(time.Duration, func()) timer

	mu          sync.Mutex
	gen         uint64
	closed      bool
	localTyping bool
	idle        timer
	idleSeq     uint64
	peers       map[string]*peer
	listeners   []func([]string)
}

func NewCoordinator(conversationID, selfID string, signal Signal, cfg Config, logger *logrus.Logger) *Coordinator {
	if logger == nil {
		logger = logrus.New()
	}
	defaults := DefaultConfig()
	if cfg.PeerExpiry <= 0 {
		cfg.PeerExpiry = defaults.PeerExpiry
	}
	if cfg.LocalIdle <= 0 {
		cfg.LocalIdle = defaults.LocalIdle
	}
	return &Coordinator{
		conversationID: conversationID,
		selfID:         selfID,
		signal:         signal,
		cfg:            cfg,
		logger:         logger,
		afterFunc: func(d time.Duration, fn func()) timer {
			return time.AfterFunc(d, fn)
		},
		peers: make(map[string]*peer),
	}
}

// OnChange registers fn to receive the sorted typing peers after every change
func (c *Coordinator) OnChange(fn func(peers []string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// SetLocalTyping records local keystrokes. Starting sends one signal and arms
// an idle timer; further keystrokes only re-arm it. Stopping, explicitly or
// on idle, sends the stop signal once.
func (c *Coordinator) SetLocalTyping(isTyping bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}

	if !isTyping {
		send := c.stopLocalLocked()
		c.mu.Unlock()
		if send {
			c.send(false)
		}
		return
	}

	start := !c.localTyping
	c.localTyping = true
	if c.idle != nil {
		c.idle.Stop()
	}
	c.idleSeq++
	gen, seq := c.gen, c.idleSeq
	c.idle = c.afterFunc(c.cfg.LocalIdle, func() { c.onIdle(gen, seq) })
	c.mu.Unlock()

	if start {
		c.send(true)
	}
}

// LocalTyping reports whether the local user is currently marked as typing
func (c *Coordinator) LocalTyping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localTyping
}

// onIdle only acts for the most recently armed idle timer
func (c *Coordinator) onIdle(gen, seq uint64) {
	c.mu.Lock()
	if gen != c.gen || seq != c.idleSeq || c.closed {
		c.mu.Unlock()
		return
	}
	send := c.stopLocalLocked()
	c.mu.Unlock()
	if send {
		c.send(false)
	}
}

func (c *Coordinator) stopLocalLocked() bool {
	if c.idle != nil {
		c.idle.Stop()
		c.idle = nil
	}
	if !c.localTyping {
		return false
	}
	c.localTyping = false
	return true
}

func (c *Coordinator) send(isTyping bool) {
	if c.signal == nil {
		return
	}
	if !c.signal(isTyping) {
		c.logger.WithFields(logrus.Fields{
			"conversation_id": c.conversationID,
			"is_typing":       isTyping,
		}).Debug("Typing signal not sent, channel not live")
	}
}

// OnPeerTyping applies a typing notification from another participant.
// A start (re)arms the peer's expiry; a stop removes them at once.
func (c *Coordinator) OnPeerTyping(peerID string, isTyping bool) {
	if peerID == "" {
		return
	}

	c.mu.Lock()
	if c.closed || peerID == c.selfID {
		c.mu.Unlock()
		return
	}

	changed := false
	if isTyping {
		existing, ok := c.peers[peerID]
		if ok {
			existing.timer.Stop()
		}
		p := &peer{}
		gen := c.gen
		p.timer = c.afterFunc(c.cfg.PeerExpiry, func() { c.expire(gen, peerID, p) })
		c.peers[peerID] = p
		changed = !ok
	} else {
		changed = c.removePeerLocked(peerID)
	}
	peers, listeners := c.peersLocked(), c.listeners
	c.mu.Unlock()

	if changed {
		c.notify(peers, listeners)
	}
}

// OnMessageFrom clears a peer's typing state when their message arrives
func (c *Coordinator) OnMessageFrom(peerID string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	changed := c.removePeerLocked(peerID)
	peers, listeners := c.peersLocked(), c.listeners
	c.mu.Unlock()

	if changed {
		c.notify(peers, listeners)
	}
}

func (c *Coordinator) expire(gen uint64, peerID string, p *peer) {
	c.mu.Lock()
	if gen != c.gen || c.closed || c.peers[peerID] != p {
		c.mu.Unlock()
		return
	}
	delete(c.peers, peerID)
	peers, listeners := c.peersLocked(), c.listeners
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"conversation_id": c.conversationID,
		"peer_id":         privacy.MaskUserID(peerID),
	}).Debug("Typing indicator expired")
	c.notify(peers, listeners)
}

func (c *Coordinator) removePeerLocked(peerID string) bool {
	p, ok := c.peers[peerID]
	if !ok {
		return false
	}
	p.timer.Stop()
	delete(c.peers, peerID)
	return true
}

func (c *Coordinator) peersLocked() []string {
	peers := make([]string, 0, len(c.peers))
	for id := range c.peers {
		peers = append(peers, id)
	}
	slices.Sort(peers)
	return peers
}

func (c *Coordinator) notify(peers []string, listeners []func([]string)) {
	metrics.SetGauge(metrics.TypingPeers, float64(len(peers)),
		map[string]string{"conversation_id": c.conversationID}, "Peers currently typing")
	for _, fn := range listeners {
		fn(peers)
	}
}

// Peers returns the ids of peers currently typing, sorted
func (c *Coordinator) Peers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peersLocked()
}

// Text returns the indicator line for the current typing peers
func (c *Coordinator) Text() string {
	return Text(len(c.Peers()))
}

// Text renders the indicator line for n typing peers
func Text(n int) string {
	switch {
	case n <= 0:
		return ""
	case n == 1:
		return "Someone is typing…"
	default:
		return fmt.Sprintf("%d people are typing…", n)
	}
}

// Close cancels every timer. Timers that already fired become no-ops.
// No stop signal is sent.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.gen++
	if c.idle != nil {
		c.idle.Stop()
		c.idle = nil
	}
	c.localTyping = false
	for id, p := range c.peers {
		p.timer.Stop()
		delete(c.peers, id)
	}
	metrics.SetGauge(metrics.TypingPeers, 0,
		map[string]string{"conversation_id": c.conversationID}, "Peers currently typing")
}
