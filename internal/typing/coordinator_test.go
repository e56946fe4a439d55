package typing

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type manualTimer struct {
	stopped bool
}

func (t *manualTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

type clock struct {
	mu     sync.Mutex
	timers []*manualTimer
	fns    []func()
	delays []time.Duration
}

func (c *clock) afterFunc(d time.Duration, fn func()) timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{}
	c.timers = append(c.timers, t)
	c.fns = append(c.fns, fn)
	c.delays = append(c.delays, d)
	return t
}

func (c *clock) fire(i int) {
	c.mu.Lock()
	fn := c.fns[i]
	c.mu.Unlock()
	fn()
}

func (c *clock) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.fns)
}

type signals struct {
	mu   sync.Mutex
	sent []bool
}

func (s *signals) signal(isTyping bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, isTyping)
	return true
}

func (s *signals) all() []bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bool(nil), s.sent...)
}

func newTestCoordinator() (*Coordinator, *clock, *signals) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	sig := &signals{}
	c := NewCoordinator("C", "me", sig.signal, DefaultConfig(), logger)
	clk := &clock{}
	c.afterFunc = clk.afterFunc
	return c, clk, sig
}

func TestSetLocalTyping_SingleStartThenIdleStop(t *testing.T) {
	c, clk, sig := newTestCoordinator()

	c.SetLocalTyping(true)
	c.SetLocalTyping(true)
	c.SetLocalTyping(true)
	assert.Equal(t, []bool{true}, sig.all(), "keystrokes do not repeat the start signal")
	assert.True(t, c.LocalTyping())

	require.Equal(t, 3, clk.count())
	assert.Equal(t, 2*time.Second, clk.delays[2])
	assert.True(t, clk.timers[0].stopped)
	assert.True(t, clk.timers[1].stopped)

	clk.fire(2)
	assert.Equal(t, []bool{true, false}, sig.all())
	assert.False(t, c.LocalTyping())

	c.SetLocalTyping(false)
	assert.Equal(t, []bool{true, false}, sig.all(), "no second stop")
}

func TestSetLocalTyping_ExplicitStop(t *testing.T) {
	c, clk, sig := newTestCoordinator()

	c.SetLocalTyping(false)
	assert.Empty(t, sig.all())

	c.SetLocalTyping(true)
	c.SetLocalTyping(false)
	assert.Equal(t, []bool{true, false}, sig.all())
	assert.True(t, clk.timers[0].stopped)
}

func TestOnPeerTyping_ExpiryAndRefresh(t *testing.T) {
	c, clk, _ := newTestCoordinator()
	var changes [][]string
	c.OnChange(func(peers []string) { changes = append(changes, peers) })

	c.OnPeerTyping("me", true)
	assert.Empty(t, c.Peers(), "self is ignored")

	c.OnPeerTyping("u1", true)
	assert.Equal(t, "Someone is typing…", c.Text())
	assert.Equal(t, 3*time.Second, clk.delays[0])

	// refresh replaces the timer; the stale one must not remove the peer
	c.OnPeerTyping("u1", true)
	clk.fire(0)
	assert.Equal(t, []string{"u1"}, c.Peers())

	c.OnPeerTyping("u2", true)
	assert.Equal(t, "2 people are typing…", c.Text())

	clk.fire(1)
	assert.Equal(t, []string{"u2"}, c.Peers())

	c.OnPeerTyping("u2", false)
	assert.Empty(t, c.Peers())
	assert.Equal(t, "", c.Text())

	assert.Equal(t, [][]string{{"u1"}, {"u1", "u2"}, {"u2"}, {}}, changes)
}

func TestOnMessageFrom_ClearsPeer(t *testing.T) {
	c, _, _ := newTestCoordinator()
	c.OnPeerTyping("u1", true)
	c.OnPeerTyping("u2", true)

	c.OnMessageFrom("u1")
	assert.Equal(t, []string{"u2"}, c.Peers())

	c.OnMessageFrom("unknown")
	assert.Equal(t, []string{"u2"}, c.Peers())
}

func TestClose_LateTimersAreNoOps(t *testing.T) {
	c, clk, sig := newTestCoordinator()
	c.SetLocalTyping(true)
	c.OnPeerTyping("u1", true)

	c.Close()
	c.Close()
	assert.Empty(t, c.Peers())

	clk.fire(0)
	clk.fire(1)
	assert.Equal(t, []bool{true}, sig.all(), "closing does not send a stop signal")

	c.OnPeerTyping("u2", true)
	c.SetLocalTyping(true)
	assert.Empty(t, c.Peers())
	assert.Equal(t, 2, clk.count())
}

func TestText(t *testing.T) {
	assert.Equal(t, "", Text(0))
	assert.Equal(t, "Someone is typing…", Text(1))
	assert.Equal(t, "3 people are typing…", Text(3))
}

func TestCoordinator_RealTimers(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	c := NewCoordinator("C", "me", nil, Config{PeerExpiry: 20 * time.Millisecond, LocalIdle: 20 * time.Millisecond}, logger)
	defer c.Close()

	c.OnPeerTyping("u1", true)
	c.SetLocalTyping(true)
	require.Eventually(t, func() bool { return len(c.Peers()) == 0 && !c.LocalTyping() }, time.Second, 5*time.Millisecond)
}

func TestSetLocalTyping_SupersededIdleTimerIsNoOp(t *testing.T) {
	c, clk, sig := newTestCoordinator()

	c.SetLocalTyping(true)
	c.SetLocalTyping(true)
	require.Equal(t, 2, clk.count())

	// the first timer fired before it could be stopped
	clk.fire(0)
	assert.True(t, c.LocalTyping())
	assert.Equal(t, []bool{true}, sig.all())

	clk.fire(1)
	assert.False(t, c.LocalTyping())
	assert.Equal(t, []bool{true, false}, sig.all())
}
