package chatroom

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/averyjennings/claw-stream-vision/internal/config"
	"github.com/averyjennings/claw-stream-vision/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentLine struct {
	channel string
	text    string
}

type fakeConn struct {
	msgs      chan RoomMessage
	closeOnce sync.Once

	mu     sync.Mutex
	sent   []sentLine
	closed bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{msgs: make(chan RoomMessage, 16)}
}

func (c *fakeConn) Send(ctx context.Context, channel, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("closed")
	}
	c.sent = append(c.sent, sentLine{channel: channel, text: text})
	return nil
}

func (c *fakeConn) Messages() <-chan RoomMessage { return c.msgs }

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.msgs)
	})
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) lines() []sentLine {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sentLine(nil), c.sent...)
}

type fakeDialer struct {
	mu     sync.Mutex
	err    error
	tokens []string
	conns  []*fakeConn
	// gate, when set, holds Dial until it is closed.
	gate chan struct{}
	// preload is queued on the next connection before Dial returns.
	preload []RoomMessage
}

func (d *fakeDialer) Dial(ctx context.Context, username, token string) (Conn, error) {
	d.mu.Lock()
	d.tokens = append(d.tokens, token)
	gate := d.gate
	d.mu.Unlock()

	if gate != nil {
		<-gate
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	c := newFakeConn()
	for _, msg := range d.preload {
		c.msgs <- msg
	}
	d.preload = nil
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) holdDials() chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gate = make(chan struct{})
	return d.gate
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tokens)
}

func (d *fakeDialer) dialed() ([]string, []*fakeConn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.tokens...), append([]*fakeConn(nil), d.conns...)
}

// fakeTimers records scheduled refreshes; tests fire them by hand.
type fakeTimers struct {
	mu      sync.Mutex
	delays  []time.Duration
	fns     []func()
	stopped []bool
}

func (ft *fakeTimers) AfterFunc(d time.Duration, f func()) func() bool {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	idx := len(ft.fns)
	ft.delays = append(ft.delays, d)
	ft.fns = append(ft.fns, f)
	ft.stopped = append(ft.stopped, false)
	return func() bool {
		ft.mu.Lock()
		defer ft.mu.Unlock()
		wasActive := !ft.stopped[idx]
		ft.stopped[idx] = true
		return wasActive
	}
}

// fireLast runs the most recently scheduled, still active timer.
func (ft *fakeTimers) fireLast(t *testing.T) {
	t.Helper()
	ft.mu.Lock()
	idx := len(ft.fns) - 1
	require.GreaterOrEqual(t, idx, 0, "no refresh scheduled")
	require.False(t, ft.stopped[idx], "last refresh was cancelled")
	ft.stopped[idx] = true
	f := ft.fns[idx]
	ft.mu.Unlock()
	f()
}

func (ft *fakeTimers) lastDelay() time.Duration {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if len(ft.delays) == 0 {
		return 0
	}
	return ft.delays[len(ft.delays)-1]
}

func (ft *fakeTimers) count() int {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return len(ft.fns)
}

func testChatConfig() config.ChatConfig {
	return config.ChatConfig{
		Enabled:         true,
		Channel:         "streamer",
		Username:        "clawbot",
		AccessToken:     "old",
		RefreshToken:    "refresh",
		RefreshInterval: 3 * time.Hour,
		RefreshRetry:    5 * time.Minute,
		MinTokenLife:    30 * time.Minute,
		MessagePrefix:   "[Claw]",
	}
}

func lostSignalled(m *Manager) bool {
	select {
	case <-m.Lost():
		return true
	default:
		return false
	}
}

func TestManager_ConnectWithStaticToken(t *testing.T) {
	cfg := testChatConfig()
	cfg.RefreshToken = ""
	dialer := &fakeDialer{}
	timers := &fakeTimers{}
	m := NewManager(cfg, dialer, NewCredentials("static", "", nil, nil, cfg.MinTokenLife), nil, WithAfterFunc(timers.AfterFunc))
	defer m.Close()

	assert.Equal(t, StateDisconnected, m.State())
	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, StateConnected, m.State())

	tokens, conns := dialer.dialed()
	assert.Equal(t, []string{"static"}, tokens)
	assert.Equal(t, 0, timers.count(), "no refresh without a refresh token")

	require.NoError(t, m.SendToRoom(context.Background(), "Rex", "hi"))
	assert.Equal(t, []sentLine{{channel: "streamer", text: "[Claw] Rex: hi"}}, conns[0].lines())

	// already connected
	require.NoError(t, m.Connect(context.Background()))
	tokens, _ = dialer.dialed()
	assert.Len(t, tokens, 1)
}

func TestManager_SendWhileDisconnected(t *testing.T) {
	cfg := testChatConfig()
	m := NewManager(cfg, &fakeDialer{}, NewCredentials("x", "", nil, nil, 0), nil)
	defer m.Close()

	err := m.SendToRoom(context.Background(), "Rex", "hi")
	assert.ErrorIs(t, err, domain.ErrNotConnected)
}

func TestManager_DialFailureReturnsToDisconnected(t *testing.T) {
	cfg := testChatConfig()
	dialer := &fakeDialer{err: errors.New("connection refused")}
	m := NewManager(cfg, dialer, NewCredentials("x", "", nil, nil, 0), nil)
	defer m.Close()

	err := m.Connect(context.Background())
	assert.Error(t, err)
	assert.Equal(t, StateDisconnected, m.State())
	assert.False(t, lostSignalled(m), "a failed connect is reported by the return value only")
}

func TestManager_DropsSelfMessages(t *testing.T) {
	cfg := testChatConfig()
	dialer := &fakeDialer{}
	m := NewManager(cfg, dialer, NewCredentials("x", "", nil, nil, 0), nil)
	defer m.Close()

	received := make(chan RoomMessage, 4)
	m.OnMessage(func(msg RoomMessage) { received <- msg })
	require.NoError(t, m.Connect(context.Background()))

	_, conns := dialer.dialed()
	conns[0].msgs <- RoomMessage{Username: "clawbot", Text: "[Claw] Rex: hi", Self: true}
	conns[0].msgs <- RoomMessage{Username: "viewer", Text: "hello"}

	select {
	case msg := <-received:
		assert.Equal(t, "viewer", msg.Username)
	case <-time.After(time.Second):
		t.Fatal("room message not delivered")
	}
	assert.Empty(t, received)
}

func TestManager_LostConnection(t *testing.T) {
	cfg := testChatConfig()
	dialer := &fakeDialer{}
	timers := &fakeTimers{}
	v := &fakeValidator{remaining: 4 * time.Hour}
	m := NewManager(cfg, dialer, NewCredentials("old", "refresh", v, &fakeRefresher{}, cfg.MinTokenLife), nil, WithAfterFunc(timers.AfterFunc))
	defer m.Close()

	require.NoError(t, m.Connect(context.Background()))
	_, conns := dialer.dialed()
	conns[0].Close()

	select {
	case <-m.Lost():
	case <-time.After(time.Second):
		t.Fatal("lost not signalled")
	}
	assert.Equal(t, StateDisconnected, m.State())
	assert.ErrorIs(t, m.SendToRoom(context.Background(), "Rex", "hi"), domain.ErrNotConnected)

	// the caller reconnects
	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, StateConnected, m.State())
}

func TestManager_RefreshesShortLivedTokenBeforeConnecting(t *testing.T) {
	cfg := testChatConfig()
	dialer := &fakeDialer{}
	timers := &fakeTimers{}
	v := &fakeValidator{remaining: 10 * time.Minute}
	r := &fakeRefresher{}
	m := NewManager(cfg, dialer, NewCredentials("old", "refresh", v, r, cfg.MinTokenLife), nil, WithAfterFunc(timers.AfterFunc))
	defer m.Close()

	require.NoError(t, m.Connect(context.Background()))

	tokens, _ := dialer.dialed()
	assert.Equal(t, []string{"access-1"}, tokens)
	assert.Equal(t, 3*time.Hour, timers.lastDelay())
}

func TestManager_ScheduledRefreshReconnects(t *testing.T) {
	cfg := testChatConfig()
	dialer := &fakeDialer{}
	timers := &fakeTimers{}
	v := &fakeValidator{remaining: 4 * time.Hour}
	r := &fakeRefresher{}
	m := NewManager(cfg, dialer, NewCredentials("old", "refresh", v, r, cfg.MinTokenLife), nil, WithAfterFunc(timers.AfterFunc))
	defer m.Close()

	require.NoError(t, m.Connect(context.Background()))
	require.Equal(t, 3*time.Hour, timers.lastDelay())

	timers.fireLast(t)

	tokens, conns := dialer.dialed()
	require.Equal(t, []string{"old", "access-1"}, tokens)
	assert.True(t, conns[0].isClosed(), "the old connection is torn down")
	assert.False(t, conns[1].isClosed())
	assert.Equal(t, StateConnected, m.State())
	assert.Equal(t, 3*time.Hour, timers.lastDelay())

	// the old connection ending is not a lost connection
	assert.Never(t, func() bool { return lostSignalled(m) }, 50*time.Millisecond, 5*time.Millisecond)

	require.NoError(t, m.SendToRoom(context.Background(), "Rex", "after refresh"))
	assert.Len(t, conns[1].lines(), 1)
}

func TestManager_RefreshFailureRetriesIndefinitely(t *testing.T) {
	cfg := testChatConfig()
	dialer := &fakeDialer{}
	timers := &fakeTimers{}
	v := &fakeValidator{remaining: 4 * time.Hour}
	r := &fakeRefresher{err: errors.New("identity endpoint unreachable")}
	m := NewManager(cfg, dialer, NewCredentials("old", "refresh", v, r, cfg.MinTokenLife), nil, WithAfterFunc(timers.AfterFunc))
	defer m.Close()

	require.NoError(t, m.Connect(context.Background()))

	for i := 0; i < 3; i++ {
		timers.fireLast(t)
		assert.Equal(t, 5*time.Minute, timers.lastDelay(), "attempt %d", i)
		assert.Equal(t, StateConnected, m.State())
	}

	_, conns := dialer.dialed()
	require.Len(t, conns, 1)
	assert.False(t, conns[0].isClosed(), "a failed refresh keeps the working connection")

	r.setErr(nil)
	timers.fireLast(t)

	tokens, _ := dialer.dialed()
	assert.Equal(t, []string{"old", "access-1"}, tokens)
	assert.Equal(t, 3*time.Hour, timers.lastDelay())
}

func TestManager_RedialFailureAfterRefresh(t *testing.T) {
	cfg := testChatConfig()
	dialer := &fakeDialer{}
	timers := &fakeTimers{}
	v := &fakeValidator{remaining: 4 * time.Hour}
	m := NewManager(cfg, dialer, NewCredentials("old", "refresh", v, &fakeRefresher{}, cfg.MinTokenLife), nil, WithAfterFunc(timers.AfterFunc))
	defer m.Close()

	require.NoError(t, m.Connect(context.Background()))

	dialer.mu.Lock()
	dialer.err = errors.New("room unavailable")
	dialer.mu.Unlock()
	timers.fireLast(t)

	_, conns := dialer.dialed()
	require.Len(t, conns, 1)
	assert.False(t, conns[0].isClosed(), "the working connection is kept")
	assert.Equal(t, StateConnected, m.State())
	assert.Equal(t, 5*time.Minute, timers.lastDelay())
	assert.False(t, lostSignalled(m))
	require.NoError(t, m.SendToRoom(context.Background(), "Rex", "still here"))

	dialer.mu.Lock()
	dialer.err = nil
	dialer.mu.Unlock()
	timers.fireLast(t)

	_, conns = dialer.dialed()
	require.Len(t, conns, 2)
	assert.True(t, conns[0].isClosed())
	assert.Equal(t, StateConnected, m.State())
	assert.Equal(t, 3*time.Hour, timers.lastDelay())
}

func TestManager_RedialFailureAfterConnectionDropped(t *testing.T) {
	cfg := testChatConfig()
	dialer := &fakeDialer{}
	timers := &fakeTimers{}
	v := &fakeValidator{remaining: 4 * time.Hour}
	m := NewManager(cfg, dialer, NewCredentials("old", "refresh", v, &fakeRefresher{}, cfg.MinTokenLife), nil, WithAfterFunc(timers.AfterFunc))
	defer m.Close()

	require.NoError(t, m.Connect(context.Background()))
	_, conns := dialer.dialed()

	dialer.mu.Lock()
	dialer.err = errors.New("room unavailable")
	dialer.mu.Unlock()
	gate := dialer.holdDials()

	done := make(chan struct{})
	go func() {
		timers.fireLast(t)
		close(done)
	}()
	require.Eventually(t, func() bool { return dialer.dialCount() == 2 }, time.Second, 5*time.Millisecond)

	conns[0].Close()
	assert.Never(t, func() bool { return lostSignalled(m) }, 30*time.Millisecond, 5*time.Millisecond, "the refresh decides")

	close(gate)
	<-done
	assert.Equal(t, StateDisconnected, m.State())
	assert.True(t, lostSignalled(m))
}

func TestManager_SendsContinueDuringRefresh(t *testing.T) {
	cfg := testChatConfig()
	dialer := &fakeDialer{}
	timers := &fakeTimers{}
	v := &fakeValidator{remaining: 4 * time.Hour}
	m := NewManager(cfg, dialer, NewCredentials("old", "refresh", v, &fakeRefresher{}, cfg.MinTokenLife), nil, WithAfterFunc(timers.AfterFunc))
	defer m.Close()

	var (
		mu   sync.Mutex
		seen []string
	)
	m.OnMessage(func(msg RoomMessage) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, msg.Text)
	})

	require.NoError(t, m.Connect(context.Background()))
	_, conns := dialer.dialed()
	gate := dialer.holdDials()
	dialer.mu.Lock()
	dialer.preload = []RoomMessage{{Username: "viewer", Text: "seen twice"}}
	dialer.mu.Unlock()

	done := make(chan struct{})
	go func() {
		timers.fireLast(t)
		close(done)
	}()
	require.Eventually(t, func() bool { return m.State() == StateRefreshing }, time.Second, 5*time.Millisecond)

	require.NoError(t, m.SendToRoom(context.Background(), "Rex", "mid refresh"))
	assert.Equal(t, []sentLine{{channel: "streamer", text: "[Claw] Rex: mid refresh"}}, conns[0].lines())
	conns[0].msgs <- RoomMessage{Username: "viewer", Text: "seen twice"}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	}, time.Second, 5*time.Millisecond)

	close(gate)
	<-done

	_, conns = dialer.dialed()
	require.Len(t, conns, 2)
	assert.True(t, conns[0].isClosed())
	assert.Equal(t, StateConnected, m.State())

	conns[1].msgs <- RoomMessage{Username: "viewer", Text: "after swap"}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) > 2
	}, 30*time.Millisecond, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"seen twice", "after swap"}, seen)
	mu.Unlock()
}

func TestManager_Close(t *testing.T) {
	cfg := testChatConfig()
	dialer := &fakeDialer{}
	timers := &fakeTimers{}
	v := &fakeValidator{remaining: 4 * time.Hour}
	m := NewManager(cfg, dialer, NewCredentials("old", "refresh", v, &fakeRefresher{}, cfg.MinTokenLife), nil, WithAfterFunc(timers.AfterFunc))

	require.NoError(t, m.Connect(context.Background()))
	require.NoError(t, m.Close())

	_, conns := dialer.dialed()
	assert.True(t, conns[0].isClosed())
	assert.Equal(t, StateDisconnected, m.State())
	assert.ErrorIs(t, m.Connect(context.Background()), ErrManagerClosed)
	assert.False(t, lostSignalled(m))
	require.NoError(t, m.Close())
}
