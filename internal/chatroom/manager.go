package chatroom

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/averyjennings/claw-stream-vision/internal/config"
	"github.com/averyjennings/claw-stream-vision/internal/domain"
	"github.com/averyjennings/claw-stream-vision/internal/metrics"
	"github.com/averyjennings/claw-stream-vision/pkg/log"
)

// ErrManagerClosed is returned by Connect after Close.
var ErrManagerClosed = errors.New("chat manager closed")

// Refresh results for metrics.
const (
	refreshSuccess = "success"
	refreshFailure = "failure"
)

// AfterFunc schedules f after d and returns a function that cancels it.
type AfterFunc func(d time.Duration, f func()) (stop func() bool)

func timeAfterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithAfterFunc replaces time.AfterFunc for the refresh schedule.
func WithAfterFunc(fn AfterFunc) ManagerOption {
	return func(m *Manager) { m.afterFunc = fn }
}

// Manager keeps one connection to the chat room. It does not retry a
// failed connect; callers watch Lost and call Connect again.
//
// With a refresh token configured the access token is rotated on a fixed
// schedule. A room connection keeps the credential it logged in with, so
// every rotation dials a new connection and then closes the old one.
type Manager struct {
	mu          sync.Mutex
	state       State
	conn        Conn
	gen         uint64
	timerSeq    uint64
	stopRefresh func() bool
	closed      bool
	handler     func(RoomMessage)

	cfg       config.ChatConfig
	dialer    Dialer
	creds     *Credentials
	metrics   *metrics.Metrics
	afterFunc AfterFunc
	lost      chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager creates a disconnected manager.
func NewManager(cfg config.ChatConfig, dialer Dialer, creds *Credentials, mt *metrics.Metrics, opts ...ManagerOption) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	mgr := &Manager{
		state:     StateDisconnected,
		cfg:       cfg,
		dialer:    dialer,
		creds:     creds,
		metrics:   mt,
		afterFunc: timeAfterFunc,
		lost:      make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(mgr)
	}
	mt.SetChatState(int(StateDisconnected))
	return mgr
}

// OnMessage sets the receiver for room messages. Messages flagged Self
// never reach it.
func (m *Manager) OnMessage(handler func(RoomMessage)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = handler
}

// Lost signals each time an established connection ends on its own.
func (m *Manager) Lost() <-chan struct{} {
	return m.lost
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect validates the credential, refreshing it first if it is close to
// expiry, then dials the room. It is a no-op while a connection is up or
// being established.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	if m.state != StateDisconnected {
		m.mu.Unlock()
		return nil
	}
	m.setStateLocked(StateConnecting)
	m.mu.Unlock()

	token, err := m.creds.EnsureValid(ctx)
	if err != nil {
		m.fail()
		return fmt.Errorf("chat credential: %w", err)
	}

	conn, err := m.dial(ctx, token)
	if err != nil {
		m.fail()
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		conn.Close()
		return ErrManagerClosed
	}
	m.attachLocked(conn)
	if m.creds.CanRefresh() {
		m.scheduleRefreshLocked(m.cfg.RefreshInterval)
	}
	return nil
}

// SendToRoom sends a client-originated line, marked with the prefix and
// the sender's display name.
func (m *Manager) SendToRoom(ctx context.Context, displayName, text string) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()

	if conn == nil {
		return domain.ErrNotConnected
	}
	return conn.Send(ctx, m.cfg.Channel, FormatOutbound(m.cfg.MessagePrefix, displayName, text))
}

// FormatOutbound builds the room line for a client message.
func FormatOutbound(prefix, displayName, text string) string {
	if prefix == "" {
		return displayName + ": " + text
	}
	return prefix + " " + displayName + ": " + text
}

// Close stops the refresh schedule and closes the connection.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.cancel()
	m.cancelRefreshLocked()
	conn := m.conn
	m.conn = nil
	m.gen++
	m.setStateLocked(StateDisconnected)
	m.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (m *Manager) dial(ctx context.Context, token string) (Conn, error) {
	if m.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.DialTimeout)
		defer cancel()
	}
	conn, err := m.dialer.Dial(ctx, m.cfg.Username, token)
	if err != nil {
		return nil, fmt.Errorf("chat room dial: %w", err)
	}
	return conn, nil
}

func (m *Manager) fail() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.setStateLocked(StateDisconnected)
	}
}

func (m *Manager) attachLocked(conn Conn) {
	m.gen++
	m.conn = conn
	m.setStateLocked(StateConnected)
	go m.pump(conn, m.gen)
}

func (m *Manager) pump(conn Conn, gen uint64) {
	for msg := range conn.Messages() {
		if msg.Self {
			continue
		}
		m.mu.Lock()
		handler := m.handler
		m.mu.Unlock()
		if handler != nil {
			handler(msg)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// A refresh or Close already replaced this connection.
	if m.gen != gen || m.closed {
		return
	}
	m.conn = nil
	if m.state == StateRefreshing {
		// The refresh in flight owns what happens next.
		return
	}
	m.cancelRefreshLocked()
	m.setStateLocked(StateDisconnected)
	m.notifyLost()
}

func (m *Manager) notifyLost() {
	select {
	case m.lost <- struct{}{}:
	default:
	}
}

func (m *Manager) scheduleRefreshLocked(d time.Duration) {
	m.cancelRefreshLocked()
	m.timerSeq++
	seq := m.timerSeq
	m.stopRefresh = m.afterFunc(d, func() { m.refresh(seq) })
}

func (m *Manager) cancelRefreshLocked() {
	if m.stopRefresh != nil {
		m.stopRefresh()
		m.stopRefresh = nil
	}
	m.timerSeq++
}

// refresh rotates the credential and moves the room connection onto it.
// A failed exchange is retried on the short interval indefinitely.
func (m *Manager) refresh(seq uint64) {
	l := log.Component("chatroom")

	m.mu.Lock()
	if m.closed || seq != m.timerSeq {
		m.mu.Unlock()
		return
	}
	m.stopRefresh = nil
	wasConnected := m.state == StateConnected
	if wasConnected {
		m.setStateLocked(StateRefreshing)
	}
	m.mu.Unlock()

	token, err := m.creds.Refresh(m.ctx)
	if err != nil {
		m.metrics.CredentialRefresh(refreshFailure)
		l.Warn().Err(err).Dur("retry_in", m.cfg.RefreshRetry).Msg("chat credential refresh failed")

		m.mu.Lock()
		defer m.mu.Unlock()
		if m.closed {
			return
		}
		if wasConnected && m.state == StateRefreshing {
			if m.conn == nil {
				m.setStateLocked(StateDisconnected)
				m.notifyLost()
				return
			}
			m.setStateLocked(StateConnected)
		}
		m.scheduleRefreshLocked(m.cfg.RefreshRetry)
		return
	}
	m.metrics.CredentialRefresh(refreshSuccess)
	l.Info().Msg("chat credential refreshed")

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if !wasConnected || m.state != StateRefreshing {
		// Nothing to move; the next Connect picks up the new token.
		m.scheduleRefreshLocked(m.cfg.RefreshInterval)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	// Sends keep going out on the old connection while the new one logs in.
	conn, err := m.dial(m.ctx, token)

	m.mu.Lock()
	if m.closed || m.state != StateRefreshing {
		m.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		defer m.mu.Unlock()
		if m.conn == nil {
			l.Error().Err(err).Msg("failed to reconnect chat room with refreshed credential")
			m.setStateLocked(StateDisconnected)
			m.notifyLost()
			return
		}
		l.Warn().Err(err).Dur("retry_in", m.cfg.RefreshRetry).Msg("chat room redial failed, keeping current connection")
		m.setStateLocked(StateConnected)
		m.scheduleRefreshLocked(m.cfg.RefreshRetry)
		return
	}

	old := m.conn
	if old != nil {
		// Both connections are joined. Lines the new one buffered so far
		// were also delivered by the old one.
		discardPending(conn)
	}
	m.attachLocked(conn)
	m.scheduleRefreshLocked(m.cfg.RefreshInterval)
	m.mu.Unlock()

	if old != nil {
		old.Close()
	}
}

func discardPending(conn Conn) {
	for {
		select {
		case _, ok := <-conn.Messages():
			if !ok {
				return
			}
		default:
			return
		}
	}
}

func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	prev := m.state
	m.state = s
	m.metrics.SetChatState(int(s))

	l := log.Component("chatroom")
	l.Info().
		Str(log.FieldState, s.String()).
		Str("previous", prev.String()).
		Msg("chat room state changed")
}
