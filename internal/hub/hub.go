package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/averyjennings/claw-stream-vision/internal/audit"
	"github.com/averyjennings/claw-stream-vision/internal/config"
	"github.com/averyjennings/claw-stream-vision/internal/domain"
	"github.com/averyjennings/claw-stream-vision/internal/metrics"
	"github.com/averyjennings/claw-stream-vision/pkg/log"
)

// ClientEventHandler receives every validated chat, observation and
// reaction. A returned error or panic is logged and does not affect
// other handlers.
type ClientEventHandler func(ctx context.Context, evt domain.ClientEvent) error

// ChatObserver is notified of every chat event after it entered history.
type ChatObserver func(evt domain.ChatEvent)

// Option configures a Hub.
type Option func(*Hub)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(h *Hub) { h.now = now }
}

// Hub owns the session registry, chat history, latest frame and live
// flag. Every mutation and every fan-out happens under mu, so all sessions
// observe publishes in the same order and a snapshot never mixes states.
type Hub struct {
	mu        sync.Mutex
	registry  *Registry
	chat      *ChatHistory
	frame     FrameCell
	live      bool
	startedAt time.Time

	hmu       sync.RWMutex
	handlers  []ClientEventHandler
	observers []ChatObserver

	config  config.HubConfig
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewHub creates an empty hub.
func NewHub(cfg config.HubConfig, m *metrics.Metrics, opts ...Option) *Hub {
	h := &Hub{
		registry: NewRegistry(),
		chat:     NewChatHistory(cfg.ChatHistorySize),
		config:   cfg,
		metrics:  m,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// OnClientEvent appends a handler. Handlers run in registration order.
func (h *Hub) OnClientEvent(handler ClientEventHandler) {
	h.hmu.Lock()
	defer h.hmu.Unlock()
	h.handlers = append(h.handlers, handler)
}

// OnChat appends a chat observer.
func (h *Hub) OnChat(observer ChatObserver) {
	h.hmu.Lock()
	defer h.hmu.Unlock()
	h.observers = append(h.observers, observer)
}

// Register inserts or replaces the session for id. A previous session with
// the same id is dropped from the registry but its transport is left open.
// Other sessions get a presence update; the new session gets a full state
// snapshot.
func (h *Hub) Register(ctx context.Context, t Transport, id, displayName, sessionToken string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := domain.Millis(h.now())
	joinedAt := now
	if cur := h.registry.ByTransport(t); cur != nil && cur.Participant.ID == id {
		joinedAt = cur.Participant.JoinedAt
	}

	s := &Session{
		Transport: t,
		Participant: domain.Participant{
			ID:         id,
			Name:       displayName,
			JoinedAt:   joinedAt,
			LastSeenAt: now,
		},
		SessionToken: sessionToken,
	}
	if prev := h.registry.Upsert(s); prev != nil && prev.Transport != t {
		h.metrics.SessionPruned(metrics.ReasonReplaced)
		l := log.Ctx(ctx)
		l.Info().Str(log.FieldClawID, id).Str("previous_conn_id", prev.Transport.ID()).Msg("session replaced by new registration")
	}
	h.metrics.SessionRegistered()
	h.metrics.SetSessions(h.registry.Len())
	audit.LogWithDetail(ctx, audit.ActionRegister, id, displayName, "session registered")

	state, err := h.encodeLocked(domain.MsgTypeState, h.snapshotLocked())
	if err != nil {
		return
	}
	if err := t.Send(state); err != nil {
		// pruneLocked already told everyone else.
		h.pruneLocked(ctx, []*Session{s}, metrics.ReasonSendFailed)
		return
	}
	h.broadcastLocked(ctx, domain.MsgTypeState, state, t)
}

// Deregister removes the session bound to t. Unknown transports are ignored.
func (h *Hub) Deregister(ctx context.Context, t Transport) {
	h.mu.Lock()
	defer h.mu.Unlock()

	removed := h.registry.RemoveByTransport(t)
	if len(removed) == 0 {
		return
	}
	for _, s := range removed {
		h.metrics.SessionPruned(metrics.ReasonClosed)
		audit.Log(ctx, audit.ActionDeregister, s.Participant.ID, "session deregistered")
	}
	h.metrics.SetSessions(h.registry.Len())
	h.broadcastStateLocked(ctx)
}

// Touch marks the session bound to t as alive.
func (h *Hub) Touch(t Transport) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.registry.Touch(t, h.now())
}

// PublishFrame replaces the latest frame and fans it out.
func (h *Hub) PublishFrame(frame domain.FrameSnapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()

	f := frame
	h.frame.Store(&f)
	h.publishLocked(context.Background(), domain.MsgTypeFrame, &f)
}

// PublishChat appends evt to history and fans it out.
func (h *Hub) PublishChat(evt domain.ChatEvent) {
	if evt.Badges == nil {
		evt.Badges = map[string]string{}
	}

	h.mu.Lock()
	h.chat.Append(evt)
	h.publishLocked(context.Background(), domain.MsgTypeChat, evt)
	h.mu.Unlock()

	h.hmu.RLock()
	observers := append([]ChatObserver(nil), h.observers...)
	h.hmu.RUnlock()
	for _, o := range observers {
		h.safeObserve(o, evt)
	}
}

// PublishTranscript fans out a transcript unit without retaining it.
func (h *Hub) PublishTranscript(unit domain.TranscriptUnit) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.publishLocked(context.Background(), domain.MsgTypeTranscript, unit)
}

// SetLive updates the live flag. Only an actual transition stamps the start
// time and broadcasts presence.
func (h *Hub) SetLive(live bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.live == live {
		return
	}
	h.live = live
	if live {
		h.startedAt = h.now()
	} else {
		h.startedAt = time.Time{}
	}

	l := log.L()
	l.Info().Bool("is_live", live).Msg("stream live status changed")
	h.broadcastStateLocked(context.Background())
}

// SnapshotState projects the current state. It allocates fresh slices, so
// callers may keep the result.
func (h *Hub) SnapshotState() domain.StreamState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snapshotLocked()
}

// RecentChat returns up to n of the newest chat events, oldest first.
func (h *Hub) RecentChat(n int) []domain.ChatEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.chat.Tail(n)
}

// CurrentFrame returns the latest frame or nil.
func (h *Hub) CurrentFrame() *domain.FrameSnapshot {
	return h.frame.Load()
}

// SessionCount returns the number of registered sessions.
func (h *Hub) SessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.registry.Len()
}

// Sweep evicts sessions whose last activity is older than the liveness
// timeout and returns how many were evicted.
func (h *Hub) Sweep(ctx context.Context) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	stale := h.registry.Stale(h.now().Add(-h.config.LivenessTimeout))
	if len(stale) == 0 {
		return 0
	}
	for _, s := range stale {
		audit.Log(ctx, audit.ActionEvict, s.Participant.ID, "session evicted after missed pings")
	}
	h.pruneLocked(ctx, stale, metrics.ReasonLiveness)
	return len(stale)
}

// RunSweeper runs Sweep on the configured interval until ctx is done.
func (h *Hub) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(h.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := h.Sweep(ctx); n > 0 {
				l := log.L()
				l.Info().Int("evicted", n).Msg("liveness sweep evicted sessions")
			}
		}
	}
}

// Close closes every registered transport and empties the registry.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, s := range h.registry.Sessions() {
		h.registry.Remove(s)
		s.Transport.Close()
	}
	h.metrics.SetSessions(0)
}

// HandleInbound decodes and dispatches one raw client message received on t.
// Invalid messages are logged and dropped; the connection stays open.
func (h *Hub) HandleInbound(ctx context.Context, t Transport, raw []byte) {
	h.Touch(t)

	msg, err := domain.DecodeInbound(raw)
	if err != nil {
		h.metrics.Inbound("invalid", "dropped")
		l := log.Ctx(ctx)
		l.Warn().Err(err).Str(log.FieldConnID, t.ID()).Msg("dropping inbound message")
		return
	}

	switch m := msg.(type) {
	case *domain.RegisterMessage:
		h.metrics.Inbound(domain.MsgTypeRegister, "ok")
		h.Register(ctx, t, m.ClawID, m.ClawName, m.SessionID)

	case *domain.PingMessage:
		h.metrics.Inbound(domain.MsgTypePing, "ok")
		now := domain.Millis(h.now())
		data, err := json.Marshal(domain.Envelope{
			Type:      domain.MsgTypePong,
			Payload:   domain.PongPayload{Timestamp: now},
			Timestamp: now,
		})
		if err != nil {
			return
		}
		if err := t.Send(data); err != nil {
			l := log.Ctx(ctx)
			l.Debug().Err(err).Str(log.FieldConnID, t.ID()).Msg("failed to send pong")
		}

	case *domain.ActionMessage:
		evt, err := h.resolveAction(t, m)
		if err != nil {
			h.metrics.Inbound(m.Type, "dropped")
			l := log.Ctx(ctx)
			l.Warn().Err(err).Str(log.FieldConnID, t.ID()).Str(log.FieldEventType, m.Type).Msg("dropping client action")
			return
		}
		h.metrics.Inbound(m.Type, "ok")
		h.applyAction(ctx, t, evt)
		h.dispatch(ctx, evt)
	}
}

// resolveAction fills missing identity fields from the sender's registration.
func (h *Hub) resolveAction(t Transport, m *domain.ActionMessage) (domain.ClientEvent, error) {
	evt := domain.ClientEvent{
		Type:     m.Type,
		ClawID:   m.ClawID,
		ClawName: m.ClawName,
		Content:  m.Content,
	}

	h.mu.Lock()
	evt.Timestamp = domain.Millis(h.now())
	if s := h.registry.ByTransport(t); s != nil {
		if evt.ClawID == "" {
			evt.ClawID = s.Participant.ID
		}
		if evt.ClawName == "" {
			evt.ClawName = s.Participant.Name
		}
	}
	h.mu.Unlock()

	if evt.ClawID == "" || evt.ClawName == "" {
		return evt, fmt.Errorf("%w: sender is not registered", domain.ErrMissingIdentity)
	}
	return evt, nil
}

// applyAction performs the hub's own handling of a client action: chat
// joins the shared log, observations and reactions go to every other client.
func (h *Hub) applyAction(ctx context.Context, sender Transport, evt domain.ClientEvent) {
	audit.LogWithDetail(ctx, audit.ActionFor(evt.Type), evt.ClawID, evt.Content, "client action")

	switch evt.Type {
	case domain.MsgTypeChat:
		h.PublishChat(domain.ChatEvent{
			Timestamp:   evt.Timestamp,
			Username:    evt.ClawID,
			DisplayName: evt.ClawName,
			Message:     evt.Content,
			Channel:     h.config.Channel,
			Badges:      map[string]string{},
		})

	case domain.MsgTypeObservation, domain.MsgTypeReaction:
		h.mu.Lock()
		defer h.mu.Unlock()
		data, err := h.encodeLocked(evt.Type, domain.ClientActivity{
			ClawID:    evt.ClawID,
			ClawName:  evt.ClawName,
			Content:   evt.Content,
			Timestamp: evt.Timestamp,
		})
		if err != nil {
			return
		}
		h.broadcastLocked(ctx, evt.Type, data, sender)
	}
}

func (h *Hub) dispatch(ctx context.Context, evt domain.ClientEvent) {
	h.hmu.RLock()
	handlers := append([]ClientEventHandler(nil), h.handlers...)
	h.hmu.RUnlock()

	for i, handler := range handlers {
		if err := h.safeHandle(ctx, handler, evt); err != nil {
			l := log.Ctx(ctx)
			l.Error().Err(err).Int("handler", i).Str(log.FieldEventType, evt.Type).Str(log.FieldClawID, evt.ClawID).Msg("client event handler failed")
		}
	}
}

func (h *Hub) safeHandle(ctx context.Context, handler ClientEventHandler, evt domain.ClientEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, evt)
}

func (h *Hub) safeObserve(o ChatObserver, evt domain.ChatEvent) {
	defer func() {
		if r := recover(); r != nil {
			l := log.L()
			l.Error().Interface("panic", r).Msg("chat observer panicked")
		}
	}()
	o(evt)
}

func (h *Hub) snapshotLocked() domain.StreamState {
	state := domain.StreamState{
		IsLive:       h.live,
		CurrentFrame: h.frame.Load(),
		RecentChat:   h.chat.Tail(h.config.StateChatTail),
		Participants: h.registry.Participants(),
	}
	if h.live {
		started := domain.Millis(h.startedAt)
		state.StreamStartedAt = &started
	}
	return state
}

func (h *Hub) encodeLocked(msgType string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(domain.Envelope{
		Type:      msgType,
		Payload:   payload,
		Timestamp: domain.Millis(h.now()),
	})
	if err != nil {
		l := log.L()
		l.Error().Err(err).Str(log.FieldEventType, msgType).Msg("failed to encode outbound message")
		return nil, err
	}
	return data, nil
}

func (h *Hub) publishLocked(ctx context.Context, msgType string, payload interface{}) {
	data, err := h.encodeLocked(msgType, payload)
	if err != nil {
		return
	}
	h.broadcastLocked(ctx, msgType, data, nil)
}

func (h *Hub) broadcastStateLocked(ctx context.Context) {
	data, err := h.encodeLocked(domain.MsgTypeState, h.snapshotLocked())
	if err != nil {
		return
	}
	h.broadcastLocked(ctx, domain.MsgTypeState, data, nil)
}

// broadcastLocked sends data to every session except exclude. Sessions
// whose send fails are pruned, which itself triggers a presence update.
func (h *Hub) broadcastLocked(ctx context.Context, msgType string, data []byte, exclude Transport) {
	var dead []*Session
	for _, s := range h.registry.Sessions() {
		if exclude != nil && s.Transport == exclude {
			continue
		}
		if err := s.Transport.Send(data); err != nil {
			if !errors.Is(err, domain.ErrTransportClosed) {
				l := log.Ctx(ctx)
				l.Warn().Err(err).Str(log.FieldConnID, s.Transport.ID()).Str(log.FieldClawID, s.Participant.ID).Msg("send failed, pruning session")
			}
			dead = append(dead, s)
		}
	}
	h.metrics.Broadcast(msgType)
	if len(dead) > 0 {
		h.pruneLocked(ctx, dead, metrics.ReasonSendFailed)
	}
}

// pruneLocked removes sessions, closes their transports and tells the rest.
// Each round removes at least one session, so the recursion through
// broadcastStateLocked terminates.
func (h *Hub) pruneLocked(ctx context.Context, sessions []*Session, reason string) {
	removed := 0
	for _, s := range sessions {
		if h.registry.Remove(s) {
			removed++
			h.metrics.SessionPruned(reason)
			s.Transport.Close()
			l := log.Ctx(ctx)
			l.Info().Str(log.FieldClawID, s.Participant.ID).Str(log.FieldConnID, s.Transport.ID()).Str(log.FieldReason, reason).Msg("session pruned")
		}
	}
	if removed == 0 {
		return
	}
	h.metrics.SetSessions(h.registry.Len())
	h.broadcastStateLocked(ctx)
}
