package hub

import (
	"sort"
	"time"

	"github.com/averyjennings/claw-stream-vision/internal/domain"
)

// Transport is the hub's view of one client connection. Send must not
// block: it either enqueues data or reports why it could not.
type Transport interface {
	ID() string
	Send(data []byte) error
	Close() error
}

// Session is one registered client.
type Session struct {
	Transport    Transport
	Participant  domain.Participant
	SessionToken string
}

// Registry maps participant ids to sessions. It is the single source of
// truth for who is present and holds at most one entry per id. Not safe
// for concurrent use.
type Registry struct {
	sessions map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Upsert inserts s, replacing any session with the same id. A transport
// owns at most one identity, so entries held by s.Transport under other
// ids are dropped. It returns the replaced session for the same id, if any.
func (r *Registry) Upsert(s *Session) *Session {
	for id, existing := range r.sessions {
		if existing.Transport == s.Transport && id != s.Participant.ID {
			delete(r.sessions, id)
		}
	}
	prev := r.sessions[s.Participant.ID]
	r.sessions[s.Participant.ID] = s
	return prev
}

// RemoveByTransport removes every session bound to t and returns them.
func (r *Registry) RemoveByTransport(t Transport) []*Session {
	var removed []*Session
	for id, s := range r.sessions {
		if s.Transport == t {
			removed = append(removed, s)
			delete(r.sessions, id)
		}
	}
	return removed
}

// Remove deletes s if it is still the current entry for its id.
func (r *Registry) Remove(s *Session) bool {
	if cur, ok := r.sessions[s.Participant.ID]; ok && cur == s {
		delete(r.sessions, s.Participant.ID)
		return true
	}
	return false
}

// ByTransport returns the session bound to t, if any.
func (r *Registry) ByTransport(t Transport) *Session {
	for _, s := range r.sessions {
		if s.Transport == t {
			return s
		}
	}
	return nil
}

// Touch refreshes lastSeenAt of the session bound to t.
func (r *Registry) Touch(t Transport, now time.Time) bool {
	if s := r.ByTransport(t); s != nil {
		s.Participant.LastSeenAt = domain.Millis(now)
		return true
	}
	return false
}

// Stale returns sessions last seen before cutoff.
func (r *Registry) Stale(cutoff time.Time) []*Session {
	limit := domain.Millis(cutoff)
	var stale []*Session
	for _, s := range r.sessions {
		if s.Participant.LastSeenAt < limit {
			stale = append(stale, s)
		}
	}
	return stale
}

// Sessions returns the current sessions in join order.
func (r *Registry) Sessions() []*Session {
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Participant, out[j].Participant
		if a.JoinedAt != b.JoinedAt {
			return a.JoinedAt < b.JoinedAt
		}
		return a.ID < b.ID
	})
	return out
}

// Participants returns a copy of every participant, in join order.
func (r *Registry) Participants() []domain.Participant {
	sessions := r.Sessions()
	out := make([]domain.Participant, len(sessions))
	for i, s := range sessions {
		out[i] = s.Participant
	}
	return out
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int { return len(r.sessions) }
