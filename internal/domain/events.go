package domain

import "time"

// Millis converts t to the unix-millisecond timestamps used on the wire.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

// ChatEvent is one chat line, whether it came from the chat room or from a
// registered client. Both sources are normalised to this shape before they
// enter history, so late joiners cannot tell them apart.
type ChatEvent struct {
	Timestamp    int64             `json:"timestamp"`
	Username     string            `json:"username"`
	DisplayName  string            `json:"displayName"`
	Message      string            `json:"message"`
	Channel      string            `json:"channel"`
	IsMod        bool              `json:"isMod"`
	IsSubscriber bool              `json:"isSubscriber"`
	Badges       map[string]string `json:"badges"`
}

// FrameSnapshot is the latest captured frame. Never mutated after publish.
type FrameSnapshot struct {
	Timestamp   int64  `json:"timestamp"`
	ImageBase64 string `json:"imageBase64"`
	Format      string `json:"format"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
}

// TranscriptUnit is one coalesced utterance. It is broadcast and forgotten.
type TranscriptUnit struct {
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

// Participant is the public identity of a registered session.
type Participant struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	JoinedAt   int64  `json:"joinedAt"`
	LastSeenAt int64  `json:"lastSeenAt"`
}

// StreamState is the projection served to new sessions and HTTP pollers.
type StreamState struct {
	IsLive          bool           `json:"isLive"`
	CurrentFrame    *FrameSnapshot `json:"currentFrame"`
	RecentChat      []ChatEvent    `json:"recentChat"`
	Participants    []Participant  `json:"participants"`
	StreamStartedAt *int64         `json:"streamStartedAt"`
}

// ClientActivity is what other clients see for an observation or reaction.
type ClientActivity struct {
	ClawID    string `json:"clawId"`
	ClawName  string `json:"clawName"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}
