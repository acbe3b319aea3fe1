package chatroom

import (
	"context"
	"time"
)

// RoomMessage is one line read from the chat room.
type RoomMessage struct {
	Channel      string
	Username     string
	DisplayName  string
	Text         string
	IsMod        bool
	IsSubscriber bool
	Badges       map[string]string
	// Self is set by the room protocol for lines this connection sent.
	Self      bool
	Timestamp time.Time
}

// Conn is an authenticated, joined chat room connection. Messages is
// closed when the connection ends for any reason.
type Conn interface {
	Send(ctx context.Context, channel, text string) error
	Messages() <-chan RoomMessage
	Close() error
}

// Dialer opens a Conn bound to one credential.
type Dialer interface {
	Dial(ctx context.Context, username, token string) (Conn, error)
}

// DialFunc adapts a function to Dialer.
type DialFunc func(ctx context.Context, username, token string) (Conn, error)

func (f DialFunc) Dial(ctx context.Context, username, token string) (Conn, error) {
	return f(ctx, username, token)
}

// State is the connection state of a Manager.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateRefreshing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateRefreshing:
		return "refreshing"
	default:
		return "unknown"
	}
}
