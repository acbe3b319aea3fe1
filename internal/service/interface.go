package service

import (
	"context"

	"github.com/averyjennings/claw-stream-vision/internal/chatroom"
)

type RelayService interface {
	Start(ctx context.Context) error
	Stop() error
}

// ChatRoom is the chat room session the relay bridges to.
type ChatRoom interface {
	Connect(ctx context.Context) error
	SendToRoom(ctx context.Context, displayName, text string) error
	OnMessage(handler func(chatroom.RoomMessage))
	Lost() <-chan struct{}
	Close() error
}

// Worker is a long-running producer such as an ingest subscriber.
type Worker interface {
	Run(ctx context.Context) error
}
