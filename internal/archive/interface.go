package archive

import (
	"context"

	"github.com/averyjennings/claw-stream-vision/internal/domain"
)

// ChatArchiver records chat lines outside the process.
type ChatArchiver interface {
	Archive(ctx context.Context, evt domain.ChatEvent) error
	Close() error
}

// Nop discards everything. It is used when archiving is disabled.
type Nop struct{}

func (Nop) Archive(context.Context, domain.ChatEvent) error { return nil }
func (Nop) Close() error                                    { return nil }
