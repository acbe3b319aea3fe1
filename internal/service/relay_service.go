package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/averyjennings/claw-stream-vision/internal/archive"
	"github.com/averyjennings/claw-stream-vision/internal/chatroom"
	"github.com/averyjennings/claw-stream-vision/internal/domain"
	"github.com/averyjennings/claw-stream-vision/internal/hub"
	"github.com/averyjennings/claw-stream-vision/internal/transcript"
	"github.com/averyjennings/claw-stream-vision/pkg/log"
	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"
)

// Options are the optional collaborators of the relay.
type Options struct {
	// Chat is nil when the chat room bridge is disabled.
	Chat     ChatRoom
	Archiver archive.ChatArchiver
	Workers  []Worker
	// Backoff builds the policy for chat reconnects. Defaults to an
	// unbounded exponential backoff capped at ReconnectMax.
	Backoff      func() backoff.BackOff
	ReconnectMax time.Duration
}

type relayService struct {
	hub      *hub.Hub
	runner   *transcript.Runner
	chat     ChatRoom
	archiver archive.ChatArchiver
	workers  []Worker
	backoff  func() backoff.BackOff

	cancel context.CancelFunc
	group  *errgroup.Group
}

func NewRelayService(h *hub.Hub, runner *transcript.Runner, opts Options) RelayService {
	s := &relayService{
		hub:      h,
		runner:   runner,
		chat:     opts.Chat,
		archiver: opts.Archiver,
		workers:  opts.Workers,
		backoff:  opts.Backoff,
	}
	if s.archiver == nil {
		s.archiver = archive.Nop{}
	}
	if s.backoff == nil {
		maxInterval := opts.ReconnectMax
		if maxInterval <= 0 {
			maxInterval = 2 * time.Minute
		}
		s.backoff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxInterval = maxInterval
			b.MaxElapsedTime = 0
			return b
		}
	}
	return s
}

// Start wires the collaborators into the hub and launches the background
// loops. It returns immediately.
func (s *relayService) Start(ctx context.Context) error {
	if s.group != nil {
		return errors.New("relay already started")
	}

	s.hub.OnClientEvent(s.forwardToRoom)
	s.hub.OnChat(s.archive)
	if s.chat != nil {
		s.chat.OnMessage(s.fromRoom)
	}

	ctx, s.cancel = context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	s.group = g

	g.Go(func() error {
		s.hub.RunSweeper(gctx)
		return nil
	})
	g.Go(func() error {
		s.runner.Run(gctx)
		return nil
	})
	for _, w := range s.workers {
		w := w
		g.Go(func() error {
			if err := w.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				l := log.L()
				l.Error().Err(err).Msg("ingest worker stopped")
			}
			return nil
		})
	}
	if s.chat != nil {
		g.Go(func() error {
			s.maintainChat(gctx)
			return nil
		})
	}

	l := log.L()
	l.Info().Int("workers", len(s.workers)).Bool("chat", s.chat != nil).Msg("relay started")
	return nil
}

// Stop cancels the background loops, waits for them, then closes the
// chat room, the archive and every session.
func (s *relayService) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}

	var errs []error
	if s.chat != nil {
		if err := s.chat.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chat room: %w", err))
		}
	}
	if s.group != nil {
		if err := s.group.Wait(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.archiver.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close archive: %w", err))
	}
	s.hub.Close()
	return errors.Join(errs...)
}

// maintainChat connects the room and reconnects it whenever it is lost.
// The manager itself never retries.
func (s *relayService) maintainChat(ctx context.Context) {
	l := log.L()

	for {
		connect := func() error {
			err := s.chat.Connect(ctx)
			if errors.Is(err, chatroom.ErrManagerClosed) {
				return backoff.Permanent(err)
			}
			return err
		}
		notify := func(err error, wait time.Duration) {
			l.Warn().Err(err).Dur("retry_in", wait).Msg("chat room connect failed")
		}

		if err := backoff.RetryNotify(connect, backoff.WithContext(s.backoff(), ctx), notify); err != nil {
			if ctx.Err() == nil {
				l.Error().Err(err).Msg("giving up on chat room")
			}
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-s.chat.Lost():
			l.Warn().Msg("chat room connection lost, reconnecting")
		}
	}
}

// forwardToRoom sends client chat to the room. Observations and
// reactions stay inside the hub.
func (s *relayService) forwardToRoom(ctx context.Context, evt domain.ClientEvent) error {
	if evt.Type != domain.MsgTypeChat || s.chat == nil {
		return nil
	}
	if err := s.chat.SendToRoom(ctx, evt.ClawName, evt.Content); err != nil {
		return fmt.Errorf("forward chat from %s: %w", evt.ClawID, err)
	}
	return nil
}

func (s *relayService) fromRoom(msg chatroom.RoomMessage) {
	s.hub.PublishChat(RoomMessageToChatEvent(msg))
}

func (s *relayService) archive(evt domain.ChatEvent) {
	if err := s.archiver.Archive(context.Background(), evt); err != nil {
		l := log.L()
		l.Warn().Err(err).Msg("failed to archive chat event")
	}
}

// RoomMessageToChatEvent normalises a room line into the hub's chat shape.
func RoomMessageToChatEvent(msg chatroom.RoomMessage) domain.ChatEvent {
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return domain.ChatEvent{
		Timestamp:    domain.Millis(ts),
		Username:     msg.Username,
		DisplayName:  msg.DisplayName,
		Message:      msg.Text,
		Channel:      msg.Channel,
		IsMod:        msg.IsMod,
		IsSubscriber: msg.IsSubscriber,
		Badges:       msg.Badges,
	}
}
