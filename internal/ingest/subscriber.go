package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/averyjennings/claw-stream-vision/internal/domain"
	"github.com/averyjennings/claw-stream-vision/pkg/log"
	"github.com/averyjennings/claw-stream-vision/pkg/pubsub"
)

// StreamSink receives what capture processes observe about the stream.
type StreamSink interface {
	PublishFrame(frame domain.FrameSnapshot)
	PublishChat(evt domain.ChatEvent)
	SetLive(live bool)
}

// FragmentSink receives raw transcript fragments.
type FragmentSink interface {
	Add(text string)
}

// Subscriber consumes capture events from the event bus and feeds them to
// the hub and the transcript aggregator.
type Subscriber struct {
	bus         pubsub.Subscriber
	streamID    string
	sink        StreamSink
	transcripts FragmentSink
	// encoder, when set, re-encodes frames wider than its max width.
	encoder *FrameEncoder
	now     func() time.Time
}

// NewSubscriber creates a subscriber for one stream.
func NewSubscriber(bus pubsub.Subscriber, streamID string, sink StreamSink, transcripts FragmentSink, encoder *FrameEncoder) *Subscriber {
	return &Subscriber{
		bus:         bus,
		streamID:    streamID,
		sink:        sink,
		transcripts: transcripts,
		encoder:     encoder,
		now:         time.Now,
	}
}

// Run subscribes and dispatches events until ctx is done or the bus
// closes the channel.
func (s *Subscriber) Run(ctx context.Context) error {
	channel := pubsub.CaptureToRelayChannel(s.streamID)
	l := log.Component("ingest").With().Str(log.FieldChannel, channel).Logger()

	events, err := s.bus.Subscribe(ctx, channel)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}
	l.Info().Msg("subscribed to capture events")

	defer func() {
		if err := s.bus.Unsubscribe(context.Background(), channel); err != nil {
			l.Warn().Err(err).Msg("failed to unsubscribe capture events")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			if err := s.Handle(evt); err != nil {
				l.Warn().Err(err).Str(log.FieldEventType, evt.Type).Msg("dropping capture event")
			}
		}
	}
}

// Handle applies one event.
func (s *Subscriber) Handle(evt *pubsub.Event) error {
	switch evt.Type {
	case pubsub.EventFrame:
		var p pubsub.FramePayload
		if err := evt.Decode(&p); err != nil {
			return err
		}
		frame, err := s.frame(p, evt)
		if err != nil {
			return err
		}
		s.sink.PublishFrame(frame)

	case pubsub.EventTranscriptFragment:
		var p pubsub.TranscriptFragmentPayload
		if err := evt.Decode(&p); err != nil {
			return err
		}
		s.transcripts.Add(p.Text)

	case pubsub.EventStreamStatus:
		var p pubsub.StreamStatusPayload
		if err := evt.Decode(&p); err != nil {
			return err
		}
		s.sink.SetLive(p.IsLive)

	case pubsub.EventChat:
		var p pubsub.ChatPayload
		if err := evt.Decode(&p); err != nil {
			return err
		}
		if strings.TrimSpace(p.Message) == "" || p.Username == "" {
			return errors.New("chat payload requires username and message")
		}
		display := p.DisplayName
		if display == "" {
			display = p.Username
		}
		s.sink.PublishChat(domain.ChatEvent{
			Timestamp:    domain.Millis(s.eventTime(evt)),
			Username:     p.Username,
			DisplayName:  display,
			Message:      p.Message,
			Channel:      p.Channel,
			IsMod:        p.IsMod,
			IsSubscriber: p.IsSubscriber,
			Badges:       p.Badges,
		})

	default:
		return fmt.Errorf("%w: %q", domain.ErrUnknownType, evt.Type)
	}
	return nil
}

// eventTime is the capture time, or the receive time when the producer
// left it out.
func (s *Subscriber) eventTime(evt *pubsub.Event) time.Time {
	if evt.Timestamp.IsZero() {
		return s.now()
	}
	return evt.Timestamp
}

func (s *Subscriber) frame(p pubsub.FramePayload, evt *pubsub.Event) (domain.FrameSnapshot, error) {
	if p.ImageBase64 == "" {
		return domain.FrameSnapshot{}, errors.New("frame payload has no image")
	}

	if s.encoder != nil && s.encoder.maxWidth > 0 && (p.Width == 0 || p.Width > s.encoder.maxWidth) {
		return s.encoder.EncodeBase64(p.ImageBase64)
	}

	format := p.Format
	if format == "" {
		format = frameFormat
	}
	return domain.FrameSnapshot{
		Timestamp:   domain.Millis(s.eventTime(evt)),
		ImageBase64: p.ImageBase64,
		Format:      format,
		Width:       p.Width,
		Height:      p.Height,
	}, nil
}
