package ingest

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/averyjennings/claw-stream-vision/internal/domain"
	"github.com/averyjennings/claw-stream-vision/pkg/pubsub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustEvent(t *testing.T, typ string, payload interface{}) *pubsub.Event {
	t.Helper()
	evt, err := pubsub.NewEvent(typ, "main", payload)
	require.NoError(t, err)
	return evt
}

func TestSubscriber_Handle(t *testing.T) {
	sink := &recordingSink{}
	s := NewSubscriber(nil, "main", sink, sink, nil)

	require.NoError(t, s.Handle(mustEvent(t, pubsub.EventStreamStatus, pubsub.StreamStatusPayload{IsLive: true})))
	require.NoError(t, s.Handle(mustEvent(t, pubsub.EventTranscriptFragment, pubsub.TranscriptFragmentPayload{Text: "hello there"})))
	require.NoError(t, s.Handle(mustEvent(t, pubsub.EventFrame, pubsub.FramePayload{ImageBase64: "abc", Width: 640, Height: 360})))
	require.NoError(t, s.Handle(mustEvent(t, pubsub.EventChat, pubsub.ChatPayload{Username: "viewer", Message: "hi", Channel: "#main"})))

	assert.Equal(t, []bool{true}, sink.live)
	assert.Equal(t, []string{"hello there"}, sink.texts)

	require.Len(t, sink.frames, 1)
	assert.Equal(t, "jpeg", sink.frames[0].Format)
	assert.Equal(t, "abc", sink.frames[0].ImageBase64)
	assert.Equal(t, 640, sink.frames[0].Width)

	require.Len(t, sink.chats, 1)
	assert.Equal(t, "viewer", sink.chats[0].DisplayName)
	assert.Equal(t, "#main", sink.chats[0].Channel)
}

func TestSubscriber_HandleRejects(t *testing.T) {
	sink := &recordingSink{}
	s := NewSubscriber(nil, "main", sink, sink, nil)

	err := s.Handle(mustEvent(t, "mystery", struct{}{}))
	assert.ErrorIs(t, err, domain.ErrUnknownType)

	assert.Error(t, s.Handle(mustEvent(t, pubsub.EventFrame, pubsub.FramePayload{})))
	assert.Error(t, s.Handle(mustEvent(t, pubsub.EventChat, pubsub.ChatPayload{Username: "viewer", Message: "   "})))
	assert.Error(t, s.Handle(mustEvent(t, pubsub.EventChat, pubsub.ChatPayload{Message: "hi"})))
	assert.Error(t, s.Handle(&pubsub.Event{Type: pubsub.EventStreamStatus, Payload: json.RawMessage(`"nope"`)}))

	assert.Empty(t, sink.frames)
	assert.Empty(t, sink.chats)
	assert.Empty(t, sink.live)
}

func TestSubscriber_MissingTimestampUsesReceiveTime(t *testing.T) {
	sink := &recordingSink{}
	s := NewSubscriber(nil, "main", sink, sink, nil)
	received := time.UnixMilli(1_700_000_000_000)
	s.now = func() time.Time { return received }

	frame, err := json.Marshal(pubsub.FramePayload{ImageBase64: "abc", Width: 640, Height: 360})
	require.NoError(t, err)
	chat, err := json.Marshal(pubsub.ChatPayload{Username: "viewer", Message: "hi"})
	require.NoError(t, err)

	require.NoError(t, s.Handle(&pubsub.Event{Type: pubsub.EventFrame, StreamID: "main", Payload: frame}))
	require.NoError(t, s.Handle(&pubsub.Event{Type: pubsub.EventChat, StreamID: "main", Payload: chat}))

	require.Len(t, sink.frames, 1)
	assert.Equal(t, domain.Millis(received), sink.frames[0].Timestamp)
	require.Len(t, sink.chats, 1)
	assert.Equal(t, domain.Millis(received), sink.chats[0].Timestamp)

	// a producer timestamp still wins
	captured := time.UnixMilli(1_600_000_000_000)
	require.NoError(t, s.Handle(&pubsub.Event{Type: pubsub.EventFrame, StreamID: "main", Payload: frame, Timestamp: captured}))
	assert.Equal(t, domain.Millis(captured), sink.frames[1].Timestamp)
}

func TestSubscriber_ReencodesWideFrames(t *testing.T) {
	sink := &recordingSink{}
	s := NewSubscriber(nil, "main", sink, sink, NewFrameEncoder(50, 80))

	img := base64.StdEncoding.EncodeToString(testPNG(t, 200, 100))
	require.NoError(t, s.Handle(mustEvent(t, pubsub.EventFrame, pubsub.FramePayload{ImageBase64: img, Format: "png", Width: 200, Height: 100})))

	require.Len(t, sink.frames, 1)
	assert.Equal(t, 50, sink.frames[0].Width)
	assert.Equal(t, 25, sink.frames[0].Height)
	assert.Equal(t, "jpeg", sink.frames[0].Format)
}

func TestSubscriber_RunOverRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	bus, err := pubsub.NewRedisBus(pubsub.RedisConfig{Address: mr.Addr()})
	require.NoError(t, err)
	defer bus.Close()

	sink := &recordingSink{}
	s := NewSubscriber(bus, "main", sink, sink, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	channel := pubsub.CaptureToRelayChannel("main")
	require.Eventually(t, func() bool {
		return len(mr.PubSubChannels(channel)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, bus.Publish(ctx, channel, mustEvent(t, "mystery", struct{}{})))
	require.NoError(t, bus.Publish(ctx, channel, mustEvent(t, pubsub.EventStreamStatus, pubsub.StreamStatusPayload{IsLive: true})))
	require.NoError(t, bus.Publish(ctx, channel, mustEvent(t, pubsub.EventTranscriptFragment, pubsub.TranscriptFragmentPayload{Text: "over the wire"})))

	require.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.live) == 1 && len(sink.texts) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber did not stop")
	}
}
