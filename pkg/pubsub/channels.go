package pubsub

import "fmt"

// Channel naming for the capture -> relay direction. Capture processes
// (screenshotter, audio transcriber, stream-status probe) publish here.
const (
	ChannelCaptureToRelay = "capture:stream:%s:to_relay"
)

// Event types published by capture processes.
const (
	EventFrame              = "frame"
	EventTranscriptFragment = "transcript_fragment"
	EventStreamStatus       = "stream_status"
	EventChat               = "chat"
)

// CaptureToRelayChannel returns the channel name for capture -> relay events.
func CaptureToRelayChannel(streamID string) string {
	return fmt.Sprintf(ChannelCaptureToRelay, streamID)
}

// FramePayload carries one encoded screenshot.
type FramePayload struct {
	ImageBase64 string `json:"imageBase64"`
	Format      string `json:"format"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
}

// TranscriptFragmentPayload carries one raw speech-to-text fragment.
type TranscriptFragmentPayload struct {
	Text string `json:"text"`
}

// StreamStatusPayload reports whether the upstream broadcast is live.
type StreamStatusPayload struct {
	IsLive bool `json:"isLive"`
}

// ChatPayload carries a chat line observed outside the relay's own room connection.
type ChatPayload struct {
	Username     string            `json:"username"`
	DisplayName  string            `json:"displayName"`
	Message      string            `json:"message"`
	Channel      string            `json:"channel"`
	IsMod        bool              `json:"isMod"`
	IsSubscriber bool              `json:"isSubscriber"`
	Badges       map[string]string `json:"badges,omitempty"`
}
