package ingest

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"sync"
	"testing"

	"github.com/averyjennings/claw-stream-vision/internal/domain"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu     sync.Mutex
	frames []domain.FrameSnapshot
	chats  []domain.ChatEvent
	live   []bool
	texts  []string
}

func (s *recordingSink) PublishFrame(f domain.FrameSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f)
}

func (s *recordingSink) PublishChat(evt domain.ChatEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chats = append(s.chats, evt)
}

func (s *recordingSink) SetLive(live bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.live = append(s.live, live)
}

func (s *recordingSink) Add(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, text)
}

func (s *recordingSink) frameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func (s *recordingSink) lastFrame() domain.FrameSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames[len(s.frames)-1]
}

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}
