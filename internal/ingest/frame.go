package ingest

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"time"

	"github.com/averyjennings/claw-stream-vision/internal/domain"
	"github.com/disintegration/imaging"
)

const frameFormat = "jpeg"

// FrameEncoder turns captured image bytes into a FrameSnapshot, scaling
// wide frames down to maxWidth and re-encoding them as JPEG.
type FrameEncoder struct {
	maxWidth int
	quality  int
	now      func() time.Time
}

// NewFrameEncoder creates an encoder. maxWidth <= 0 keeps the original size.
func NewFrameEncoder(maxWidth, quality int) *FrameEncoder {
	if quality <= 0 || quality > 100 {
		quality = 80
	}
	return &FrameEncoder{maxWidth: maxWidth, quality: quality, now: time.Now}
}

// Encode decodes r (format auto-detected) and builds a snapshot.
func (e *FrameEncoder) Encode(r io.Reader) (domain.FrameSnapshot, error) {
	img, err := imaging.Decode(r, imaging.AutoOrientation(true))
	if err != nil {
		return domain.FrameSnapshot{}, fmt.Errorf("decode frame: %w", err)
	}

	if e.maxWidth > 0 && img.Bounds().Dx() > e.maxWidth {
		img = imaging.Resize(img, e.maxWidth, 0, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(e.quality)); err != nil {
		return domain.FrameSnapshot{}, fmt.Errorf("encode frame: %w", err)
	}

	b := img.Bounds()
	return domain.FrameSnapshot{
		Timestamp:   domain.Millis(e.now()),
		ImageBase64: base64.StdEncoding.EncodeToString(buf.Bytes()),
		Format:      frameFormat,
		Width:       b.Dx(),
		Height:      b.Dy(),
	}, nil
}

// EncodeBase64 re-encodes an already base64-encoded image.
func (e *FrameEncoder) EncodeBase64(data string) (domain.FrameSnapshot, error) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return domain.FrameSnapshot{}, fmt.Errorf("decode base64 frame: %w", err)
	}
	return e.Encode(bytes.NewReader(raw))
}
