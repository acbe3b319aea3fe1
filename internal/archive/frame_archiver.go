package archive

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"sort"
	"time"

	"github.com/averyjennings/claw-stream-vision/internal/domain"
	"github.com/averyjennings/claw-stream-vision/pkg/log"
	"github.com/averyjennings/claw-stream-vision/pkg/storage"
)

// FrameArchiver periodically copies the hub's current frame into object
// storage under frames/<streamID>/<timestamp>.<format>, keeping only the
// newest Keep snapshots.
type FrameArchiver struct {
	store    storage.Storage
	prefix   string
	interval time.Duration
	keep     int
	current  func() *domain.FrameSnapshot

	lastStored int64
}

// NewFrameArchiver creates an archiver that samples current every interval.
// keep <= 0 disables retention.
func NewFrameArchiver(store storage.Storage, streamID string, interval time.Duration, keep int, current func() *domain.FrameSnapshot) *FrameArchiver {
	if interval <= 0 {
		interval = time.Minute
	}
	return &FrameArchiver{
		store:    store,
		prefix:   fmt.Sprintf("frames/%s/", streamID),
		interval: interval,
		keep:     keep,
		current:  current,
	}
}

// Run snapshots on every tick until ctx is done.
func (a *FrameArchiver) Run(ctx context.Context) error {
	l := log.Component("frame_archive").With().Str("prefix", a.prefix).Logger()
	l.Info().Dur("interval", a.interval).Int("keep", a.keep).Msg("frame archive started")

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := a.Snapshot(ctx); err != nil {
				l.Warn().Err(err).Msg("frame snapshot failed")
			}
		}
	}
}

// Snapshot stores the current frame if it changed since the last call and
// trims old snapshots.
func (a *FrameArchiver) Snapshot(ctx context.Context) error {
	frame := a.current()
	if frame == nil || frame.Timestamp == a.lastStored {
		return nil
	}

	data, err := base64.StdEncoding.DecodeString(frame.ImageBase64)
	if err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}

	format := frame.Format
	if format == "" {
		format = "jpeg"
	}
	key := fmt.Sprintf("%s%013d.%s", a.prefix, frame.Timestamp, format)
	if err := a.store.Write(ctx, key, bytes.NewReader(data), int64(len(data)), "image/"+format); err != nil {
		return fmt.Errorf("store %s: %w", key, err)
	}
	a.lastStored = frame.Timestamp

	l := log.Component("frame_archive")
	l.Debug().Str("key", key).Int("bytes", len(data)).Msg("frame archived")

	return a.prune(ctx)
}

// prune deletes the oldest snapshots beyond keep. Keys sort by timestamp.
func (a *FrameArchiver) prune(ctx context.Context) error {
	if a.keep <= 0 {
		return nil
	}
	objects, err := a.store.List(ctx, a.prefix)
	if err != nil {
		return err
	}
	if len(objects) <= a.keep {
		return nil
	}

	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	for _, obj := range objects[:len(objects)-a.keep] {
		if err := a.store.Delete(ctx, obj.Key); err != nil {
			return err
		}
	}
	return nil
}
