package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/averyjennings/claw-stream-vision/internal/domain"
	"github.com/averyjennings/claw-stream-vision/pkg/log"
	"github.com/fsnotify/fsnotify"
)

// FrameWatcher publishes the newest screenshot written into a capture
// directory. fsnotify drives it and a poll covers missed events.
type FrameWatcher struct {
	dir          string
	encoder      *FrameEncoder
	publish      func(domain.FrameSnapshot)
	pollInterval time.Duration
	settle       time.Duration

	// newest published file; older files are never published after it
	mu       sync.Mutex
	lastName string
	lastAt   time.Time
}

// NewFrameWatcher creates a watcher for dir.
func NewFrameWatcher(dir string, encoder *FrameEncoder, publish func(domain.FrameSnapshot), pollInterval time.Duration) *FrameWatcher {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &FrameWatcher{
		dir:          dir,
		encoder:      encoder,
		publish:      publish,
		pollInterval: pollInterval,
		settle:       50 * time.Millisecond,
	}
}

func isFrameFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg", ".png":
		return true
	}
	return false
}

// Run watches until ctx is done.
func (w *FrameWatcher) Run(ctx context.Context) error {
	l := log.Component("frame_watcher").With().Str("dir", w.dir).Logger()

	if err := w.waitForDir(ctx); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch directory %s: %w", w.dir, err)
	}
	l.Info().Msg("watching for captured frames")

	w.scan()

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if isFrameFile(event.Name) && event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				w.handle(event.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.Warn().Err(err).Msg("frame watcher error")
		case <-ticker.C:
			w.scan()
		}
	}
}

func (w *FrameWatcher) waitForDir(ctx context.Context) error {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		if info, err := os.Stat(w.dir); err == nil && info.IsDir() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// scan publishes the newest frame in the directory if it has not been seen.
func (w *FrameWatcher) scan() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return
	}

	var (
		newest   string
		newestAt time.Time
	)
	for _, entry := range entries {
		if entry.IsDir() || !isFrameFile(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(newestAt) {
			newest, newestAt = entry.Name(), info.ModTime()
		}
	}
	if newest != "" {
		w.handle(filepath.Join(w.dir, newest))
	}
}

func (w *FrameWatcher) handle(path string) {
	l := log.Component("frame_watcher")
	name := filepath.Base(path)

	info, ok := w.complete(path)
	if !ok {
		return
	}

	if !w.claim(name, info.ModTime()) {
		return
	}

	f, err := os.Open(path)
	if err != nil {
		l.Warn().Err(err).Str("file", name).Msg("failed to open captured frame")
		return
	}
	defer f.Close()

	frame, err := w.encoder.Encode(f)
	if err != nil {
		l.Warn().Err(err).Str("file", name).Msg("failed to encode captured frame")
		return
	}
	w.publish(frame)
	l.Debug().Str("file", name).Int("width", frame.Width).Int("height", frame.Height).Msg("frame published")
}

// claim records name as the newest published frame unless a newer one, or
// this same version, was already published.
func (w *FrameWatcher) claim(name string, modTime time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if modTime.Before(w.lastAt) || (name == w.lastName && modTime.Equal(w.lastAt)) {
		return false
	}
	w.lastName, w.lastAt = name, modTime
	return true
}

// complete reports whether the file is non-empty and no longer growing.
func (w *FrameWatcher) complete(path string) (os.FileInfo, bool) {
	info, err := os.Stat(path)
	if err != nil || info.Size() == 0 {
		return nil, false
	}

	time.Sleep(w.settle)

	info2, err := os.Stat(path)
	if err != nil || info.Size() != info2.Size() {
		return nil, false
	}
	return info2, true
}
