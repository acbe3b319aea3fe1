package transcript

import (
	"strings"
	"time"

	"github.com/averyjennings/claw-stream-vision/internal/domain"
)

// Aggregator coalesces accepted fragments into utterances. It is a pure
// state machine over two deadlines:
//
//   - quiet:  last fragment + QuietPeriod, pushed back by every fragment
//   - hard:   first fragment + MaxBuffer, fixed once the buffer opens
//
// The buffer is due at whichever comes first. Time is always passed in,
// so tests drive it with a virtual clock. Single writer; not safe for
// concurrent use.
type Aggregator struct {
	quietPeriod  time.Duration
	maxBuffer    time.Duration
	maxFragments int
	filter       *Filter

	parts   []string
	firstAt time.Time
	lastAt  time.Time
}

// NewAggregator creates an aggregator. maxFragments bounds the working
// buffer; when full the oldest fragment is evicted.
func NewAggregator(quietPeriod, maxBuffer time.Duration, maxFragments int, filter *Filter) *Aggregator {
	if maxFragments <= 0 {
		maxFragments = 64
	}
	if filter == nil {
		filter = NewFilter(nil)
	}
	return &Aggregator{
		quietPeriod:  quietPeriod,
		maxBuffer:    maxBuffer,
		maxFragments: maxFragments,
		filter:       filter,
	}
}

// Add offers a fragment received at now. It returns the drop reason, or
// an empty string if the fragment was buffered.
func (a *Aggregator) Add(text string, now time.Time) string {
	text, reason := a.filter.Check(text)
	if reason != ReasonAccepted {
		return reason
	}

	if len(a.parts) == 0 {
		a.firstAt = now
	}
	if len(a.parts) == a.maxFragments {
		a.parts = append(a.parts[:0], a.parts[1:]...)
	}
	a.parts = append(a.parts, text)
	a.lastAt = now
	return ReasonAccepted
}

// Pending reports whether any fragment is buffered.
func (a *Aggregator) Pending() bool {
	return len(a.parts) > 0
}

// Deadline returns the earlier of the quiet and hard deadlines. ok is
// false when nothing is buffered.
func (a *Aggregator) Deadline() (deadline time.Time, ok bool) {
	if len(a.parts) == 0 {
		return time.Time{}, false
	}
	quiet := a.lastAt.Add(a.quietPeriod)
	hard := a.firstAt.Add(a.maxBuffer)
	if hard.Before(quiet) {
		return hard, true
	}
	return quiet, true
}

// Due reports whether the buffer must be flushed at now.
func (a *Aggregator) Due(now time.Time) bool {
	d, ok := a.Deadline()
	return ok && !now.Before(d)
}

// Flush empties the buffer and returns the joined utterance stamped with
// now. ok is false if there was nothing to emit.
func (a *Aggregator) Flush(now time.Time) (unit domain.TranscriptUnit, ok bool) {
	if len(a.parts) == 0 {
		return unit, false
	}
	text := strings.TrimSpace(strings.Join(a.parts, " "))
	a.parts = a.parts[:0]
	a.firstAt = time.Time{}
	a.lastAt = time.Time{}
	if text == "" {
		return unit, false
	}
	return domain.TranscriptUnit{Text: text, Timestamp: domain.Millis(now)}, true
}
