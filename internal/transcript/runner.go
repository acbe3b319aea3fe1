package transcript

import (
	"context"
	"time"

	"github.com/averyjennings/claw-stream-vision/internal/domain"
	"github.com/averyjennings/claw-stream-vision/internal/metrics"
	"github.com/averyjennings/claw-stream-vision/pkg/log"
)

const fragmentQueueSize = 64

// Runner drives an Aggregator from wall-clock time. Fragments arrive on a
// queue and a single timer tracks the aggregator's next deadline, so the
// aggregator itself is only ever touched from the Run goroutine.
type Runner struct {
	agg     *Aggregator
	in      chan string
	emit    func(domain.TranscriptUnit)
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewRunner creates a runner that hands each flushed unit to emit.
func NewRunner(agg *Aggregator, emit func(domain.TranscriptUnit), m *metrics.Metrics) *Runner {
	return &Runner{
		agg:     agg,
		in:      make(chan string, fragmentQueueSize),
		emit:    emit,
		metrics: m,
		now:     time.Now,
	}
}

// Add queues a raw fragment. It never blocks the caller; if the queue is
// full the fragment is dropped.
func (r *Runner) Add(text string) {
	select {
	case r.in <- text:
	default:
		r.metrics.FragmentDropped("queue_full")
		l := log.Component("transcript")
		l.Warn().Msg("transcript fragment queue full, dropping fragment")
	}
}

// Run processes fragments until ctx is done, then flushes what is left.
func (r *Runner) Run(ctx context.Context) {
	var (
		timer  *time.Timer
		timerC <-chan time.Time
	)
	stop := func() {
		if timer != nil {
			timer.Stop()
		}
		timer, timerC = nil, nil
	}
	arm := func() {
		stop()
		deadline, ok := r.agg.Deadline()
		if !ok {
			return
		}
		timer = time.NewTimer(time.Until(deadline))
		timerC = timer.C
	}
	defer stop()

	for {
		select {
		case <-ctx.Done():
			r.flush()
			return

		case text := <-r.in:
			if reason := r.agg.Add(text, r.now()); reason != ReasonAccepted {
				r.metrics.FragmentDropped(reason)
				l := log.Component("transcript")
				l.Debug().Str(log.FieldReason, reason).Msg("transcript fragment dropped")
				continue
			}
			arm()

		case <-timerC:
			if r.agg.Due(r.now()) {
				r.flush()
			}
			arm()
		}
	}
}

func (r *Runner) flush() {
	unit, ok := r.agg.Flush(r.now())
	if !ok {
		return
	}
	r.metrics.TranscriptUnit()
	r.emit(unit)
}
