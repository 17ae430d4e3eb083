package chat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/chatgate/telemetry"
)

// outbound is one queued message. whisperTo selects the whisper variant,
// replyTo the threaded reply variant.
type outbound struct {
	text      string
	replyTo   string
	whisperTo string
}

func (m outbound) kind() string {
	switch {
	case m.whisperTo != "":
		return "whisper"
	case m.replyTo != "":
		return "reply"
	default:
		return "chat"
	}
}

// sender is an unbounded FIFO drained by a single loop with a fixed pause
// after every delivery attempt.
type sender struct {
	interval time.Duration
	deliver  func(context.Context, outbound) error
	report   func(error)
	log      *slog.Logger

	mu     sync.Mutex
	queue  []outbound
	notify chan struct{}
}

func newSender(interval time.Duration, deliver func(context.Context, outbound) error, report func(error), log *slog.Logger) *sender {
	return &sender{
		interval: interval,
		deliver:  deliver,
		report:   report,
		log:      log,
		notify:   make(chan struct{}, 1),
	}
}

func (s *sender) enqueue(m outbound) {
	s.mu.Lock()
	s.queue = append(s.queue, m)
	depth := len(s.queue)
	s.mu.Unlock()
	telemetry.SetGauge(telemetry.SendQueueDepth, float64(depth))
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *sender) depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// next blocks until an item is queued or ctx ends.
func (s *sender) next(ctx context.Context) (outbound, bool) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			m := s.queue[0]
			s.queue[0] = outbound{}
			s.queue = s.queue[1:]
			depth := len(s.queue)
			s.mu.Unlock()
			telemetry.SetGauge(telemetry.SendQueueDepth, float64(depth))
			return m, true
		}
		s.mu.Unlock()
		select {
		case <-ctx.Done():
			return outbound{}, false
		case <-s.notify:
		}
	}
}

// run delivers queued messages in order until ctx is cancelled. Items still
// queued at cancellation stay queued for the next run.
func (s *sender) run(ctx context.Context) {
	s.log.Debug("send loop started")
	defer s.log.Debug("send loop stopped")
	for {
		if ctx.Err() != nil {
			return
		}
		m, ok := s.next(ctx)
		if !ok {
			return
		}
		if err := s.deliver(ctx, m); err != nil {
			s.report(err)
		}
		t := time.NewTimer(s.interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}
