// v0
// internal/monitor/outbox.go
package monitor

import (
	"context"
	"log/slog"
	"time"
)

const (
	// OutboxSize bounds the side effects queued behind the ledger.
	OutboxSize = 1024
	// DefaultEffectTimeout bounds one queued publish or save.
	DefaultEffectTimeout = 15 * time.Second
	// DrainTimeout bounds the flush of queued side effects at shutdown.
	DrainTimeout = 5 * time.Second
)

// effect is a publish or save captured right after a ledger change. The
// ledger never waits on it.
type effect struct {
	sink    string
	failure string
	index   int
	do      func(ctx context.Context) error
}

// enqueue never blocks. A full outbox drops the effect and counts it as a
// failure of its sink.
func (m *Monitor) enqueue(e effect) {
	select {
	case m.outbox <- e:
	default:
		m.recorder.PublishFailed(e.sink)
		m.logger.Error("effect_queue_full",
			slog.String("sink", e.sink),
			slog.Int("beverage", e.index),
			slog.Int("capacity", cap(m.outbox)),
		)
	}
}

// sendLoop applies queued effects until quit is closed. An effect already
// running is finished first.
func (m *Monitor) sendLoop(quit <-chan struct{}) {
	for {
		select {
		case <-quit:
			return
		case e := <-m.outbox:
			m.apply(context.Background(), e)
		}
	}
}

// drainOutbox applies whatever is queued until the outbox is empty or ctx
// ends; effects still queued then are counted as failed.
func (m *Monitor) drainOutbox(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			if n := len(m.outbox); n > 0 {
				for i := 0; i < n; i++ {
					e := <-m.outbox
					m.recorder.PublishFailed(e.sink)
				}
				m.logger.Error("effects_abandoned", slog.Int("count", n), slog.Any("err", ctx.Err()))
			}
			return
		}
		select {
		case e := <-m.outbox:
			m.apply(ctx, e)
		default:
			return
		}
	}
}

func (m *Monitor) apply(ctx context.Context, e effect) {
	ctx, cancel := context.WithTimeout(ctx, m.effectTimeout)
	defer cancel()
	if err := e.do(ctx); err != nil {
		m.recorder.PublishFailed(e.sink)
		m.logger.Warn(e.failure, slog.Int("beverage", e.index), slog.Any("err", err))
	}
}
