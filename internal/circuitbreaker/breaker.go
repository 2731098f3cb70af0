// v1
// internal/circuitbreaker/breaker.go

// Package circuitbreaker guards outbound calls with a Closed/Open/HalfOpen
// breaker and wraps Kafka writers with retry and back-off driven by it.
package circuitbreaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var ErrOpen = errors.New("circuit breaker is open; fast-fail")

// Config holds the breaker tunables.
type Config struct {
	MaxFailures      int           // consecutive failures before opening
	ResetTimeout     time.Duration // wait before probing again
	SuccessesToClose int           // successes required in HalfOpen before closing
}

func (c Config) withDefaults() Config {
	if c.MaxFailures < 1 {
		c.MaxFailures = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.SuccessesToClose < 1 {
		c.SuccessesToClose = 1
	}
	return c
}

type Breaker struct {
	name   string
	cfg    Config
	logger *slog.Logger

	mu          sync.Mutex
	state       State
	recentFails int
	successes   int
	openedAt    time.Time
	now         func() time.Time
	onChange    func(State)

	probe func(ctx context.Context) error
}

// New builds a closed breaker. probe, when set, runs before the first call
// after the reset timeout.
func New(name string, cfg Config, probe func(ctx context.Context) error, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Breaker{
		name:   name,
		cfg:    cfg.withDefaults(),
		logger: logger.With(slog.String("breaker", name)),
		state:  Closed,
		probe:  probe,
		now:    time.Now,
	}
	b.logger.Info("breaker_created",
		slog.Int("max_failures", b.cfg.MaxFailures),
		slog.Duration("reset_timeout", b.cfg.ResetTimeout),
		slog.Int("successes_to_close", b.cfg.SuccessesToClose),
	)
	return b
}

// OnStateChange registers a callback invoked after every transition.
func (b *Breaker) OnStateChange(fn func(State)) {
	b.mu.Lock()
	b.onChange = fn
	b.mu.Unlock()
}

// Execute runs op unless the breaker is open.
func (b *Breaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	b.mu.Lock()
	state := b.state
	openedAt := b.openedAt
	b.mu.Unlock()

	if state == Open {
		if since := b.now().Sub(openedAt); since < b.cfg.ResetTimeout {
			b.logger.Debug("breaker_fast_fail", slog.Duration("since_open", since))
			return ErrOpen
		}
		if err := b.halfOpen(ctx); err != nil {
			return err
		}
	}

	err := op(ctx)
	if err == nil {
		b.onSuccess()
		return nil
	}
	if b.onFailure(err) {
		return ErrOpen
	}
	return err
}

func (b *Breaker) halfOpen(ctx context.Context) error {
	b.transition(HalfOpen)
	if b.probe == nil {
		return nil
	}
	if err := b.probe(ctx); err != nil {
		b.logger.Warn("breaker_probe_failed", slog.Any("err", err))
		b.trip()
		return ErrOpen
	}
	b.logger.Info("breaker_probe_ok")
	return nil
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()
	b.recentFails = 0
	if b.state != HalfOpen {
		b.mu.Unlock()
		return
	}
	b.successes++
	done := b.successes >= b.cfg.SuccessesToClose
	b.mu.Unlock()
	if done {
		b.transition(Closed)
	}
}

// onFailure records a failure and reports whether the breaker opened.
func (b *Breaker) onFailure(err error) bool {
	b.mu.Lock()
	b.recentFails++
	fails := b.recentFails
	open := b.state == HalfOpen || fails >= b.cfg.MaxFailures
	b.mu.Unlock()
	b.logger.Warn("operation_failure", slog.Int("failures", fails), slog.Any("err", err))
	if open {
		b.trip()
	}
	return open
}

func (b *Breaker) trip() {
	b.mu.Lock()
	b.openedAt = b.now()
	b.mu.Unlock()
	b.transition(Open)
}

func (b *Breaker) transition(to State) {
	b.mu.Lock()
	from := b.state
	b.state = to
	if to != HalfOpen {
		b.successes = 0
	}
	if to == Closed {
		b.recentFails = 0
	}
	fn := b.onChange
	b.mu.Unlock()
	if from == to {
		return
	}
	switch to {
	case Open:
		b.logger.Error("breaker_opened", slog.String("from", from.String()))
	case HalfOpen:
		b.logger.Info("breaker_half_open")
	case Closed:
		b.logger.Info("breaker_closed", slog.String("from", from.String()))
	}
	if fn != nil {
		fn(to)
	}
}

// ReopensAt reports when an open breaker will next let a call through.
func (b *Breaker) ReopensAt() (time.Time, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Open {
		return time.Time{}, false
	}
	return b.openedAt.Add(b.cfg.ResetTimeout), true
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
