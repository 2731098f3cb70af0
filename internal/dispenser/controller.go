// v0
// internal/dispenser/controller.go

// Package dispenser drives one flow meter per tap from a polled sensor and
// forwards pour events to the bus. Each controller honors remote connect and
// disconnect commands.
package dispenser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/joewstanley/raspbeery-pi/internal/events"
	"github.com/joewstanley/raspbeery-pi/internal/flowmeter"
	"github.com/joewstanley/raspbeery-pi/internal/sensor"
)

// Publisher delivers device events to the bus.
type Publisher interface {
	Publish(ctx context.Context, ev events.Event) error
}

// Recorder receives controller telemetry. *metrics.Metrics satisfies it.
type Recorder interface {
	PourDispensed(beverage int, amount float64)
	SensorReadError(beverage int)
	PublishFailed(sink string)
}

// DefaultPollInterval is the sensor polling period.
const DefaultPollInterval = time.Millisecond

// DefaultOutboxSize is the number of events a controller holds while the
// transport is slow.
const DefaultOutboxSize = 256

// Config describes one tap controller.
type Config struct {
	// Index is the zero-based tap index carried by every event.
	Index                int
	PollInterval         time.Duration
	PulsesPerLiterMinute float64
	// PublishTimeout bounds each publish attempt.
	PublishTimeout time.Duration
	// StartConnected runs the meter as soon as Run starts.
	StartConnected bool
	// OutboxSize bounds the events waiting for the sender.
	OutboxSize int
}

// State is the controller lifecycle state.
type State int

const (
	Stopped State = iota
	Running
)

func (s State) String() string {
	if s == Running {
		return "running"
	}
	return "stopped"
}

// Controller owns the flow meter of one tap. Connect and Disconnect may be
// called from any goroutine; the polling loop applies them on its next tick.
type Controller struct {
	cfg       Config
	source    sensor.Source
	clock     flowmeter.Clock
	publisher Publisher
	recorder  Recorder
	logger    *slog.Logger

	mu      sync.Mutex
	want    bool
	state   State
	wake    chan struct{}
	readErr int

	// the poll loop only enqueues; a sender goroutine publishes
	outbox chan events.Event

	meter *flowmeter.Meter
}

// New builds a controller. A nil clock uses a monotonic clock; a nil recorder
// records nothing.
func New(cfg Config, source sensor.Source, clock flowmeter.Clock, publisher Publisher, recorder Recorder, logger *slog.Logger) (*Controller, error) {
	if source == nil {
		return nil, errors.New("sensor source is required")
	}
	if publisher == nil {
		return nil, errors.New("publisher is required")
	}
	if cfg.Index < 0 {
		return nil, fmt.Errorf("tap index must be >= 0, got %d", cfg.Index)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.PulsesPerLiterMinute <= 0 {
		cfg.PulsesPerLiterMinute = flowmeter.DefaultPulsesPerLiterMinute
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 2 * time.Second
	}
	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = DefaultOutboxSize
	}
	if clock == nil {
		clock = flowmeter.NewMonotonicClock()
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		cfg:       cfg,
		source:    source,
		clock:     clock,
		publisher: publisher,
		recorder:  recorder,
		logger:    logger.With(slog.Int("beverage", cfg.Index)),
		want:      cfg.StartConnected,
		wake:      make(chan struct{}, 1),
		outbox:    make(chan events.Event, cfg.OutboxSize),
		meter:     flowmeter.New(cfg.PulsesPerLiterMinute, clock.NowMillis()),
	}, nil
}

// Index returns the tap index.
func (c *Controller) Index() int { return c.cfg.Index }

// Connect requests the meter to start running. Calling it while running is a
// no-op.
func (c *Controller) Connect() {
	c.request(true)
}

// Disconnect requests a graceful stop. Any pour in progress is flushed before
// the controller reports offline. Calling it while stopped is a no-op.
func (c *Controller) Disconnect() {
	c.request(false)
}

func (c *Controller) request(run bool) {
	c.mu.Lock()
	c.want = run
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// HandleCommand applies a remote lifecycle command.
func (c *Controller) HandleCommand(cmd events.Command) error {
	switch cmd {
	case events.Connect:
		c.Connect()
	case events.Disconnect:
		c.Disconnect()
	default:
		return fmt.Errorf("unsupported command %q", cmd)
	}
	c.logger.Info("command_received", slog.String("command", string(cmd)))
	return nil
}

// State reports the lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) wanted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.want
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Run polls the sensor until ctx is done. Disconnect requests are observed
// within one tick. Events are published in order by a separate sender, so a
// slow broker never delays a sensor read. On return any pour in progress has
// been flushed and the queued events, ending with offline, delivered or
// given up after PublishTimeout.
func (c *Controller) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	c.logger.Info("controller_started", slog.Duration("poll_interval", c.cfg.PollInterval))

	quit := make(chan struct{})
	sent := make(chan struct{})
	go func() {
		defer close(sent)
		c.sendLoop(quit)
	}()

	for {
		c.reconcile()
		select {
		case <-ctx.Done():
			if c.State() == Running {
				c.stop()
			}
			close(quit)
			<-sent
			drainCtx, cancel := context.WithTimeout(context.Background(), c.cfg.PublishTimeout)
			c.drainOutbox(drainCtx)
			cancel()
			c.logger.Info("controller_stopped")
			return nil
		case <-c.wake:
		case <-ticker.C:
			if c.State() == Running {
				c.runTick()
			}
		}
	}
}

// reconcile moves the lifecycle toward the requested state.
func (c *Controller) reconcile() {
	want := c.wanted()
	switch state := c.State(); {
	case want && state == Stopped:
		c.start()
	case !want && state == Running:
		c.stop()
	}
}

func (c *Controller) start() {
	c.meter.Reset(c.clock.NowMillis())
	c.setState(Running)
	c.logger.Info("tap_connected")
	c.publish(events.NewOnline(c.cfg.Index, true))
}

// stop queues the flushed pour ahead of the offline event.
func (c *Controller) stop() {
	c.forward(c.meter.Flush(c.clock.NowMillis()))
	c.setState(Stopped)
	c.logger.Info("tap_disconnected")
	c.publish(events.NewOnline(c.cfg.Index, false))
}

// runTick samples the sensor once and forwards the meter signals. A failed
// read skips the tick.
func (c *Controller) runTick() {
	level, err := c.source.Read(c.cfg.Index)
	if err != nil {
		c.recorder.SensorReadError(c.cfg.Index)
		c.readErr++
		// log the first failure and then every thousandth
		if c.readErr%1000 == 1 {
			c.logger.Warn("sensor_read_failed", slog.Any("err", err), slog.Int("consecutive", c.readErr))
		}
		return
	}
	if c.readErr > 0 {
		c.logger.Info("sensor_read_recovered", slog.Int("failed_ticks", c.readErr))
		c.readErr = 0
	}
	c.forward(c.meter.Step(level, c.clock.NowMillis()))
}

func (c *Controller) forward(signals []flowmeter.Signal) {
	for _, s := range signals {
		switch s.Kind {
		case flowmeter.PourStarted:
			c.logger.Info("pour_started")
			c.publish(events.NewPouring(c.cfg.Index, true))
		case flowmeter.Dispensed:
			c.logger.Info("pour_dispensed", slog.Float64("gallons", s.Amount))
			c.recorder.PourDispensed(c.cfg.Index, s.Amount)
			c.publish(events.NewDispensed(c.cfg.Index, s.Amount))
		case flowmeter.PourStopped:
			c.logger.Info("pour_stopped")
			c.publish(events.NewPouring(c.cfg.Index, false))
		}
	}
}

// publish queues ev without blocking. A full outbox drops the event.
func (c *Controller) publish(ev events.Event) {
	select {
	case c.outbox <- ev:
	default:
		c.recorder.PublishFailed("mqtt")
		c.logger.Error("event_queue_full", slog.String("event", string(ev.Name)), slog.Int("capacity", cap(c.outbox)))
	}
}

// sendLoop delivers queued events until quit is closed. An in-flight
// delivery is finished first.
func (c *Controller) sendLoop(quit <-chan struct{}) {
	for {
		select {
		case <-quit:
			return
		case ev := <-c.outbox:
			c.deliver(context.Background(), ev)
		}
	}
}

// drainOutbox delivers whatever is queued until the outbox is empty or ctx
// ends; events still queued then are counted as failed.
func (c *Controller) drainOutbox(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			if n := len(c.outbox); n > 0 {
				for i := 0; i < n; i++ {
					<-c.outbox
					c.recorder.PublishFailed("mqtt")
				}
				c.logger.Error("events_abandoned", slog.Int("count", n), slog.Any("err", ctx.Err()))
			}
			return
		}
		select {
		case ev := <-c.outbox:
			c.deliver(ctx, ev)
		default:
			return
		}
	}
}

// deliver never fails the caller; errors are logged and counted.
func (c *Controller) deliver(ctx context.Context, ev events.Event) {
	pubCtx, cancel := context.WithTimeout(ctx, c.cfg.PublishTimeout)
	defer cancel()
	if err := c.publisher.Publish(pubCtx, ev); err != nil {
		c.recorder.PublishFailed("mqtt")
		c.logger.Error("event_publish_failed", slog.String("event", string(ev.Name)), slog.Any("err", err))
	}
}

type nopRecorder struct{}

func (nopRecorder) PourDispensed(int, float64) {}
func (nopRecorder) SensorReadError(int)        {}
func (nopRecorder) PublishFailed(string)       {}
