// v1
// internal/monitor/monitor.go

// Package monitor is the server side of the tap system: it applies device
// events to the inventory ledger and exposes the operator command surface.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/joewstanley/raspbeery-pi/internal/events"
	"github.com/joewstanley/raspbeery-pi/internal/inventory"
	"github.com/joewstanley/raspbeery-pi/internal/store"
)

// Commands sends control messages to devices.
type Commands interface {
	SetConnected(ctx context.Context, index int, state bool) error
	SendInfo(ctx context.Context, info events.InfoPayload) error
}

// Stream carries order and log records to presentation layers.
type Stream interface {
	PublishOrder(ctx context.Context, order inventory.Order) (events.OrderPlaced, error)
	PublishLog(ctx context.Context, index int, view inventory.View) error
}

// Records is the persistent side of the monitor.
type Records interface {
	PostDailyTotal(ctx context.Context, rec store.DailyTotal) error
	WeeklyTotals(ctx context.Context, beverage int) ([]store.DailyTotal, error)
	SaveBeverage(ctx context.Context, index int, b inventory.Beverage) error
	LoadBeverages(ctx context.Context) (map[int]inventory.Beverage, error)
}

// Recorder receives monitor counters. *metrics.Metrics satisfies it.
type Recorder interface {
	OrderPlaced(beverage int)
	EventDropped(reason string)
	RollupDone()
	PublishFailed(sink string)
}

// Sink labels used with Recorder.PublishFailed.
const (
	SinkOrders   = "kafka_orders"
	SinkLog      = "kafka_log"
	SinkCommands = "mqtt_commands"
	SinkRecords  = "store"
)

// Deps groups the collaborators of a Monitor. Ledger is required.
type Deps struct {
	Ledger   *inventory.Ledger
	Commands Commands
	Stream   Stream
	Records  Records
	Recorder Recorder
	Logger   *slog.Logger
	// EffectTimeout bounds each queued publish or save; zero means
	// DefaultEffectTimeout.
	EffectTimeout time.Duration
}

// Monitor is safe for concurrent use; serialization lives in the ledger.
// Stream publishes, snapshot saves and info broadcasts go through an outbox
// drained while Run is active, so a slow sink never delays the ledger.
type Monitor struct {
	ledger        *inventory.Ledger
	commands      Commands
	stream        Stream
	records       Records
	recorder      Recorder
	logger        *slog.Logger
	now           func() time.Time
	effectTimeout time.Duration

	inbox  chan inbound
	outbox chan effect
}

type inbound struct {
	device string
	ev     events.Event
}

// InboxSize bounds the events queued between the transport and Run.
const InboxSize = 256

// New validates deps and builds a Monitor. Missing optional collaborators
// are replaced with no-ops.
func New(deps Deps) (*Monitor, error) {
	if deps.Ledger == nil {
		return nil, errors.New("ledger is required")
	}
	m := &Monitor{
		ledger:   deps.Ledger,
		commands: deps.Commands,
		stream:   deps.Stream,
		records:  deps.Records,
		recorder: deps.Recorder,
		logger:   deps.Logger,
		now:      time.Now,
		inbox:    make(chan inbound, InboxSize),
		outbox:   make(chan effect, OutboxSize),

		effectTimeout: deps.EffectTimeout,
	}
	if m.effectTimeout <= 0 {
		m.effectTimeout = DefaultEffectTimeout
	}
	if m.commands == nil {
		m.commands = nopCommands{}
	}
	if m.stream == nil {
		m.stream = nopStream{}
	}
	if m.records == nil {
		m.records = nopRecords{}
	}
	if m.recorder == nil {
		m.recorder = nopRecorder{}
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m, nil
}

// Ledger exposes the underlying ledger for read models.
func (m *Monitor) Ledger() *inventory.Ledger { return m.ledger }

// MergeSnapshots overlays the stored bookkeeping on the configured
// beverages. Snapshots for indexes beyond the configured set are ignored.
func MergeSnapshots(ctx context.Context, records Records, configured []inventory.Beverage) ([]inventory.Beverage, error) {
	out := make([]inventory.Beverage, len(configured))
	copy(out, configured)
	if records == nil {
		return out, nil
	}
	snaps, err := records.LoadBeverages(ctx)
	if err != nil {
		return out, fmt.Errorf("load snapshots: %w", err)
	}
	for i, snap := range snaps {
		if i < 0 || i >= len(out) {
			continue
		}
		out[i] = snap
	}
	return out, nil
}

// Submit queues an event for Run without blocking the transport. A full
// inbox drops the event.
func (m *Monitor) Submit(device string, ev events.Event) {
	select {
	case m.inbox <- inbound{device: device, ev: ev}:
	default:
		m.Drop(device+"/"+string(ev.Name), "queue_full", errors.New("inbox full"))
	}
}

// Run applies queued events in arrival order until ctx is done. It also
// drives the outbox; on return the effects still queued get DrainTimeout to
// go out.
func (m *Monitor) Run(ctx context.Context) error {
	quit := make(chan struct{})
	sent := make(chan struct{})
	go func() {
		defer close(sent)
		m.sendLoop(quit)
	}()
	defer func() {
		close(quit)
		<-sent
		drainCtx, cancel := context.WithTimeout(context.Background(), DrainTimeout)
		defer cancel()
		m.drainOutbox(drainCtx)
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case in := <-m.inbox:
			m.HandleEvent(ctx, in.device, in.ev)
		}
	}
}

// HandleEvent applies one decoded device event. Events addressed to a
// beverage outside the ledger are dropped and reported, never returned as
// errors to the transport.
func (m *Monitor) HandleEvent(ctx context.Context, device string, ev events.Event) {
	if ev.Name == events.Startup {
		m.logger.Info("status_startup", slog.String("device", device))
		m.sendInfo()
		return
	}

	var err error
	switch ev.Name {
	case events.Dispensed:
		err = m.dispensed(ev.Beverage, ev.Amount)
	case events.Refill:
		_, err = m.ledger.Refill(ev.Beverage)
	case events.Online:
		if err = m.ledger.ToggleOnline(ev.Beverage, ev.State); err == nil {
			m.sendInfo()
		}
	case events.Pouring:
		err = m.ledger.TogglePouring(ev.Beverage, ev.State)
	default:
		err = fmt.Errorf("%w: %s", events.ErrUnknownEvent, ev.Name)
	}
	if err != nil {
		m.Drop(device+"/"+string(ev.Name), dropReason(err), err)
		return
	}
	m.logger.Debug("event_handled",
		slog.String("device", device),
		slog.String("event", string(ev.Name)),
		slog.Int("beverage", ev.Beverage),
	)
	m.afterMutation(ev.Beverage)
}

// Drop records an event that could not be applied.
func (m *Monitor) Drop(source, reason string, err error) {
	m.recorder.EventDropped(reason)
	m.logger.Warn("event_dropped",
		slog.String("source", source),
		slog.String("reason", reason),
		slog.Any("err", err),
	)
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, inventory.ErrIndexOutOfRange):
		return "out_of_range"
	case errors.Is(err, inventory.ErrInvalidValue):
		return "invalid_value"
	case errors.Is(err, events.ErrUnknownEvent):
		return "unknown_event"
	default:
		return "rejected"
	}
}

func (m *Monitor) dispensed(index int, amount float64) error {
	if _, err := m.ledger.Dispense(index, amount); err != nil {
		return err
	}
	return m.evaluateOrder(index)
}

// evaluateOrder runs the reorder policy and announces any order it placed.
func (m *Monitor) evaluateOrder(index int) error {
	order, placed, err := m.ledger.OrderStatus(index)
	if err != nil || !placed {
		return err
	}
	m.recorder.OrderPlaced(index)
	attrs := []any{
		slog.Int("beverage", index),
		slog.Float64("amount", order.Amount),
		slog.Float64("days_left_before", order.DaysLeftBefore),
		slog.Float64("days_left_after", order.DaysLeftAfter),
	}
	if order.Insufficient {
		m.logger.Warn("order_insufficient", attrs...)
	} else {
		m.logger.Info("order_placed", attrs...)
	}
	m.enqueue(effect{sink: SinkOrders, failure: "order_publish_failed", index: index,
		do: func(ctx context.Context) error {
			_, err := m.stream.PublishOrder(ctx, order)
			return err
		}})
	return nil
}

// afterMutation queues the beverage view for the stream and its bookkeeping
// for the store, both as they stand now. Failures are logged and counted;
// the ledger stays authoritative.
func (m *Monitor) afterMutation(index int) {
	view, err := m.ledger.View(index)
	if err != nil {
		return
	}
	m.enqueue(effect{sink: SinkLog, failure: "log_publish_failed", index: index,
		do: func(ctx context.Context) error { return m.stream.PublishLog(ctx, index, view) }})
	snap, err := m.ledger.Snapshot(index)
	if err != nil {
		return
	}
	m.enqueue(effect{sink: SinkRecords, failure: "snapshot_save_failed", index: index,
		do: func(ctx context.Context) error { return m.records.SaveBeverage(ctx, index, snap) }})
}

func (m *Monitor) sendInfo() {
	views := m.ledger.Views()
	info := events.InfoPayload{Beverages: make([]events.BeverageStatus, 0, len(views))}
	for _, v := range views {
		info.Beverages = append(info.Beverages, events.BeverageStatus(v))
	}
	m.enqueue(effect{sink: SinkCommands, failure: "info_send_failed", index: -1,
		do: func(ctx context.Context) error { return m.commands.SendInfo(ctx, info) }})
}

type nopCommands struct{}

func (nopCommands) SetConnected(context.Context, int, bool) error        { return nil }
func (nopCommands) SendInfo(context.Context, events.InfoPayload) error { return nil }

type nopStream struct{}

func (nopStream) PublishOrder(_ context.Context, o inventory.Order) (events.OrderPlaced, error) {
	return events.OrderPlaced{Beverage: o.Beverage, OrderTime: o.PlacedAtMs, Amount: o.Amount}, nil
}
func (nopStream) PublishLog(context.Context, int, inventory.View) error { return nil }

type nopRecords struct{}

func (nopRecords) PostDailyTotal(context.Context, store.DailyTotal) error { return nil }
func (nopRecords) WeeklyTotals(context.Context, int) ([]store.DailyTotal, error) {
	return nil, nil
}
func (nopRecords) SaveBeverage(context.Context, int, inventory.Beverage) error { return nil }
func (nopRecords) LoadBeverages(context.Context) (map[int]inventory.Beverage, error) {
	return nil, nil
}

type nopRecorder struct{}

func (nopRecorder) OrderPlaced(int)      {}
func (nopRecorder) EventDropped(string)  {}
func (nopRecorder) RollupDone()          {}
func (nopRecorder) PublishFailed(string) {}
