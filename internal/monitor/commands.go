// v0
// internal/monitor/commands.go
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/joewstanley/raspbeery-pi/internal/inventory"
	"github.com/joewstanley/raspbeery-pi/internal/store"
)

// BeveragePatch lists the beverage fields an operator may change. Nil
// fields are left untouched.
type BeveragePatch struct {
	Name             *string  `json:"name,omitempty"`
	Tap              *float64 `json:"tap,omitempty"`
	Storage          *float64 `json:"storage,omitempty"`
	AverageDispensed *float64 `json:"average_dispensed,omitempty"`
}

func (p BeveragePatch) validate() error {
	if p.Name != nil && strings.TrimSpace(*p.Name) == "" {
		return fmt.Errorf("%w: empty name", inventory.ErrInvalidValue)
	}
	if p.Tap != nil && !finite(*p.Tap) {
		return fmt.Errorf("%w: tap %v", inventory.ErrInvalidValue, *p.Tap)
	}
	if p.Storage != nil && (!finite(*p.Storage) || *p.Storage < 0) {
		return fmt.Errorf("%w: storage %v", inventory.ErrInvalidValue, *p.Storage)
	}
	if p.AverageDispensed != nil && (!finite(*p.AverageDispensed) || *p.AverageDispensed <= 0) {
		return fmt.Errorf("%w: average dispensed %v", inventory.ErrInvalidValue, *p.AverageDispensed)
	}
	return nil
}

// SystemPatch lists the policy knobs an operator may change.
type SystemPatch struct {
	TapSize     *float64 `json:"tap_size,omitempty"`
	OrderAmount *float64 `json:"order_amount,omitempty"`
	MaxStorage  *float64 `json:"max_storage,omitempty"`
	DaysToOrder *float64 `json:"days_to_order,omitempty"`
}

func (p SystemPatch) validate() error {
	if p.TapSize != nil && (!finite(*p.TapSize) || *p.TapSize < inventory.MinTapSize) {
		return fmt.Errorf("%w: tap size %v (minimum %v)", inventory.ErrInvalidValue, *p.TapSize, inventory.MinTapSize)
	}
	if p.OrderAmount != nil && (!finite(*p.OrderAmount) || *p.OrderAmount < 0) {
		return fmt.Errorf("%w: order amount %v", inventory.ErrInvalidValue, *p.OrderAmount)
	}
	if p.MaxStorage != nil && (!finite(*p.MaxStorage) || *p.MaxStorage < inventory.MinStorageSize) {
		return fmt.Errorf("%w: max storage %v (minimum %v)", inventory.ErrInvalidValue, *p.MaxStorage, inventory.MinStorageSize)
	}
	if p.DaysToOrder != nil && (!finite(*p.DaysToOrder) || *p.DaysToOrder < 0) {
		return fmt.Errorf("%w: days to order %v", inventory.ErrInvalidValue, *p.DaysToOrder)
	}
	return nil
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

// UsageReport is the consumption history of one beverage with its last
// week of daily records, newest first.
type UsageReport struct {
	inventory.Usage
	Week []store.DailyTotal `json:"week"`
}

// Beverages returns the view of every beverage in index order.
func (m *Monitor) Beverages() []inventory.View { return m.ledger.Views() }

// System returns the policy view.
func (m *Monitor) System() inventory.SystemView { return m.ledger.SystemView() }

// UpdateBeverage applies patch to one beverage. The whole patch is validated
// before any field changes. A storage change re-runs the reorder policy.
func (m *Monitor) UpdateBeverage(ctx context.Context, index int, patch BeveragePatch) (inventory.View, error) {
	if _, err := m.ledger.Snapshot(index); err != nil {
		return inventory.View{}, err
	}
	if err := patch.validate(); err != nil {
		return inventory.View{}, err
	}
	if patch.Name != nil {
		if err := m.ledger.UpdateName(index, *patch.Name); err != nil {
			return inventory.View{}, err
		}
	}
	if patch.Tap != nil {
		if err := m.ledger.UpdateTap(index, *patch.Tap); err != nil {
			return inventory.View{}, err
		}
	}
	if patch.Storage != nil {
		if err := m.ledger.UpdateStorage(index, *patch.Storage); err != nil {
			return inventory.View{}, err
		}
		if err := m.evaluateOrder(index); err != nil {
			return inventory.View{}, err
		}
	}
	if patch.AverageDispensed != nil {
		if err := m.ledger.UpdateAverageDispensed(index, *patch.AverageDispensed); err != nil {
			return inventory.View{}, err
		}
	}
	m.logger.Info("beverage_updated", slog.Int("beverage", index))
	m.afterMutation(index)
	return m.ledger.View(index)
}

// UpdateSystem applies patch to the policy, then re-runs the reorder policy
// for every beverage.
func (m *Monitor) UpdateSystem(ctx context.Context, patch SystemPatch) (inventory.SystemView, error) {
	if err := patch.validate(); err != nil {
		return inventory.SystemView{}, err
	}
	steps := []struct {
		v     *float64
		apply func(float64) error
	}{
		{patch.TapSize, m.ledger.UpdateTapSize},
		{patch.OrderAmount, m.ledger.UpdateOrderAmount},
		{patch.MaxStorage, m.ledger.UpdateMaxStorage},
		{patch.DaysToOrder, m.ledger.UpdateDaysToOrder},
	}
	for _, s := range steps {
		if s.v == nil {
			continue
		}
		if err := s.apply(*s.v); err != nil {
			return inventory.SystemView{}, err
		}
	}
	p := m.ledger.Policy()
	m.logger.Info("system_updated",
		slog.Float64("tap_size", p.TapSize),
		slog.Float64("order_amount", p.OrderAmount),
		slog.Float64("max_storage", p.MaxStorage),
		slog.Float64("days_to_order", p.DaysToOrder),
	)
	for i := 0; i < m.ledger.Len(); i++ {
		if err := m.evaluateOrder(i); err != nil {
			return inventory.SystemView{}, err
		}
		m.afterMutation(i)
	}
	return m.ledger.SystemView(), nil
}

// ToggleDeviceConnection asks the tap device of index to connect or
// disconnect. The ledger online flag follows the device's own event.
func (m *Monitor) ToggleDeviceConnection(ctx context.Context, index int, state bool) error {
	if _, err := m.ledger.Snapshot(index); err != nil {
		return err
	}
	if err := m.commands.SetConnected(ctx, index, state); err != nil {
		m.recorder.PublishFailed(SinkCommands)
		return fmt.Errorf("send control to beverage %d: %w", index, err)
	}
	m.logger.Info("device_control_sent", slog.Int("beverage", index), slog.Bool("connect", state))
	return nil
}

// Rollup folds today's total of one beverage into its history and records
// the day in the store.
func (m *Monitor) Rollup(ctx context.Context, index int) (store.DailyTotal, error) {
	return m.rollup(ctx, index, m.now())
}

// RollupAll rolls up every beverage, continuing past failures.
func (m *Monitor) RollupAll(ctx context.Context) ([]store.DailyTotal, error) {
	at := m.now()
	var (
		out  []store.DailyTotal
		errs []error
	)
	for i := 0; i < m.ledger.Len(); i++ {
		rec, err := m.rollup(ctx, i, at)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, rec)
	}
	return out, errors.Join(errs...)
}

// AutoRollup is the daily job: it rolls up every beverage whose auto update
// flag is set.
func (m *Monitor) AutoRollup(ctx context.Context, at time.Time) {
	for i := 0; i < m.ledger.Len(); i++ {
		b, err := m.ledger.Snapshot(i)
		if err != nil || !b.AutoUpdate {
			continue
		}
		if _, err := m.rollup(ctx, i, at); err != nil {
			m.logger.Error("auto_rollup_failed", slog.Int("beverage", i), slog.Any("err", err))
		}
	}
}

// rollup resets first so the recorded amount is exactly what was folded,
// even with pours landing concurrently.
func (m *Monitor) rollup(ctx context.Context, index int, at time.Time) (store.DailyTotal, error) {
	r, err := m.ledger.ResetTotalDispensed(index)
	if err != nil {
		return store.DailyTotal{}, err
	}
	rec := store.DailyTotal{Beverage: index + 1, DateMs: at.UnixMilli(), Amount: r.Amount}
	m.recorder.RollupDone()
	m.logger.Info("rollup_done",
		slog.Int("beverage", index),
		slog.Float64("amount", r.Amount),
		slog.Float64("total_dispensed", r.TotalDispensed),
		slog.Int("days_dispensed", r.DaysDispensed),
	)
	m.afterMutation(index)
	if err := m.records.PostDailyTotal(ctx, rec); err != nil {
		m.recorder.PublishFailed(SinkRecords)
		return rec, fmt.Errorf("post daily total for beverage %d: %w", index, err)
	}
	return rec, nil
}

// SwitchAutoUpdate sets whether the daily job rolls up the beverage.
func (m *Monitor) SwitchAutoUpdate(ctx context.Context, index int, state bool) error {
	if err := m.ledger.ToggleAutoUpdate(index, state); err != nil {
		return err
	}
	m.logger.Info("auto_update_switched", slog.Int("beverage", index), slog.Bool("state", state))
	m.afterMutation(index)
	return nil
}

// WeeklyUsage reports every beverage's history with its last week of
// records. A store failure fails the whole report.
func (m *Monitor) WeeklyUsage(ctx context.Context) ([]UsageReport, error) {
	out := make([]UsageReport, 0, m.ledger.Len())
	for i := 0; i < m.ledger.Len(); i++ {
		usage, err := m.ledger.Usage(i)
		if err != nil {
			return nil, err
		}
		week, err := m.records.WeeklyTotals(ctx, i+1)
		if err != nil {
			return nil, fmt.Errorf("weekly totals for beverage %d: %w", i, err)
		}
		if week == nil {
			week = []store.DailyTotal{}
		}
		out = append(out, UsageReport{Usage: usage, Week: week})
	}
	return out, nil
}
