// v1
// internal/inventory/ledger_test.go
package inventory

import (
	"errors"
	"math"
	"sync"
	"testing"
	"time"
)

var fixedNow = time.Date(2024, 3, 1, 18, 30, 0, 0, time.UTC)

func newTestLedger(t *testing.T, policy Policy, beverages ...Beverage) *Ledger {
	t.Helper()
	return NewLedger(policy, beverages, WithClock(func() time.Time { return fixedNow }))
}

func TestOrderTriggersAndRestocks(t *testing.T) {
	policy := Policy{TapSize: 5.0, OrderAmount: 31.0, MaxStorage: 310, DaysToOrder: 1}
	l := newTestLedger(t, policy, Beverage{Name: "IPA", Storage: 2.0, TotalDispensed: 10.0, DaysDispensed: 1})

	before, err := l.View(0)
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if math.Abs(before.DaysLeft-0.2) > 1e-12 {
		t.Fatalf("expected 0.2 days left, got %v", before.DaysLeft)
	}

	order, placed, err := l.OrderStatus(0)
	if err != nil {
		t.Fatalf("order status: %v", err)
	}
	if !placed {
		t.Fatalf("expected order placed")
	}
	b, _ := l.Snapshot(0)
	if b.Storage != 33.0 {
		t.Fatalf("expected storage 33, got %v", b.Storage)
	}
	if b.LastOrderMs != fixedNow.UnixMilli() || order.PlacedAtMs != fixedNow.UnixMilli() {
		t.Fatalf("expected order stamped at %d, got %d/%d", fixedNow.UnixMilli(), b.LastOrderMs, order.PlacedAtMs)
	}
	if order.Insufficient {
		t.Fatalf("31 gallons should lift days left above the threshold")
	}
	if after := DaysLeft(b, policy.TapSize); after <= policy.DaysToOrder {
		t.Fatalf("expected days left above threshold after order, got %v", after)
	}

	if _, placed, _ := l.OrderStatus(0); placed {
		t.Fatalf("second evaluation must not reorder")
	}
}

func TestOrderFlagsDegenerateAmount(t *testing.T) {
	policy := Policy{TapSize: 5, OrderAmount: 0.5, MaxStorage: 310, DaysToOrder: 1}
	l := newTestLedger(t, policy, Beverage{Storage: 1, TotalDispensed: 10, DaysDispensed: 1})

	order, placed, err := l.OrderStatus(0)
	if err != nil || !placed {
		t.Fatalf("expected order, got placed=%v err=%v", placed, err)
	}
	if !order.Insufficient {
		t.Fatalf("expected insufficient order flagged: %+v", order)
	}
}

func TestEvaluateReorderIsPure(t *testing.T) {
	b := Beverage{Storage: 2, TotalDispensed: 10, DaysDispensed: 1}
	p := Policy{TapSize: 5, OrderAmount: 31, DaysToOrder: 1}

	d, ok := EvaluateReorder(b, p)
	if !ok {
		t.Fatalf("expected decision")
	}
	if b.Storage != 2 {
		t.Fatalf("evaluation mutated input")
	}
	if d.Amount != 31 || math.Abs(d.DaysLeftAfter-3.3) > 1e-12 {
		t.Fatalf("unexpected decision %+v", d)
	}

	if _, ok := EvaluateReorder(Beverage{Storage: 50, TotalDispensed: 10, DaysDispensed: 1}, p); ok {
		t.Fatalf("well stocked beverage must not reorder")
	}
}

func TestApplyOrder(t *testing.T) {
	l := newTestLedger(t, DefaultPolicy(), Beverage{Storage: 4})
	order, err := l.ApplyOrder(0, OrderDecision{Amount: 10})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	b, _ := l.Snapshot(0)
	if b.Storage != 14 || order.Amount != 10 {
		t.Fatalf("unexpected result storage=%v order=%+v", b.Storage, order)
	}
	if _, err := l.ApplyOrder(0, OrderDecision{Amount: -1}); !errors.Is(err, ErrInvalidValue) {
		t.Fatalf("expected ErrInvalidValue, got %v", err)
	}
}

func TestDispenseClampsAtZero(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name        string
		tap         float64
		storage     float64
		amount      float64
		wantTap     float64
		wantStorage float64
	}{
		{name: "normal", tap: 5, storage: 20, amount: 1.5, wantTap: 3.5, wantStorage: 18.5},
		{name: "more than tap", tap: 1, storage: 20, amount: 2, wantTap: 0, wantStorage: 18},
		{name: "more than storage", tap: 3, storage: 3, amount: 7, wantTap: 0, wantStorage: 0},
		{name: "zero", tap: 2, storage: 2, amount: 0, wantTap: 2, wantStorage: 2},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			l := newTestLedger(t, DefaultPolicy(), Beverage{Tap: tc.tap, Storage: tc.storage})
			b, err := l.Dispense(0, tc.amount)
			if err != nil {
				t.Fatalf("dispense: %v", err)
			}
			if b.Tap != tc.wantTap || b.Storage != tc.wantStorage {
				t.Fatalf("expected tap=%v storage=%v, got tap=%v storage=%v", tc.wantTap, tc.wantStorage, b.Tap, b.Storage)
			}
			if b.DailyTotal != tc.amount {
				t.Fatalf("expected daily total %v, got %v", tc.amount, b.DailyTotal)
			}
		})
	}
}

func TestDispenseRejectsNegative(t *testing.T) {
	l := newTestLedger(t, DefaultPolicy(), Beverage{Tap: 1, Storage: 1})
	if _, err := l.Dispense(0, -0.1); !errors.Is(err, ErrInvalidValue) {
		t.Fatalf("expected ErrInvalidValue, got %v", err)
	}
	if _, err := l.Dispense(0, math.NaN()); !errors.Is(err, ErrInvalidValue) {
		t.Fatalf("expected ErrInvalidValue for NaN, got %v", err)
	}
}

func TestRefill(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		storage float64
		want    float64
	}{
		{name: "storage above tap size", storage: 40, want: 5},
		{name: "storage below tap size", storage: 2.5, want: 2.5},
		{name: "empty storage", storage: 0, want: 0},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			l := newTestLedger(t, DefaultPolicy(), Beverage{Tap: 0, Storage: tc.storage})
			b, err := l.Refill(0)
			if err != nil {
				t.Fatalf("refill: %v", err)
			}
			if b.Tap != tc.want {
				t.Fatalf("expected tap %v, got %v", tc.want, b.Tap)
			}
		})
	}
}

func TestResetTotalDispensed(t *testing.T) {
	l := newTestLedger(t, DefaultPolicy(), Beverage{Tap: 5, Storage: 50, TotalDispensed: 10, DaysDispensed: 2})
	if _, err := l.Dispense(0, 1.25); err != nil {
		t.Fatalf("dispense: %v", err)
	}

	r, err := l.ResetTotalDispensed(0)
	if err != nil {
		t.Fatalf("rollup: %v", err)
	}
	if r.Amount != 1.25 || r.TotalDispensed != 11.25 || r.DaysDispensed != 3 {
		t.Fatalf("unexpected rollup %+v", r)
	}
	b, _ := l.Snapshot(0)
	if b.DailyTotal != 0 {
		t.Fatalf("expected daily total reset, got %v", b.DailyTotal)
	}
}

func TestUpdateTapSizeClamps(t *testing.T) {
	l := newTestLedger(t, DefaultPolicy(),
		Beverage{Name: "full", Tap: 5.0, Storage: 50},
		Beverage{Name: "low", Tap: 2.0, Storage: 50},
		Beverage{Name: "edge", Tap: 3.0, Storage: 50},
	)

	if err := l.UpdateTapSize(3.0); err != nil {
		t.Fatalf("update tap size: %v", err)
	}
	want := []float64{3.0, 2.0, 3.0}
	for i, w := range want {
		b, _ := l.Snapshot(i)
		if b.Tap != w {
			t.Fatalf("beverage %d: expected tap %v, got %v", i, w, b.Tap)
		}
	}
	if l.Policy().TapSize != 3.0 {
		t.Fatalf("expected policy tap size 3, got %v", l.Policy().TapSize)
	}
	if err := l.UpdateTapSize(0.5); !errors.Is(err, ErrInvalidValue) {
		t.Fatalf("expected minimum enforced, got %v", err)
	}
}

func TestIndexOutOfRange(t *testing.T) {
	l := newTestLedger(t, DefaultPolicy(), Beverage{})

	checks := map[string]error{}
	_, checks["dispense"] = l.Dispense(1, 1)
	_, checks["refill"] = l.Refill(-1)
	_, _, checks["order"] = l.OrderStatus(7)
	_, checks["rollup"] = l.ResetTotalDispensed(1)
	checks["online"] = l.ToggleOnline(1, true)
	_, checks["view"] = l.View(3)

	for name, err := range checks {
		if !errors.Is(err, ErrIndexOutOfRange) {
			t.Fatalf("%s: expected ErrIndexOutOfRange, got %v", name, err)
		}
	}
}

func TestConstructionGuardsDenominator(t *testing.T) {
	l := newTestLedger(t, DefaultPolicy(), Beverage{Storage: 10, TotalDispensed: 0, DaysDispensed: 0, Tap: 9})
	b, _ := l.Snapshot(0)
	if b.TotalDispensed != DefaultTapSize || b.DaysDispensed != 1 {
		t.Fatalf("expected history defaults, got total=%v days=%d", b.TotalDispensed, b.DaysDispensed)
	}
	if b.Tap != DefaultTapSize {
		t.Fatalf("expected tap clamped to tap size, got %v", b.Tap)
	}
	if b.Name != "Beverage 1" {
		t.Fatalf("expected default name, got %q", b.Name)
	}
}

func TestDaysLeftNeverNaNOrNegative(t *testing.T) {
	cases := []Beverage{
		{Storage: 0, TotalDispensed: 0},
		{Storage: -3, TotalDispensed: 10, DaysDispensed: 1},
		{Storage: 5, TotalDispensed: -2, DaysDispensed: 1},
		{Storage: math.NaN(), TotalDispensed: 1, DaysDispensed: 1},
	}
	for i, b := range cases {
		got := DaysLeft(b, 5)
		if math.IsNaN(got) || got < 0 {
			t.Fatalf("case %d: invalid days left %v", i, got)
		}
	}
}

func TestBeverageUpdates(t *testing.T) {
	l := newTestLedger(t, DefaultPolicy(), Beverage{Tap: 2, Storage: 10})

	if err := l.UpdateName(0, "  Porter "); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if err := l.UpdateName(0, " "); !errors.Is(err, ErrInvalidValue) {
		t.Fatalf("expected blank name rejected, got %v", err)
	}
	if err := l.UpdateTap(0, 9); err != nil {
		t.Fatalf("update tap: %v", err)
	}
	if err := l.UpdateStorage(0, 1); err != nil {
		t.Fatalf("update storage: %v", err)
	}
	if err := l.UpdateAverageDispensed(0, 4); err != nil {
		t.Fatalf("update average: %v", err)
	}
	if err := l.UpdateAverageDispensed(0, 0); !errors.Is(err, ErrInvalidValue) {
		t.Fatalf("expected zero average rejected, got %v", err)
	}

	b, _ := l.Snapshot(0)
	if b.Name != "Porter" || b.Tap != 5 || b.Storage != 5 || b.TotalDispensed != 4 || b.DaysDispensed != 1 {
		t.Fatalf("unexpected beverage %+v", b)
	}
}

func TestSystemUpdates(t *testing.T) {
	l := newTestLedger(t, DefaultPolicy())
	if err := l.UpdateOrderAmount(12); err != nil {
		t.Fatalf("order amount: %v", err)
	}
	if err := l.UpdateMaxStorage(0.2); !errors.Is(err, ErrInvalidValue) {
		t.Fatalf("expected minimum storage enforced, got %v", err)
	}
	if err := l.UpdateDaysToOrder(3); err != nil {
		t.Fatalf("days to order: %v", err)
	}
	v := l.SystemView()
	if v.OrderAmount != 12 || v.DaysToOrder != 3 || v.MaxStorage != DefaultMaxStorage || v.MinTapSize != MinTapSize {
		t.Fatalf("unexpected system view %+v", v)
	}
}

func TestConcurrentDispenseOrdersOnce(t *testing.T) {
	policy := Policy{TapSize: 5, OrderAmount: 100, MaxStorage: 310, DaysToOrder: 1}
	l := newTestLedger(t, policy, Beverage{Tap: 5, Storage: 11.5, TotalDispensed: 10, DaysDispensed: 1})

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		orders int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Dispense(0, 0.1); err != nil {
				t.Errorf("dispense: %v", err)
				return
			}
			if _, placed, err := l.OrderStatus(0); err == nil && placed {
				mu.Lock()
				orders++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if orders != 1 {
		t.Fatalf("expected exactly one order, got %d", orders)
	}
	b, _ := l.Snapshot(0)
	if math.Abs(b.Storage-109.5) > 1e-9 {
		t.Fatalf("expected storage 109.5, got %v", b.Storage)
	}
}
