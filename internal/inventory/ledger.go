// v2
// internal/inventory/ledger.go

// Package inventory keeps the authoritative tap and storage levels for every
// beverage and applies the reorder and daily rollup policies.
package inventory

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"
)

var (
	// ErrIndexOutOfRange reports a beverage index the ledger does not hold.
	ErrIndexOutOfRange = errors.New("beverage index out of range")
	// ErrInvalidValue reports a rejected update value.
	ErrInvalidValue = errors.New("invalid value")
)

// Beverage is the bookkeeping record of one tap. Volumes are gallons.
type Beverage struct {
	Name           string
	Tap            float64
	Storage        float64
	TotalDispensed float64
	DaysDispensed  int
	DailyTotal     float64
	LastOrderMs    int64
	Online         bool
	Pouring        bool
	AutoUpdate     bool
}

// Order describes an applied reorder.
type Order struct {
	Beverage       int
	Amount         float64
	PlacedAtMs     int64
	DaysLeftBefore float64
	DaysLeftAfter  float64
	Insufficient   bool
}

// Rollup describes a folded daily total.
type Rollup struct {
	Beverage       int
	Amount         float64
	TotalDispensed float64
	DaysDispensed  int
}

type entry struct {
	mu  sync.Mutex
	bev Beverage
}

// Ledger is safe for concurrent use. Mutations on one beverage are
// serialized by that beverage's lock; the policy lock is always acquired
// before any beverage lock.
type Ledger struct {
	policyMu sync.RWMutex
	policy   Policy

	entries []*entry
	now     func() time.Time
}

// Option customizes a Ledger.
type Option func(*Ledger)

// WithClock overrides the wall clock used to stamp orders.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// NewLedger builds a ledger for the given beverages. Records are sanitized so
// the invariants hold from the start: levels are non-negative, the tap never
// exceeds the tap size and the consumption history is never zero.
func NewLedger(policy Policy, beverages []Beverage, opts ...Option) *Ledger {
	policy = policy.normalized()
	l := &Ledger{policy: policy, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	l.entries = make([]*entry, 0, len(beverages))
	for i, b := range beverages {
		l.entries = append(l.entries, &entry{bev: sanitize(b, i, policy)})
	}
	return l
}

func sanitize(b Beverage, index int, p Policy) Beverage {
	if strings.TrimSpace(b.Name) == "" {
		b.Name = fmt.Sprintf("Beverage %d", index+1)
	}
	if isBad(b.Storage) || b.Storage < 0 {
		b.Storage = 0
	}
	if isBad(b.Tap) || b.Tap < 0 {
		b.Tap = 0
	}
	if b.Tap > p.TapSize {
		b.Tap = p.TapSize
	}
	if isBad(b.TotalDispensed) || b.TotalDispensed <= 0 {
		b.TotalDispensed = p.TapSize
	}
	if b.DaysDispensed < 1 {
		b.DaysDispensed = 1
	}
	if isBad(b.DailyTotal) || b.DailyTotal < 0 {
		b.DailyTotal = 0
	}
	return b
}

// Len returns the number of beverages.
func (l *Ledger) Len() int { return len(l.entries) }

func (l *Ledger) entry(index int) (*entry, error) {
	if index < 0 || index >= len(l.entries) {
		return nil, fmt.Errorf("%w: %d (beverages: %d)", ErrIndexOutOfRange, index, len(l.entries))
	}
	return l.entries[index], nil
}

// with runs fn under the policy read lock and the beverage lock.
func (l *Ledger) with(index int, fn func(b *Beverage, p Policy) error) (Beverage, error) {
	e, err := l.entry(index)
	if err != nil {
		return Beverage{}, err
	}
	l.policyMu.RLock()
	defer l.policyMu.RUnlock()
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := fn(&e.bev, l.policy); err != nil {
		return e.bev, err
	}
	return e.bev, nil
}

// Policy returns the current policy.
func (l *Ledger) Policy() Policy {
	l.policyMu.RLock()
	defer l.policyMu.RUnlock()
	return l.policy
}

// Snapshot returns a copy of one beverage record.
func (l *Ledger) Snapshot(index int) (Beverage, error) {
	return l.with(index, func(*Beverage, Policy) error { return nil })
}

// Dispense removes amount from both the tap and storage, clamping each at
// zero, and adds it to the daily total.
func (l *Ledger) Dispense(index int, amount float64) (Beverage, error) {
	if isBad(amount) || amount < 0 {
		return Beverage{}, fmt.Errorf("%w: dispensed amount %v", ErrInvalidValue, amount)
	}
	return l.with(index, func(b *Beverage, _ Policy) error {
		b.Tap = math.Max(0, b.Tap-amount)
		b.Storage = math.Max(0, b.Storage-amount)
		b.DailyTotal += amount
		return nil
	})
}

// Refill tops the tap up from storage, bounded by the tap size.
func (l *Ledger) Refill(index int) (Beverage, error) {
	return l.with(index, func(b *Beverage, p Policy) error {
		b.Tap = math.Min(b.Storage, p.TapSize)
		return nil
	})
}

// OrderStatus evaluates the reorder policy and, when it calls for an order,
// applies it in the same critical section. The bool reports whether an order
// was placed. Calling it may change storage.
func (l *Ledger) OrderStatus(index int) (Order, bool, error) {
	var (
		order  Order
		placed bool
	)
	_, err := l.with(index, func(b *Beverage, p Policy) error {
		decision, ok := EvaluateReorder(*b, p)
		if !ok {
			return nil
		}
		order = l.apply(index, b, decision)
		placed = true
		return nil
	})
	return order, placed, err
}

// ApplyOrder applies a decision produced by EvaluateReorder.
func (l *Ledger) ApplyOrder(index int, decision OrderDecision) (Order, error) {
	if isBad(decision.Amount) || decision.Amount < 0 {
		return Order{}, fmt.Errorf("%w: order amount %v", ErrInvalidValue, decision.Amount)
	}
	var order Order
	_, err := l.with(index, func(b *Beverage, _ Policy) error {
		order = l.apply(index, b, decision)
		return nil
	})
	return order, err
}

func (l *Ledger) apply(index int, b *Beverage, d OrderDecision) Order {
	b.Storage = math.Max(0, b.Storage) + d.Amount
	b.LastOrderMs = l.now().UnixMilli()
	return Order{
		Beverage:       index,
		Amount:         d.Amount,
		PlacedAtMs:     b.LastOrderMs,
		DaysLeftBefore: d.DaysLeftBefore,
		DaysLeftAfter:  d.DaysLeftAfter,
		Insufficient:   d.Insufficient,
	}
}

// ResetTotalDispensed folds the daily total into the consumption history.
func (l *Ledger) ResetTotalDispensed(index int) (Rollup, error) {
	var r Rollup
	_, err := l.with(index, func(b *Beverage, _ Policy) error {
		r.Beverage = index
		r.Amount = b.DailyTotal
		b.TotalDispensed += b.DailyTotal
		b.DaysDispensed++
		b.DailyTotal = 0
		r.TotalDispensed = b.TotalDispensed
		r.DaysDispensed = b.DaysDispensed
		return nil
	})
	return r, err
}

// ToggleOnline mirrors the device online flag.
func (l *Ledger) ToggleOnline(index int, state bool) error {
	_, err := l.with(index, func(b *Beverage, _ Policy) error {
		b.Online = state
		return nil
	})
	return err
}

// TogglePouring mirrors the device pouring flag.
func (l *Ledger) TogglePouring(index int, state bool) error {
	_, err := l.with(index, func(b *Beverage, _ Policy) error {
		b.Pouring = state
		return nil
	})
	return err
}

// ToggleAutoUpdate enables or disables the scheduled daily rollup.
func (l *Ledger) ToggleAutoUpdate(index int, state bool) error {
	_, err := l.with(index, func(b *Beverage, _ Policy) error {
		b.AutoUpdate = state
		return nil
	})
	return err
}

// UpdateName renames a beverage. Blank names are rejected.
func (l *Ledger) UpdateName(index int, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidValue)
	}
	_, err := l.with(index, func(b *Beverage, _ Policy) error {
		b.Name = name
		return nil
	})
	return err
}

// UpdateTap sets the tap level, clamped to [0, tap size].
func (l *Ledger) UpdateTap(index int, tap float64) error {
	if isBad(tap) {
		return fmt.Errorf("%w: tap %v", ErrInvalidValue, tap)
	}
	_, err := l.with(index, func(b *Beverage, p Policy) error {
		b.Tap = math.Min(math.Max(0, tap), p.TapSize)
		return nil
	})
	return err
}

// UpdateStorage sets the storage level. Storage is never set below the
// current tap level since the tap is filled from it.
func (l *Ledger) UpdateStorage(index int, storage float64) error {
	if isBad(storage) || storage < 0 {
		return fmt.Errorf("%w: storage %v", ErrInvalidValue, storage)
	}
	_, err := l.with(index, func(b *Beverage, _ Policy) error {
		b.Storage = math.Max(b.Tap, storage)
		return nil
	})
	return err
}

// UpdateAverageDispensed restarts the consumption history at one day of avg.
func (l *Ledger) UpdateAverageDispensed(index int, avg float64) error {
	if isBad(avg) || avg <= 0 {
		return fmt.Errorf("%w: average dispensed %v", ErrInvalidValue, avg)
	}
	_, err := l.with(index, func(b *Beverage, _ Policy) error {
		b.TotalDispensed = avg
		b.DaysDispensed = 1
		return nil
	})
	return err
}

// UpdateTapSize changes the system tap capacity and clamps every tap above
// the new size down to it.
func (l *Ledger) UpdateTapSize(size float64) error {
	if isBad(size) || size < MinTapSize {
		return fmt.Errorf("%w: tap size %v (minimum %v)", ErrInvalidValue, size, MinTapSize)
	}
	l.policyMu.Lock()
	defer l.policyMu.Unlock()
	next := l.policy
	next.TapSize = size
	l.policy = next
	for _, e := range l.entries {
		e.mu.Lock()
		if e.bev.Tap > size {
			e.bev.Tap = size
		}
		e.mu.Unlock()
	}
	return nil
}

// UpdateOrderAmount changes the reorder quantity.
func (l *Ledger) UpdateOrderAmount(amount float64) error {
	if isBad(amount) || amount < 0 {
		return fmt.Errorf("%w: order amount %v", ErrInvalidValue, amount)
	}
	return l.swapPolicy(func(p *Policy) { p.OrderAmount = amount })
}

// UpdateMaxStorage changes the storage capacity ceiling.
func (l *Ledger) UpdateMaxStorage(max float64) error {
	if isBad(max) || max < MinStorageSize {
		return fmt.Errorf("%w: max storage %v (minimum %v)", ErrInvalidValue, max, MinStorageSize)
	}
	return l.swapPolicy(func(p *Policy) { p.MaxStorage = max })
}

// UpdateDaysToOrder changes the reorder threshold in days.
func (l *Ledger) UpdateDaysToOrder(days float64) error {
	if isBad(days) || days < 0 {
		return fmt.Errorf("%w: days to order %v", ErrInvalidValue, days)
	}
	return l.swapPolicy(func(p *Policy) { p.DaysToOrder = days })
}

func (l *Ledger) swapPolicy(mutate func(*Policy)) error {
	l.policyMu.Lock()
	defer l.policyMu.Unlock()
	next := l.policy
	mutate(&next)
	l.policy = next
	return nil
}
