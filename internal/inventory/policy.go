// v1
// internal/inventory/policy.go
package inventory

import "math"

const (
	// MinTapSize is the smallest accepted tap capacity in gallons.
	MinTapSize = 1.0
	// MinStorageSize is the smallest accepted maximum storage in gallons.
	MinStorageSize = 1.0

	DefaultTapSize     = 5.0
	DefaultOrderAmount = 31.0
	DefaultMaxStorage  = 310.0
	DefaultDaysToOrder = 1.0
)

// Policy holds the system-wide capacity and reorder knobs. Values are
// immutable once handed to a Ledger; updates swap the whole value.
type Policy struct {
	TapSize     float64
	OrderAmount float64
	MaxStorage  float64
	DaysToOrder float64
}

// DefaultPolicy returns the documented defaults.
func DefaultPolicy() Policy {
	return Policy{
		TapSize:     DefaultTapSize,
		OrderAmount: DefaultOrderAmount,
		MaxStorage:  DefaultMaxStorage,
		DaysToOrder: DefaultDaysToOrder,
	}
}

// normalized replaces out-of-range knobs with defaults or minimums.
func (p Policy) normalized() Policy {
	if isBad(p.TapSize) || p.TapSize < MinTapSize {
		p.TapSize = math.Max(MinTapSize, orDefault(p.TapSize, DefaultTapSize))
	}
	if isBad(p.OrderAmount) || p.OrderAmount < 0 {
		p.OrderAmount = DefaultOrderAmount
	}
	if isBad(p.MaxStorage) || p.MaxStorage < MinStorageSize {
		p.MaxStorage = math.Max(MinStorageSize, orDefault(p.MaxStorage, DefaultMaxStorage))
	}
	if isBad(p.DaysToOrder) || p.DaysToOrder < 0 {
		p.DaysToOrder = DefaultDaysToOrder
	}
	return p
}

func isBad(v float64) bool { return math.IsNaN(v) || math.IsInf(v, 0) }

func orDefault(v, def float64) float64 {
	if isBad(v) || v <= 0 {
		return def
	}
	return v
}

// DaysLeft estimates remaining supply in days from the historical
// consumption rate. A non-positive history falls back to tapSize as the
// denominator so the ratio never divides by zero, and the result is never
// negative or NaN.
func DaysLeft(b Beverage, tapSize float64) float64 {
	storage := b.Storage
	if isBad(storage) || storage < 0 {
		storage = 0
	}
	denom := b.TotalDispensed
	if isBad(denom) || denom <= 0 {
		denom = tapSize
	}
	if isBad(denom) || denom <= 0 {
		denom = DefaultTapSize
	}
	days := float64(b.DaysDispensed)
	if days < 1 {
		days = 1
	}
	left := storage * days / denom
	if isBad(left) || left < 0 {
		return 0
	}
	return left
}

// OrderDecision is the outcome of a reorder policy evaluation that calls for
// an order.
type OrderDecision struct {
	Amount         float64
	DaysLeftBefore float64
	DaysLeftAfter  float64
	// Insufficient flags an order amount too small to lift days-left above
	// the reorder threshold.
	Insufficient bool
}

// EvaluateReorder decides whether the beverage needs an order under the
// policy. It has no side effects.
func EvaluateReorder(b Beverage, p Policy) (OrderDecision, bool) {
	before := DaysLeft(b, p.TapSize)
	if before > p.DaysToOrder {
		return OrderDecision{}, false
	}
	after := b
	after.Storage = math.Max(0, b.Storage) + p.OrderAmount
	left := DaysLeft(after, p.TapSize)
	return OrderDecision{
		Amount:         p.OrderAmount,
		DaysLeftBefore: before,
		DaysLeftAfter:  left,
		Insufficient:   left <= p.DaysToOrder,
	}, true
}
