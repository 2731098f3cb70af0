// v0
// internal/inventory/view.go
package inventory

// View is the read model of a beverage exposed to presentation layers.
type View struct {
	Name       string  `json:"name"`
	Tap        float64 `json:"tap"`
	Storage    float64 `json:"storage"`
	DaysLeft   float64 `json:"days_left"`
	LastOrder  int64   `json:"last_order"`
	Online     bool    `json:"online"`
	Pouring    bool    `json:"pouring"`
	AutoUpdate bool    `json:"auto_update"`
}

// SystemView is the read model of the policy.
type SystemView struct {
	MinTapSize     float64 `json:"min_tap_size"`
	MinStorageSize float64 `json:"min_storage_size"`
	TapSize        float64 `json:"tap_size"`
	MaxStorage     float64 `json:"max_storage"`
	OrderAmount    float64 `json:"order_amount"`
	DaysToOrder    float64 `json:"days_to_order"`
}

// Usage is the consumption history of a beverage.
type Usage struct {
	TotalDispensed float64 `json:"total_dispensed"`
	DaysDispensed  int     `json:"days_dispensed"`
	AutoUpdate     bool    `json:"auto_update"`
	Day            float64 `json:"day"`
}

func viewOf(b Beverage, p Policy) View {
	return View{
		Name:       b.Name,
		Tap:        b.Tap,
		Storage:    b.Storage,
		DaysLeft:   DaysLeft(b, p.TapSize),
		LastOrder:  b.LastOrderMs,
		Online:     b.Online,
		Pouring:    b.Pouring,
		AutoUpdate: b.AutoUpdate,
	}
}

// View returns the read model of one beverage.
func (l *Ledger) View(index int) (View, error) {
	var v View
	_, err := l.with(index, func(b *Beverage, p Policy) error {
		v = viewOf(*b, p)
		return nil
	})
	return v, err
}

// Views returns the read model of every beverage in index order.
func (l *Ledger) Views() []View {
	out := make([]View, 0, len(l.entries))
	for i := range l.entries {
		v, err := l.View(i)
		if err != nil {
			continue
		}
		out = append(out, v)
	}
	return out
}

// SystemView returns the read model of the policy.
func (l *Ledger) SystemView() SystemView {
	p := l.Policy()
	return SystemView{
		MinTapSize:     MinTapSize,
		MinStorageSize: MinStorageSize,
		TapSize:        p.TapSize,
		MaxStorage:     p.MaxStorage,
		OrderAmount:    p.OrderAmount,
		DaysToOrder:    p.DaysToOrder,
	}
}

// Usage returns the consumption history of one beverage.
func (l *Ledger) Usage(index int) (Usage, error) {
	b, err := l.Snapshot(index)
	if err != nil {
		return Usage{}, err
	}
	return Usage{
		TotalDispensed: b.TotalDispensed,
		DaysDispensed:  b.DaysDispensed,
		AutoUpdate:     b.AutoUpdate,
		Day:            b.DailyTotal,
	}, nil
}
