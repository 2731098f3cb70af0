// v0
// internal/events/payloads.go
package events

import (
	"encoding/json"
	"fmt"
)

// BeverageStatus is the wire view of one beverage shared with the status
// panel and presentation layers.
type BeverageStatus struct {
	Name       string  `json:"name"`
	Tap        float64 `json:"tap"`
	Storage    float64 `json:"storage"`
	DaysLeft   float64 `json:"days_left"`
	LastOrder  int64   `json:"last_order"`
	Online     bool    `json:"online"`
	Pouring    bool    `json:"pouring"`
	AutoUpdate bool    `json:"auto_update"`
}

// InfoPayload is carried by the Info command.
type InfoPayload struct {
	Beverages []BeverageStatus `json:"beverages"`
}

// DecodeInfo parses an Info command payload.
func DecodeInfo(raw []byte) (InfoPayload, error) {
	var p InfoPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return InfoPayload{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return p, nil
}

// ControlPayload is carried by Connect and Disconnect commands.
type ControlPayload struct {
	Beverage int `json:"beverage"`
}

// OrderPlaced announces a storage reorder to presentation layers.
type OrderPlaced struct {
	OrderID   string  `json:"order_id"`
	Beverage  int     `json:"beverage"`
	OrderTime int64   `json:"order_time"`
	Amount    float64 `json:"amount"`
}

// BeverageLog is the per-mutation snapshot published after every handled
// beverage event.
type BeverageLog struct {
	Beverage int `json:"beverage"`
	BeverageStatus
}
