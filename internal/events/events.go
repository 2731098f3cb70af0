// v1
// internal/events/events.go

// Package events defines the named events and commands exchanged between tap
// devices, the status panel and the monitor, together with their JSON wire
// form.
package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Name identifies a device event.
type Name string

const (
	Online    Name = "online"
	Pouring   Name = "pouring"
	Dispensed Name = "dispensed"
	Refill    Name = "refill"
	Startup   Name = "startup"
)

// Names lists every device event the monitor subscribes to.
var Names = []Name{Dispensed, Refill, Online, Pouring, Startup}

// Command identifies a message sent from the monitor to a device.
type Command string

const (
	Connect    Command = "connect"
	Disconnect Command = "disconnect"
	Info       Command = "info"
)

var (
	// ErrUnknownEvent is returned for event names outside Names.
	ErrUnknownEvent = errors.New("unknown event")
	// ErrMalformed is returned when a payload is missing or carries invalid fields.
	ErrMalformed = errors.New("malformed event payload")
)

// Event is a decoded device event. State is meaningful for Online and
// Pouring, Amount (gallons) for Dispensed. Startup carries no beverage.
type Event struct {
	Name     Name
	Beverage int
	State    bool
	Amount   float64
}

// NewOnline builds an online status event.
func NewOnline(beverage int, state bool) Event {
	return Event{Name: Online, Beverage: beverage, State: state}
}

// NewPouring builds a pouring status event.
func NewPouring(beverage int, state bool) Event {
	return Event{Name: Pouring, Beverage: beverage, State: state}
}

// NewDispensed builds a dispensed volume event.
func NewDispensed(beverage int, amount float64) Event {
	return Event{Name: Dispensed, Beverage: beverage, Amount: amount}
}

// NewRefill builds a tap refill request.
func NewRefill(beverage int) Event {
	return Event{Name: Refill, Beverage: beverage}
}

// NewStartup builds the status snapshot request.
func NewStartup() Event {
	return Event{Name: Startup}
}

type statePayload struct {
	Beverage int  `json:"beverage"`
	State    bool `json:"state"`
}

type amountPayload struct {
	Beverage int     `json:"beverage"`
	Amount   float64 `json:"amount"`
}

type beveragePayload struct {
	Beverage int `json:"beverage"`
}

// Encode renders the event payload as sent on the bus.
func Encode(ev Event) ([]byte, error) {
	switch ev.Name {
	case Online, Pouring:
		return json.Marshal(statePayload{Beverage: ev.Beverage, State: ev.State})
	case Dispensed:
		if math.IsNaN(ev.Amount) || math.IsInf(ev.Amount, 0) {
			return nil, fmt.Errorf("%w: amount not finite", ErrMalformed)
		}
		return json.Marshal(amountPayload{Beverage: ev.Beverage, Amount: ev.Amount})
	case Refill:
		return json.Marshal(beveragePayload{Beverage: ev.Beverage})
	case Startup:
		return []byte("{}"), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, ev.Name)
	}
}

type envelope struct {
	Beverage json.RawMessage `json:"beverage"`
	State    json.RawMessage `json:"state"`
	Amount   json.RawMessage `json:"amount"`
}

// Decode parses and validates a payload received for the named event.
func Decode(name Name, raw []byte) (Event, error) {
	switch name {
	case Online, Pouring, Dispensed, Refill, Startup:
	default:
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownEvent, name)
	}
	if name == Startup {
		return NewStartup(), nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var env envelope
	if err := dec.Decode(&env); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	beverage, err := parseBeverage(env.Beverage)
	if err != nil {
		return Event{}, err
	}
	ev := Event{Name: name, Beverage: beverage}

	switch name {
	case Online, Pouring:
		state, err := parseState(env.State)
		if err != nil {
			return Event{}, err
		}
		ev.State = state
	case Dispensed:
		amount, err := parseAmount(env.Amount)
		if err != nil {
			return Event{}, err
		}
		ev.Amount = amount
	}
	return ev, nil
}

func parseBeverage(raw json.RawMessage) (int, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, fmt.Errorf("%w: beverage missing", ErrMalformed)
	}
	text := strings.TrimSpace(string(raw))
	var asString string
	quoted := json.Unmarshal(raw, &asString) == nil
	if quoted {
		text = strings.TrimSpace(asString)
	}
	n, err := strconv.Atoi(text)
	if err != nil && !quoted {
		// a JSON number such as 1.0 or 1e0 truncates like an integer field
		n, err = wholeNumber(text)
	}
	if err != nil {
		return 0, fmt.Errorf("%w: beverage %q is not an integer", ErrMalformed, text)
	}
	if n < 0 {
		return 0, fmt.Errorf("%w: beverage %d is negative", ErrMalformed, n)
	}
	return n, nil
}

func wholeNumber(text string) (int, error) {
	f, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) || math.Abs(f) > math.MaxInt32 {
		return 0, errors.New("not a whole number")
	}
	return int(f), nil
}

func parseState(raw json.RawMessage) (bool, error) {
	if len(raw) == 0 {
		return false, fmt.Errorf("%w: state missing", ErrMalformed)
	}
	var state bool
	if err := json.Unmarshal(raw, &state); err != nil {
		return false, fmt.Errorf("%w: state is not a boolean", ErrMalformed)
	}
	return state, nil
}

func parseAmount(raw json.RawMessage) (float64, error) {
	if len(raw) == 0 {
		return 0, fmt.Errorf("%w: amount missing", ErrMalformed)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, fmt.Errorf("%w: amount is not numeric", ErrMalformed)
	}
	amount, err := n.Float64()
	if err != nil || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return 0, fmt.Errorf("%w: amount is not finite", ErrMalformed)
	}
	if amount < 0 {
		return 0, fmt.Errorf("%w: amount %v is negative", ErrMalformed, amount)
	}
	return amount, nil
}
