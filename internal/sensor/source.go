// v0
// internal/sensor/source.go

// Package sensor provides the pulse inputs read by tap controllers and the
// indicator outputs driven by the status panel.
package sensor

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnsupported is returned when GPIO access is requested on a platform
	// built without it.
	ErrUnsupported = errors.New("gpio not supported on this platform")
	// ErrNoChannel reports a channel index outside the configured pins.
	ErrNoChannel = errors.New("no such channel")
)

// Source reads the current signal level of a channel (one per tap or
// button). Implementations must be safe for concurrent reads of different
// channels.
type Source interface {
	Read(channel int) (bool, error)
	Close() error
}

// Outputs drives boolean outputs such as indicator LEDs.
type Outputs interface {
	Write(channel int, on bool) error
	Close() error
}

// Driver names accepted by Open.
const (
	DriverGPIO = "gpio"
	DriverSim  = "sim"
)

// Open builds the input source named by driver over the given pin keys.
func Open(driver string, pins []string, sim SimConfig) (Source, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case DriverGPIO:
		in, err := OpenGPIOInputs(pins)
		if err != nil {
			return nil, err
		}
		return in, nil
	case DriverSim, "":
		if sim.Channels <= 0 {
			sim.Channels = len(pins)
		}
		return NewSim(sim), nil
	default:
		return nil, fmt.Errorf("unknown sensor driver %q", driver)
	}
}

// OpenButtons builds the button inputs of the status panel. The simulated
// driver returns SimButtons so callers can press them.
func OpenButtons(driver string, pins []string) (Source, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case DriverGPIO:
		in, err := OpenGPIOInputs(pins)
		if err != nil {
			return nil, err
		}
		return in, nil
	case DriverSim, "":
		return NewSimButtons(len(pins)), nil
	default:
		return nil, fmt.Errorf("unknown sensor driver %q", driver)
	}
}

// OpenOutputs builds indicator outputs over the given pin keys.
func OpenOutputs(driver string, pins []string) (Outputs, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case DriverGPIO:
		out, err := OpenGPIOOutputs(pins)
		if err != nil {
			return nil, err
		}
		return out, nil
	case DriverSim, "":
		return NewSimOutputs(len(pins)), nil
	default:
		return nil, fmt.Errorf("unknown sensor driver %q", driver)
	}
}

func channelError(channel, have int) error {
	return fmt.Errorf("%w: %d (channels: %d)", ErrNoChannel, channel, have)
}
