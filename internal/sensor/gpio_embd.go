//go:build linux && (arm || arm64)

// v0
// internal/sensor/gpio_embd.go
package sensor

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/kidoman/embd"
	_ "github.com/kidoman/embd/host/rpi"
)

var (
	gpioMu   sync.Mutex
	gpioRefs int
)

func acquireGPIO() error {
	gpioMu.Lock()
	defer gpioMu.Unlock()
	if gpioRefs == 0 {
		if err := embd.InitGPIO(); err != nil {
			return fmt.Errorf("init gpio: %w", err)
		}
	}
	gpioRefs++
	return nil
}

func releaseGPIO() error {
	gpioMu.Lock()
	defer gpioMu.Unlock()
	if gpioRefs == 0 {
		return nil
	}
	gpioRefs--
	if gpioRefs == 0 {
		return embd.CloseGPIO()
	}
	return nil
}

// pinKey passes numeric keys to embd as GPIO numbers and everything else as
// a named alias such as "GPIO_16" or "P1_36".
func pinKey(raw string) interface{} {
	raw = strings.TrimSpace(raw)
	if n, err := strconv.Atoi(raw); err == nil {
		return n
	}
	return raw
}

type gpioBank struct {
	pins []embd.DigitalPin
}

func openBank(keys []string, dir embd.Direction) (*gpioBank, error) {
	if err := acquireGPIO(); err != nil {
		return nil, err
	}
	b := &gpioBank{pins: make([]embd.DigitalPin, 0, len(keys))}
	for _, key := range keys {
		pin, err := embd.NewDigitalPin(pinKey(key))
		if err != nil {
			_ = b.Close()
			return nil, fmt.Errorf("open pin %s: %w", key, err)
		}
		if err := pin.SetDirection(dir); err != nil {
			_ = pin.Close()
			_ = b.Close()
			return nil, fmt.Errorf("set direction of pin %s: %w", key, err)
		}
		b.pins = append(b.pins, pin)
	}
	return b, nil
}

func (b *gpioBank) pin(channel int) (embd.DigitalPin, error) {
	if channel < 0 || channel >= len(b.pins) {
		return nil, channelError(channel, len(b.pins))
	}
	return b.pins[channel], nil
}

func (b *gpioBank) Close() error {
	var firstErr error
	for _, p := range b.pins {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	b.pins = nil
	if err := releaseGPIO(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// GPIOInputs reads digital input pins.
type GPIOInputs struct{ bank *gpioBank }

// OpenGPIOInputs configures the pins as inputs, in channel order.
func OpenGPIOInputs(keys []string) (*GPIOInputs, error) {
	b, err := openBank(keys, embd.In)
	if err != nil {
		return nil, err
	}
	return &GPIOInputs{bank: b}, nil
}

// Read reports whether the pin is high.
func (g *GPIOInputs) Read(channel int) (bool, error) {
	p, err := g.bank.pin(channel)
	if err != nil {
		return false, err
	}
	v, err := p.Read()
	if err != nil {
		return false, err
	}
	return v == embd.High, nil
}

// Close releases the pins.
func (g *GPIOInputs) Close() error { return g.bank.Close() }

// GPIOOutputs drives digital output pins.
type GPIOOutputs struct{ bank *gpioBank }

// OpenGPIOOutputs configures the pins as outputs, in channel order.
func OpenGPIOOutputs(keys []string) (*GPIOOutputs, error) {
	b, err := openBank(keys, embd.Out)
	if err != nil {
		return nil, err
	}
	return &GPIOOutputs{bank: b}, nil
}

// Write drives the pin high or low.
func (g *GPIOOutputs) Write(channel int, on bool) error {
	p, err := g.bank.pin(channel)
	if err != nil {
		return err
	}
	if on {
		return p.Write(embd.High)
	}
	return p.Write(embd.Low)
}

// Close drives every pin low and releases them.
func (g *GPIOOutputs) Close() error {
	for _, p := range g.bank.pins {
		_ = p.Write(embd.Low)
	}
	return g.bank.Close()
}
