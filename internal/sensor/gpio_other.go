//go:build !linux || !(arm || arm64)

// v0
// internal/sensor/gpio_other.go
package sensor

// GPIOInputs is unavailable on this platform.
type GPIOInputs struct{}

// OpenGPIOInputs always fails with ErrUnsupported.
func OpenGPIOInputs([]string) (*GPIOInputs, error) { return nil, ErrUnsupported }

func (*GPIOInputs) Read(int) (bool, error) { return false, ErrUnsupported }
func (*GPIOInputs) Close() error          { return nil }

// GPIOOutputs is unavailable on this platform.
type GPIOOutputs struct{}

// OpenGPIOOutputs always fails with ErrUnsupported.
func OpenGPIOOutputs([]string) (*GPIOOutputs, error) { return nil, ErrUnsupported }

func (*GPIOOutputs) Write(int, bool) error { return ErrUnsupported }
func (*GPIOOutputs) Close() error          { return nil }
