// v0
// internal/sensor/sim.go
package sensor

import (
	"math/rand"
	"sync"
	"time"
)

// SimConfig tunes the simulated pulse train.
type SimConfig struct {
	Channels int
	// PulseHz is the pulse frequency while a pour is running.
	PulseHz float64
	// PourDuration and IdleDuration bound the random length of pours and
	// of the gaps between them.
	PourDuration time.Duration
	IdleDuration time.Duration
	Seed         int64
	// Now overrides the clock used to derive levels.
	Now func() time.Time
}

const (
	defaultSimPulseHz = 40.0
	defaultSimPour    = 6 * time.Second
	defaultSimIdle    = 20 * time.Second
)

type simChannel struct {
	pourStart time.Time
	pourEnd   time.Time
}

// Sim is a Source producing square-wave pulse trains with randomly spaced
// pours. Each channel alternates between an idle gap and a pour.
type Sim struct {
	cfg SimConfig

	mu       sync.Mutex
	rnd      *rand.Rand
	channels []simChannel
}

// NewSim builds a simulated source from cfg, filling zero fields with defaults.
func NewSim(cfg SimConfig) *Sim {
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if cfg.PulseHz <= 0 {
		cfg.PulseHz = defaultSimPulseHz
	}
	if cfg.PourDuration <= 0 {
		cfg.PourDuration = defaultSimPour
	}
	if cfg.IdleDuration <= 0 {
		cfg.IdleDuration = defaultSimIdle
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	s := &Sim{
		cfg:      cfg,
		rnd:      rand.New(rand.NewSource(cfg.Seed)),
		channels: make([]simChannel, cfg.Channels),
	}
	now := cfg.Now()
	for i := range s.channels {
		s.schedule(&s.channels[i], now)
	}
	return s
}

// schedule plans the next pour after a random idle gap starting at from.
func (s *Sim) schedule(ch *simChannel, from time.Time) {
	idle := time.Duration(float64(s.cfg.IdleDuration) * (0.5 + s.rnd.Float64()))
	pour := time.Duration(float64(s.cfg.PourDuration) * (0.5 + s.rnd.Float64()))
	ch.pourStart = from.Add(idle)
	ch.pourEnd = ch.pourStart.Add(pour)
}

// Read reports the level of the channel at the current time.
func (s *Sim) Read(channel int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if channel < 0 || channel >= len(s.channels) {
		return false, channelError(channel, len(s.channels))
	}
	now := s.cfg.Now()
	ch := &s.channels[channel]
	for !now.Before(ch.pourEnd) {
		s.schedule(ch, ch.pourEnd)
	}
	if now.Before(ch.pourStart) {
		return false, nil
	}
	period := time.Duration(float64(time.Second) / s.cfg.PulseHz)
	if period <= 0 {
		return false, nil
	}
	phase := now.Sub(ch.pourStart) % period
	return phase < period/2, nil
}

// Close is a no-op.
func (s *Sim) Close() error { return nil }

// SimOutputs records output writes in memory.
type SimOutputs struct {
	mu     sync.Mutex
	levels []bool
}

// NewSimOutputs builds n in-memory outputs, all off.
func NewSimOutputs(n int) *SimOutputs {
	return &SimOutputs{levels: make([]bool, n)}
}

// Write stores the level of an output.
func (o *SimOutputs) Write(channel int, on bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if channel < 0 || channel >= len(o.levels) {
		return channelError(channel, len(o.levels))
	}
	o.levels[channel] = on
	return nil
}

// Levels returns a copy of the current output levels.
func (o *SimOutputs) Levels() []bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]bool(nil), o.levels...)
}

// Close is a no-op.
func (o *SimOutputs) Close() error { return nil }

// SimButtons is a Source whose levels are set by the caller.
type SimButtons struct {
	mu     sync.Mutex
	levels []bool
}

// NewSimButtons builds n released buttons.
func NewSimButtons(n int) *SimButtons {
	return &SimButtons{levels: make([]bool, n)}
}

// Set presses or releases a button.
func (b *SimButtons) Set(channel int, pressed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if channel >= 0 && channel < len(b.levels) {
		b.levels[channel] = pressed
	}
}

// Read reports whether the button is pressed.
func (b *SimButtons) Read(channel int) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if channel < 0 || channel >= len(b.levels) {
		return false, channelError(channel, len(b.levels))
	}
	return b.levels[channel], nil
}

// Close is a no-op.
func (b *SimButtons) Close() error { return nil }
