// v0
// internal/flowmeter/meter.go

// Package flowmeter turns a polled pulse signal from a hall-effect flow sensor
// into pour boundaries and dispensed volume.
package flowmeter

const (
	// LitersToGallons converts liters to US gallons.
	LitersToGallons = 0.26417205234815
	// GallonLimit is the smallest pour reported as dispensed. Anything at or
	// below it is treated as sensor noise.
	GallonLimit = 0.001
	// DefaultPulsesPerLiterMinute is the sensor calibration constant: the pulse
	// frequency in Hz produced by a flow of one liter per minute.
	DefaultPulsesPerLiterMinute = 7.5
	// MaxPulseIntervalMs bounds the rising-edge spacing accepted as flow.
	MaxPulseIntervalMs = 1000
	// QuietWindowMs is the signal quiescence that closes a pour.
	QuietWindowMs = 3000
)

// Phase is the pour state of a meter.
type Phase int

const (
	// Idle means no pour is in progress.
	Idle Phase = iota
	// Pouring means pulses are arriving at a rate that counts as flow.
	Pouring
	// Settling means a pour is open but no pulse has arrived within
	// MaxPulseIntervalMs. It closes once QuietWindowMs elapses.
	Settling
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Pouring:
		return "pouring"
	case Settling:
		return "settling"
	default:
		return "unknown"
	}
}

// Kind enumerates the side effects a meter emits.
type Kind int

const (
	PourStarted Kind = iota + 1
	Dispensed
	PourStopped
)

func (k Kind) String() string {
	switch k {
	case PourStarted:
		return "pour_started"
	case Dispensed:
		return "dispensed"
	case PourStopped:
		return "pour_stopped"
	default:
		return "unknown"
	}
}

// Signal is a single meter side effect. Amount is set for Dispensed only and
// is expressed in gallons.
type Signal struct {
	Kind   Kind
	Amount float64
	AtMs   int64
}

// State mirrors the meter's internal bookkeeping for diagnostics.
type State struct {
	Phase       Phase
	Pouring     bool
	Volume      float64
	LastEdgeMs  int64
	LastLevel   bool
	PourStartMs int64
}

// Meter is the per-tap flow metering state machine. It is not safe for
// concurrent use; the owning controller drives it from a single goroutine.
type Meter struct {
	pulsesPerLiterMinute float64

	phase       Phase
	volume      float64
	lastLevel   bool
	lastEdgeMs  int64
	pourStartMs int64
}

// New builds an idle meter whose pulse interval reference starts at nowMs.
// Non-positive calibration values fall back to DefaultPulsesPerLiterMinute.
func New(pulsesPerLiterMinute float64, nowMs int64) *Meter {
	if pulsesPerLiterMinute <= 0 {
		pulsesPerLiterMinute = DefaultPulsesPerLiterMinute
	}
	return &Meter{pulsesPerLiterMinute: pulsesPerLiterMinute, lastEdgeMs: nowMs}
}

// PulseVolume returns the gallons represented by one rising edge that arrived
// deltaMs after the previous one. Intervals outside (0, MaxPulseIntervalMs)
// carry no flow and report false.
func PulseVolume(deltaMs int64, pulsesPerLiterMinute float64) (float64, bool) {
	if deltaMs <= 0 || deltaMs >= MaxPulseIntervalMs {
		return 0, false
	}
	hertz := 1000.0 / float64(deltaMs)
	litersPerSec := hertz / (60 * pulsesPerLiterMinute)
	return litersPerSec * float64(deltaMs) * LitersToGallons / 1000.0, true
}

// Reset discards any pour in progress and starts a new running cycle.
func (m *Meter) Reset(nowMs int64) {
	m.phase = Idle
	m.volume = 0
	m.lastLevel = false
	m.lastEdgeMs = nowMs
	m.pourStartMs = 0
}

// Step feeds one polled sample into the meter and returns the side effects it
// produced, in emission order.
func (m *Meter) Step(level bool, nowMs int64) []Signal {
	var out []Signal
	switch {
	case level && !m.lastLevel:
		if m.phase == Idle {
			m.pourStartMs = nowMs
			out = append(out, Signal{Kind: PourStarted, AtMs: nowMs})
		}
		m.phase = Pouring
		if inc, ok := PulseVolume(nowMs-m.lastEdgeMs, m.pulsesPerLiterMinute); ok {
			m.volume += inc
		}
		m.lastEdgeMs = nowMs
	case m.phase != Idle && level == m.lastLevel:
		quiet := nowMs - m.lastEdgeMs
		if quiet > QuietWindowMs {
			out = append(out, m.close(nowMs, true)...)
		} else if quiet >= MaxPulseIntervalMs {
			m.phase = Settling
		}
	}
	m.lastLevel = level
	return out
}

// Flush closes a pour in progress regardless of quiescence, reporting any
// accumulated volume. It is used when the owning controller stops. A pour
// that accumulated nothing closes with PourStopped alone, never a zero
// Dispensed.
func (m *Meter) Flush(nowMs int64) []Signal {
	if m.phase == Idle {
		return nil
	}
	return m.close(nowMs, false)
}

func (m *Meter) close(nowMs int64, applyLimit bool) []Signal {
	var out []Signal
	amount := m.volume
	// flushes skip empty pours; quiescent closes also need the gallon limit
	report := amount > 0
	if applyLimit {
		report = amount > GallonLimit
	}
	if report {
		out = append(out, Signal{Kind: Dispensed, Amount: amount, AtMs: nowMs})
	}
	m.volume = 0
	m.phase = Idle
	out = append(out, Signal{Kind: PourStopped, AtMs: nowMs})
	return out
}

// Pouring reports whether a pour is open.
func (m *Meter) Pouring() bool { return m.phase != Idle }

// State returns a copy of the meter bookkeeping.
func (m *Meter) State() State {
	return State{
		Phase:       m.phase,
		Pouring:     m.phase != Idle,
		Volume:      m.volume,
		LastEdgeMs:  m.lastEdgeMs,
		LastLevel:   m.lastLevel,
		PourStartMs: m.pourStartMs,
	}
}
