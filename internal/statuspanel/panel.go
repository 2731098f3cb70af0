// v0
// internal/statuspanel/panel.go

// Package statuspanel drives the bar-side panel: one pair of indicator
// lights and one refill button per beverage.
package statuspanel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/joewstanley/raspbeery-pi/internal/events"
	"github.com/joewstanley/raspbeery-pi/internal/sensor"
)

// DefaultPoll is the refill button sampling period.
const DefaultPoll = 200 * time.Millisecond

// Publisher sends panel events to the monitor.
type Publisher interface {
	Publish(ctx context.Context, ev events.Event) error
}

type Config struct {
	Beverages      int
	Poll           time.Duration
	PublishTimeout time.Duration
}

// Panel lights green for online taps and red otherwise, and reports refill
// button presses.
type Panel struct {
	cfg     Config
	online  sensor.Outputs
	offline sensor.Outputs
	buttons sensor.Source
	pub     Publisher
	logger  *slog.Logger

	mu      sync.Mutex
	lit     []bool
	pressed []bool
}

// New builds a panel over the given pins. Every bank must expose at least
// cfg.Beverages channels.
func New(cfg Config, online, offline sensor.Outputs, buttons sensor.Source, pub Publisher, logger *slog.Logger) (*Panel, error) {
	if cfg.Beverages <= 0 {
		return nil, errors.New("at least one beverage is required")
	}
	if online == nil || offline == nil || buttons == nil || pub == nil {
		return nil, errors.New("lights, buttons and publisher are required")
	}
	if cfg.Poll <= 0 {
		cfg.Poll = DefaultPoll
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Panel{
		cfg:     cfg,
		online:  online,
		offline: offline,
		buttons: buttons,
		pub:     pub,
		logger:  logger,
		lit:     make([]bool, cfg.Beverages),
		pressed: make([]bool, cfg.Beverages),
	}, nil
}

// SetLights shows the online state of each beverage. Beverages missing from
// online are shown offline.
func (p *Panel) SetLights(online []bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	for i := 0; i < p.cfg.Beverages; i++ {
		on := i < len(online) && online[i]
		if err := p.online.Write(i, on); err != nil {
			errs = append(errs, fmt.Errorf("online light %d: %w", i, err))
		}
		if err := p.offline.Write(i, !on); err != nil {
			errs = append(errs, fmt.Errorf("offline light %d: %w", i, err))
		}
		p.lit[i] = on
	}
	return errors.Join(errs...)
}

// Lights reports the last online state shown per beverage.
func (p *Panel) Lights() []bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]bool, len(p.lit))
	copy(out, p.lit)
	return out
}

// HandleCommand applies a command addressed to the status device.
func (p *Panel) HandleCommand(cmd events.Command, payload []byte) error {
	if cmd != events.Info {
		return fmt.Errorf("unsupported command %q", cmd)
	}
	info, err := events.DecodeInfo(payload)
	if err != nil {
		return err
	}
	online := make([]bool, len(info.Beverages))
	for i, b := range info.Beverages {
		online[i] = b.Online
	}
	if err := p.SetLights(online); err != nil {
		return err
	}
	p.logger.Info("lights_updated", slog.Any("online", online))
	return nil
}

// Announce publishes the startup event so the monitor answers with info.
func (p *Panel) Announce(ctx context.Context) error {
	return p.publish(ctx, events.NewStartup())
}

// Run shows every tap offline, announces the panel and polls the refill
// buttons until ctx is done.
func (p *Panel) Run(ctx context.Context) error {
	if err := p.SetLights(nil); err != nil {
		p.logger.Warn("lights_reset_failed", slog.Any("err", err))
	}
	if err := p.Announce(ctx); err != nil {
		p.logger.Warn("startup_publish_failed", slog.Any("err", err))
	}
	ticker := time.NewTicker(p.cfg.Poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

// poll publishes refill for every button that went from released to
// pressed since the previous poll. Each button keeps its own edge state.
func (p *Panel) poll(ctx context.Context) {
	for i := 0; i < p.cfg.Beverages; i++ {
		level, err := p.buttons.Read(i)
		if err != nil {
			p.logger.Warn("button_read_failed", slog.Int("beverage", i), slog.Any("err", err))
			continue
		}
		p.mu.Lock()
		rising := level && !p.pressed[i]
		p.pressed[i] = level
		p.mu.Unlock()
		if !rising {
			continue
		}
		p.logger.Info("refill_pressed", slog.Int("beverage", i))
		if err := p.publish(ctx, events.NewRefill(i)); err != nil {
			p.logger.Warn("refill_publish_failed", slog.Int("beverage", i), slog.Any("err", err))
		}
	}
}

func (p *Panel) publish(ctx context.Context, ev events.Event) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.PublishTimeout)
	defer cancel()
	return p.pub.Publish(ctx, ev)
}
