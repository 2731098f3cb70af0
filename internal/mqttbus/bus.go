// v0
// internal/mqttbus/bus.go
package mqttbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/joewstanley/raspbeery-pi/internal/events"
)

// EventPublisher encodes device events onto their topics. With an empty
// device the topic device is derived from the event beverage (bev<N>), the
// way tap controllers publish.
type EventPublisher struct {
	transport Transport
	root      string
	device    string
}

// NewTapPublisher publishes each event under the device of its beverage.
func NewTapPublisher(t Transport, root string) *EventPublisher {
	return &EventPublisher{transport: t, root: root}
}

// NewDevicePublisher publishes every event under a fixed device.
func NewDevicePublisher(t Transport, root, device string) *EventPublisher {
	return &EventPublisher{transport: t, root: root, device: device}
}

// Publish implements dispenser.Publisher.
func (p *EventPublisher) Publish(ctx context.Context, ev events.Event) error {
	payload, err := events.Encode(ev)
	if err != nil {
		return err
	}
	device := p.device
	if device == "" {
		device = DeviceName(ev.Beverage)
	}
	return p.transport.Publish(ctx, EventTopic(p.root, device, string(ev.Name)), payload)
}

// CommandHandler receives a command addressed to a device.
type CommandHandler func(device string, cmd events.Command, payload []byte)

// SubscribeCommands delivers every command addressed to device.
func SubscribeCommands(ctx context.Context, t Transport, root, device string, h CommandHandler, logger *slog.Logger) error {
	return t.Subscribe(ctx, CommandTopic(root, device, "+"), func(topic string, payload []byte) {
		parsed, err := ParseTopic(root, topic)
		if err != nil || parsed.Kind != kindCommand {
			logger.Warn("command_dropped", slog.String("topic", topic), slog.String("reason", "bad_topic"))
			return
		}
		h(parsed.Device, events.Command(parsed.Name), payload)
	})
}

// EventHandler receives a device event that decoded cleanly.
type EventHandler func(device string, ev events.Event)

// DropHandler is told why an inbound event was discarded.
type DropHandler func(topic, reason string, err error)

// SubscribeEvents delivers every device event under root. Undecodable
// messages go to drop and never reach h.
func SubscribeEvents(ctx context.Context, t Transport, root string, h EventHandler, drop DropHandler) error {
	return t.Subscribe(ctx, EventTopic(root, "+", "+"), func(topic string, payload []byte) {
		parsed, err := ParseTopic(root, topic)
		if err != nil || parsed.Kind != kindEvent {
			drop(topic, "bad_topic", err)
			return
		}
		ev, err := events.Decode(events.Name(parsed.Name), payload)
		if err != nil {
			reason := "malformed"
			if errors.Is(err, events.ErrUnknownEvent) {
				reason = "unknown_event"
			}
			drop(topic, reason, err)
			return
		}
		h(parsed.Device, ev)
	})
}

// Commander sends monitor commands to devices.
type Commander struct {
	transport Transport
	root      string
}

func NewCommander(t Transport, root string) *Commander {
	return &Commander{transport: t, root: root}
}

// Send publishes cmd to device with an optional JSON payload.
func (c *Commander) Send(ctx context.Context, device string, cmd events.Command, payload any) error {
	body := []byte("{}")
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode %s payload: %w", cmd, err)
		}
		body = raw
	}
	return c.transport.Publish(ctx, CommandTopic(c.root, device, string(cmd)), body)
}

// SetConnected sends connect or disconnect to the tap device of index.
func (c *Commander) SetConnected(ctx context.Context, index int, state bool) error {
	cmd := events.Disconnect
	if state {
		cmd = events.Connect
	}
	return c.Send(ctx, DeviceName(index), cmd, events.ControlPayload{Beverage: index})
}

// SendInfo pushes beverage statuses to the status panel.
func (c *Commander) SendInfo(ctx context.Context, info events.InfoPayload) error {
	return c.Send(ctx, StatusDevice, events.Info, info)
}
