package mqttbus

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/joewstanley/raspbeery-pi/internal/events"
)

// memTransport loops publishes back to matching subscriptions.
type memTransport struct {
	mu        sync.Mutex
	published []message
	subs      map[string]Handler
}

type message struct {
	topic   string
	payload []byte
}

func newMemTransport() *memTransport { return &memTransport{subs: map[string]Handler{}} }

func (m *memTransport) Publish(_ context.Context, topic string, payload []byte) error {
	m.mu.Lock()
	m.published = append(m.published, message{topic: topic, payload: payload})
	var targets []Handler
	for filter, h := range m.subs {
		if matches(filter, topic) {
			targets = append(targets, h)
		}
	}
	m.mu.Unlock()
	for _, h := range targets {
		h(topic, payload)
	}
	return nil
}

func (m *memTransport) Subscribe(_ context.Context, topic string, h Handler) error {
	m.mu.Lock()
	m.subs[topic] = h
	m.mu.Unlock()
	return nil
}

func matches(filter, topic string) bool {
	fp, tp := splitTopic(filter), splitTopic(topic)
	if len(fp) != len(tp) {
		return false
	}
	for i := range fp {
		if fp[i] != "+" && fp[i] != tp[i] {
			return false
		}
	}
	return true
}

func splitTopic(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '/' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	return append(out, s[start:])
}

func TestTopics(t *testing.T) {
	if got := EventTopic("raspbeery", "bev2", "dispensed"); got != "raspbeery/evt/bev2/dispensed" {
		t.Fatalf("event topic %q", got)
	}
	if got := CommandTopic("/raspbeery/", "status", "info"); got != "raspbeery/cmd/status/info" {
		t.Fatalf("command topic %q", got)
	}
	if got := EventTopic("", "bev1", "online"); got != "evt/bev1/online" {
		t.Fatalf("rootless topic %q", got)
	}

	parsed, err := ParseTopic("raspbeery", "raspbeery/evt/bev3/refill")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.Kind != "evt" || parsed.Device != "bev3" || parsed.Name != "refill" {
		t.Fatalf("unexpected parse %+v", parsed)
	}
	for _, bad := range []string{"other/evt/bev1/x", "raspbeery/evt/bev1", "raspbeery/log/bev1/x", "raspbeery/evt//x"} {
		if _, err := ParseTopic("raspbeery", bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestDeviceNames(t *testing.T) {
	if DeviceName(0) != "bev1" || DeviceName(2) != "bev3" {
		t.Fatalf("device names wrong")
	}
	cases := map[string]struct {
		index int
		ok    bool
	}{
		"bev1":   {0, true},
		"bev12":  {11, true},
		"bev0":   {0, false},
		"status": {0, false},
		"bevx":   {0, false},
	}
	for in, want := range cases {
		idx, ok := BeverageIndex(in)
		if ok != want.ok || (ok && idx != want.index) {
			t.Fatalf("BeverageIndex(%q) = %d,%v want %d,%v", in, idx, ok, want.index, want.ok)
		}
	}
}

func TestTapPublisherRoutesByBeverage(t *testing.T) {
	tr := newMemTransport()
	pub := NewTapPublisher(tr, "raspbeery")
	if err := pub.Publish(context.Background(), events.NewDispensed(1, 0.5)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(tr.published) != 1 || tr.published[0].topic != "raspbeery/evt/bev2/dispensed" {
		t.Fatalf("unexpected publishes %+v", tr.published)
	}
	var body map[string]any
	if err := json.Unmarshal(tr.published[0].payload, &body); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if body["beverage"] != float64(1) || body["amount"] != 0.5 {
		t.Fatalf("unexpected payload %v", body)
	}

	status := NewDevicePublisher(tr, "raspbeery", StatusDevice)
	if err := status.Publish(context.Background(), events.NewRefill(2)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if tr.published[1].topic != "raspbeery/evt/status/refill" {
		t.Fatalf("status topic %q", tr.published[1].topic)
	}
}

func TestEventRoundTripAndDrops(t *testing.T) {
	tr := newMemTransport()
	var (
		got     []events.Event
		devices []string
		drops   []string
	)
	err := SubscribeEvents(context.Background(), tr, "raspbeery",
		func(device string, ev events.Event) {
			devices = append(devices, device)
			got = append(got, ev)
		},
		func(_, reason string, _ error) { drops = append(drops, reason) })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	pub := NewTapPublisher(tr, "raspbeery")
	ctx := context.Background()
	_ = pub.Publish(ctx, events.NewOnline(0, true))
	_ = pub.Publish(ctx, events.NewPouring(0, false))
	_ = tr.Publish(ctx, "raspbeery/evt/bev1/dispensed", []byte(`{"beverage":0,"amount":"lots"}`))
	_ = tr.Publish(ctx, "raspbeery/evt/bev1/exploded", []byte(`{"beverage":0}`))

	if len(got) != 2 || got[0].Name != events.Online || !got[0].State || got[1].Name != events.Pouring || got[1].State {
		t.Fatalf("unexpected events %+v", got)
	}
	if devices[0] != "bev1" {
		t.Fatalf("device %q", devices[0])
	}
	if len(drops) != 2 || drops[0] != "malformed" || drops[1] != "unknown_event" {
		t.Fatalf("unexpected drops %v", drops)
	}
}

func TestCommands(t *testing.T) {
	tr := newMemTransport()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	type received struct {
		device string
		cmd    events.Command
		body   []byte
	}
	var got []received
	if err := SubscribeCommands(context.Background(), tr, "raspbeery", "bev2", func(device string, cmd events.Command, body []byte) {
		got = append(got, received{device, cmd, body})
	}, logger); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	cmdr := NewCommander(tr, "raspbeery")
	ctx := context.Background()
	if err := cmdr.SetConnected(ctx, 1, false); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := cmdr.SetConnected(ctx, 0, true); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(got) != 1 || got[0].cmd != events.Disconnect || got[0].device != "bev2" {
		t.Fatalf("unexpected commands %+v", got)
	}
	var ctl events.ControlPayload
	if err := json.Unmarshal(got[0].body, &ctl); err != nil || ctl.Beverage != 1 {
		t.Fatalf("control payload %s (%v)", got[0].body, err)
	}

	if err := cmdr.SendInfo(ctx, events.InfoPayload{Beverages: []events.BeverageStatus{{Name: "IPA", Online: true}}}); err != nil {
		t.Fatalf("info: %v", err)
	}
	last := tr.published[len(tr.published)-1]
	if last.topic != "raspbeery/cmd/status/info" {
		t.Fatalf("info topic %q", last.topic)
	}
	info, err := events.DecodeInfo(last.payload)
	if err != nil || len(info.Beverages) != 1 || info.Beverages[0].Name != "IPA" {
		t.Fatalf("info payload %s (%v)", last.payload, err)
	}
}
