package circuitbreaker

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func mapLookup(vars map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
}

func TestKafkaSettingsFromEnv(t *testing.T) {
	s, err := KafkaSettingsFromEnv(mapLookup(map[string]string{
		"CB_ENABLED":                 "yes",
		"CB_KAFKA_FAILURE_THRESHOLD": "4",
		"CB_KAFKA_SUCCESS_THRESHOLD": "3",
		"CB_KAFKA_OPEN_SECONDS":      "0.05",
		"CB_KAFKA_TIMEOUT_MS":        " 150 ",
		"CB_KAFKA_BACKOFF_MS":        "25",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := KafkaSettings{
		Enabled:          true,
		Attempts:         4,
		SuccessesToClose: 3,
		OpenFor:          50 * time.Millisecond,
		AttemptTimeout:   150 * time.Millisecond,
		Backoff:          25 * time.Millisecond,
	}
	if s != want {
		t.Fatalf("settings = %+v, want %+v", s, want)
	}
}

func TestKafkaSettingsDefaultsAndPrefix(t *testing.T) {
	s, err := KafkaSettingsFromEnv(mapLookup(map[string]string{
		"CB_KAFKA_FAILURE_THRESHOLD":            "4",
		"TAPMONITOR_CB_KAFKA_FAILURE_THRESHOLD": "7",
		"TAPMONITOR_CB_KAFKA_BACKOFF_MS":        "",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Attempts != 7 {
		t.Fatalf("prefixed key should win, attempts = %d", s.Attempts)
	}
	def := DefaultKafkaSettings()
	if s.Backoff != def.Backoff || s.OpenFor != def.OpenFor || !s.Enabled {
		t.Fatalf("unset keys should keep defaults: %+v", s)
	}
}

func TestKafkaSettingsRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"CB_KAFKA_FAILURE_THRESHOLD": "0",
		"CB_KAFKA_OPEN_SECONDS":      "-1",
		"CB_KAFKA_BACKOFF_MS":        "soon",
		"CB_ENABLED":                 "sometimes",
	}
	for key, val := range cases {
		t.Run(key, func(t *testing.T) {
			_, err := KafkaSettingsFromEnv(mapLookup(map[string]string{key: val}))
			if err == nil || !strings.Contains(err.Error(), key) {
				t.Fatalf("expected error naming %s, got %v", key, err)
			}
		})
	}
}

func TestNewKafkaBreakerFromEnv(t *testing.T) {
	t.Setenv("TAPMONITOR_CB_KAFKA_SUCCESS_THRESHOLD", "3")
	kb, err := NewKafkaBreakerFromEnv("env-breaker", nil, discardLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !kb.Enabled() {
		t.Fatalf("breaker should be enabled by default")
	}
	if kb.Breaker().cfg.SuccessesToClose != 3 {
		t.Fatalf("expected success threshold 3, got %d", kb.Breaker().cfg.SuccessesToClose)
	}
	want := DefaultKafkaSettings()
	want.SuccessesToClose = 3
	if got := kb.Settings(); got != want {
		t.Fatalf("settings = %+v, want %+v", got, want)
	}
}

func newTestBreaker(t *testing.T, s KafkaSettings, logger *slog.Logger) *KafkaBreaker {
	t.Helper()
	kb, err := NewKafkaBreaker(t.Name(), s, nil, logger)
	if err != nil {
		t.Fatalf("new breaker: %v", err)
	}
	return kb
}

func TestCBKafkaWriterRetryAndStateTransitions(t *testing.T) {
	var logBuf syncBuffer
	kb := newTestBreaker(t, KafkaSettings{
		Enabled:          true,
		Attempts:         2,
		SuccessesToClose: 2,
		OpenFor:          50 * time.Millisecond,
		AttemptTimeout:   50 * time.Millisecond,
		Backoff:          10 * time.Millisecond,
	}, slog.New(slog.NewTextHandler(&logBuf, nil)))

	var (
		mu          sync.Mutex
		transitions []State
	)
	kb.Breaker().OnStateChange(func(s State) {
		mu.Lock()
		transitions = append(transitions, s)
		mu.Unlock()
	})

	stub := &stubKafkaWriter{failuresBeforeSuccess: 2}
	writer := NewCBKafkaWriter(stub, kb)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// two failures trip the breaker; the write lands once it half-opens
	if err := writer.WriteMessages(ctx, kafka.Message{Value: []byte("order")}); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if got := kb.Breaker().State(); got != HalfOpen {
		t.Fatalf("expected half-open after one success, got %v", got)
	}
	if err := writer.WriteMessages(ctx, kafka.Message{Value: []byte("order")}); err != nil {
		t.Fatalf("second write: %v", err)
	}
	if got := kb.Breaker().State(); got != Closed {
		t.Fatalf("expected closed after two successes, got %v", got)
	}
	if stub.calls != 4 {
		t.Fatalf("expected 4 write attempts, got %d", stub.calls)
	}

	mu.Lock()
	got := append([]State(nil), transitions...)
	mu.Unlock()
	want := []State{Open, HalfOpen, Closed}
	if len(got) != len(want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", got, want)
		}
	}
	logs := logBuf.String()
	for _, msg := range []string{"breaker_opened", "breaker_half_open", "breaker_closed"} {
		if !strings.Contains(logs, msg) {
			t.Fatalf("missing %s in %q", msg, logs)
		}
	}
}

func TestCBKafkaWriterFailsFastWhenOpenOutlastsDeadline(t *testing.T) {
	kb := newTestBreaker(t, KafkaSettings{
		Enabled:          true,
		Attempts:         3,
		SuccessesToClose: 1,
		OpenFor:          10 * time.Second,
		Backoff:          time.Millisecond,
	}, discardLogger())
	stub := &stubKafkaWriter{failuresBeforeSuccess: 100}
	writer := NewCBKafkaWriter(stub, kb)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	start := time.Now()
	err := writer.WriteMessages(ctx, kafka.Message{Value: []byte("v")})
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("write held the caller for %v", elapsed)
	}
	if got := kb.Breaker().State(); got != Open {
		t.Fatalf("expected open breaker, got %v", got)
	}

	// later writes do not reach the broker until the breaker half-opens
	if err := writer.WriteMessages(ctx, kafka.Message{Value: []byte("v")}); !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
	if stub.calls != 3 {
		t.Fatalf("expected 3 write attempts, got %d", stub.calls)
	}
	at, open := kb.Breaker().ReopensAt()
	if !open || time.Until(at) < 9*time.Second {
		t.Fatalf("reopens at %v (open %v)", at, open)
	}
}

func TestCBKafkaWriterDisabledPassesThrough(t *testing.T) {
	s := DefaultKafkaSettings()
	s.Enabled = false
	kb := newTestBreaker(t, s, discardLogger())
	if kb.Enabled() || kb.Breaker() != nil {
		t.Fatalf("expected disabled breaker")
	}
	stub := &stubKafkaWriter{failuresBeforeSuccess: 1}
	writer := NewCBKafkaWriter(stub, kb)
	if err := writer.WriteMessages(context.Background(), kafka.Message{Value: []byte("v")}); err == nil {
		t.Fatalf("expected the stub failure to surface")
	}
	if stub.calls != 1 {
		t.Fatalf("expected a single call, got %d", stub.calls)
	}
}

func TestBreakerProbeFailureKeepsOpen(t *testing.T) {
	now := time.Unix(0, 0)
	probeErr := errors.New("still down")
	b := New("probe", Config{MaxFailures: 1, ResetTimeout: time.Second}, func(context.Context) error { return probeErr }, discardLogger())
	b.now = func() time.Time { return now }

	fail := func(context.Context) error { return errors.New("boom") }
	if err := b.Execute(context.Background(), fail); !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen once threshold reached, got %v", err)
	}
	ran := false
	op := func(context.Context) error { ran = true; return nil }
	if err := b.Execute(context.Background(), op); !errors.Is(err, ErrOpen) {
		t.Fatalf("expected fast fail, got %v", err)
	}
	now = now.Add(2 * time.Second)
	if err := b.Execute(context.Background(), op); !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen after failed probe, got %v", err)
	}
	if ran {
		t.Fatalf("operation must not run while the probe fails")
	}
	if b.State() != Open {
		t.Fatalf("expected open, got %v", b.State())
	}
}

type stubKafkaWriter struct {
	mu                    sync.Mutex
	calls                 int
	failuresBeforeSuccess int
}

func (s *stubKafkaWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	s.calls++
	if s.calls <= s.failuresBeforeSuccess {
		return errors.New("synthetic failure")
	}
	return nil
}
