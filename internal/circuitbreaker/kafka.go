// v4
// internal/circuitbreaker/kafka.go
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

// MessageWriter is the part of kafka.Writer the publishers use.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaSettings tunes the Kafka breaker and the retry loop of every
// guarded write.
type KafkaSettings struct {
	Enabled bool
	// Attempts bounds the failed writes tolerated per call. It is also the
	// breaker's consecutive failure threshold.
	Attempts         int
	SuccessesToClose int
	OpenFor          time.Duration
	// AttemptTimeout bounds a single write; zero leaves only the caller's
	// deadline.
	AttemptTimeout time.Duration
	Backoff        time.Duration
}

// DefaultKafkaSettings returns the settings used for unset variables.
func DefaultKafkaSettings() KafkaSettings {
	return KafkaSettings{
		Enabled:          true,
		Attempts:         5,
		SuccessesToClose: 2,
		OpenFor:          30 * time.Second,
		AttemptTimeout:   3 * time.Second,
		Backoff:          200 * time.Millisecond,
	}
}

func (s KafkaSettings) validate() error {
	var errs []error
	if s.Attempts < 1 {
		errs = append(errs, fmt.Errorf("CB_KAFKA_FAILURE_THRESHOLD must be >= 1, got %d", s.Attempts))
	}
	if s.SuccessesToClose < 1 {
		errs = append(errs, fmt.Errorf("CB_KAFKA_SUCCESS_THRESHOLD must be >= 1, got %d", s.SuccessesToClose))
	}
	if s.OpenFor <= 0 {
		errs = append(errs, fmt.Errorf("CB_KAFKA_OPEN_SECONDS must be > 0, got %s", s.OpenFor))
	}
	if s.AttemptTimeout < 0 {
		errs = append(errs, fmt.Errorf("CB_KAFKA_TIMEOUT_MS must be >= 0, got %s", s.AttemptTimeout))
	}
	if s.Backoff < 0 {
		errs = append(errs, fmt.Errorf("CB_KAFKA_BACKOFF_MS must be >= 0, got %s", s.Backoff))
	}
	return errors.Join(errs...)
}

// KafkaSettingsFromEnv overlays variables on DefaultKafkaSettings. Each key
// is looked up as TAPMONITOR_<key> first and then bare:
//
//	CB_ENABLED                  bool
//	CB_KAFKA_FAILURE_THRESHOLD  int
//	CB_KAFKA_SUCCESS_THRESHOLD  int
//	CB_KAFKA_OPEN_SECONDS       float seconds
//	CB_KAFKA_TIMEOUT_MS         int milliseconds
//	CB_KAFKA_BACKOFF_MS         int milliseconds
//
// A nil lookup reads the process environment.
func KafkaSettingsFromEnv(lookup func(string) (string, bool)) (KafkaSettings, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	r := envReader{lookup: lookup}
	s := DefaultKafkaSettings()
	r.boolean("CB_ENABLED", &s.Enabled)
	r.integer("CB_KAFKA_FAILURE_THRESHOLD", &s.Attempts)
	r.integer("CB_KAFKA_SUCCESS_THRESHOLD", &s.SuccessesToClose)
	r.seconds("CB_KAFKA_OPEN_SECONDS", &s.OpenFor)
	r.millis("CB_KAFKA_TIMEOUT_MS", &s.AttemptTimeout)
	r.millis("CB_KAFKA_BACKOFF_MS", &s.Backoff)
	if err := errors.Join(r.errs...); err != nil {
		return KafkaSettings{}, err
	}
	if err := s.validate(); err != nil {
		return KafkaSettings{}, err
	}
	return s, nil
}

type envReader struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (r *envReader) get(key string) (string, bool) {
	for _, name := range []string{"TAPMONITOR_" + key, key} {
		if v, ok := r.lookup(name); ok {
			if v = strings.TrimSpace(v); v != "" {
				return v, true
			}
		}
	}
	return "", false
}

func (r *envReader) fail(key, raw string, err error) {
	r.errs = append(r.errs, fmt.Errorf("invalid %s %q: %w", key, raw, err))
}

func (r *envReader) boolean(key string, dst *bool) {
	raw, ok := r.get(key)
	if !ok {
		return
	}
	switch strings.ToLower(raw) {
	case "1", "true", "yes", "on":
		*dst = true
	case "0", "false", "no", "off":
		*dst = false
	default:
		r.fail(key, raw, errors.New("not a boolean"))
	}
}

func (r *envReader) integer(key string, dst *int) {
	raw, ok := r.get(key)
	if !ok {
		return
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		r.fail(key, raw, err)
		return
	}
	*dst = v
}

func (r *envReader) millis(key string, dst *time.Duration) {
	raw, ok := r.get(key)
	if !ok {
		return
	}
	ms, err := strconv.Atoi(raw)
	if err != nil {
		r.fail(key, raw, err)
		return
	}
	*dst = time.Duration(ms) * time.Millisecond
}

func (r *envReader) seconds(key string, dst *time.Duration) {
	raw, ok := r.get(key)
	if !ok {
		return
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		r.fail(key, raw, err)
		return
	}
	*dst = time.Duration(v * float64(time.Second))
}

// KafkaBreaker guards Kafka writes. A disabled KafkaBreaker passes writes
// straight through.
type KafkaBreaker struct {
	settings KafkaSettings
	breaker  *Breaker
}

// NewKafkaBreaker builds a KafkaBreaker from explicit settings.
func NewKafkaBreaker(name string, s KafkaSettings, probe func(ctx context.Context) error, logger *slog.Logger) (*KafkaBreaker, error) {
	if err := s.validate(); err != nil {
		return nil, err
	}
	kb := &KafkaBreaker{settings: s}
	if s.Enabled {
		kb.breaker = New(name, Config{
			MaxFailures:      s.Attempts,
			ResetTimeout:     s.OpenFor,
			SuccessesToClose: s.SuccessesToClose,
		}, probe, logger)
	}
	return kb, nil
}

// NewKafkaBreakerFromEnv builds a KafkaBreaker from KafkaSettingsFromEnv.
func NewKafkaBreakerFromEnv(name string, probe func(ctx context.Context) error, logger *slog.Logger) (*KafkaBreaker, error) {
	s, err := KafkaSettingsFromEnv(nil)
	if err != nil {
		return nil, err
	}
	return NewKafkaBreaker(name, s, probe, logger)
}

// Enabled reports whether writes go through the breaker.
func (k *KafkaBreaker) Enabled() bool {
	return k != nil && k.breaker != nil
}

// Settings returns the effective settings.
func (k *KafkaBreaker) Settings() KafkaSettings { return k.settings }

// Breaker exposes the underlying breaker; nil when disabled.
func (k *KafkaBreaker) Breaker() *Breaker {
	if k == nil {
		return nil
	}
	return k.breaker
}

// CBKafkaWriter guards a MessageWriter with a KafkaBreaker.
type CBKafkaWriter struct {
	breaker *KafkaBreaker
	writer  MessageWriter
}

func NewCBKafkaWriter(writer MessageWriter, breaker *KafkaBreaker) *CBKafkaWriter {
	return &CBKafkaWriter{writer: writer, breaker: breaker}
}

// WriteMessages writes msgs, retrying failed writes with back-off. While the
// breaker is open it waits for it to half-open, unless ctx ends first, in
// which case ErrOpen comes back at once. Otherwise it gives up after
// Attempts failed writes.
func (w *CBKafkaWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w == nil || w.writer == nil {
		return errors.New("nil kafka writer")
	}
	if !w.breaker.Enabled() {
		return w.writer.WriteMessages(ctx, msgs...)
	}
	write := func(attemptCtx context.Context) error {
		return w.writer.WriteMessages(attemptCtx, msgs...)
	}
	return w.breaker.retry(ctx, write)
}

func (k *KafkaBreaker) retry(ctx context.Context, op func(ctx context.Context) error) error {
	failed := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := k.attempt(ctx, op)
		if err == nil {
			return nil
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if errors.Is(err, ErrOpen) {
			if k.openPastDeadline(ctx) {
				return err
			}
		} else {
			failed++
			if failed >= k.settings.Attempts {
				return err
			}
		}
		if k.settings.Backoff <= 0 {
			continue
		}
		t := time.NewTimer(k.settings.Backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (k *KafkaBreaker) openPastDeadline(ctx context.Context) bool {
	deadline, ok := ctx.Deadline()
	if !ok {
		return false
	}
	at, open := k.breaker.ReopensAt()
	return open && !deadline.After(at)
}

func (k *KafkaBreaker) attempt(ctx context.Context, op func(ctx context.Context) error) error {
	if k.settings.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, k.settings.AttemptTimeout)
		defer cancel()
	}
	return k.breaker.Execute(ctx, op)
}
