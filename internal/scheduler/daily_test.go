package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func TestNextMidnight(t *testing.T) {
	rome, err := time.LoadLocation("Europe/Rome")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	cases := []struct {
		name string
		in   time.Time
		want time.Time
	}{
		{"afternoon", time.Date(2024, 5, 10, 15, 30, 0, 0, rome), time.Date(2024, 5, 11, 0, 0, 0, 0, rome)},
		{"exactly midnight", time.Date(2024, 5, 10, 0, 0, 0, 0, rome), time.Date(2024, 5, 11, 0, 0, 0, 0, rome)},
		{"month end", time.Date(2024, 1, 31, 23, 59, 59, 0, rome), time.Date(2024, 2, 1, 0, 0, 0, 0, rome)},
		{"leap day", time.Date(2024, 2, 28, 12, 0, 0, 0, rome), time.Date(2024, 2, 29, 0, 0, 0, 0, rome)},
		{"dst start", time.Date(2024, 3, 30, 22, 0, 0, 0, rome), time.Date(2024, 3, 31, 0, 0, 0, 0, rome)},
		{"other zone input", time.Date(2024, 5, 10, 23, 30, 0, 0, time.UTC), time.Date(2024, 5, 12, 0, 0, 0, 0, rome)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := NextMidnight(tc.in, rome); !got.Equal(tc.want) {
				t.Fatalf("NextMidnight(%v) = %v, want %v", tc.in, got, tc.want)
			}
		})
	}

	// the day after DST starts is 23 hours long
	d := NextMidnight(time.Date(2024, 3, 31, 0, 0, 0, 0, rome), rome).Sub(time.Date(2024, 3, 31, 0, 0, 0, 0, rome))
	if d != 23*time.Hour {
		t.Fatalf("dst day length %v, want 23h", d)
	}
}

func TestRunFiresAtEachMidnight(t *testing.T) {
	var (
		mu    sync.Mutex
		now   = time.Date(2024, 5, 10, 18, 0, 0, 0, time.UTC)
		fired []time.Time
		waits []time.Duration
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := NewDaily(time.UTC, func(_ context.Context, at time.Time) {
		mu.Lock()
		fired = append(fired, at)
		n := len(fired)
		mu.Unlock()
		if n == 3 {
			cancel()
		}
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	s.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	s.after = func(d time.Duration) <-chan time.Time {
		mu.Lock()
		waits = append(waits, d)
		// the job takes a few seconds past midnight
		now = now.Add(d + 5*time.Second)
		mu.Unlock()
		ch := make(chan time.Time, 1)
		ch <- now
		return ch
	}

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(fired) != 3 {
		t.Fatalf("fired %d times, want 3", len(fired))
	}
	for i, at := range fired {
		want := time.Date(2024, 5, 11+i, 0, 0, 0, 0, time.UTC)
		if !at.Equal(want) {
			t.Fatalf("firing %d at %v, want %v", i, at, want)
		}
	}
	if waits[0] != 6*time.Hour || waits[1] != 24*time.Hour-5*time.Second {
		t.Fatalf("unexpected waits %v", waits)
	}
}

func TestNewDailyRequiresJob(t *testing.T) {
	if _, err := NewDaily(nil, nil, nil); err == nil {
		t.Fatal("expected error without job")
	}
}
