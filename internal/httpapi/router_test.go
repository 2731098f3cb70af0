package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/joewstanley/raspbeery-pi/internal/inventory"
	"github.com/joewstanley/raspbeery-pi/internal/metrics"
	"github.com/joewstanley/raspbeery-pi/internal/monitor"
	"github.com/joewstanley/raspbeery-pi/internal/store"
)

type fakeService struct {
	views     []inventory.View
	system    inventory.SystemView
	report    []monitor.UsageReport
	err       error
	bevPatch  monitor.BeveragePatch
	bevIndex  int
	sysPatch  monitor.SystemPatch
	control   map[int]bool
	auto      map[int]bool
	rolled    []int
	rolledAll bool
}

func (f *fakeService) check(index int) error {
	if f.err != nil {
		return f.err
	}
	if index < 0 || index >= len(f.views) {
		return fmt.Errorf("beverage %d: %w", index, inventory.ErrIndexOutOfRange)
	}
	return nil
}

func (f *fakeService) Beverages() []inventory.View  { return f.views }
func (f *fakeService) System() inventory.SystemView { return f.system }

func (f *fakeService) WeeklyUsage(context.Context) ([]monitor.UsageReport, error) {
	return f.report, f.err
}

func (f *fakeService) UpdateSystem(_ context.Context, p monitor.SystemPatch) (inventory.SystemView, error) {
	f.sysPatch = p
	return f.system, f.err
}

func (f *fakeService) UpdateBeverage(_ context.Context, index int, p monitor.BeveragePatch) (inventory.View, error) {
	if err := f.check(index); err != nil {
		return inventory.View{}, err
	}
	f.bevIndex, f.bevPatch = index, p
	return f.views[index], nil
}

func (f *fakeService) ToggleDeviceConnection(_ context.Context, index int, state bool) error {
	if err := f.check(index); err != nil {
		return err
	}
	if f.control == nil {
		f.control = map[int]bool{}
	}
	f.control[index] = state
	return nil
}

func (f *fakeService) Rollup(_ context.Context, index int) (store.DailyTotal, error) {
	if err := f.check(index); err != nil {
		return store.DailyTotal{}, err
	}
	f.rolled = append(f.rolled, index)
	return store.DailyTotal{Beverage: index + 1, DateMs: 1, Amount: 2}, nil
}

func (f *fakeService) RollupAll(context.Context) ([]store.DailyTotal, error) {
	f.rolledAll = true
	return []store.DailyTotal{{Beverage: 1}, {Beverage: 2}}, f.err
}

func (f *fakeService) SwitchAutoUpdate(_ context.Context, index int, state bool) error {
	if err := f.check(index); err != nil {
		return err
	}
	if f.auto == nil {
		f.auto = map[int]bool{}
	}
	f.auto[index] = state
	return nil
}

func newFake() *fakeService {
	return &fakeService{
		views: []inventory.View{
			{Name: "Pale Ale", Tap: 4, Storage: 20, DaysLeft: 4},
			{Name: "Stout", Tap: 5, Storage: 50, DaysLeft: 10, Online: true},
		},
		system: inventory.SystemView{MinTapSize: 1, MinStorageSize: 1, TapSize: 5, MaxStorage: 310, OrderAmount: 31, DaysToOrder: 1},
		report: []monitor.UsageReport{{
			Usage: inventory.Usage{TotalDispensed: 10, DaysDispensed: 2, Day: 1.5},
			Week:  []store.DailyTotal{{Beverage: 1, DateMs: 100, Amount: 3}},
		}},
	}
}

func serve(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func newTestRouter(svc Service, health *HealthState) http.Handler {
	return NewRouter(svc, health, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestDataRoutes(t *testing.T) {
	svc := newFake()
	h := newTestRouter(svc, NewHealthState())

	rec := serve(t, h, http.MethodGet, "/data/beverage", "")
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "application/json" {
		t.Fatalf("beverage: %d %q", rec.Code, rec.Header().Get("Content-Type"))
	}
	var views []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &views); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(views) != 2 || views[1]["name"] != "Stout" || views[1]["online"] != true || views[0]["days_left"] != 4.0 {
		t.Fatalf("views = %v", views)
	}

	rec = serve(t, h, http.MethodGet, "/data/system", "")
	var system map[string]float64
	if err := json.Unmarshal(rec.Body.Bytes(), &system); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if system["min_tap_size"] != 1 || system["order_amount"] != 31 {
		t.Fatalf("system = %v", system)
	}

	rec = serve(t, h, http.MethodGet, "/data/usage", "")
	var usage []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &usage); err != nil {
		t.Fatalf("decode: %v", err)
	}
	week, _ := usage[0]["week"].([]any)
	if usage[0]["total_dispensed"] != 10.0 || usage[0]["day"] != 1.5 || len(week) != 1 {
		t.Fatalf("usage = %v", usage)
	}
	if first, _ := week[0].(map[string]any); first["amount"] != 3.0 || first["date"] != 100.0 {
		t.Fatalf("week record = %v", week[0])
	}
}

func TestUpdateBeverageAcceptsFormStrings(t *testing.T) {
	svc := newFake()
	h := newTestRouter(svc, NewHealthState())

	rec := serve(t, h, http.MethodPost, "/update/beverage",
		`{"beverage":{"index":"1","name":"Porter","tap":"","storage":"12.5","average_dispensed":null}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body %s", rec.Code, rec.Body.String())
	}
	p := svc.bevPatch
	if svc.bevIndex != 1 || p.Name == nil || *p.Name != "Porter" || p.Tap != nil || p.Storage == nil || *p.Storage != 12.5 || p.AverageDispensed != nil {
		t.Fatalf("patch = %+v", p)
	}
}

func TestUpdateSystem(t *testing.T) {
	svc := newFake()
	h := newTestRouter(svc, NewHealthState())
	rec := serve(t, h, http.MethodPost, "/update/system", `{"system":{"tap_size":6,"days_to_order":"2"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	p := svc.sysPatch
	if p.TapSize == nil || *p.TapSize != 6 || p.DaysToOrder == nil || *p.DaysToOrder != 2 || p.OrderAmount != nil || p.MaxStorage != nil {
		t.Fatalf("patch = %+v", p)
	}
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		path string
		body string
		want int
	}{
		{"out of range", nil, "/update/beverage", `{"beverage":{"index":7,"name":"x"}}`, http.StatusNotFound},
		{"invalid value", fmt.Errorf("wrapped: %w", inventory.ErrInvalidValue), "/update/system", `{"system":{"tap_size":0}}`, http.StatusBadRequest},
		{"bad json", nil, "/update/system", `{"system":`, http.StatusBadRequest},
		{"not a number", nil, "/update/system", `{"system":{"tap_size":"five"}}`, http.StatusBadRequest},
		{"missing index", nil, "/update/beverage", `{"beverage":{"name":"x"}}`, http.StatusBadRequest},
		{"missing state", nil, "/update/control", `{"beverage":0}`, http.StatusBadRequest},
		{"transport failure", errors.New("mqtt down"), "/update/control", `{"beverage":0,"state":true}`, http.StatusBadGateway},
		{"store failure", errors.New("disk"), "/update/usage", `{"beverage":-1}`, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := newFake()
			svc.err = tc.err
			rec := serve(t, newTestRouter(svc, NewHealthState()), http.MethodPost, tc.path, tc.body)
			if rec.Code != tc.want {
				t.Fatalf("status %d, want %d (body %s)", rec.Code, tc.want, rec.Body.String())
			}
			var body map[string]string
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body["error"] == "" {
				t.Fatalf("expected json error body, got %q", rec.Body.String())
			}
		})
	}
}

func TestControlAndAuto(t *testing.T) {
	svc := newFake()
	h := newTestRouter(svc, NewHealthState())
	if rec := serve(t, h, http.MethodPost, "/update/control", `{"beverage":1,"state":false}`); rec.Code != http.StatusNoContent {
		t.Fatalf("control status %d", rec.Code)
	}
	if state, ok := svc.control[1]; !ok || state {
		t.Fatalf("control = %v", svc.control)
	}
	if rec := serve(t, h, http.MethodPost, "/update/auto", `{"beverage":"0","state":true}`); rec.Code != http.StatusNoContent {
		t.Fatalf("auto status %d", rec.Code)
	}
	if !svc.auto[0] {
		t.Fatalf("auto = %v", svc.auto)
	}
}

func TestUsageRollup(t *testing.T) {
	svc := newFake()
	h := newTestRouter(svc, NewHealthState())
	rec := serve(t, h, http.MethodPost, "/update/usage", `{"beverage":1}`)
	if rec.Code != http.StatusOK || len(svc.rolled) != 1 || svc.rolled[0] != 1 || svc.rolledAll {
		t.Fatalf("single rollup: %d %v %v", rec.Code, svc.rolled, svc.rolledAll)
	}
	rec = serve(t, h, http.MethodPost, "/update/usage", `{"beverage":-1}`)
	var recs []store.DailyTotal
	if err := json.Unmarshal(rec.Body.Bytes(), &recs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.Code != http.StatusOK || !svc.rolledAll || len(recs) != 2 {
		t.Fatalf("rollup all: %d %v", rec.Code, recs)
	}
}

func TestHealthAndRouting(t *testing.T) {
	health := NewHealthState()
	h := newTestRouter(newFake(), health)

	if rec := serve(t, h, http.MethodGet, "/health", ""); rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Fatalf("live: %d %q", rec.Code, rec.Body.String())
	}
	if rec := serve(t, h, http.MethodGet, "/health/ready", ""); rec.Code != http.StatusServiceUnavailable || rec.Body.String() != "NOT_READY" {
		t.Fatalf("ready before start: %d %q", rec.Code, rec.Body.String())
	}
	health.SetReady(true)
	if rec := serve(t, h, http.MethodGet, "/health/ready", ""); rec.Code != http.StatusOK {
		t.Fatalf("ready: %d", rec.Code)
	}
	if rec := serve(t, h, http.MethodPost, "/data/beverage", "{}"); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("wrong method: %d", rec.Code)
	}
	if rec := serve(t, h, http.MethodGet, "/nope", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown path: %d", rec.Code)
	}
	if rec := serve(t, h, http.MethodGet, "/metrics", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("metrics without instrumenter: %d", rec.Code)
	}
}

func TestMetricsRoute(t *testing.T) {
	m := metrics.New()
	h := NewRouter(newFake(), NewHealthState(), m, slog.New(slog.NewTextHandler(io.Discard, nil)))
	serve(t, h, http.MethodGet, "/data/system", "")

	rec := serve(t, h, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `tapmonitor_http_requests_total{route="/data/system",status="200"} 1`) {
		t.Fatalf("request not counted:\n%s", rec.Body.String())
	}
}
