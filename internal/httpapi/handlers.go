// v0
// internal/httpapi/handlers.go
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/joewstanley/raspbeery-pi/internal/inventory"
	"github.com/joewstanley/raspbeery-pi/internal/monitor"
	"github.com/joewstanley/raspbeery-pi/internal/store"
)

// Service is the monitor surface served over HTTP.
type Service interface {
	Beverages() []inventory.View
	System() inventory.SystemView
	WeeklyUsage(ctx context.Context) ([]monitor.UsageReport, error)
	UpdateSystem(ctx context.Context, patch monitor.SystemPatch) (inventory.SystemView, error)
	UpdateBeverage(ctx context.Context, index int, patch monitor.BeveragePatch) (inventory.View, error)
	ToggleDeviceConnection(ctx context.Context, index int, state bool) error
	Rollup(ctx context.Context, index int) (store.DailyTotal, error)
	RollupAll(ctx context.Context) ([]store.DailyTotal, error)
	SwitchAutoUpdate(ctx context.Context, index int, state bool) error
}

const maxBodyBytes = 1 << 20

type handlers struct {
	svc    Service
	logger *slog.Logger
}

type systemRequest struct {
	System struct {
		TapSize     optionalFloat `json:"tap_size"`
		OrderAmount optionalFloat `json:"order_amount"`
		MaxStorage  optionalFloat `json:"max_storage"`
		DaysToOrder optionalFloat `json:"days_to_order"`
	} `json:"system"`
}

type beverageRequest struct {
	Beverage struct {
		Index            *flexInt       `json:"index"`
		Name             optionalString `json:"name"`
		Tap              optionalFloat  `json:"tap"`
		Storage          optionalFloat  `json:"storage"`
		AverageDispensed optionalFloat  `json:"average_dispensed"`
	} `json:"beverage"`
}

// stateRequest is shared by the control and auto update routes.
type stateRequest struct {
	Beverage *flexInt `json:"beverage"`
	State    *bool    `json:"state"`
}

type usageRequest struct {
	Beverage *flexInt `json:"beverage"`
}

func (h *handlers) beverages(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.svc.Beverages())
}

func (h *handlers) system(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.svc.System())
}

func (h *handlers) usage(w http.ResponseWriter, r *http.Request) {
	report, err := h.svc.WeeklyUsage(r.Context())
	if err != nil {
		h.respondFailure(w, err, http.StatusInternalServerError)
		return
	}
	h.respondJSON(w, http.StatusOK, report)
}

func (h *handlers) updateSystem(w http.ResponseWriter, r *http.Request) {
	var req systemRequest
	if !h.decode(w, r, &req) {
		return
	}
	view, err := h.svc.UpdateSystem(r.Context(), monitor.SystemPatch{
		TapSize:     req.System.TapSize.ptr(),
		OrderAmount: req.System.OrderAmount.ptr(),
		MaxStorage:  req.System.MaxStorage.ptr(),
		DaysToOrder: req.System.DaysToOrder.ptr(),
	})
	if err != nil {
		h.respondFailure(w, err, http.StatusInternalServerError)
		return
	}
	h.respondJSON(w, http.StatusOK, view)
}

func (h *handlers) updateBeverage(w http.ResponseWriter, r *http.Request) {
	var req beverageRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Beverage.Index == nil {
		h.respondError(w, http.StatusBadRequest, "missing beverage index")
		return
	}
	view, err := h.svc.UpdateBeverage(r.Context(), int(*req.Beverage.Index), monitor.BeveragePatch{
		Name:             req.Beverage.Name.ptr(),
		Tap:              req.Beverage.Tap.ptr(),
		Storage:          req.Beverage.Storage.ptr(),
		AverageDispensed: req.Beverage.AverageDispensed.ptr(),
	})
	if err != nil {
		h.respondFailure(w, err, http.StatusInternalServerError)
		return
	}
	h.respondJSON(w, http.StatusOK, view)
}

func (h *handlers) updateControl(w http.ResponseWriter, r *http.Request) {
	var req stateRequest
	if !h.decodeState(w, r, &req) {
		return
	}
	if err := h.svc.ToggleDeviceConnection(r.Context(), int(*req.Beverage), *req.State); err != nil {
		h.respondFailure(w, err, http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) updateUsage(w http.ResponseWriter, r *http.Request) {
	var req usageRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Beverage == nil {
		h.respondError(w, http.StatusBadRequest, "missing beverage")
		return
	}
	if *req.Beverage == -1 {
		recs, err := h.svc.RollupAll(r.Context())
		if err != nil {
			h.respondFailure(w, err, http.StatusInternalServerError)
			return
		}
		h.respondJSON(w, http.StatusOK, recs)
		return
	}
	rec, err := h.svc.Rollup(r.Context(), int(*req.Beverage))
	if err != nil {
		h.respondFailure(w, err, http.StatusInternalServerError)
		return
	}
	h.respondJSON(w, http.StatusOK, []store.DailyTotal{rec})
}

func (h *handlers) updateAuto(w http.ResponseWriter, r *http.Request) {
	var req stateRequest
	if !h.decodeState(w, r, &req) {
		return
	}
	if err := h.svc.SwitchAutoUpdate(r.Context(), int(*req.Beverage), *req.State); err != nil {
		h.respondFailure(w, err, http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst); err != nil {
		h.respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

func (h *handlers) decodeState(w http.ResponseWriter, r *http.Request, req *stateRequest) bool {
	if !h.decode(w, r, req) {
		return false
	}
	if req.Beverage == nil || req.State == nil {
		h.respondError(w, http.StatusBadRequest, "beverage and state are required")
		return false
	}
	return true
}

// respondFailure maps ledger sentinels to client errors and everything else
// to fallback.
func (h *handlers) respondFailure(w http.ResponseWriter, err error, fallback int) {
	switch {
	case errors.Is(err, inventory.ErrIndexOutOfRange):
		h.respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, inventory.ErrInvalidValue):
		h.respondError(w, http.StatusBadRequest, err.Error())
	default:
		h.respondError(w, fallback, err.Error())
	}
}

func (h *handlers) respondError(w http.ResponseWriter, code int, msg string) {
	h.logger.Warn("http_error", slog.Int("code", code), slog.String("msg", msg))
	h.respondJSON(w, code, map[string]string{"error": msg})
}

func (h *handlers) respondJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("write_response_failed", slog.Any("err", err))
	}
}
