// v0
// internal/httpapi/router.go

// Package httpapi serves the monitor read models and operator commands.
package httpapi

import (
	"io"
	"log/slog"
	"net/http"
	"time"

	ghandlers "github.com/gorilla/handlers"
	"github.com/gorilla/mux"
)

// Instrumenter wraps a route handler with request metrics.
// *metrics.Metrics satisfies it.
type Instrumenter interface {
	WrapHandler(route string, next http.Handler) http.Handler
	Handler() http.Handler
}

// NewRouter wires the data, update and health routes. A nil instrumenter
// serves no /metrics route.
func NewRouter(svc Service, health *HealthState, inst Instrumenter, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &handlers{svc: svc, logger: logger}
	r := mux.NewRouter()

	route := func(path, method string, fn http.HandlerFunc) {
		var next http.Handler = fn
		if inst != nil {
			next = inst.WrapHandler(path, next)
		}
		r.Handle(path, next).Methods(method)
	}
	route("/data/beverage", http.MethodGet, h.beverages)
	route("/data/system", http.MethodGet, h.system)
	route("/data/usage", http.MethodGet, h.usage)
	route("/update/system", http.MethodPost, h.updateSystem)
	route("/update/beverage", http.MethodPost, h.updateBeverage)
	route("/update/control", http.MethodPost, h.updateControl)
	route("/update/usage", http.MethodPost, h.updateUsage)
	route("/update/auto", http.MethodPost, h.updateAuto)

	r.Handle("/health", healthLiveHandler()).Methods(http.MethodGet)
	r.Handle("/health/live", healthLiveHandler()).Methods(http.MethodGet)
	r.Handle("/health/ready", healthReadyHandler(health)).Methods(http.MethodGet)
	if inst != nil {
		r.Handle("/metrics", inst.Handler()).Methods(http.MethodGet)
	}

	r.NotFoundHandler = textHandler(http.StatusNotFound, "not found")
	r.MethodNotAllowedHandler = textHandler(http.StatusMethodNotAllowed, "method not allowed")

	recovery := ghandlers.RecoveryHandler(
		ghandlers.RecoveryLogger(slog.NewLogLogger(logger.Handler(), slog.LevelError)),
		ghandlers.PrintRecoveryStack(true),
	)
	return recovery(WrapWithLogging(logger, r))
}

// WrapWithLogging emits one http_request record per request.
func WrapWithLogging(logger *slog.Logger, next http.Handler) http.Handler {
	return ghandlers.CustomLoggingHandler(io.Discard, next, func(_ io.Writer, p ghandlers.LogFormatterParams) {
		logger.Info("http_request",
			slog.String("method", p.Request.Method),
			slog.String("path", p.URL.Path),
			slog.Int("status", p.StatusCode),
			slog.Int("size", p.Size),
			slog.String("duration", time.Since(p.TimeStamp).String()),
		)
	})
}

// NewServer applies the configured timeouts to handler.
func NewServer(addr string, handler http.Handler, readTimeout, writeTimeout time.Duration) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadTimeout:       readTimeout,
		ReadHeaderTimeout: readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       writeTimeout,
	}
}

func healthLiveHandler() http.Handler {
	return textHandler(http.StatusOK, "OK")
}

func healthReadyHandler(health *HealthState) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if health == nil || !health.Ready() {
			writeText(w, http.StatusServiceUnavailable, "NOT_READY")
			return
		}
		writeText(w, http.StatusOK, "OK")
	})
}

func textHandler(code int, body string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeText(w, code, body)
	})
}

func writeText(w http.ResponseWriter, code int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(body))
}
