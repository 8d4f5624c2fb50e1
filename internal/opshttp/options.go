package opshttp

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/linnemanlabs-updates/internal/health"
)

// RouteRegistrar mounts additional endpoints on the ops router.
type RouteRegistrar interface {
	RegisterRoutes(r chi.Router)
}

type Options struct {
	Port        int
	Metrics     http.Handler
	EnablePprof bool
	Health      health.Probe
	Readiness   health.Probe
	// Middleware wraps every route, e.g. request metrics.
	Middleware []func(http.Handler) http.Handler
	// APIs are served only to loopback and private addresses.
	APIs []RouteRegistrar
	// APIMiddleware wraps the API routes only.
	APIMiddleware []func(http.Handler) http.Handler
	OnPanic       func()
}
