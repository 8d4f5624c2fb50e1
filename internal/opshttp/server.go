package opshttp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/linnemanlabs-updates/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-updates/internal/log"
	"github.com/keithlinneman/linnemanlabs-updates/internal/xerrors"
)

// NewHandler builds the ops router: probes, /metrics, pprof and the
// registered APIs.
func NewHandler(L log.Logger, opts *Options) http.Handler {
	L = log.OrNop(L)
	r := chi.NewRouter()
	r.Use(httpmw.RequestID, httpmw.WithLogger(L), httpmw.Recover(L, opts.OnPanic))
	r.Use(opts.Middleware...)
	r.Use(httpmw.AccessLog, httpmw.AnnotateRoute)

	r.Get("/-/healthy", probeHandler(opts.Health, "ok"))
	r.Get("/-/ready", probeHandler(opts.Readiness, "ready"))

	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler { return requireNonPublicNetwork(L, next) })
		if opts.EnablePprof {
			registerPprof(r)
		}
		if len(opts.APIs) == 0 {
			return
		}
		r.Group(func(r chi.Router) {
			r.Use(opts.APIMiddleware...)
			for _, api := range opts.APIs {
				api.RegisterRoutes(r)
			}
		})
	})
	return r
}

// Start serves the ops handler on opts.Port (default 9000).
// Returns stop(ctx) for graceful shutdown
func Start(ctx context.Context, L log.Logger, opts *Options) (func(context.Context) error, error) {
	L = log.OrNop(L)
	if opts == nil {
		opts = &Options{}
	}
	port := opts.Port
	if port == 0 {
		port = 9000
	}
	addr := fmt.Sprintf(":%d", port)

	srv := &http.Server{
		Addr:              addr,
		Handler:           NewHandler(L, opts),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// pprof profile and trace stream for up to 30s
		WriteTimeout:   45 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, xerrors.Wrapf(err, "could not listen for admin port on addr=%v", addr)
	}

	go func() {
		L.Info(ctx, "ops http server listening", "addr", addr)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			L.Error(ctx, err, "ops http server error")
		}
	}()

	var once sync.Once
	stop := func(sctx context.Context) (retErr error) {
		once.Do(func() {
			L.Info(sctx, "ops http server shutting down")
			c, cancel := context.WithTimeout(sctx, 5*time.Second)
			defer cancel()
			retErr = srv.Shutdown(c)
		})
		return retErr
	}
	return stop, nil
}
