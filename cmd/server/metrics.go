//go:build linux || darwin

package main

import (
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"goji.io"
	"goji.io/pat"

	"github.com/matst80/procwrap/internal/obs"
	"github.com/matst80/procwrap/internal/web"
)

// newMetricsMux serves Prometheus metrics plus lightweight dashboard & state endpoints.
func newMetricsMux(state *serverState) *goji.Mux {
	mux := goji.NewMux()
	mux.Handle(pat.Get("/metrics"), promhttp.Handler())
	mux.HandleFunc(pat.Get("/api/state"), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(collectStats(state))
	})
	mux.HandleFunc(pat.Get("/dashboard"), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := web.Render(w, "dashboard", "sessions", collectStats(state)); err != nil {
			obs.Warn("metrics.dashboard", obs.Fields{"err": err.Error()})
		}
	})
	mux.HandleFunc(pat.Get("/healthz"), func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc(pat.Get("/readyz"), func(w http.ResponseWriter, r *http.Request) {
		if state.isClosing() || !state.isReady() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	return mux
}

// startMetricsServer listens on addr right away so a bad address fails
// startup, then serves in the background.
func startMetricsServer(addr string, state *serverState) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	srv := &http.Server{Handler: newMetricsMux(state), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			obs.Error("metrics.server", obs.Fields{"err": err.Error(), "addr": addr})
		}
	}()
	obs.Info("metrics.listen", obs.Fields{"addr": ln.Addr().String()})
	return srv, nil
}
