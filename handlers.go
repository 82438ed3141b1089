package serveit

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"
)

// healthStatus is the body of the meta server's /health endpoint.
type healthStatus struct {
	Healthy bool  `json:"healthy"`
	Uptime  int64 `json:"uptime"`
}

// metaHandler routes the meta server: probes, /health, /metrics and /events.
// Nothing served here passes through the access log or the request metrics.
func (srv *Server) metaHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz/", srv.healthzHandler)
	mux.HandleFunc("/readyz/", srv.readyzHandler)
	mux.HandleFunc("/livez/", srv.livezHandler)
	mux.HandleFunc("/health", srv.healthHandler)
	mux.Handle("/metrics", srv.metrics.Handler())
	mux.Handle("/events", srv.events)
	return mux
}

func (srv *Server) livezHandler(w http.ResponseWriter, r *http.Request) {
	srv.healthHandlerHelper(w, r, "alive", &srv.isLive)
}

func (srv *Server) readyzHandler(w http.ResponseWriter, r *http.Request) {
	srv.healthHandlerHelper(w, r, "ready", &srv.isReady)
}

func (srv *Server) healthzHandler(w http.ResponseWriter, r *http.Request) {
	srv.healthHandlerHelper(w, r, "ok", &srv.isLive)
}

func (srv *Server) healthHandlerHelper(w http.ResponseWriter, request *http.Request, probe string,
	status *atomic.Bool) {
	if status.Load() {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte(probe)); err != nil {
			srv.metaLog.Error(fmt.Sprintf("error writing endpoint status (%s)", probe), "error", err)
		}
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		if _, err := w.Write([]byte("unhealthy")); err != nil {
			srv.metaLog.Error(fmt.Sprintf("error writing endpoint status (%s)", probe), "error", err)
		}
	}
}

// healthHandler reports liveness and uptime in milliseconds as JSON.
func (srv *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	status := healthStatus{
		Healthy: srv.isLive.Load(),
		Uptime:  time.Since(srv.started).Milliseconds(),
	}
	w.Header().Set("Content-Type", "application/json")
	if !status.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(status); err != nil {
		srv.metaLog.Error("error writing health status", "error", err)
	}
}
