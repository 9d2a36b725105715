package main

import (
	"encoding/json"
	"net/http"
	"net/http/pprof"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type statsResponse struct {
	Ops     uint64   `json:"ops"`
	Reads   uint64   `json:"reads"`
	Writes  uint64   `json:"writes"`
	Hits    uint64   `json:"hits"`
	Misses  uint64   `json:"misses"`
	Errors  uint64   `json:"errors"`
	Evicted int64    `json:"evicted"`
	Cache   snapshot `json:"cache"`
}

func newRouter(reg *prometheus.Registry, t target, cnt *counters) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	r.Get("/stats", func(w http.ResponseWriter, req *http.Request) {
		resp := statsResponse{
			Ops:     cnt.total.Load(),
			Reads:   cnt.reads.Load(),
			Writes:  cnt.writes.Load(),
			Hits:    cnt.hits.Load(),
			Misses:  cnt.misses.Load(),
			Errors:  cnt.errs.Load(),
			Evicted: cnt.evicted.Load(),
			Cache:   t.stats(req.Context()),
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})
	return r
}

func newPprofRouter() http.Handler {
	r := chi.NewRouter()
	r.HandleFunc("/debug/pprof/", pprof.Index)
	r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	r.HandleFunc("/debug/pprof/profile", pprof.Profile)
	r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	r.HandleFunc("/debug/pprof/trace", pprof.Trace)
	r.HandleFunc("/debug/pprof/{name}", pprof.Index)
	return r
}
