package main

import (
	"encoding/json"
	"expvar"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"runtime"
	"sync/atomic"

	"github.com/vito/thunk/pkg/thunk"
)

func setupDebugHandlers(addr string) error {
	m := http.NewServeMux()
	m.Handle("/debug/vars", expvar.Handler())
	m.Handle("/debug/pprof/", http.HandlerFunc(pprof.Index))
	m.Handle("/debug/pprof/cmdline", http.HandlerFunc(pprof.Cmdline))
	m.Handle("/debug/pprof/profile", http.HandlerFunc(pprof.Profile))
	m.Handle("/debug/pprof/symbol", http.HandlerFunc(pprof.Symbol))
	m.Handle("/debug/pprof/trace", http.HandlerFunc(pprof.Trace))
	m.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	m.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))

	m.Handle("/debug/thunk/stats", http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		rw.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(rw).Encode(lastStats.Load()); err != nil {
			slog.Warn("failed to encode stats", "err", err)
		}
	}))

	m.Handle("/debug/gc", http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		runtime.GC()
		slog.Warn("triggered GC from debug endpoint")
	}))

	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	slog.Info("debug handlers listening", "debugAddr", addr)
	go http.Serve(l, m) //nolint:errcheck
	return nil
}

// lastStats is the most recent snapshot taken by the evaluating goroutine.
// HTTP handlers only ever read it, never the live EvalState.
var lastStats atomic.Pointer[thunk.Stats]

var evalStats = expvar.NewMap("thunk")

func init() {
	evalStats.Set("stats", expvar.Func(func() any {
		return lastStats.Load()
	}))
}

// publishStats snapshots st's counters for the debug handlers. It must be
// called from the goroutine that evaluates with st.
func publishStats(st *thunk.EvalState) {
	snapshot := st.Stats()
	lastStats.Store(&snapshot)

	mode := new(expvar.String)
	mode.Set(st.Mode().String())
	evalStats.Set("mode", mode)
}
