package telemetry

import (
	"context"
	"net/http"
	"net/http/pprof"
	"runtime"
	"time"

	"github.com/rs/zerolog/log"
)

// ProfilingServer provides HTTP endpoints for Go profiling
type ProfilingServer struct {
	server *http.Server
	addr   string
}

// NewProfilingServer creates a new profiling server
func NewProfilingServer(addr string) *ProfilingServer {
	ps := &ProfilingServer{addr: addr}
	ps.server = &http.Server{
		Addr:              addr,
		Handler:           ps.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return ps
}

// Handler serves pprof under /debug/pprof/ plus runtime stats and build info.
func (ps *ProfilingServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	mux.HandleFunc("GET /debug/stats", ps.statsHandler)
	mux.HandleFunc("GET /debug/build", ps.buildInfoHandler)
	return mux
}

// Start starts the profiling server with pprof endpoints
func (ps *ProfilingServer) Start() error {
	log.Info().Str("addr", ps.addr).Msg("Starting profiling server")
	if err := ps.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the profiling server
func (ps *ProfilingServer) Shutdown(ctx context.Context) error {
	return ps.server.Shutdown(ctx)
}

func (ps *ProfilingServer) statsHandler(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	writeJSON(w, http.StatusOK, map[string]any{
		"memory": map[string]any{
			"alloc_mb":       bToMb(m.Alloc),
			"total_alloc_mb": bToMb(m.TotalAlloc),
			"sys_mb":         bToMb(m.Sys),
			"heap_inuse_mb":  bToMb(m.HeapInuse),
			"heap_objects":   m.HeapObjects,
		},
		"gc": map[string]any{
			"num_gc":         m.NumGC,
			"pause_total_ns": m.PauseTotalNs,
		},
		"goroutines": runtime.NumGoroutine(),
		"timestamp":  time.Now(),
	})
}

func (ps *ProfilingServer) buildInfoHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"go_version": runtime.Version(),
		"go_os":      runtime.GOOS,
		"go_arch":    runtime.GOARCH,
		"num_cpu":    runtime.NumCPU(),
		"max_procs":  runtime.GOMAXPROCS(0),
	})
}

// bToMb converts bytes to megabytes
func bToMb(b uint64) float64 {
	return float64(b) / 1024 / 1024
}
