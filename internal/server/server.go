package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/cpinitiative/ide-lsp-modal/internal/config"
	"github.com/cpinitiative/ide-lsp-modal/internal/serverstate"
)

// Server accepts client websocket connections and bridges each one to a
// dedicated language server process.
type Server struct {
	cfg config.ServerConfig

	preemptOnce sync.Once
	preempt     chan struct{}

	mu     sync.Mutex
	active map[string]int
	total  int
}

// New constructs a Server from the given configuration.
func New(cfg config.ServerConfig) *Server {
	return &Server{
		cfg:     cfg,
		preempt: make(chan struct{}),
		active:  map[string]int{},
	}
}

// Routes constructs the HTTP handler for the server.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	if len(s.cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.cfg.AllowedOrigins,
			AllowedMethods: []string{"GET", "OPTIONS"},
			AllowedHeaders: []string{"*"},
		}))
	}
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("ok")) })
	r.Get("/state", s.handleState)
	r.Get("/lsp/{backend}", s.handleLSP)
	if s.cfg.MetricsAddr == fmt.Sprintf(":%d", s.cfg.Port) {
		r.Handle("/metrics", promhttp.Handler())
	}
	return r
}

// Preempt signals every live connection to close with a "server-preempted"
// reason. New connections are still accepted; callers that want to refuse
// them should also start a drain via serverstate.StartDrain.
func (s *Server) Preempt() {
	s.preemptOnce.Do(func() { close(s.preempt) })
}

// acquire reserves a connection slot for the named backend. It reports false
// when the server is at its connection ceiling.
func (s *Server) acquire(backend string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.total >= s.cfg.MaxConnections {
		return false
	}
	s.total++
	s.active[backend]++
	return true
}

func (s *Server) release(backend string) {
	s.mu.Lock()
	s.total--
	s.active[backend]--
	if s.active[backend] == 0 {
		delete(s.active, backend)
	}
	s.mu.Unlock()
}

func (s *Server) backendCounts() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.active))
	for k, v := range s.active {
		out[k] = v
	}
	return out
}

type hostStatus struct {
	NumCPU            int     `json:"num_cpu"`
	CPUPercent        float64 `json:"cpu_percent"`
	MemoryUsedPercent float64 `json:"memory_used_percent"`
}

type statePayload struct {
	Status            string         `json:"status"`
	ActiveConnections int            `json:"active_connections"`
	Backends          map[string]int `json:"backends"`
	Host              hostStatus     `json:"host"`
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	st := serverstate.Current()
	p := statePayload{
		Status:            st.Status,
		ActiveConnections: st.ActiveConnections,
		Backends:          s.backendCounts(),
		Host:              hostStatus{NumCPU: runtime.NumCPU()},
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		p.Host.MemoryUsedPercent = vm.UsedPercent
	}
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		p.Host.CPUPercent = pct[0]
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(p)
}
