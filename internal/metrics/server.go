package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/swapfc/swapfc/pkg/errors"
	"github.com/swapfc/swapfc/pkg/health"
)

type server struct {
	collector *Collector
	http      *http.Server
	listener  net.Listener
}

func newServer(c *Collector) (*server, error) {
	ln, err := net.Listen("tcp", c.config.Address)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeOperationFailed, "failed to listen for metrics").
			WithComponent("metrics").WithContext("address", c.config.Address)
	}
	return &server{
		collector: c,
		listener:  ln,
		http: &http.Server{
			Handler:           c.Handler(),
			ReadHeaderTimeout: 30 * time.Second, // Prevent Slowloris attacks
			ReadTimeout:       60 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
	}, nil
}

// serve blocks until shutdown or a server failure.
func (s *server) serve() error {
	s.collector.logger.Info("metrics endpoint listening", map[string]interface{}{
		"address": s.listener.Addr().String(),
		"path":    s.collector.config.Path,
	})

	if err := s.http.Serve(s.listener); err != nil && err != http.ErrServerClosed {
		return errors.Wrap(err, errors.ErrCodeOperationFailed, "metrics server failed").WithComponent("metrics")
	}
	return nil
}

func (s *server) shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Handler returns the mux serving metrics, /health, /status and
// /debug/operations. DELETE on /debug/operations starts a new summary window.
func (c *Collector) Handler() http.Handler {
	mux := http.NewServeMux()
	if c.registry != nil {
		mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
			EnableOpenMetrics: true,
		}))
	}
	mux.HandleFunc("/health", c.healthHandler)
	mux.HandleFunc("/status", c.statusHandler)
	mux.HandleFunc("/debug/operations", c.debugOperationsHandler)
	return mux
}

type healthResponse struct {
	Status     string                            `json:"status"`
	Service    string                            `json:"service"`
	Components map[string]health.ComponentHealth `json:"components,omitempty"`
}

func (c *Collector) healthHandler(w http.ResponseWriter, r *http.Request) {
	c.mu.RLock()
	tracker := c.health
	c.mu.RUnlock()

	resp := healthResponse{Status: health.StateHealthy.String(), Service: "swapfc"}
	code := http.StatusOK
	if tracker != nil {
		overall := tracker.GetOverallHealth()
		resp.Status = overall.String()
		resp.Components = tracker.GetAllComponents()
		if overall == health.StateUnavailable {
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, resp)
}

func (c *Collector) statusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, c.Status())
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v) // client went away
}

func (c *Collector) debugOperationsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodDelete {
		c.ResetOperations()
		w.WriteHeader(http.StatusNoContent)
		return
	}

	ops := c.GetOperations()
	c.mu.RLock()
	lastReset := c.lastReset
	retries := c.retries
	c.mu.RUnlock()

	w.Header().Set("Content-Type", "text/plain")

	// Helper to avoid errcheck issues
	writef := func(format string, args ...interface{}) { _, _ = fmt.Fprintf(w, format, args...) }

	writef("swapfc operations summary\n")
	writef("=========================\n\n")
	writef("Since: %v\n\n", lastReset.Format(time.RFC3339))

	if retries != nil {
		rs := retries.GetStats()
		writef("Retries: %d calls, %d succeeded, %d failed, %.2f attempts on average (max %d), %v waited\n\n",
			rs.Calls, rs.Succeeded, rs.Failed, rs.AverageAttempts, rs.MaxAttemptsUsed, rs.TotalDelay)
	}

	if len(ops) == 0 {
		writef("No operations recorded.\n")
		return
	}

	names := make([]string, 0, len(ops))
	for name := range ops {
		names = append(names, name)
	}
	sort.Strings(names)

	writef("%-24s %8s %8s %14s %14s %10s\n",
		"Operation", "Count", "Errors", "Avg Duration", "Max Duration", "Last Op")
	writef("%-24s %8s %8s %14s %14s %10s\n",
		"---------", "-----", "------", "------------", "------------", "-------")

	for _, name := range names {
		op := ops[name]
		writef("%-24s %8d %8d %14v %14v %10s\n",
			name, op.Count, op.Errors, op.AvgDuration, op.MaxDuration,
			op.LastOperation.Format("15:04:05"))
	}
}
