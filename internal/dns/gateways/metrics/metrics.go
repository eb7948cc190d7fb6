// Package metrics exposes the proxy's counters in Prometheus text format.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	vm "github.com/VictoriaMetrics/metrics"

	"github.com/haukened/rr-dnsproxy/internal/dns/common/log"
	"github.com/haukened/rr-dnsproxy/internal/dns/services/proxy"
)

// StatsSource supplies counter snapshots. *proxy.Core implements it.
type StatsSource interface {
	Stats() proxy.Stats
}

// Options configures an Exporter.
type Options struct {
	// Addr is the HTTP listen address, e.g. "127.0.0.1:9153".
	Addr   string
	Source StatsSource
	Logger log.Logger
	// ProcessMetrics adds Go runtime and process metrics to the output.
	ProcessMetrics bool
}

// Exporter serves /metrics.
type Exporter struct {
	addr    string
	set     *vm.Set
	process bool
	logger  log.Logger

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// New registers every gauge on a fresh set.
func New(opts Options) *Exporter {
	if opts.Logger == nil {
		opts.Logger = log.NewNoopLogger()
	}
	e := &Exporter{
		addr:    opts.Addr,
		set:     vm.NewSet(),
		process: opts.ProcessMetrics,
		logger:  opts.Logger,
	}
	e.register(opts.Source)
	return e
}

func (e *Exporter) register(src StatsSource) {
	gauges := []struct {
		name string
		get  func(proxy.Stats) float64
	}{
		{"dnsproxy_queries_total", func(s proxy.Stats) float64 { return float64(s.Queries) }},
		{"dnsproxy_forwarded_total", func(s proxy.Stats) float64 { return float64(s.Forwarded) }},
		{"dnsproxy_records", func(s proxy.Stats) float64 { return float64(s.Records) }},
		{"dnsproxy_pending", func(s proxy.Stats) float64 { return float64(s.Pending) }},
		{"dnsproxy_pending_capacity_evictions_total", func(s proxy.Stats) float64 { return float64(s.PendingOverflows) }},
		{"dnsproxy_answered_local_total", func(s proxy.Stats) float64 { return float64(s.AnsweredLocal) }},
		{"dnsproxy_nxdomain_total", func(s proxy.Stats) float64 { return float64(s.NXDomain) }},
		{"dnsproxy_resolved_total", func(s proxy.Stats) float64 { return float64(s.Resolved) }},
		{"dnsproxy_expired_total", func(s proxy.Stats) float64 { return float64(s.Expired) }},
		{"dnsproxy_dropped_total", func(s proxy.Stats) float64 { return float64(s.Dropped) }},
		{"dnsproxy_send_failures_total", func(s proxy.Stats) float64 { return float64(s.SendFailures) }},
		{"dnsproxy_running", func(s proxy.Stats) float64 { return boolGauge(s.Running) }},
		{"dnsproxy_has_upstream", func(s proxy.Stats) float64 { return boolGauge(s.HasUpstream) }},
	}
	for _, g := range gauges {
		get := g.get
		e.set.NewGauge(g.name, func() float64 { return get(src.Stats()) })
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// ServeHTTP writes the exposition.
func (e *Exporter) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	e.set.WritePrometheus(w)
	if e.process {
		vm.WriteProcessMetrics(w)
	}
}

// Start listens on the configured address and serves /metrics in the
// background.
func (e *Exporter) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.server != nil {
		return fmt.Errorf("metrics server already running")
	}

	ln, err := net.Listen("tcp", e.addr)
	if err != nil {
		return fmt.Errorf("failed to listen for metrics on %s: %w", e.addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", e)
	e.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	e.listener = ln

	srv := e.server
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.logger.Error(map[string]any{"error": err.Error()}, "Metrics server failed")
		}
	}()

	e.logger.Info(map[string]any{"address": ln.Addr().String()}, "Metrics endpoint started")
	return nil
}

// Address returns the bound address while running, otherwise the configured one.
func (e *Exporter) Address() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listener != nil {
		return e.listener.Addr().String()
	}
	return e.addr
}

// Stop shuts the server down.
func (e *Exporter) Stop(ctx context.Context) error {
	e.mu.Lock()
	srv := e.server
	e.server = nil
	e.listener = nil
	e.mu.Unlock()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
