// Package observability provides logging, metrics, and a status/health
// HTTP surface for bbrouted. None of this is part of the original
// two-file daemon (which only prints to stdout); a route-propagation
// daemon running across a backbone still needs health and metrics
// surfaces regardless of what the wire protocol itself covers.
package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lucas/bbrouted/internal/config"
)

// Metrics holds the Prometheus metrics this daemon exposes: how many
// routes are known, how deep the command queue is, how the installer
// and peer probe are doing.
type Metrics struct {
	RoutesKnown     prometheus.Gauge
	RoutesLocal     prometheus.Gauge
	QueueDepth      prometheus.Gauge
	PeersConfigured prometheus.Gauge
	InstallerCalls  *prometheus.CounterVec
	InstallerErrors *prometheus.CounterVec
	ControlFramesRx *prometheus.CounterVec
	ControlSendsTx  *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RoutesKnown: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bbrouted",
			Name:      "routes_known_total",
			Help:      "Number of client routes currently known to the Route Table",
		}),
		RoutesLocal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bbrouted",
			Name:      "routes_local_total",
			Help:      "Number of routes whose upstream host is this node",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bbrouted",
			Name:      "command_queue_depth",
			Help:      "Number of commands currently queued for the local loop",
		}),
		PeersConfigured: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bbrouted",
			Name:      "backbone_peers",
			Help:      "Number of backbone peers seen on the most recent probe",
		}),
		InstallerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bbrouted",
			Name:      "installer_calls_total",
			Help:      "Total Route Installer operations by kind",
		}, []string{"op"}),
		InstallerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bbrouted",
			Name:      "installer_errors_total",
			Help:      "Total Route Installer operation failures by kind",
		}, []string{"op"}),
		ControlFramesRx: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bbrouted",
			Name:      "control_frames_received_total",
			Help:      "Total Control Protocol Server frames received by kind",
		}, []string{"frame"}),
		ControlSendsTx: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bbrouted",
			Name:      "control_sends_total",
			Help:      "Total Control Protocol Client sends by kind and outcome",
		}, []string{"frame", "outcome"}),
	}

	reg.MustRegister(
		m.RoutesKnown,
		m.RoutesLocal,
		m.QueueDepth,
		m.PeersConfigured,
		m.InstallerCalls,
		m.InstallerErrors,
		m.ControlFramesRx,
		m.ControlSendsTx,
	)

	return m
}

// RouteStatus is one route as reported by the /status endpoint.
type RouteStatus struct {
	IP   string `json:"ip"`
	Host string `json:"host"`
	Age  int    `json:"age"`
}

// NodeStatus is the /status endpoint's payload, polled by bbroutectl
// for its status and routes subcommands.
type NodeStatus struct {
	NodeID     string        `json:"node_id"`
	UptimeSecs float64       `json:"uptime_seconds"`
	QueueDepth int           `json:"queue_depth"`
	PeerCount  int           `json:"peer_count"`
	Routes     []RouteStatus `json:"routes"`
}

// StatusProvider supplies the live data the /status endpoint reports.
type StatusProvider interface {
	Status() NodeStatus
}

// Server provides HTTP endpoints for metrics, health checks, and
// node status.
type Server struct {
	cfg    *config.ObsConfig
	nodeID string
	status StatusProvider
	logger *slog.Logger

	metricsServer *http.Server
	statusServer  *http.Server

	mu        sync.RWMutex
	healthy   bool
	ready     bool
	startTime time.Time
}

// NewServer creates an observability server.
func NewServer(cfg *config.ObsConfig, nodeID string, status StatusProvider, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:       cfg,
		nodeID:    nodeID,
		status:    status,
		logger:    logger,
		healthy:   true,
		startTime: time.Now(),
	}
}

// Start starts the metrics and status HTTP servers.
func (s *Server) Start() error {
	if err := s.startMetricsServer(); err != nil {
		return err
	}
	return s.startStatusServer()
}

func (s *Server) startMetricsServer() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Metrics.Address, s.cfg.Metrics.Port)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	s.metricsServer = &http.Server{Addr: addr, Handler: mux}
	go func() {
		s.logger.Info("metrics server started", "address", addr)
		if err := s.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("metrics server error", "error", err)
		}
	}()
	return nil
}

func (s *Server) startStatusServer() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Status.Address, s.cfg.Status.Port)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/readyz", s.handleReady)
	mux.HandleFunc("/livez", s.handleLive)
	mux.HandleFunc("/status", s.handleStatus)

	s.statusServer = &http.Server{Addr: addr, Handler: mux}
	go func() {
		s.logger.Info("status server started", "address", addr)
		if err := s.statusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("status server error", "error", err)
		}
	}()
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	healthy := s.healthy
	s.mu.RUnlock()

	if healthy {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, `{"status": "healthy"}`)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintln(w, `{"status": "unhealthy"}`)
	}
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	ready := s.ready
	s.mu.RUnlock()

	if ready {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, `{"status": "ready"}`)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintln(w, `{"status": "not ready"}`)
	}
}

func (s *Server) handleLive(w http.ResponseWriter, _ *http.Request) {
	uptime := time.Since(s.startTime).Seconds()
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status": "alive", "uptime_seconds": %.0f}`+"\n", uptime)
}

// handleStatus reports the node's full route table and queue depth, so
// "bbroutectl status"/"routes" have something to poll — the
// original two-file daemon had no introspection surface at all.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	st := s.status.Status()
	st.NodeID = s.nodeID
	st.UptimeSecs = time.Since(s.startTime).Seconds()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(st); err != nil {
		s.logger.Error("encoding status response failed", "error", err)
	}
}

// SetHealthy sets the health status.
func (s *Server) SetHealthy(healthy bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthy = healthy
}

// SetReady sets the readiness status.
func (s *Server) SetReady(ready bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready = ready
}

// Stop gracefully stops the servers.
func (s *Server) Stop(ctx context.Context) error {
	var errs []error

	if s.metricsServer != nil {
		if err := s.metricsServer.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if s.statusServer != nil {
		if err := s.statusServer.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}
