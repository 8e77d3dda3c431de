// Package protocol implements the Control Protocol Server and Client:
// a plaintext, comma-delimited TCP frame exchange between backbone
// nodes. There is deliberately no authentication or encryption at this
// layer — the protocol runs inside an already-authenticated WireGuard
// tunnel.
package protocol

import (
	"bufio"
	"context"
	"log/slog"
	"net"
	"strconv"
	"strings"

	"github.com/lucas/bbrouted/internal/observability"
	"github.com/lucas/bbrouted/internal/queue"
	"github.com/lucas/bbrouted/internal/routetable"
)

// Server accepts Control Protocol connections on the configured
// address. Its only effect is enqueuing commands onto its queue
// and, for "refresh" frames, sending update frames back through a
// Client.
type Server struct {
	queue   *queue.Queue
	client  *Client
	routes  LocalRouteSource
	logger  *slog.Logger
	metrics *observability.Metrics
}

// LocalRouteSource supplies the set of clients this node terminates
// locally, for answering "refresh" frames.
type LocalRouteSource interface {
	LocalRoutes() []routetable.ClientRoute
}

// NewServer creates a Control Protocol Server.
func NewServer(q *queue.Queue, client *Client, routes LocalRouteSource, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{queue: q, client: client, routes: routes, logger: logger}
}

// WithMetrics attaches a Prometheus counter for received frames.
func (s *Server) WithMetrics(m *observability.Metrics) *Server {
	s.metrics = m
	return s
}

// Serve accepts connections on ln until ctx is cancelled, handling each
// on its own goroutine.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()

	remoteIP := remoteAddrIP(conn.RemoteAddr())

	buf := make([]byte, 1024)
	r := bufio.NewReader(conn)
	n, err := r.Read(buf)
	if err != nil {
		s.logger.Warn("control protocol read failed", "remote", remoteIP, "error", err)
		return
	}

	frame := strings.TrimSpace(string(buf[:n]))
	fields := strings.Split(frame, ",")

	switch fields[0] {
	case "refresh":
		s.countFrame("refresh")
		s.handleRefresh(remoteIP)
	case "update":
		s.countFrame("update")
		s.handleUpdate(fields, remoteIP)
	default:
		s.countFrame("unknown")
		s.logger.Warn("unknown control protocol frame", "remote", remoteIP, "frame", fields[0])
	}
}

func (s *Server) countFrame(kind string) {
	if s.metrics != nil {
		s.metrics.ControlFramesRx.WithLabelValues(kind).Inc()
	}
}

// handleRefresh answers a "refresh" frame by scheduling an update send
// for every client terminated on this node, to the requesting peer.
func (s *Server) handleRefresh(remoteIP string) {
	for _, r := range s.routes.LocalRoutes() {
		s.client.SendUpdate(remoteIP+"/32", r.IP, r.Age)
	}
}

// handleUpdate decodes "update,<ip>,<age>" and enqueues AddRoute(ip,
// age, remote_source_ip). Malformed frames are logged and
// dropped.
func (s *Server) handleUpdate(fields []string, remoteIP string) {
	if len(fields) != 3 {
		s.logger.Warn("malformed update frame", "remote", remoteIP, "frame", fields)
		return
	}
	age, err := strconv.Atoi(fields[2])
	if err != nil {
		s.logger.Warn("malformed update frame age", "remote", remoteIP, "frame", fields, "error", err)
		return
	}
	s.queue.Push(queue.AddRoute{IP: fields[1], Age: age, Host: remoteIP})
}

func remoteAddrIP(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
