package protocol

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lucas/bbrouted/internal/observability"
	"github.com/lucas/bbrouted/internal/wgctl"
)

// Client sends best-effort, fire-and-forget Control Protocol frames to
// peer nodes. Failures are logged and swallowed; the
// periodic full resync is the retry mechanism.
type Client struct {
	port    int
	timeout time.Duration
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewClient creates a Control Protocol Client dialing the given port
// with the given per-send timeout.
func NewClient(port int, timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{port: port, timeout: timeout, logger: logger}
}

// WithMetrics attaches a Prometheus counter for outbound sends.
func (c *Client) WithMetrics(m *observability.Metrics) *Client {
	c.metrics = m
	return c
}

// SendRefresh sends a bare "refresh" frame to destAddr, a comma- or
// space-delimited allowed-IPs field of which only the first element is
// used, and only when it carries a /32 mask; otherwise nothing is sent.
func (c *Client) SendRefresh(destAddr string) {
	host, ok := firstSlash32(destAddr)
	if !ok {
		return
	}
	c.send(host, "refresh")
}

// SendUpdate sends "update,<ip>,<age>" to destAddr, applying the same
// first-/32-element address expansion as SendRefresh.
func (c *Client) SendUpdate(destAddr, ip string, age int) {
	host, ok := firstSlash32(destAddr)
	if !ok {
		return
	}
	c.send(host, fmt.Sprintf("update,%s,%d", ip, age))
}

// BroadcastUpdate sends "update,<ip>,<age>" concurrently to every
// address contained in every peer's allowed-IPs.
func (c *Client) BroadcastUpdate(peers []wgctl.BackbonePeer, ip string, age int) {
	var wg sync.WaitGroup
	for _, p := range peers {
		wg.Add(1)
		go func(allowedIPsRaw string) {
			defer wg.Done()
			c.SendUpdate(allowedIPsRaw, ip, age)
		}(p.AllowedIPsRaw)
	}
	wg.Wait()
}

// RefreshAll sends a "refresh" frame to every backbone peer, run once
// at daemon startup.
func (c *Client) RefreshAll(peers []wgctl.BackbonePeer) {
	var wg sync.WaitGroup
	for _, p := range peers {
		wg.Add(1)
		go func(allowedIPsRaw string) {
			defer wg.Done()
			c.SendRefresh(allowedIPsRaw)
		}(p.AllowedIPsRaw)
	}
	wg.Wait()
}

func (c *Client) send(host, frame string) {
	kind := strings.SplitN(frame, ",", 2)[0]

	conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(c.port)), c.timeout)
	if err != nil {
		c.logger.Warn("control protocol dial failed", "host", host, "error", err)
		c.countSend(kind, "error")
		return
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		c.logger.Warn("control protocol set deadline failed", "host", host, "error", err)
		c.countSend(kind, "error")
		return
	}
	if _, err := conn.Write([]byte(frame)); err != nil {
		c.logger.Warn("control protocol write failed", "host", host, "error", err)
		c.countSend(kind, "error")
		return
	}

	buf := make([]byte, 1024)
	_, _ = conn.Read(buf)
	c.countSend(kind, "ok")
}

func (c *Client) countSend(kind, outcome string) {
	if c.metrics != nil {
		c.metrics.ControlSendsTx.WithLabelValues(kind, outcome).Inc()
	}
}

// firstSlash32 extracts the host from the first comma- or
// space-delimited CIDR in raw, requiring it to carry a /32 mask.
func firstSlash32(raw string) (string, bool) {
	normalized := strings.ReplaceAll(raw, " ", ",")
	first := strings.SplitN(normalized, ",", 2)[0]
	parts := strings.SplitN(first, "/", 2)
	if len(parts) != 2 || parts[1] != "32" {
		return "", false
	}
	return parts[0], true
}
