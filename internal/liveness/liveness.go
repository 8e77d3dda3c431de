// Package liveness implements the trivial liveness listener:
// accept a connection, read up to 1024 bytes, close. No response, no
// side effect. Grounded verbatim on wg-status.py's TCPHandler.
package liveness

import (
	"context"
	"log/slog"
	"net"
)

// Listener is the liveness probe endpoint on TCP 51819.
type Listener struct {
	logger *slog.Logger
}

// New creates a liveness Listener.
func New(logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{logger: logger}
}

// Serve accepts connections on ln until ctx is cancelled. Each
// connection is read from once and closed; its contents are discarded.
func (l *Listener) Serve(ctx context.Context, ln net.Listener) error {
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
		go l.handle(conn)
	}
}

func (l *Listener) handle(conn net.Conn) {
	defer conn.Close()
	buf := make([]byte, 1024)
	if _, err := conn.Read(buf); err != nil {
		l.logger.Debug("liveness probe read failed", "remote", conn.RemoteAddr(), "error", err)
	}
}
