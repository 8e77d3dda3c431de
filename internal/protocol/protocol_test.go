package protocol

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/lucas/bbrouted/internal/queue"
	"github.com/lucas/bbrouted/internal/routetable"
)

type fakeLocalRoutes struct {
	routes []routetable.ClientRoute
}

func (f *fakeLocalRoutes) LocalRoutes() []routetable.ClientRoute { return f.routes }

func TestServer_UpdateFrame_EnqueuesCommand(t *testing.T) {
	q := queue.New()
	client := NewClient(3912, time.Second, nil)
	srv := NewServer(q, client, &fakeLocalRoutes{}, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx, ln)

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if _, err := conn.Write([]byte("update,10.0.0.5,42")); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if q.Len() > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	drained := q.DrainAll()
	if len(drained) != 1 {
		t.Fatalf("expected 1 queued command, got %d", len(drained))
	}
	if drained[0].IP != "10.0.0.5" || drained[0].Age != 42 {
		t.Errorf("unexpected command: %+v", drained[0])
	}
	if drained[0].Host == "" {
		t.Error("expected host to be set to the remote source IP")
	}
}

func TestServer_UnknownFrame_DoesNotEnqueue(t *testing.T) {
	q := queue.New()
	client := NewClient(3912, time.Second, nil)
	srv := NewServer(q, client, &fakeLocalRoutes{}, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx, ln)

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn.Write([]byte("bogus"))
	conn.Close()

	time.Sleep(100 * time.Millisecond)
	if q.Len() != 0 {
		t.Errorf("expected no queued commands for an unrecognized frame, got %d", q.Len())
	}
}

func TestFirstSlash32(t *testing.T) {
	cases := []struct {
		raw      string
		wantHost string
		wantOK   bool
	}{
		{"10.0.0.1/32", "10.0.0.1", true},
		{"10.0.0.1/32,10.0.0.2/32", "10.0.0.1", true},
		{"10.0.0.1/32 10.0.0.2/32", "10.0.0.1", true},
		{"10.0.1.0/24", "", false},
		{"", "", false},
	}
	for _, c := range cases {
		host, ok := firstSlash32(c.raw)
		if host != c.wantHost || ok != c.wantOK {
			t.Errorf("firstSlash32(%q) = (%q, %v), want (%q, %v)", c.raw, host, ok, c.wantHost, c.wantOK)
		}
	}
}
