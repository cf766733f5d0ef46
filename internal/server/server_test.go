package server

import (
	"bufio"
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"linetap/internal/bus"
	"linetap/internal/wire"
	"linetap/pkg/logx"
)

func mustBus(t *testing.T, cfg bus.Config) *bus.Bus {
	t.Helper()
	b, err := bus.New(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("bus.New: %v", err)
	}
	return b
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	return conn
}

func readRow(t *testing.T, conn net.Conn, r *bufio.Reader) string {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read row: %v", err)
	}
	return strings.TrimSuffix(line, "\n")
}

func TestServerReplaysThenStreamsLive(t *testing.T) {
	t.Parallel()
	b := mustBus(t, bus.Config{QueueSize: 16, History: 3})
	for _, s := range []string{"a", "b", "c"} {
		if err := b.Submit(context.Background(), []byte(s)); err != nil {
			t.Fatalf("Submit(%q): %v", s, err)
		}
	}

	ln, err := Listen("tcp://127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	svc := New(Config{
		Wire:       wire.Config{Separator: '\n'},
		Hello:      true,
		Announce:   true,
		DrainGrace: time.Second,
	}, ln, b, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	conn := dial(t, ln.Addr().String())
	defer conn.Close()
	r := bufio.NewReader(conn)

	// History replay first, then the hello row.
	for _, want := range []string{"a", "b", "c", "HELLO"} {
		if got := readRow(t, conn, r); got != want {
			t.Fatalf("row = %q, want %q", got, want)
		}
	}

	// The hello row proves the session is attached, so these go to the
	// live queue rather than the replay snapshot.
	for _, s := range []string{"d", "e"} {
		if err := b.Submit(context.Background(), []byte(s)); err != nil {
			t.Fatalf("Submit(%q): %v", s, err)
		}
	}
	for _, want := range []string{"d", "e"} {
		if got := readRow(t, conn, r); got != want {
			t.Fatalf("row = %q, want %q", got, want)
		}
	}

	b.Close()
	if got := readRow(t, conn, r); got != "EOF" {
		t.Fatalf("row = %q, want EOF", got)
	}
	// After EOF the server hangs up.
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := r.ReadByte(); err == nil {
		t.Fatal("expected connection close after EOF row")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestServerSkipsEOFRowOnAbort(t *testing.T) {
	t.Parallel()
	b := mustBus(t, bus.Config{QueueSize: 16})
	ln, err := Listen("tcp://127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	svc := New(Config{
		Wire:       wire.Config{Separator: '\n'},
		Announce:   true,
		DrainGrace: time.Second,
	}, ln, b, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	conn := dial(t, ln.Addr().String())
	defer conn.Close()
	r := bufio.NewReader(conn)

	if err := b.Submit(context.Background(), []byte("only")); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if got := readRow(t, conn, r); got != "only" {
		t.Fatalf("row = %q, want only", got)
	}

	// A shutdown seal is not an end of input: no EOF row, just a hangup.
	b.Abort()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if line, err := r.ReadString('\n'); err == nil {
		t.Fatalf("got row %q after abort, want plain hangup", line)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestServerStopsOnContextCancel(t *testing.T) {
	t.Parallel()
	b := mustBus(t, bus.Config{QueueSize: 4})
	ln, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	svc := New(Config{Wire: wire.Config{Separator: '\n'}, DrainGrace: time.Second}, ln, b, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	conn := dial(t, ln.Addr().String())
	defer conn.Close()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	// The writer goroutine closed the connection on its way out.
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := bufio.NewReader(conn).ReadByte(); err == nil {
		t.Fatal("expected connection close after shutdown")
	}
}

func TestServerRejectsClientsAfterInputEnds(t *testing.T) {
	t.Parallel()
	b := mustBus(t, bus.Config{QueueSize: 4})
	b.Close()

	ln, err := Listen("tcp://127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	svc := New(Config{Wire: wire.Config{Separator: '\n'}, DrainGrace: time.Second}, ln, b, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	conn := dial(t, ln.Addr().String())
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := bufio.NewReader(conn).ReadByte(); err == nil {
		t.Fatal("expected immediate hangup on a closed bus")
	}

	// A failed attach ends the accept loop without a context cancel.
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the bus closed")
	}
}

func TestListenAddressForms(t *testing.T) {
	t.Parallel()
	sock := filepath.Join(t.TempDir(), "tap.sock")
	for _, addr := range []string{"tcp://127.0.0.1:0", "127.0.0.1:0", "unix://" + sock} {
		ln, err := Listen(addr)
		if err != nil {
			t.Fatalf("Listen(%q): %v", addr, err)
		}
		_ = ln.Close()
	}
}

func TestListenRejectsBadAddress(t *testing.T) {
	t.Parallel()
	for _, addr := range []string{"not-an-address", "unix://", "ftp://x"} {
		if ln, err := Listen(addr); err == nil {
			_ = ln.Close()
			t.Fatalf("Listen(%q) succeeded, want error", addr)
		}
	}
}

func TestListenReplacesStaleUnixSocket(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "stale.sock")
	prev, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("seed listener: %v", err)
	}
	prev.(*net.UnixListener).SetUnlinkOnClose(false)
	_ = prev.Close()
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected stale socket file to remain: %v", err)
	}

	ln, err := Listen("unix://" + path)
	if err != nil {
		t.Fatalf("Listen over stale socket: %v", err)
	}
	_ = ln.Close()
}

func TestListenRefusesToUnlinkRegularFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "not-a-socket")
	if err := os.WriteFile(path, []byte("precious"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if ln, err := Listen("unix://" + path); err == nil {
		_ = ln.Close()
		t.Fatal("expected bind failure over a regular file")
	}
	b, err := os.ReadFile(path)
	if err != nil || string(b) != "precious" {
		t.Fatalf("regular file was touched: %q, %v", b, err)
	}
}

func TestListenSystemdWithoutSockets(t *testing.T) {
	t.Setenv("LISTEN_PID", "")
	t.Setenv("LISTEN_FDS", "")
	if ln, err := Listen("systemd"); err == nil {
		_ = ln.Close()
		t.Fatal("expected error without activation sockets")
	}
}
