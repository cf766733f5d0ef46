package server

import (
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/coreos/go-systemd/v22/activation"
)

// Listen resolves one address string into a net.Listener.
//
// Supported forms:
//   - "tcp://host:port" or bare "host:port"
//   - "unix:///path/to.sock" (a stale socket file is removed first)
//   - "unix://@name" (Linux abstract namespace)
//   - "systemd" (adopt the socket handed over by systemd socket activation)
func Listen(addr string) (net.Listener, error) {
	addr = strings.TrimSpace(addr)
	switch {
	case addr == "systemd":
		listeners, err := activation.Listeners()
		if err != nil {
			return nil, fmt.Errorf("systemd socket activation: %w", err)
		}
		if len(listeners) == 0 || listeners[0] == nil {
			return nil, fmt.Errorf("systemd socket activation: no socket passed (LISTEN_FDS unset?)")
		}
		return listeners[0], nil

	case strings.HasPrefix(addr, "unix://"):
		path := strings.TrimPrefix(addr, "unix://")
		if path == "" {
			return nil, fmt.Errorf("empty unix socket path in %q", addr)
		}
		if !strings.HasPrefix(path, "@") {
			removeStaleSocket(path)
		}
		return net.Listen("unix", path)

	case strings.HasPrefix(addr, "tcp://"):
		return net.Listen("tcp", strings.TrimPrefix(addr, "tcp://"))

	default:
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return nil, fmt.Errorf("unrecognized listen address %q: %w", addr, err)
		}
		return net.Listen("tcp", addr)
	}
}

// removeStaleSocket unlinks a leftover socket file from a previous run.
// Regular files are left alone so a misconfigured path can't destroy data.
func removeStaleSocket(path string) {
	fi, err := os.Stat(path)
	if err != nil {
		return
	}
	if fi.Mode()&os.ModeSocket != 0 {
		_ = os.Remove(path)
	}
}
