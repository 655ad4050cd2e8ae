package daemon

import (
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
)

// defaultStoreSocketPath is the well-known system daemon socket, matching
// nix-daemon.cc's settings.nixDaemonSocketFile default.
const defaultStoreSocketPath = "/nix/var/nix/daemon-socket/socket"

// socketPathEnvVar overrides socket resolution entirely, mirroring the
// client-side NIX_DAEMON_SOCKET_PATH environment variable nix-daemon
// clients already honor.
const socketPathEnvVar = "NIX_DAEMON_SOCKET_PATH"

// DefaultSocketPath resolves the Unix-domain socket a daemon should listen
// on, or a client should dial, in the absence of an explicit flag:
//
//  1. $NIX_DAEMON_SOCKET_PATH, if set, wins outright.
//  2. A per-user daemon socket under xdg.StateHome, for unprivileged
//     invocations that can't bind the system-wide path.
//  3. The well-known system socket.
func DefaultSocketPath() string {
	if p := os.Getenv(socketPathEnvVar); p != "" {
		return p
	}

	if os.Geteuid() != 0 {
		return filepath.Join(xdg.StateHome, "nix", "daemon-socket", "socket")
	}

	return defaultStoreSocketPath
}
