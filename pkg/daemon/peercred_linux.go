package daemon

import (
	"net"

	"golang.org/x/sys/unix"
)

// getPeerInfoUnix reads SO_PEERCRED off the connection's file descriptor,
// mirroring nix-daemon.cc's getPeerInfo on Linux.
func getPeerInfoUnix(conn *net.UnixConn) (PeerInfo, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return PeerInfo{}, &ProtocolError{Op: "peer credentials syscall conn", Err: err}
	}

	var (
		ucred *unix.Ucred
		cerr  error
	)

	err = raw.Control(func(fd uintptr) {
		ucred, cerr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil {
		return PeerInfo{}, &ProtocolError{Op: "peer credentials control", Err: err}
	}

	if cerr != nil {
		return PeerInfo{}, &ProtocolError{Op: "peer credentials getsockopt", Err: cerr}
	}

	return PeerInfo{
		PIDKnown: true,
		PID:      int(ucred.Pid),
		UIDKnown: true,
		UID:      int(ucred.Uid),
		GIDKnown: true,
		GID:      int(ucred.Gid),
	}, nil
}
