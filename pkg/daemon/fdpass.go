//go:build !windows

package daemon

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// fdHandoffPayload is the dummy iovec byte count spec.md §4.8 requires
// alongside SCM_RIGHTS ancillary data: most kernels refuse to deliver
// ancillary data on a zero-length message.
const fdHandoffPayload = 2

// SendFD sends fd to the peer on the other end of conn as SCM_RIGHTS
// ancillary data over a 2-byte dummy payload, the auth-tunnel socket
// handoff in spec.md §4.7 step 3.
func SendFD(conn *net.UnixConn, fd int) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return &ProtocolError{Op: "send fd syscall conn", Err: err}
	}

	oob := unix.UnixRights(fd)
	payload := make([]byte, fdHandoffPayload)

	var sendErr error

	err = raw.Control(func(connFD uintptr) {
		sendErr = unix.Sendmsg(int(connFD), payload, oob, nil, 0)
	})
	if err != nil {
		return &ProtocolError{Op: "send fd control", Err: err}
	}

	if sendErr != nil {
		return &ProtocolError{Op: "send fd sendmsg", Err: sendErr}
	}

	return nil
}

// RecvFD receives a single file descriptor sent by SendFD off conn.
func RecvFD(conn *net.UnixConn) (int, error) {
	oob := make([]byte, unix.CmsgSpace(4))
	payload := make([]byte, fdHandoffPayload)

	_, oobn, _, _, err := conn.ReadMsgUnix(payload, oob)
	if err != nil {
		return -1, &ProtocolError{Op: "recv fd readmsg", Err: err}
	}

	scms, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return -1, &ProtocolError{Op: "recv fd parse control message", Err: err}
	}

	if len(scms) != 1 {
		return -1, &ProtocolError{Op: "recv fd", Err: fmt.Errorf("expected 1 control message, got %d", len(scms))}
	}

	fds, err := unix.ParseUnixRights(&scms[0])
	if err != nil {
		return -1, &ProtocolError{Op: "recv fd parse rights", Err: err}
	}

	if len(fds) != 1 {
		return -1, &ProtocolError{Op: "recv fd", Err: fmt.Errorf("expected 1 fd, got %d", len(fds))}
	}

	return fds[0], nil
}
