//go:build !windows

package daemon

import (
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/nix-community/go-workerd/pkg/wire"
)

// CallbackOp identifies an auth-tunnel request, spec.md §4.7 step 4.
type CallbackOp uint64

const (
	CallbackFillAuth   CallbackOp = 0
	CallbackRejectAuth CallbackOp = 1
)

// AuthData is the credential payload carried over the auth tunnel: a
// request names the resource needing credentials (URL populated, the rest
// zero), a response fills in Username/Password once an Authenticator
// resolves them.
type AuthData struct {
	URL      string
	Username string
	Password string
}

// WriteAuthData serializes an AuthData value to the tunnel.
func WriteAuthData(w io.Writer, d AuthData) error {
	if err := wire.WriteString(w, d.URL); err != nil {
		return err
	}

	if err := wire.WriteString(w, d.Username); err != nil {
		return err
	}

	return wire.WriteString(w, d.Password)
}

// ReadAuthData parses an AuthData value from the tunnel.
func ReadAuthData(r io.Reader) (AuthData, error) {
	var d AuthData

	var err error

	if d.URL, err = wire.ReadString(r, MaxStringSize); err != nil {
		return AuthData{}, err
	}

	if d.Username, err = wire.ReadString(r, MaxStringSize); err != nil {
		return AuthData{}, err
	}

	if d.Password, err = wire.ReadString(r, MaxStringSize); err != nil {
		return AuthData{}, err
	}

	return d, nil
}

// writeOptionalAuthData writes the present/absent flag expected around an
// optional<AuthData> on the wire, followed by the payload when present.
func writeOptionalAuthData(w io.Writer, d *AuthData) error {
	if d == nil {
		return wire.WriteBool(w, false)
	}

	if err := wire.WriteBool(w, true); err != nil {
		return err
	}

	return WriteAuthData(w, *d)
}

func readOptionalAuthData(r io.Reader) (*AuthData, error) {
	present, err := wire.ReadBool(r)
	if err != nil {
		return nil, err
	}

	if !present {
		return nil, nil
	}

	d, err := ReadAuthData(r)
	if err != nil {
		return nil, err
	}

	return &d, nil
}

// Authenticator resolves and retires credentials on the daemon's behalf,
// the Go analogue of auth::getAuthenticator() in auth-tunnel.cc.
type Authenticator interface {
	Fill(request AuthData, required bool) (*AuthData, error)
	Reject(data AuthData) error
}

// AuthTunnel is the daemon-side half of the auth side-channel (spec.md
// §4.7): it owns a socket-pair, hands one end to the client via SendFD, and
// serves FillAuth/RejectAuth requests against an Authenticator on the
// other end until the connection that created it closes.
//
// Grounded on auth-tunnel.cc's AuthTunnel, with one deliberate deviation:
// the original C++ source has the *client* object send InitCallback and
// hand the daemon its fd (uds-remote-store.cc's initConnection); spec.md
// §4.7 states the daemon originates the callback and hands the client the
// fd. This implementation follows spec.md, the authoritative contract for
// this repo — see DESIGN.md.
type AuthTunnel struct {
	serverConn *net.UnixConn
	clientFD   int
	auth       Authenticator

	mu     sync.Mutex
	closed bool
}

// NewAuthTunnel creates a connected socket-pair and returns a tunnel ready
// to serve auth on its server half, plus the raw fd for the other half to
// hand to the client via SendFD.
func NewAuthTunnel(auth Authenticator) (*AuthTunnel, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, &ProtocolError{Op: "auth tunnel socketpair", Err: err}
	}

	serverFile := os.NewFile(uintptr(fds[0]), "auth-tunnel-server")

	serverConn, err := net.FileConn(serverFile)
	if err != nil {
		_ = serverFile.Close()
		_ = unix.Close(fds[1])

		return nil, &ProtocolError{Op: "auth tunnel fileconn", Err: err}
	}

	_ = serverFile.Close()

	unixConn, ok := serverConn.(*net.UnixConn)
	if !ok {
		_ = serverConn.Close()
		_ = unix.Close(fds[1])

		return nil, &ProtocolError{Op: "auth tunnel", Err: fmt.Errorf("socketpair fd is not a unix conn")}
	}

	return &AuthTunnel{serverConn: unixConn, clientFD: fds[1], auth: auth}, nil
}

// ClientFD is the file descriptor to hand to the client with SendFD. The
// tunnel keeps it open until Close.
func (t *AuthTunnel) ClientFD() int {
	return t.clientFD
}

// Serve reads CallbackOp requests off the server half until the connection
// closes or ctx-equivalent shutdown happens via Close. Run it in its own
// goroutine; a failure here must not poison the owning connection (spec.md
// §4.7 "Failure of the tunnel must not poison the main connection").
func (t *AuthTunnel) Serve() {
	for {
		op, err := wire.ReadUint64(t.serverConn)
		if err != nil {
			return
		}

		switch CallbackOp(op) {
		case CallbackFillAuth:
			if err := t.serveFillAuth(); err != nil {
				return
			}

		case CallbackRejectAuth:
			if err := t.serveRejectAuth(); err != nil {
				return
			}

		default:
			return
		}
	}
}

func (t *AuthTunnel) serveFillAuth() error {
	req, err := ReadAuthData(t.serverConn)
	if err != nil {
		return err
	}

	required, err := wire.ReadBool(t.serverConn)
	if err != nil {
		return err
	}

	data, authErr := t.auth.Fill(req, required)
	if authErr != nil {
		data = nil
	}

	if err := wire.WriteBool(t.serverConn, true); err != nil {
		return err
	}

	return writeOptionalAuthData(t.serverConn, data)
}

func (t *AuthTunnel) serveRejectAuth() error {
	data, err := ReadAuthData(t.serverConn)
	if err != nil {
		return err
	}

	_ = t.auth.Reject(data)

	return wire.WriteBool(t.serverConn, true)
}

// Close shuts down the tunnel's server half and the client fd it never
// handed off (a no-op once SendFD has taken ownership on the wire, since
// the client's copy survives independently).
func (t *AuthTunnel) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}

	t.closed = true
	_ = unix.Close(t.clientFD)

	return t.serverConn.Close()
}

// TunneledAuthSource is the client-side proxy that answers a daemon's auth
// requests by forwarding them to a local Authenticator over the fd handed
// off in the SCM_RIGHTS message, serializing concurrent callers behind a
// mutex the way auth-tunnel.cc's Sync<State> does.
type TunneledAuthSource struct {
	mu   sync.Mutex
	conn *net.UnixConn
}

// NewTunneledAuthSource wraps the client's end of the auth-tunnel socket,
// received via RecvFD.
func NewTunneledAuthSource(conn *net.UnixConn) *TunneledAuthSource {
	return &TunneledAuthSource{conn: conn}
}

// Get requests credentials for request, returning nil if the daemon
// reports none are available.
func (s *TunneledAuthSource) Get(request AuthData, required bool) (*AuthData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := wire.WriteUint64(s.conn, uint64(CallbackFillAuth)); err != nil {
		return nil, err
	}

	if err := WriteAuthData(s.conn, request); err != nil {
		return nil, err
	}

	if err := wire.WriteBool(s.conn, required); err != nil {
		return nil, err
	}

	if _, err := wire.ReadBool(s.conn); err != nil {
		return nil, err
	}

	return readOptionalAuthData(s.conn)
}

// Erase tells the daemon to forget cached credentials for data.
func (s *TunneledAuthSource) Erase(data AuthData) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := wire.WriteUint64(s.conn, uint64(CallbackRejectAuth)); err != nil {
		return err
	}

	if err := WriteAuthData(s.conn, data); err != nil {
		return err
	}

	_, err := wire.ReadBool(s.conn)

	return err
}
