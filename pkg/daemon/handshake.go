package daemon

import (
	"bufio"
	"fmt"
	"io"
	"net"

	"github.com/nix-community/go-workerd/pkg/wire"
)

// HandshakeInfo holds the result of a successful handshake.
type HandshakeInfo struct {
	Version          uint64
	DaemonNixVersion string
	Trust            TrustLevel
	Features         FeatureSet
}

// Handshake performs the Nix daemon protocol handshake over a connection,
// advertising the default local feature set.
// It uses buffered I/O internally.
func Handshake(conn net.Conn) (*HandshakeInfo, error) {
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)

	return handshakeWithBufIO(r, w, knownLocalFeatures())
}

// handshakeWithBufIO performs the Nix daemon protocol handshake using the
// provided buffered reader and writer. This allows both the standalone
// Handshake function and the Client to share the same handshake logic.
//
// Field presence past the bare magic/version exchange is version-gated the
// way worker-protocol-connection.cc gates it: the daemon's Nix version
// string only appears once the negotiated minor is >= 33, the trust flag
// once it's >= 35, and the feature-set exchange only once both sides speak
// >= 38 (spec.md §3, §8 "handshake laws").
func handshakeWithBufIO(r io.Reader, w *bufio.Writer, localFeatures FeatureSet) (*HandshakeInfo, error) {
	// 1. Client sends ClientMagic — flush.
	if err := wire.WriteUint64(w, ClientMagic); err != nil {
		return nil, &ProtocolError{Op: "handshake write client magic", Err: err}
	}

	if err := w.Flush(); err != nil {
		return nil, &ProtocolError{Op: "handshake flush client magic", Err: err}
	}

	// 2. Server responds with ServerMagic — validate.
	serverMagic, err := wire.ReadUint64(r)
	if err != nil {
		return nil, &ProtocolError{Op: "handshake read server magic", Err: err}
	}

	if serverMagic != ServerMagic {
		return nil, &ProtocolError{
			Op:  "handshake validate server magic",
			Err: fmt.Errorf("expected %#x, got %#x", ServerMagic, serverMagic),
		}
	}

	// 3. Server sends protocol version.
	serverVersion, err := wire.ReadUint64(r)
	if err != nil {
		return nil, &ProtocolError{Op: "handshake read server version", Err: err}
	}

	// 4. Negotiated version is the lower of the two (spec.md §6.3).
	negotiated := minVersion(serverVersion, ProtocolVersion)

	if protocolMinorOf(negotiated) < MinSupportedMinor {
		return nil, &ProtocolError{
			Op:  "handshake version negotiation",
			Err: fmt.Errorf("server version %#x is older than minimum supported minor %d", serverVersion, MinSupportedMinor),
		}
	}

	// 5. Client sends negotiated version — flush.
	if err := wire.WriteUint64(w, negotiated); err != nil {
		return nil, &ProtocolError{Op: "handshake write negotiated version", Err: err}
	}

	// 6. Client sends CPU affinity flag: false (v1.14+).
	if protocolMinorOf(negotiated) >= 14 {
		if err := wire.WriteBool(w, false); err != nil {
			return nil, &ProtocolError{Op: "handshake write cpu affinity", Err: err}
		}
	}

	// 7. Client sends reserve space flag: false (v1.11+).
	if protocolMinorOf(negotiated) >= 11 {
		if err := wire.WriteBool(w, false); err != nil {
			return nil, &ProtocolError{Op: "handshake write reserve space", Err: err}
		}
	}

	if err := w.Flush(); err != nil {
		return nil, &ProtocolError{Op: "handshake flush client flags", Err: err}
	}

	info := &HandshakeInfo{Version: negotiated}

	// 8. Server sends Nix version string (v1.33+).
	if protocolMinorOf(negotiated) >= 33 {
		info.DaemonNixVersion, err = wire.ReadString(r, MaxStringSize)
		if err != nil {
			return nil, &ProtocolError{Op: "handshake read daemon version", Err: err}
		}
	}

	// 9. Server sends trust level (v1.35+).
	if protocolMinorOf(negotiated) >= 35 {
		trustRaw, err := wire.ReadUint64(r)
		if err != nil {
			return nil, &ProtocolError{Op: "handshake read trust level", Err: err}
		}

		info.Trust = TrustLevel(trustRaw)
	}

	// 10. Feature-set exchange (v1.38+): client offers its features, server
	// answers with its own; the usable set is the intersection.
	if protocolMinorOf(negotiated) >= 38 {
		if err := WriteFeatureSet(w, localFeatures); err != nil {
			return nil, &ProtocolError{Op: "handshake write features", Err: err}
		}

		if err := w.Flush(); err != nil {
			return nil, &ProtocolError{Op: "handshake flush features", Err: err}
		}

		serverFeatures, err := ReadFeatureSet(r, MaxStringSize)
		if err != nil {
			return nil, &ProtocolError{Op: "handshake read features", Err: err}
		}

		info.Features = localFeatures.Intersect(serverFeatures)
	}

	return info, nil
}

// ServerHandshakeInfo holds the result of a successful server-side handshake:
// the negotiated version, the trust classification decided by the caller
// (from peer credentials, see peercred.go), and the client's advertised
// feature set.
type ServerHandshakeInfo struct {
	Version  uint64
	Trust    TrustLevel
	Features FeatureSet
}

// ServerHandshakeConfig carries the values the server side of the handshake
// needs to answer the client: the daemon's own Nix version string and
// whether the connecting peer is trusted, to report per spec.md's
// ClientHandshakeInfo contract.
type ServerHandshakeConfig struct {
	NixVersion string
	Trust      TrustLevel
	Features   FeatureSet
}

// HandshakeServer performs the daemon side of the protocol handshake. It is
// the mirror image of handshakeWithBufIO, retracing the client's exact
// read/write/flush order so neither side blocks waiting on the other
// (spec.md §8 "handshake laws").
func HandshakeServer(r io.Reader, w *bufio.Writer, cfg ServerHandshakeConfig) (*ServerHandshakeInfo, error) {
	// 1. Read the client's magic.
	clientMagic, err := wire.ReadUint64(r)
	if err != nil {
		return nil, &ProtocolError{Op: "handshake read client magic", Err: err}
	}

	if clientMagic != ClientMagic {
		return nil, &ProtocolError{
			Op:  "handshake validate client magic",
			Err: fmt.Errorf("expected %#x, got %#x", ClientMagic, clientMagic),
		}
	}

	// 2. Respond with our magic and protocol version — flush so the client's
	// blocking read of step 2/3 unblocks.
	if err := wire.WriteUint64(w, ServerMagic); err != nil {
		return nil, &ProtocolError{Op: "handshake write server magic", Err: err}
	}

	if err := wire.WriteUint64(w, ProtocolVersion); err != nil {
		return nil, &ProtocolError{Op: "handshake write server version", Err: err}
	}

	if err := w.Flush(); err != nil {
		return nil, &ProtocolError{Op: "handshake flush server magic", Err: err}
	}

	// 3. Read the client's negotiated version.
	clientVersion, err := wire.ReadUint64(r)
	if err != nil {
		return nil, &ProtocolError{Op: "handshake read client version", Err: err}
	}

	negotiated := minVersion(clientVersion, ProtocolVersion)

	if protocolMinorOf(negotiated) < MinSupportedMinor {
		return nil, &ProtocolError{
			Op:  "handshake version negotiation",
			Err: fmt.Errorf("client version %#x is older than minimum supported minor %d", clientVersion, MinSupportedMinor),
		}
	}

	// 4. Read the client's CPU affinity (v1.14+) and reserve-space (v1.11+)
	// flags. Both are discarded: this implementation never pins builders to
	// cores or preallocates store reserve space.
	if protocolMinorOf(negotiated) >= 14 {
		if _, err := wire.ReadBool(r); err != nil {
			return nil, &ProtocolError{Op: "handshake read cpu affinity", Err: err}
		}
	}

	if protocolMinorOf(negotiated) >= 11 {
		if _, err := wire.ReadBool(r); err != nil {
			return nil, &ProtocolError{Op: "handshake read reserve space", Err: err}
		}
	}

	info := &ServerHandshakeInfo{Version: negotiated, Trust: cfg.Trust}

	// 5. Send our Nix version string (v1.33+).
	if protocolMinorOf(negotiated) >= 33 {
		if err := wire.WriteString(w, cfg.NixVersion); err != nil {
			return nil, &ProtocolError{Op: "handshake write daemon version", Err: err}
		}
	}

	// 6. Send the trust classification (v1.35+).
	if protocolMinorOf(negotiated) >= 35 {
		if err := wire.WriteUint64(w, uint64(cfg.Trust)); err != nil {
			return nil, &ProtocolError{Op: "handshake write trust level", Err: err}
		}
	}

	if err := w.Flush(); err != nil {
		return nil, &ProtocolError{Op: "handshake flush daemon info", Err: err}
	}

	// 7. Feature-set exchange (v1.38+): client offers first, we answer.
	if protocolMinorOf(negotiated) >= 38 {
		clientFeatures, err := ReadFeatureSet(r, MaxStringSize)
		if err != nil {
			return nil, &ProtocolError{Op: "handshake read client features", Err: err}
		}

		if err := WriteFeatureSet(w, cfg.Features); err != nil {
			return nil, &ProtocolError{Op: "handshake write server features", Err: err}
		}

		if err := w.Flush(); err != nil {
			return nil, &ProtocolError{Op: "handshake flush server features", Err: err}
		}

		info.Features = cfg.Features.Intersect(clientFeatures)
	}

	return info, nil
}
