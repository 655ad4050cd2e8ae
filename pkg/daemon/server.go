package daemon

import (
	"bufio"
	"fmt"
	"io"
	"net"

	"github.com/sirupsen/logrus"

	"github.com/nix-community/go-workerd/pkg/wire"
)

// Server dispatches Nix worker-protocol requests against a Store, the
// daemon half of the protocol spec.md §4.6 describes. One Server may
// accept many connections; each gets its own worker goroutine, strictly
// single-threaded with respect to its own socket (spec.md §5 "Scheduling
// model"), while the Store underneath is shared and must be safe for
// concurrent use.
type Server struct {
	Store      Store
	Trust      TrustPolicy
	NixVersion string
	Features   FeatureSet
	Log        *logrus.Logger
	Auth       Authenticator
}

// NewServer builds a Server with sane defaults: an allow-all/trust-none
// policy, this implementation's full feature set, and a logrus logger
// writing structured fields the way orbas1-Synnergy's daemon services do.
func NewServer(store Store) *Server {
	return &Server{
		Store:      store,
		Trust:      DefaultTrustPolicy(),
		NixVersion: "2.18.0",
		Features:   knownLocalFeatures(),
		Log:        logrus.StandardLogger(),
	}
}

// Serve accepts connections on ln until it returns an error (typically
// from ln.Close). Each connection is handled in its own goroutine.
func (s *Server) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}

		go s.handleConn(conn)
	}
}

func (s *Server) logger() *logrus.Logger {
	if s.Log != nil {
		return s.Log
	}

	return logrus.StandardLogger()
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	log := s.logger().WithField("remote", conn.RemoteAddr())

	peer, err := GetPeerInfo(conn)
	if err != nil {
		log.WithError(err).Warn("peer credentials unavailable, treating as unknown")
	}

	userName, trust, err := s.Trust.Classify(peer)
	if err != nil {
		log.WithError(err).Warn("rejecting connection")

		return
	}

	log = log.WithFields(logrus.Fields{"peer_uid": peer.UID, "user": userName, "trusted": trust == TrustTrusted})
	log.Info("accepted connection")

	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)

	info, err := HandshakeServer(r, w, ServerHandshakeConfig{
		NixVersion: s.NixVersion,
		Trust:      trust,
		Features:   s.Features,
	})
	if err != nil {
		log.WithError(err).Warn("handshake failed")

		return
	}

	minor := protocolMinorOf(info.Version)
	tl := NewTunnelLogger(w, minor)

	var tunnel *AuthTunnel

	if minor >= 38 && info.Features.Has(FeatureAuthForwarding) && s.Auth != nil {
		tunnel, err = s.bootstrapAuthTunnel(conn, r, w, minor, log)
		if err != nil {
			log.WithError(err).Warn("auth tunnel bootstrap failed, continuing without it")

			tunnel = nil
		}
	}

	if tunnel != nil {
		defer tunnel.Close()

		go tunnel.Serve()
	}

	settings := DefaultClientSettings()

	for {
		op, err := wire.ReadUint64(r)
		if err != nil {
			if err != io.EOF {
				log.WithError(err).Debug("connection closed")
			}

			return
		}

		if err := tl.StartWork(); err != nil {
			log.WithError(err).Warn("tunnel logger start work failed")

			return
		}

		opErr := s.dispatch(Operation(op), r, w, minor, trust, settings, tl)

		if err := tl.StopWork(opErr); err != nil {
			log.WithError(err).Warn("tunnel logger stop work failed")

			return
		}

		if err := w.Flush(); err != nil {
			log.WithError(err).Debug("flush failed")

			return
		}

		if opErr != nil {
			log.WithFields(logrus.Fields{"op": Operation(op).String()}).WithError(opErr).Debug("operation failed")
		}
	}
}

// bootstrapAuthTunnel performs spec.md §4.7's handshake-followup sequence:
// emit InitCallback, read a one-byte ack, hand the client an fd over
// SCM_RIGHTS, read the closing ack.
func (s *Server) bootstrapAuthTunnel(conn net.Conn, r io.Reader, w *bufio.Writer, minor uint64, log *logrus.Entry) (*AuthTunnel, error) {
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		return nil, fmt.Errorf("auth tunnel requires a unix-domain connection")
	}

	tunnel, err := NewAuthTunnel(s.Auth)
	if err != nil {
		return nil, err
	}

	if err := wire.WriteUint64(w, uint64(OpInitCallback)); err != nil {
		tunnel.Close()

		return nil, err
	}

	if err := w.Flush(); err != nil {
		tunnel.Close()

		return nil, err
	}

	if _, err := wire.ReadBool(r); err != nil {
		tunnel.Close()

		return nil, err
	}

	if err := SendFD(unixConn, tunnel.ClientFD()); err != nil {
		tunnel.Close()

		return nil, err
	}

	if _, err := wire.ReadBool(r); err != nil {
		tunnel.Close()

		return nil, err
	}

	log.Debug("auth tunnel bootstrapped")

	return tunnel, nil
}

// dispatch executes one operation read from r, writing its reply to w. The
// error it returns (if any) becomes the StopWork error the caller reports
// to the client as a LogError frame.
func (s *Server) dispatch(op Operation, r io.Reader, w *bufio.Writer, minor uint64, trust TrustLevel, settings *ClientSettings, tl *TunnelLogger) error {
	if op.IsObsolete() {
		return NewDaemonError(ErrKindProtocolError, "Error", fmt.Sprintf("removed opcode %s", op))
	}

	switch op {
	case OpIsValidPath:
		path, err := wire.ReadString(r, MaxStringSize)
		if err != nil {
			return err
		}

		valid, err := s.Store.IsValidPath(path)
		if err != nil {
			return err
		}

		return wire.WriteBool(w, valid)

	case OpQueryPathInfo:
		path, err := wire.ReadString(r, MaxStringSize)
		if err != nil {
			return err
		}

		info, ok, err := s.Store.QueryPathInfo(path)
		if err != nil {
			return err
		}

		if err := wire.WriteBool(w, ok); err != nil {
			return err
		}

		if !ok {
			return nil
		}

		return writePathInfoUnkeyed(w, info, minor)

	case OpQueryPathFromHashPart:
		hashPart, err := wire.ReadString(r, MaxStringSize)
		if err != nil {
			return err
		}

		path, err := s.Store.QueryPathFromHashPart(hashPart)
		if err != nil {
			return err
		}

		return wire.WriteString(w, path)

	case OpQueryAllValidPaths:
		paths, err := s.Store.QueryAllValidPaths()
		if err != nil {
			return err
		}

		return WriteStrings(w, paths)

	case OpQueryValidPaths:
		paths, err := ReadStrings(r, MaxStringSize)
		if err != nil {
			return err
		}

		if _, err := wire.ReadBool(r); err != nil { // substituteOk, ignored: no substituters.
			return err
		}

		var valid []string

		for _, p := range paths {
			ok, err := s.Store.IsValidPath(p)
			if err != nil {
				return err
			}

			if ok {
				valid = append(valid, p)
			}
		}

		return WriteStrings(w, valid)

	case OpQuerySubstitutablePaths:
		paths, err := ReadStrings(r, MaxStringSize)
		if err != nil {
			return err
		}

		_ = paths

		return WriteStrings(w, nil) // no substituters configured.

	case OpQueryValidDerivers:
		path, err := wire.ReadString(r, MaxStringSize)
		if err != nil {
			return err
		}

		derivers, err := s.Store.QueryValidDerivers(path)
		if err != nil {
			return err
		}

		return WriteStrings(w, derivers)

	case OpQueryReferrers:
		path, err := wire.ReadString(r, MaxStringSize)
		if err != nil {
			return err
		}

		referrers, err := s.Store.QueryReferrers(path)
		if err != nil {
			return err
		}

		return WriteStrings(w, referrers)

	case OpQueryDerivationOutputMap:
		drvPath, err := wire.ReadString(r, MaxStringSize)
		if err != nil {
			return err
		}

		outputs, err := s.Store.QueryDerivationOutputMap(drvPath)
		if err != nil {
			return err
		}

		return WriteStringMap(w, outputs)

	case OpQueryMissing:
		targets, err := ReadStrings(r, MaxStringSize)
		if err != nil {
			return err
		}

		info, err := s.Store.QueryMissing(targets)
		if err != nil {
			return err
		}

		if err := WriteStrings(w, info.WillBuild); err != nil {
			return err
		}

		if err := WriteStrings(w, info.WillSubstitute); err != nil {
			return err
		}

		if err := WriteStrings(w, info.Unknown); err != nil {
			return err
		}

		if err := wire.WriteUint64(w, info.DownloadSize); err != nil {
			return err
		}

		return wire.WriteUint64(w, info.NarSize)

	case OpNarFromPath:
		return s.dispatchNarFromPath(r, w)

	case OpAddToStoreNar:
		return s.dispatchAddToStoreNar(r, w, minor)

	case OpAddMultipleToStore:
		return s.dispatchAddMultipleToStore(r, w, minor)

	case OpAddBuildLog:
		return s.dispatchAddBuildLog(r, w)

	case OpBuildPaths:
		paths, err := ReadStrings(r, MaxStringSize)
		if err != nil {
			return err
		}

		modeRaw, err := wire.ReadUint64(r)
		if err != nil {
			return err
		}

		targets := make([]*DerivedPath, len(paths))
		for i, p := range paths {
			targets[i] = &DerivedPath{Kind: DPOpaque, Path: p}
		}

		if err := s.Store.BuildPaths(targets, BuildMode(modeRaw)); err != nil {
			return err
		}

		return wire.WriteUint64(w, 1)

	case OpBuildPathsWithResults:
		paths, err := ReadStrings(r, MaxStringSize)
		if err != nil {
			return err
		}

		modeRaw, err := wire.ReadUint64(r)
		if err != nil {
			return err
		}

		mode := BuildMode(modeRaw)

		results := make([]KeyedBuildResult, len(paths))

		for i, p := range paths {
			dp := &DerivedPath{Kind: DPOpaque, Path: p}

			if err := s.Store.BuildPaths([]*DerivedPath{dp}, mode); err != nil {
				results[i] = KeyedBuildResult{Path: dp, Result: BuildResult{
					Status:   BuildStatusPermanentFailure,
					ErrorMsg: err.Error(),
				}}

				continue
			}

			results[i] = KeyedBuildResult{Path: dp, Result: BuildResult{Status: BuildStatusAlreadyValid}}
		}

		if err := wire.WriteUint64(w, uint64(len(results))); err != nil {
			return err
		}

		for _, res := range results {
			if err := WriteDerivedPath(w, minor, res.Path); err != nil {
				return err
			}

			if err := WriteBuildResult(w, minor, &res.Result); err != nil {
				return err
			}
		}

		return nil

	case OpEnsurePath:
		path, err := wire.ReadString(r, MaxStringSize)
		if err != nil {
			return err
		}

		valid, err := s.Store.IsValidPath(path)
		if err != nil {
			return err
		}

		if !valid {
			return NewDaemonError(ErrKindInvalidPath, "Error", fmt.Sprintf("path '%s' is not valid", path))
		}

		return wire.WriteUint64(w, 1)

	case OpBuildDerivation:
		drvPath, err := wire.ReadString(r, MaxStringSize)
		if err != nil {
			return err
		}

		drv, err := ReadBasicDerivation(r)
		if err != nil {
			return err
		}

		modeRaw, err := wire.ReadUint64(r)
		if err != nil {
			return err
		}

		result, err := s.Store.BuildDerivation(drvPath, *drv, BuildMode(modeRaw))
		if err != nil {
			return err
		}

		return WriteBuildResult(w, minor, result)

	case OpQueryRealisation:
		id, err := wire.ReadString(r, MaxStringSize)
		if err != nil {
			return err
		}

		real, err := s.Store.QueryRealisation(id)
		if err != nil {
			return err
		}

		var out []string
		if real != nil {
			out = []string{real.ID}
		}

		return WriteStrings(w, out)

	case OpAddTempRoot:
		path, err := wire.ReadString(r, MaxStringSize)
		if err != nil {
			return err
		}

		return s.Store.AddTempRoot(path)

	case OpAddIndirectRoot:
		path, err := wire.ReadString(r, MaxStringSize)
		if err != nil {
			return err
		}

		return s.Store.AddIndirectRoot(path)

	case OpAddPermRoot:
		storePath, err := wire.ReadString(r, MaxStringSize)
		if err != nil {
			return err
		}

		gcRoot, err := wire.ReadString(r, MaxStringSize)
		if err != nil {
			return err
		}

		root, err := s.Store.AddPermRoot(storePath, gcRoot)
		if err != nil {
			return err
		}

		return wire.WriteString(w, root)

	case OpAddSignatures:
		if trust != TrustTrusted {
			return NewDaemonError(ErrKindPermission, "Error", "adding signatures requires a trusted connection")
		}

		path, err := wire.ReadString(r, MaxStringSize)
		if err != nil {
			return err
		}

		sigs, err := ReadStrings(r, MaxStringSize)
		if err != nil {
			return err
		}

		info, ok, err := s.Store.QueryPathInfo(path)
		if err != nil {
			return err
		}

		if !ok {
			return NewDaemonError(ErrKindInvalidPath, "Error", fmt.Sprintf("path '%s' is not valid", path))
		}

		info.Sigs = append(info.Sigs, sigs...)

		return s.Store.RegisterValidPath(*info)

	case OpRegisterDrvOutput:
		id, err := wire.ReadString(r, MaxStringSize)
		if err != nil {
			return err
		}

		return s.Store.RegisterDrvOutput(Realisation{ID: id})

	case OpFindRoots:
		roots, err := s.Store.FindRoots()
		if err != nil {
			return err
		}

		return WriteStringMap(w, roots)

	case OpCollectGarbage:
		action, err := wire.ReadUint64(r)
		if err != nil {
			return err
		}

		pathsToDelete, err := ReadStrings(r, MaxStringSize)
		if err != nil {
			return err
		}

		ignoreLiveness, err := wire.ReadBool(r)
		if err != nil {
			return err
		}

		if ignoreLiveness && trust != TrustTrusted {
			return NewDaemonError(ErrKindPermission, "Error", "ignoring liveness during GC requires a trusted connection")
		}

		maxFreed, err := wire.ReadUint64(r)
		if err != nil {
			return err
		}

		for i := 0; i < 3; i++ {
			if _, err := wire.ReadUint64(r); err != nil {
				return err
			}
		}

		result, err := s.Store.CollectGarbage(GCOptions{
			Action:         GCAction(action),
			PathsToDelete:  pathsToDelete,
			IgnoreLiveness: ignoreLiveness,
			MaxFreed:       maxFreed,
		})
		if err != nil {
			return err
		}

		if err := WriteStrings(w, result.Paths); err != nil {
			return err
		}

		if err := wire.WriteUint64(w, result.BytesFreed); err != nil {
			return err
		}

		return wire.WriteUint64(w, 0)

	case OpOptimiseStore:
		return s.Store.OptimiseStore()

	case OpVerifyStore:
		checkContents, err := wire.ReadBool(r)
		if err != nil {
			return err
		}

		repair, err := wire.ReadBool(r)
		if err != nil {
			return err
		}

		if repair && trust != TrustTrusted {
			return NewDaemonError(ErrKindPermission, "Error", "repairing requires a trusted connection")
		}

		problems, err := s.Store.VerifyStore(checkContents, repair)
		if err != nil {
			return err
		}

		return wire.WriteBool(w, len(problems) > 0)

	case OpSetOptions:
		newSettings, err := ReadClientSettings(r, minor)
		if err != nil {
			return err
		}

		*settings = *newSettings

		return nil

	default:
		return NewDaemonError(ErrKindProtocolError, "Error", fmt.Sprintf("unsupported opcode %s", op))
	}
}

func (s *Server) dispatchNarFromPath(r io.Reader, w *bufio.Writer) error {
	path, err := wire.ReadString(r, MaxStringSize)
	if err != nil {
		return err
	}

	info, ok, err := s.Store.QueryPathInfo(path)
	if err != nil {
		return err
	}

	if !ok {
		return NewDaemonError(ErrKindInvalidPath, "Error", fmt.Sprintf("path '%s' is not valid", path))
	}

	_ = info

	// This reference store keeps no file content, only metadata: emit an
	// empty NAR-shaped placeholder is not possible without a real tree, so
	// report the path as having no retrievable content instead of writing
	// a malformed archive.
	return fmt.Errorf("nar content for %q is not available from this reference store", path)
}

// writePathInfoUnkeyed writes a PathInfo in the QueryPathInfo response
// format: the store path itself is omitted since the caller already
// supplied it in the request, the mirror of ReadPathInfo's storePath
// parameter.
func writePathInfoUnkeyed(w io.Writer, info *PathInfo, minor uint64) error {
	if err := wire.WriteString(w, info.Deriver); err != nil {
		return err
	}

	if err := wire.WriteString(w, info.NarHash); err != nil {
		return err
	}

	if err := WriteStrings(w, info.References); err != nil {
		return err
	}

	if err := wire.WriteUint64(w, info.RegistrationTime); err != nil {
		return err
	}

	if err := wire.WriteUint64(w, info.NarSize); err != nil {
		return err
	}

	if minor < 16 {
		return nil
	}

	if err := wire.WriteBool(w, info.Ultimate); err != nil {
		return err
	}

	if err := WriteStrings(w, info.Sigs); err != nil {
		return err
	}

	return wire.WriteString(w, info.CA)
}

func (s *Server) dispatchAddToStoreNar(r io.Reader, w *bufio.Writer, minor uint64) error {
	storePath, err := wire.ReadString(r, MaxStringSize)
	if err != nil {
		return err
	}

	info, err := ReadPathInfo(r, storePath, minor)
	if err != nil {
		return err
	}

	if _, err := wire.ReadBool(r); err != nil { // repair
		return err
	}

	if _, err := wire.ReadBool(r); err != nil { // dontCheckSigs
		return err
	}

	if err := copyNAR(io.Discard, NewFramedReader(r)); err != nil {
		return err
	}

	return s.Store.RegisterValidPath(*info)
}

func (s *Server) dispatchAddMultipleToStore(r io.Reader, w *bufio.Writer, minor uint64) error {
	if _, err := wire.ReadBool(r); err != nil { // repair
		return err
	}

	if _, err := wire.ReadBool(r); err != nil { // dontCheckSigs
		return err
	}

	fr := NewFramedReader(r)

	count, err := wire.ReadUint64(fr)
	if err != nil {
		return err
	}

	for i := uint64(0); i < count; i++ {
		storePath, err := wire.ReadString(fr, MaxStringSize)
		if err != nil {
			return err
		}

		info, err := ReadPathInfo(fr, storePath, minor)
		if err != nil {
			return err
		}

		if err := copyNAR(io.Discard, fr); err != nil {
			return err
		}

		if err := s.Store.RegisterValidPath(*info); err != nil {
			return err
		}
	}

	return nil
}

func (s *Server) dispatchAddBuildLog(r io.Reader, w *bufio.Writer) error {
	if _, err := wire.ReadString(r, MaxStringSize); err != nil { // drvPath
		return err
	}

	fr := NewFramedReader(r)

	_, err := io.Copy(io.Discard, fr)

	return err
}
