package daemon

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/nix-community/go-workerd/pkg/wire"
)

// ErrorKind classifies the failure a DaemonError represents, independent of
// its free-form Message (spec.md §7).
type ErrorKind int

const (
	ErrKindUnknown ErrorKind = iota
	ErrKindInvalidPath
	ErrKindBadStorePath
	ErrKindPermission
	ErrKindBuildFailure
	ErrKindOutputRejected
	ErrKindNotDeterministic
	ErrKindInterrupted
	ErrKindProtocolError
	ErrKindUnexpectedEOF
	ErrKindIO
)

// DaemonError is returned when the Nix daemon reports an error.
type DaemonError struct {
	Type    string
	Level   uint64
	Name    string
	Message string
	Traces  []DaemonErrorTrace
	// Kind classifies Message for callers that want to branch on outcome
	// rather than match strings. It is derived, not carried on the wire.
	Kind ErrorKind
}

// classifyDaemonError assigns a Kind from the wire Type/Message the way
// worker-protocol-connection.cc's queryPathInfo backwards-compatibility
// path does: an error whose message contains "is not valid" is treated as
// an invalid-path error whatever its reported Type, unless that Type is
// "NotDeterministic" or "BuildFailure", which are classified first.
func classifyDaemonError(errType, message string) ErrorKind {
	switch errType {
	case "NotDeterministic":
		return ErrKindNotDeterministic
	case "BuildFailure":
		return ErrKindBuildFailure
	}

	if strings.Contains(message, "is not valid") {
		return ErrKindInvalidPath
	}

	return ErrKindUnknown
}

// DaemonErrorTrace represents a single trace entry in a daemon error.
type DaemonErrorTrace struct {
	HavePos uint64
	Message string
}

func (e *DaemonError) Error() string {
	return fmt.Sprintf("daemon: %s", e.Message)
}

// ProtocolError is returned for wire-level problems.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol: %s: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// NewDaemonError builds a DaemonError of the given kind for the server side
// to hand to TunnelLogger.StopWork.
func NewDaemonError(kind ErrorKind, name, message string) *DaemonError {
	return &DaemonError{
		Type:    name,
		Level:   uint64(VerbError),
		Name:    name,
		Message: message,
		Kind:    kind,
	}
}

// asDaemonError adapts an arbitrary Go error into a DaemonError for wire
// output: an existing *DaemonError passes through unchanged, anything else
// becomes an untyped error with ErrKindUnknown (the worker-protocol.hh
// default for errors with no declared type).
func asDaemonError(err error) *DaemonError {
	var derr *DaemonError
	if errors.As(err, &derr) {
		return derr
	}

	return &DaemonError{
		Type:    "Error",
		Level:   uint64(VerbError),
		Name:    "Error",
		Message: err.Error(),
		Kind:    ErrKindUnknown,
	}
}

// WriteDaemonError writes a DaemonError to the stderr channel (the body
// that follows a LogError tag), gated on the negotiated minor: v>=26 uses
// the structured record readDaemonError expects, matching
// worker-protocol-connection.cc's writeError; earlier peers get the
// legacy message+status pair nix-daemon.cc's TunnelLogger::stopWork wrote.
func WriteDaemonError(w io.Writer, minor uint64, derr *DaemonError) error {
	if minor < 26 {
		if err := wire.WriteString(w, derr.Message); err != nil {
			return err
		}

		return wire.WriteUint64(w, 1)
	}

	if err := wire.WriteString(w, derr.Type); err != nil {
		return err
	}

	if err := wire.WriteUint64(w, derr.Level); err != nil {
		return err
	}

	if err := wire.WriteString(w, derr.Name); err != nil {
		return err
	}

	if err := wire.WriteString(w, derr.Message); err != nil {
		return err
	}

	// havePos: positions aren't tracked by this implementation.
	if err := wire.WriteUint64(w, 0); err != nil {
		return err
	}

	if err := wire.WriteUint64(w, uint64(len(derr.Traces))); err != nil {
		return err
	}

	for _, t := range derr.Traces {
		if err := wire.WriteUint64(w, t.HavePos); err != nil {
			return err
		}

		if err := wire.WriteString(w, t.Message); err != nil {
			return err
		}
	}

	return nil
}
