package daemon

import (
	"fmt"
	"io"
	"sync"

	"github.com/nix-community/go-workerd/pkg/wire"
)

// MaxStringSize is the maximum size in bytes for strings read from the daemon
// protocol. This guards against malformed or malicious payloads.
const MaxStringSize = 64 * 1024 * 1024 // 64 MiB

// ProcessStderr reads and dispatches log/activity messages from the daemon's
// stderr channel. The daemon interleaves these messages before the actual
// response payload. The function loops until it receives LogLast, at which
// point the caller can proceed to read the response.
//
// Log messages (other than errors) are sent to the provided channel. If a
// LogError message is received, the parsed DaemonError is returned. If the
// channel is nil, non-error messages are silently discarded.
func ProcessStderr(r io.Reader, logs chan<- LogMessage) error {
	for {
		raw, err := wire.ReadUint64(r)
		if err != nil {
			return &ProtocolError{Op: "read stderr message type", Err: err}
		}

		msgType := LogMessageType(raw)

		switch msgType {
		case LogLast:
			return nil

		case LogError:
			return readDaemonError(r)

		case LogNext:
			text, err := wire.ReadString(r, MaxStringSize)
			if err != nil {
				return &ProtocolError{Op: "read LogNext text", Err: err}
			}

			if logs != nil {
				logs <- LogMessage{Type: LogNext, Text: text}
			}

		case LogStartActivity:
			act, err := readActivity(r)
			if err != nil {
				return err
			}

			if logs != nil {
				logs <- LogMessage{Type: LogStartActivity, Activity: act}
			}

		case LogStopActivity:
			id, err := wire.ReadUint64(r)
			if err != nil {
				return &ProtocolError{Op: "read LogStopActivity id", Err: err}
			}

			if logs != nil {
				logs <- LogMessage{Type: LogStopActivity, ActivityID: id}
			}

		case LogResult:
			result, err := readActivityResult(r)
			if err != nil {
				return err
			}

			if logs != nil {
				logs <- LogMessage{Type: LogResult, Result: result}
			}

		case LogRead, LogWrite:
			// Data transfer notifications: read the count and discard.
			if _, err := wire.ReadUint64(r); err != nil {
				return &ProtocolError{Op: "read LogRead/LogWrite count", Err: err}
			}

		default:
			return &ProtocolError{
				Op:  "process stderr",
				Err: fmt.Errorf("unknown log message type: 0x%x", raw),
			}
		}
	}
}

// readDaemonError parses a DaemonError from the daemon's stderr channel.
func readDaemonError(r io.Reader) error {
	errType, err := wire.ReadString(r, MaxStringSize)
	if err != nil {
		return &ProtocolError{Op: "read error type", Err: err}
	}

	level, err := wire.ReadUint64(r)
	if err != nil {
		return &ProtocolError{Op: "read error level", Err: err}
	}

	name, err := wire.ReadString(r, MaxStringSize)
	if err != nil {
		return &ProtocolError{Op: "read error name", Err: err}
	}

	message, err := wire.ReadString(r, MaxStringSize)
	if err != nil {
		return &ProtocolError{Op: "read error message", Err: err}
	}

	// havePos: currently unused, but must be consumed.
	if _, err := wire.ReadUint64(r); err != nil {
		return &ProtocolError{Op: "read error havePos", Err: err}
	}

	nrTraces, err := wire.ReadUint64(r)
	if err != nil {
		return &ProtocolError{Op: "read error nrTraces", Err: err}
	}

	traces := make([]DaemonErrorTrace, nrTraces)
	for i := uint64(0); i < nrTraces; i++ {
		havePos, err := wire.ReadUint64(r)
		if err != nil {
			return &ProtocolError{Op: "read trace havePos", Err: err}
		}

		traceMsg, err := wire.ReadString(r, MaxStringSize)
		if err != nil {
			return &ProtocolError{Op: "read trace message", Err: err}
		}

		traces[i] = DaemonErrorTrace{
			HavePos: havePos,
			Message: traceMsg,
		}
	}

	return &DaemonError{
		Type:    errType,
		Level:   level,
		Name:    name,
		Message: message,
		Traces:  traces,
		Kind:    classifyDaemonError(errType, message),
	}
}

// readActivity parses an Activity from the daemon's stderr channel.
func readActivity(r io.Reader) (*Activity, error) {
	id, err := wire.ReadUint64(r)
	if err != nil {
		return nil, &ProtocolError{Op: "read activity id", Err: err}
	}

	level, err := wire.ReadUint64(r)
	if err != nil {
		return nil, &ProtocolError{Op: "read activity level", Err: err}
	}

	actType, err := wire.ReadUint64(r)
	if err != nil {
		return nil, &ProtocolError{Op: "read activity type", Err: err}
	}

	text, err := wire.ReadString(r, MaxStringSize)
	if err != nil {
		return nil, &ProtocolError{Op: "read activity text", Err: err}
	}

	nrFields, err := wire.ReadUint64(r)
	if err != nil {
		return nil, &ProtocolError{Op: "read activity nrFields", Err: err}
	}

	fields, err := readFields(r, nrFields)
	if err != nil {
		return nil, err
	}

	parent, err := wire.ReadUint64(r)
	if err != nil {
		return nil, &ProtocolError{Op: "read activity parent", Err: err}
	}

	return &Activity{
		ID:     id,
		Level:  Verbosity(level),
		Type:   ActivityType(actType),
		Text:   text,
		Fields: fields,
		Parent: parent,
	}, nil
}

// readActivityResult parses an ActivityResult from the daemon's stderr channel.
func readActivityResult(r io.Reader) (*ActivityResult, error) {
	id, err := wire.ReadUint64(r)
	if err != nil {
		return nil, &ProtocolError{Op: "read result id", Err: err}
	}

	resType, err := wire.ReadUint64(r)
	if err != nil {
		return nil, &ProtocolError{Op: "read result type", Err: err}
	}

	nrFields, err := wire.ReadUint64(r)
	if err != nil {
		return nil, &ProtocolError{Op: "read result nrFields", Err: err}
	}

	fields, err := readFields(r, nrFields)
	if err != nil {
		return nil, err
	}

	return &ActivityResult{
		ID:     id,
		Type:   ResultType(resType),
		Fields: fields,
	}, nil
}

// TunnelLogger is the server-side half of the stderr multiplexer (spec.md
// §4.3 "Server loop"): it routes NEXT/START_ACTIVITY/STOP_ACTIVITY/RESULT
// frames to the connection while a request is in flight (canSendStderr in
// nix-daemon.cc's TunnelLogger), and writes the terminal LAST or ERROR
// frame when the handler finishes. Messages logged before StartWork is
// called are queued and flushed once it is.
type TunnelLogger struct {
	w     io.Writer
	minor uint64

	mu      sync.Mutex
	active  bool
	pending [][]byte
	nextID  uint64
}

// NewTunnelLogger creates a TunnelLogger writing frames to w for a
// connection negotiated at minor.
func NewTunnelLogger(w io.Writer, minor uint64) *TunnelLogger {
	return &TunnelLogger{w: w, minor: minor}
}

// StartWork opens the gate: frames queued by Next/StartActivity/etc. while
// no request was in flight are flushed, and subsequent calls write
// immediately.
func (l *TunnelLogger) StartWork() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.active = true

	for _, msg := range l.pending {
		if _, err := l.w.Write(msg); err != nil {
			return &ProtocolError{Op: "tunnel logger flush pending", Err: err}
		}
	}

	l.pending = nil

	return nil
}

// StopWork closes the gate and writes the terminal frame: LAST on a nil
// err, otherwise an ERROR frame carrying err's DaemonError form.
func (l *TunnelLogger) StopWork(err error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.active = false
	l.pending = nil

	if err == nil {
		return wire.WriteUint64(l.w, uint64(LogLast))
	}

	if werr := wire.WriteUint64(l.w, uint64(LogError)); werr != nil {
		return werr
	}

	return WriteDaemonError(l.w, l.minor, asDaemonError(err))
}

// Next emits a log line (STDERR_NEXT). Queued rather than written if no
// request is currently in flight.
func (l *TunnelLogger) Next(line string) error {
	return l.emit(func(w io.Writer) error {
		if err := wire.WriteUint64(w, uint64(LogNext)); err != nil {
			return err
		}

		return wire.WriteString(w, line)
	})
}

// StartActivity emits a START_ACTIVITY frame and returns the new activity's
// id, used for a matching StopActivity.
func (l *TunnelLogger) StartActivity(lvl Verbosity, actType ActivityType, text string, fields []LogField, parent uint64) (uint64, error) {
	l.mu.Lock()
	id := l.nextID + 1
	l.nextID = id
	l.mu.Unlock()

	err := l.emit(func(w io.Writer) error {
		if err := wire.WriteUint64(w, uint64(LogStartActivity)); err != nil {
			return err
		}

		if err := wire.WriteUint64(w, id); err != nil {
			return err
		}

		if err := wire.WriteUint64(w, uint64(lvl)); err != nil {
			return err
		}

		if err := wire.WriteUint64(w, uint64(actType)); err != nil {
			return err
		}

		if err := wire.WriteString(w, text); err != nil {
			return err
		}

		if err := writeFields(w, fields); err != nil {
			return err
		}

		return wire.WriteUint64(w, parent)
	})

	return id, err
}

// StopActivity emits a STOP_ACTIVITY frame for a previously started activity.
func (l *TunnelLogger) StopActivity(id uint64) error {
	return l.emit(func(w io.Writer) error {
		if err := wire.WriteUint64(w, uint64(LogStopActivity)); err != nil {
			return err
		}

		return wire.WriteUint64(w, id)
	})
}

// Result emits a RESULT frame reporting progress for a running activity.
func (l *TunnelLogger) Result(id uint64, resType ResultType, fields []LogField) error {
	return l.emit(func(w io.Writer) error {
		if err := wire.WriteUint64(w, uint64(LogResult)); err != nil {
			return err
		}

		if err := wire.WriteUint64(w, id); err != nil {
			return err
		}

		if err := wire.WriteUint64(w, uint64(resType)); err != nil {
			return err
		}

		return writeFields(w, fields)
	})
}

// emit writes a frame immediately if a request is in flight, or queues it
// (serialized through a byte buffer) otherwise, matching
// TunnelLogger::enqueueMsg's canSendStderr gate.
func (l *TunnelLogger) emit(write func(io.Writer) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.active {
		return write(l.w)
	}

	var buf byteBuffer
	if err := write(&buf); err != nil {
		return err
	}

	l.pending = append(l.pending, buf.b)

	return nil
}

// byteBuffer is a minimal io.Writer sink for queuing a frame before a
// request has opened the gate; avoids a bytes.Buffer import for one use.
type byteBuffer struct{ b []byte }

func (bb *byteBuffer) Write(p []byte) (int, error) {
	bb.b = append(bb.b, p...)

	return len(p), nil
}

// writeFields writes a sequence of typed fields in the format readFields
// expects: count, then per field a 0/1 type tag and the int or string value.
func writeFields(w io.Writer, fields []LogField) error {
	if err := wire.WriteUint64(w, uint64(len(fields))); err != nil {
		return err
	}

	for _, f := range fields {
		if f.IsInt {
			if err := wire.WriteUint64(w, 0); err != nil {
				return err
			}

			if err := wire.WriteUint64(w, f.Int); err != nil {
				return err
			}

			continue
		}

		if err := wire.WriteUint64(w, 1); err != nil {
			return err
		}

		if err := wire.WriteString(w, f.String); err != nil {
			return err
		}
	}

	return nil
}

// readFields parses a sequence of typed fields from the daemon's stderr
// channel. Each field is preceded by a type tag: 0 for integer, 1 for string.
func readFields(r io.Reader, count uint64) ([]LogField, error) {
	fields := make([]LogField, count)

	for i := uint64(0); i < count; i++ {
		fieldType, err := wire.ReadUint64(r)
		if err != nil {
			return nil, &ProtocolError{Op: "read field type", Err: err}
		}

		switch fieldType {
		case 0: // integer field
			v, err := wire.ReadUint64(r)
			if err != nil {
				return nil, &ProtocolError{Op: "read field int value", Err: err}
			}

			fields[i] = LogField{Int: v, IsInt: true}

		case 1: // string field
			s, err := wire.ReadString(r, MaxStringSize)
			if err != nil {
				return nil, &ProtocolError{Op: "read field string value", Err: err}
			}

			fields[i] = LogField{String: s, IsInt: false}

		default:
			return nil, &ProtocolError{
				Op:  "read field",
				Err: fmt.Errorf("unknown field type: %d", fieldType),
			}
		}
	}

	return fields, nil
}
