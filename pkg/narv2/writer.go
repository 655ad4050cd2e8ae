package narv2

import (
	"fmt"
	"io"

	"github.com/nix-community/go-workerd/pkg/wire"
)

// paddingLen returns the number of zero bytes needed to round n up to the
// next multiple of 8, mirroring pkg/wire's (unexported) padding rule.
func paddingLen(n uint64) uint64 {
	return (8 - (n % 8)) % 8
}

type nodeKind int

const (
	nodeDir nodeKind = iota
	nodeFile
)

type writerFrame struct {
	kind      nodeKind
	isEntry   bool
	remaining uint64
	pad       byte
}

// Writer serializes a NAR archive in the grammar Reader parses:
//
//	nix-archive-1 ( type <node> )
//
// where <node> is one of directory/regular/symlink, and a directory's
// children are written as entry ( name <name> node ( type <node> ) ).
// Writer is the streaming counterpart Reader needs for AddToStoreNar and
// NarFromPath to round-trip without buffering a whole archive in memory.
type Writer struct {
	w            io.Writer
	err          error
	stack        []*writerFrame
	pendingEntry bool
}

// NewWriter returns a Writer that emits a NAR archive to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Err returns the first error Writer encountered, if any.
func (w *Writer) Err() error {
	return w.err
}

func (w *Writer) fail(err error) {
	if w.err == nil {
		w.err = err
	}
}

func (w *Writer) str(s string) {
	if w.err != nil {
		return
	}

	if err := wire.WriteString(w.w, s); err != nil {
		w.fail(err)
	}
}

// Entry starts a new named child of the directory currently open at the
// top of the stack. It must be followed by exactly one of Directory, File,
// or Link.
func (w *Writer) Entry(name string) {
	if w.err != nil {
		return
	}

	if len(w.stack) == 0 || w.stack[len(w.stack)-1].kind != nodeDir {
		w.fail(fmt.Errorf("nar: Entry called with no open directory"))

		return
	}

	w.str("entry")
	w.str("(")
	w.str("name")
	w.str(name)
	w.str("node")
	w.str("(")
	w.str("type")
	w.pendingEntry = true
}

// beginNode writes the "nix-archive-1(type" preamble for a root node, or
// consumes the pending Entry() preamble for a child node, and reports
// whether this node is a child entry (as opposed to the root node).
func (w *Writer) beginNode() bool {
	isEntry := w.pendingEntry
	w.pendingEntry = false

	if !isEntry {
		if len(w.stack) != 0 {
			w.fail(fmt.Errorf("nar: node started without a preceding Entry call"))

			return false
		}

		w.str("nix-archive-1")
		w.str("(")
		w.str("type")
	}

	return isEntry
}

func (w *Writer) closeParens(isEntry bool) {
	w.str(")")
	if isEntry {
		w.str(")")
	}
}

// Directory opens a directory node — the root node, or whichever node the
// most recent Entry call started. Each child goes through Entry; the
// directory itself is finished with Close.
func (w *Writer) Directory() {
	if w.err != nil {
		return
	}

	isEntry := w.beginNode()
	w.str("directory")
	w.stack = append(w.stack, &writerFrame{kind: nodeDir, isEntry: isEntry})
}

// File opens a regular file node of the given size. The caller streams
// exactly size bytes via Write, then calls Close.
func (w *Writer) File(executable bool, size uint64) {
	if w.err != nil {
		return
	}

	isEntry := w.beginNode()
	w.str("regular")

	if executable {
		w.str("executable")
		w.str("")
	}

	w.str("contents")

	if w.err != nil {
		return
	}

	if err := wire.WriteUint64(w.w, size); err != nil {
		w.fail(err)

		return
	}

	w.stack = append(w.stack, &writerFrame{
		kind:      nodeFile,
		isEntry:   isEntry,
		remaining: size,
		pad:       byte(paddingLen(size)),
	})
}

// Write streams content bytes for the most recently opened File node.
func (w *Writer) Write(p []byte) (int, error) {
	if w.err != nil {
		return 0, w.err
	}

	if len(w.stack) == 0 || w.stack[len(w.stack)-1].kind != nodeFile {
		err := fmt.Errorf("nar: Write called with no open File")
		w.fail(err)

		return 0, err
	}

	top := w.stack[len(w.stack)-1]
	if uint64(len(p)) > top.remaining {
		err := fmt.Errorf("nar: Write of %d bytes exceeds %d bytes remaining", len(p), top.remaining)
		w.fail(err)

		return 0, err
	}

	n, err := w.w.Write(p)
	top.remaining -= uint64(n)

	if err != nil {
		w.fail(err)
	}

	return n, err
}

// Link writes a complete symlink node; unlike Directory and File, no Close
// call follows it.
func (w *Writer) Link(target string) {
	if w.err != nil {
		return
	}

	isEntry := w.beginNode()
	w.str("symlink")
	w.str("target")
	w.str(target)
	w.closeParens(isEntry)
}

// Close finishes the most recently opened Directory or File, writing any
// trailing content padding and the closing parens the grammar requires.
func (w *Writer) Close() error {
	if w.err != nil {
		return w.err
	}

	if len(w.stack) == 0 {
		err := fmt.Errorf("nar: Close called with nothing open")
		w.fail(err)

		return err
	}

	top := w.stack[len(w.stack)-1]
	w.stack = w.stack[:len(w.stack)-1]

	if top.kind == nodeFile {
		if top.remaining != 0 {
			err := fmt.Errorf("nar: File closed with %d bytes still undeclared", top.remaining)
			w.fail(err)

			return err
		}

		if top.pad != 0 {
			var zero [8]byte

			if _, err := w.w.Write(zero[:top.pad]); err != nil {
				w.fail(err)

				return err
			}
		}
	}

	w.closeParens(top.isEntry)

	return w.err
}

// Copy streams every node of src into dst, in order, preserving directory
// structure. The daemon package's copyNAR uses it for the NAR in a
// NarFromPath reply and for each NAR in a framed AddToStoreNar or
// AddMultipleToStore body: a decode/re-encode pass, rather than a
// byte-for-byte passthrough, so a truncated or malformed archive fails
// here instead of silently reaching the store.
func Copy(dst *Writer, src Reader) error {
	depth := 0

	for {
		tag, err := src.Next()
		if err == io.EOF {
			if depth == 0 {
				return nil
			}

			depth--

			if err := dst.Close(); err != nil {
				return err
			}

			continue
		}

		if err != nil {
			return err
		}

		if depth > 0 {
			dst.Entry(src.Name())
		}

		switch tag {
		case TagDir:
			dst.Directory()
			depth++

		case TagReg, TagExe:
			dst.File(tag == TagExe, src.Size())

			if _, err := io.Copy(dst, src); err != nil {
				return err
			}

			if err := dst.Close(); err != nil {
				return err
			}

		case TagSym:
			dst.Link(src.Target())

		default:
			return fmt.Errorf("nar: copy: unhandled tag %v", tag)
		}

		if dst.Err() != nil {
			return dst.Err()
		}
	}
}
