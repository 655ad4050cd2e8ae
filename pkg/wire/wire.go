// Package wire implements the length-prefixed binary primitives shared by
// every value serializer in pkg/daemon: fixed-width little-endian integers,
// padded byte strings, and the sequence/bool conventions built on top of
// them. It knows nothing about the daemon's domain types.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// DefaultMaxStringSize bounds ReadString/ReadBytes calls that don't pass an
// explicit limit. Individual call sites override it for fields that are
// known to be large (NAR data, framed payloads).
const DefaultMaxStringSize = 16 * 1024 * 1024 // 16 MiB

// WriteUint64 writes v as 8 bytes, little-endian.
func WriteUint64(w io.Writer, v uint64) error {
	var buf [8]byte

	binary.LittleEndian.PutUint64(buf[:], v)

	_, err := w.Write(buf[:])

	return err
}

// ReadUint64 reads 8 little-endian bytes. A short read is reported as
// io.ErrUnexpectedEOF (or io.EOF if nothing at all was read), matching the
// "UnexpectedEof on short read" rule in spec.md §4.1.
func ReadUint64(r io.Reader) (uint64, error) {
	var buf [8]byte

	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint64(buf[:]), nil
}

// WriteBool writes b as a uint64 0/1.
func WriteBool(w io.Writer, b bool) error {
	var v uint64
	if b {
		v = 1
	}

	return WriteUint64(w, v)
}

// ReadBool reads a uint64 and treats any nonzero value as true. This mirrors
// the legacy Nix daemon's lenient bool decoding (spec.md §4.1).
func ReadBool(r io.Reader) (bool, error) {
	v, err := ReadUint64(r)
	if err != nil {
		return false, err
	}

	return v != 0, nil
}

// paddingLen returns the number of zero bytes needed to round n up to the
// next multiple of 8.
func paddingLen(n uint64) uint64 {
	return (8 - (n % 8)) % 8
}

// WriteBytes writes len(b):u64, then b, then zero padding to the next
// 8-byte boundary.
func WriteBytes(w io.Writer, b []byte) error {
	if err := WriteUint64(w, uint64(len(b))); err != nil {
		return err
	}

	if len(b) > 0 {
		if _, err := w.Write(b); err != nil {
			return err
		}
	}

	if pad := paddingLen(uint64(len(b))); pad > 0 {
		var zero [8]byte

		if _, err := w.Write(zero[:pad]); err != nil {
			return err
		}
	}

	return nil
}

// WriteString writes s as a length-prefixed, padded byte string.
func WriteString(w io.Writer, s string) error {
	return WriteBytes(w, []byte(s))
}

// ReadBytes reads a length-prefixed, padded byte string. If the declared
// length exceeds maxSize, it fails without attempting to allocate or read
// the (possibly bogus) payload.
func ReadBytes(r io.Reader, maxSize uint64) ([]byte, error) {
	n, err := ReadUint64(r)
	if err != nil {
		return nil, err
	}

	if n > maxSize {
		return nil, fmt.Errorf("wire: string of %d bytes exceeds limit of %d", n, maxSize)
	}

	buf := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
	}

	if pad := paddingLen(n); pad > 0 {
		var padBuf [8]byte

		if _, err := io.ReadFull(r, padBuf[:pad]); err != nil {
			return nil, err
		}
	}

	return buf, nil
}

// ReadString reads a length-prefixed, padded byte string as a string.
func ReadString(r io.Reader, maxSize uint64) (string, error) {
	b, err := ReadBytes(r, maxSize)
	if err != nil {
		return "", err
	}

	return string(b), nil
}

// WriteSequence writes count:u64 followed by each element via writeElt, in
// the order given. Used for both ordered sequences and unordered sets: the
// wire format does not distinguish them (spec.md §3).
func WriteSequence[T any](w io.Writer, xs []T, writeElt func(io.Writer, T) error) error {
	if err := WriteUint64(w, uint64(len(xs))); err != nil {
		return err
	}

	for _, x := range xs {
		if err := writeElt(w, x); err != nil {
			return err
		}
	}

	return nil
}

// ReadSequence reads count:u64 followed by that many elements via readElt.
func ReadSequence[T any](r io.Reader, readElt func(io.Reader) (T, error)) ([]T, error) {
	count, err := ReadUint64(r)
	if err != nil {
		return nil, err
	}

	xs := make([]T, count)

	for i := uint64(0); i < count; i++ {
		x, err := readElt(r)
		if err != nil {
			return nil, err
		}

		xs[i] = x
	}

	return xs, nil
}
