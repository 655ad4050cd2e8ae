package daemon

import (
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	mh "github.com/multiformats/go-multihash"

	"github.com/nix-community/go-workerd/pkg/wire"
)

// ContentAddressMethod is the tag half of a ContentAddress (spec.md §4.2,
// §3): how the content of a store path maps to its hash.
type ContentAddressMethod int

const (
	// CAMethodText addresses the literal bytes of a text file (derivations,
	// .drv-adjacent outputs).
	CAMethodText ContentAddressMethod = iota
	// CAMethodFlat addresses the literal bytes of a single flat file.
	CAMethodFlat
	// CAMethodNixArchive addresses the NAR serialisation of a file system
	// object (the common case for store paths).
	CAMethodNixArchive
	// CAMethodGit addresses content the way git's object store would hash it.
	CAMethodGit
)

// prefix is the method component of the `<method>:<algo>:<digest>` wire
// string (spec.md §4.2).
func (m ContentAddressMethod) prefix() string {
	switch m {
	case CAMethodText:
		return "text"
	case CAMethodNixArchive:
		return "fixed:r"
	case CAMethodGit:
		return "fixed:git"
	case CAMethodFlat:
		return "fixed"
	default:
		return "fixed"
	}
}

func (m ContentAddressMethod) String() string {
	switch m {
	case CAMethodText:
		return "Text"
	case CAMethodFlat:
		return "Flat"
	case CAMethodNixArchive:
		return "NixArchive"
	case CAMethodGit:
		return "Git"
	default:
		return fmt.Sprintf("ContentAddressMethod(%d)", int(m))
	}
}

// caHashCodes maps the hash algorithm names the worker protocol admits to
// their multihash function codes.
var caHashCodes = map[string]uint64{ //nolint:gochecknoglobals
	"md5":    mh.MD5,
	"sha1":   mh.SHA1,
	"sha256": mh.SHA2_256,
	"sha512": mh.SHA2_512,
}

var caHashNames = func() map[uint64]string { //nolint:gochecknoglobals
	out := make(map[uint64]string, len(caHashCodes))
	for name, code := range caHashCodes {
		out[code] = name
	}

	return out
}()

// ContentAddress is a tagged union: {Text | Flat | NixArchive | Git} paired
// with an algorithm tag and a hash digest (spec.md §4.2 "Value serializers",
// §3 GLOSSARY).
type ContentAddress struct {
	Method ContentAddressMethod
	Algo   string
	Digest []byte // raw digest bytes, as carried on the wire (not multihash-prefixed)
}

// NewContentAddress validates algo and digest and builds a ContentAddress.
// Validation goes through go-multihash's codec table: the wire format
// itself carries a plain hex digest (spec.md §4.2), not a multihash, but
// round-tripping through mh.Encode/mh.Decode confirms the algorithm is one
// multihash recognises and that the digest is the length that algorithm
// produces, instead of accepting arbitrary bytes under an arbitrary name.
func NewContentAddress(method ContentAddressMethod, algo string, digest []byte) (*ContentAddress, error) {
	code, ok := caHashCodes[strings.ToLower(algo)]
	if !ok {
		return nil, fmt.Errorf("contentaddress: unknown hash algorithm %q", algo)
	}

	wantLen := map[uint64]int{mh.MD5: 16, mh.SHA1: 20, mh.SHA2_256: 32, mh.SHA2_512: 64}[code]
	if len(digest) != wantLen {
		return nil, fmt.Errorf("contentaddress: %s digest is %d bytes, want %d", algo, len(digest), wantLen)
	}

	encoded, err := mh.Encode(digest, code)
	if err != nil {
		return nil, fmt.Errorf("contentaddress: encode %s digest: %w", algo, err)
	}

	decoded, err := mh.Decode(encoded)
	if err != nil {
		return nil, fmt.Errorf("contentaddress: decode %s digest: %w", algo, err)
	}

	if decoded.Code != code {
		return nil, fmt.Errorf("contentaddress: digest round-trip changed algorithm (%d != %d)", decoded.Code, code)
	}

	return &ContentAddress{Method: method, Algo: strings.ToLower(algo), Digest: decoded.Digest}, nil
}

// String renders the `<method>:<algo>:<digest>` wire form (spec.md §4.2).
func (ca ContentAddress) String() string {
	return fmt.Sprintf("%s:%s:%s", ca.Method.prefix(), ca.Algo, hex.EncodeToString(ca.Digest))
}

// ParseContentAddress parses the `<method>:<algo>:<digest>` wire form back
// into a ContentAddress, validating the digest via NewContentAddress.
func ParseContentAddress(s string) (*ContentAddress, error) {
	parts := strings.Split(s, ":")

	var (
		method ContentAddressMethod
		rest   []string
	)

	switch {
	case len(parts) >= 1 && parts[0] == "text":
		method = CAMethodText
		rest = parts[1:]
	case len(parts) >= 2 && parts[0] == "fixed" && parts[1] == "r":
		method = CAMethodNixArchive
		rest = parts[2:]
	case len(parts) >= 2 && parts[0] == "fixed" && parts[1] == "git":
		method = CAMethodGit
		rest = parts[2:]
	case len(parts) >= 1 && parts[0] == "fixed":
		method = CAMethodFlat
		rest = parts[1:]
	default:
		return nil, fmt.Errorf("contentaddress: unrecognised method in %q", s)
	}

	if len(rest) != 2 {
		return nil, fmt.Errorf("contentaddress: malformed content address %q", s)
	}

	digest, err := hex.DecodeString(rest[1])
	if err != nil {
		return nil, fmt.Errorf("contentaddress: bad hex digest in %q: %w", s, err)
	}

	return NewContentAddress(method, rest[0], digest)
}

// WriteContentAddress writes an optional ContentAddress as its wire string,
// or the empty string when ca is nil (spec.md §4.2's ValidPathInfo `ca`
// field is itself optional).
func WriteContentAddress(w io.Writer, ca *ContentAddress) error {
	s := ""
	if ca != nil {
		s = ca.String()
	}

	return wire.WriteString(w, s)
}

// ReadContentAddress reads an optional ContentAddress, returning (nil, nil)
// for the empty-string case.
func ReadContentAddress(r io.Reader) (*ContentAddress, error) {
	s, err := wire.ReadString(r, MaxStringSize)
	if err != nil {
		return nil, &ProtocolError{Op: "read content address", Err: err}
	}

	if s == "" {
		return nil, nil //nolint:nilnil
	}

	ca, err := ParseContentAddress(s)
	if err != nil {
		return nil, &ProtocolError{Op: "parse content address", Err: err}
	}

	return ca, nil
}
