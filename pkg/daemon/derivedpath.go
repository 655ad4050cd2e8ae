package daemon

import (
	"fmt"
	"io"
	"strings"

	"github.com/nix-community/go-workerd/pkg/wire"
)

// DerivedPathKind distinguishes the two DerivedPath variants (spec.md §3).
type DerivedPathKind int

const (
	// DPOpaque references an already-built store path directly.
	DPOpaque DerivedPathKind = iota
	// DPBuilt references the outputs of a derivation, identified by its
	// .drv path.
	DPBuilt
)

// OutputsSpec is the output selector half of DerivedPath::Built: either
// every output ("All"), or an explicit named subset.
type OutputsSpec struct {
	All   bool
	Names []string
}

// derivedPathOutputsAllToken is the legacy (pre-1.30) wildcard spelling for
// "every output", used in the "!*" suffix form.
const derivedPathOutputsAllToken = "*"

func (o OutputsSpec) legacyString() string {
	if o.All {
		return derivedPathOutputsAllToken
	}

	return strings.Join(o.Names, ",")
}

func parseOutputsSpec(s string) OutputsSpec {
	if s == derivedPathOutputsAllToken {
		return OutputsSpec{All: true}
	}

	if s == "" {
		return OutputsSpec{Names: nil}
	}

	return OutputsSpec{Names: strings.Split(s, ",")}
}

// DerivedPath is either Opaque{path} or Built{drvPath, outputs}. From
// v1.30, DrvPath may itself be a DerivedPath (dynamic derivations) instead
// of a plain store path string (spec.md §3, §4.2).
type DerivedPath struct {
	Kind DerivedPathKind

	// Path holds the store path for Opaque, and the legacy (pre-1.30 or
	// non-nested) .drv store path for Built.
	Path string

	// DrvPath, when non-nil, is the v>=1.30 nested DerivedPath naming the
	// derivation to build. Built-variant values written at v>=1.30 always
	// populate this; Path is then just DrvPath's rendered store path, kept
	// in sync for callers that only care about the legacy string form.
	DrvPath *DerivedPath

	Outputs OutputsSpec
}

// WriteDerivedPath writes dp using the encoding the negotiated minor
// requires: a single "<drvPath>!<outputs>" string below 1.30, or a tagged
// discriminator plus a (possibly nested) DerivedPath from 1.30 on
// (spec.md §4.2).
func WriteDerivedPath(w io.Writer, minor uint64, dp *DerivedPath) error {
	if minor < 30 {
		return wire.WriteString(w, dp.legacyString())
	}

	switch dp.Kind {
	case DPOpaque:
		if err := wire.WriteUint64(w, 0); err != nil {
			return err
		}

		return wire.WriteString(w, dp.Path)

	case DPBuilt:
		if err := wire.WriteUint64(w, 1); err != nil {
			return err
		}

		drvPath := dp.DrvPath
		if drvPath == nil {
			drvPath = &DerivedPath{Kind: DPOpaque, Path: dp.Path}
		}

		if err := WriteDerivedPath(w, minor, drvPath); err != nil {
			return err
		}

		return writeOutputsSpec(w, dp.Outputs)

	default:
		return fmt.Errorf("derivedpath: unknown kind %d", dp.Kind)
	}
}

// ReadDerivedPath is the inverse of WriteDerivedPath.
func ReadDerivedPath(r io.Reader, minor uint64) (*DerivedPath, error) {
	if minor < 30 {
		s, err := wire.ReadString(r, MaxStringSize)
		if err != nil {
			return nil, &ProtocolError{Op: "read derived path", Err: err}
		}

		return parseLegacyDerivedPath(s)
	}

	tag, err := wire.ReadUint64(r)
	if err != nil {
		return nil, &ProtocolError{Op: "read derived path tag", Err: err}
	}

	switch tag {
	case 0:
		path, err := wire.ReadString(r, MaxStringSize)
		if err != nil {
			return nil, &ProtocolError{Op: "read opaque derived path", Err: err}
		}

		return &DerivedPath{Kind: DPOpaque, Path: path}, nil

	case 1:
		drvPath, err := ReadDerivedPath(r, minor)
		if err != nil {
			return nil, err
		}

		outputs, err := readOutputsSpec(r)
		if err != nil {
			return nil, err
		}

		return &DerivedPath{
			Kind:    DPBuilt,
			Path:    drvPath.Path,
			DrvPath: drvPath,
			Outputs: outputs,
		}, nil

	default:
		return nil, &ProtocolError{Op: "read derived path tag", Err: fmt.Errorf("unknown DerivedPath tag %d", tag)}
	}
}

func (dp *DerivedPath) legacyString() string {
	if dp.Kind == DPOpaque {
		return dp.Path
	}

	return dp.Path + "!" + dp.Outputs.legacyString()
}

func parseLegacyDerivedPath(s string) (*DerivedPath, error) {
	drvPath, outputsPart, hasBang := strings.Cut(s, "!")
	if !hasBang {
		return &DerivedPath{Kind: DPOpaque, Path: s}, nil
	}

	return &DerivedPath{
		Kind:    DPBuilt,
		Path:    drvPath,
		Outputs: parseOutputsSpec(outputsPart),
	}, nil
}

func writeOutputsSpec(w io.Writer, outputs OutputsSpec) error {
	if err := wire.WriteBool(w, outputs.All); err != nil {
		return err
	}

	if outputs.All {
		return nil
	}

	return WriteStrings(w, outputs.Names)
}

func readOutputsSpec(r io.Reader) (OutputsSpec, error) {
	all, err := wire.ReadBool(r)
	if err != nil {
		return OutputsSpec{}, &ProtocolError{Op: "read outputs spec flag", Err: err}
	}

	if all {
		return OutputsSpec{All: true}, nil
	}

	names, err := ReadStrings(r, MaxStringSize)
	if err != nil {
		return OutputsSpec{}, &ProtocolError{Op: "read outputs spec names", Err: err}
	}

	return OutputsSpec{Names: names}, nil
}
