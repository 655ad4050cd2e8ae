package daemon

import (
	"io"
	"sort"

	"github.com/nix-community/go-workerd/pkg/wire"
)

// WriteStrings writes a list of strings as count + entries.
func WriteStrings(w io.Writer, ss []string) error {
	if err := wire.WriteUint64(w, uint64(len(ss))); err != nil {
		return err
	}

	for _, s := range ss {
		if err := wire.WriteString(w, s); err != nil {
			return err
		}
	}

	return nil
}

// ReadStrings reads a list of strings.
func ReadStrings(r io.Reader, maxBytes uint64) ([]string, error) {
	count, err := wire.ReadUint64(r)
	if err != nil {
		return nil, &ProtocolError{Op: "read string list count", Err: err}
	}

	ss := make([]string, count)
	for i := uint64(0); i < count; i++ {
		s, err := wire.ReadString(r, maxBytes)
		if err != nil {
			return nil, &ProtocolError{Op: "read string list entry", Err: err}
		}

		ss[i] = s
	}

	return ss, nil
}

// WriteStringMap writes a map as count + sorted key/value pairs.
func WriteStringMap(w io.Writer, m map[string]string) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	if err := wire.WriteUint64(w, uint64(len(keys))); err != nil {
		return err
	}

	for _, k := range keys {
		if err := wire.WriteString(w, k); err != nil {
			return err
		}

		if err := wire.WriteString(w, m[k]); err != nil {
			return err
		}
	}

	return nil
}

// ReadStringMap reads a map of string key/value pairs.
func ReadStringMap(r io.Reader, maxBytes uint64) (map[string]string, error) {
	count, err := wire.ReadUint64(r)
	if err != nil {
		return nil, &ProtocolError{Op: "read string map count", Err: err}
	}

	m := make(map[string]string, count)
	for i := uint64(0); i < count; i++ {
		key, err := wire.ReadString(r, maxBytes)
		if err != nil {
			return nil, &ProtocolError{Op: "read string map key", Err: err}
		}

		val, err := wire.ReadString(r, maxBytes)
		if err != nil {
			return nil, &ProtocolError{Op: "read string map value", Err: err}
		}

		m[key] = val
	}

	return m, nil
}

// ReadPathInfo reads a full PathInfo from the wire (UnkeyedValidPathInfo
// format), gated on the negotiated protocol minor (spec.md §4.2): the
// ultimate/sigs/ca tail was added at v1.16, so a pre-1.16 peer never sends
// it and the fields default to their zero values. storePath is provided
// separately (already known by the caller).
func ReadPathInfo(r io.Reader, storePath string, minor uint64) (*PathInfo, error) {
	deriver, err := wire.ReadString(r, MaxStringSize)
	if err != nil {
		return nil, &ProtocolError{Op: "read path info deriver", Err: err}
	}

	narHash, err := wire.ReadString(r, MaxStringSize)
	if err != nil {
		return nil, &ProtocolError{Op: "read path info narHash", Err: err}
	}

	references, err := ReadStrings(r, MaxStringSize)
	if err != nil {
		return nil, &ProtocolError{Op: "read path info references", Err: err}
	}

	registrationTime, err := wire.ReadUint64(r)
	if err != nil {
		return nil, &ProtocolError{Op: "read path info registrationTime", Err: err}
	}

	narSize, err := wire.ReadUint64(r)
	if err != nil {
		return nil, &ProtocolError{Op: "read path info narSize", Err: err}
	}

	info := &PathInfo{
		StorePath:        storePath,
		Deriver:          deriver,
		NarHash:          narHash,
		References:       references,
		RegistrationTime: registrationTime,
		NarSize:          narSize,
	}

	if minor < 16 {
		return info, nil
	}

	if info.Ultimate, err = wire.ReadBool(r); err != nil {
		return nil, &ProtocolError{Op: "read path info ultimate", Err: err}
	}

	if info.Sigs, err = ReadStrings(r, MaxStringSize); err != nil {
		return nil, &ProtocolError{Op: "read path info sigs", Err: err}
	}

	if info.CA, err = wire.ReadString(r, MaxStringSize); err != nil {
		return nil, &ProtocolError{Op: "read path info contentAddress", Err: err}
	}

	return info, nil
}

// WritePathInfo writes a PathInfo in ValidPathInfo wire format, dropping
// the v1.16+ tail when writing to an older peer.
func WritePathInfo(w io.Writer, info *PathInfo, minor uint64) error {
	if err := wire.WriteString(w, info.StorePath); err != nil {
		return err
	}

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

// WriteBasicDerivation writes a BasicDerivation to the wire. Outputs are
// written sorted by name; environment variables are written sorted by key.
func WriteBasicDerivation(w io.Writer, drv *BasicDerivation) error {
	// Outputs: count + sorted entries.
	outputNames := make([]string, 0, len(drv.Outputs))
	for name := range drv.Outputs {
		outputNames = append(outputNames, name)
	}

	sort.Strings(outputNames)

	if err := wire.WriteUint64(w, uint64(len(outputNames))); err != nil {
		return err
	}

	for _, name := range outputNames {
		out := drv.Outputs[name]

		if err := wire.WriteString(w, name); err != nil {
			return err
		}

		if err := wire.WriteString(w, out.Path); err != nil {
			return err
		}

		if err := wire.WriteString(w, out.HashAlgorithm); err != nil {
			return err
		}

		if err := wire.WriteString(w, out.Hash); err != nil {
			return err
		}
	}

	// Inputs: count + strings.
	if err := WriteStrings(w, drv.Inputs); err != nil {
		return err
	}

	// Platform.
	if err := wire.WriteString(w, drv.Platform); err != nil {
		return err
	}

	// Builder.
	if err := wire.WriteString(w, drv.Builder); err != nil {
		return err
	}

	// Args: count + strings.
	if err := WriteStrings(w, drv.Args); err != nil {
		return err
	}

	// Env: count + sorted key/value pairs.
	return WriteStringMap(w, drv.Env)
}

// ReadBasicDerivation reads a BasicDerivation from the wire, the server
// side of WriteBasicDerivation.
func ReadBasicDerivation(r io.Reader) (*BasicDerivation, error) {
	count, err := wire.ReadUint64(r)
	if err != nil {
		return nil, &ProtocolError{Op: "read derivation outputs count", Err: err}
	}

	outputs := make(map[string]DerivationOutput, count)

	for i := uint64(0); i < count; i++ {
		name, err := wire.ReadString(r, MaxStringSize)
		if err != nil {
			return nil, &ProtocolError{Op: "read derivation output name", Err: err}
		}

		var out DerivationOutput

		if out.Path, err = wire.ReadString(r, MaxStringSize); err != nil {
			return nil, &ProtocolError{Op: "read derivation output path", Err: err}
		}

		if out.HashAlgorithm, err = wire.ReadString(r, MaxStringSize); err != nil {
			return nil, &ProtocolError{Op: "read derivation output hash algorithm", Err: err}
		}

		if out.Hash, err = wire.ReadString(r, MaxStringSize); err != nil {
			return nil, &ProtocolError{Op: "read derivation output hash", Err: err}
		}

		outputs[name] = out
	}

	drv := &BasicDerivation{Outputs: outputs}

	if drv.Inputs, err = ReadStrings(r, MaxStringSize); err != nil {
		return nil, &ProtocolError{Op: "read derivation inputs", Err: err}
	}

	if drv.Platform, err = wire.ReadString(r, MaxStringSize); err != nil {
		return nil, &ProtocolError{Op: "read derivation platform", Err: err}
	}

	if drv.Builder, err = wire.ReadString(r, MaxStringSize); err != nil {
		return nil, &ProtocolError{Op: "read derivation builder", Err: err}
	}

	if drv.Args, err = ReadStrings(r, MaxStringSize); err != nil {
		return nil, &ProtocolError{Op: "read derivation args", Err: err}
	}

	if drv.Env, err = ReadStringMap(r, MaxStringSize); err != nil {
		return nil, &ProtocolError{Op: "read derivation env", Err: err}
	}

	return drv, nil
}

// ReadBuildResult reads a BuildResult from the wire. Layout is gated on the
// negotiated minor (spec.md §4.2): v1.27 has only status+errorMsg, v1.28
// adds builtOutputs, v1.29 adds timesBuilt/isNonDeterministic/start+stop
// time, v1.37 adds the optional CPU timing pair. Fields absent at a given
// minor keep their zero value.
func ReadBuildResult(r io.Reader, minor uint64) (*BuildResult, error) {
	status, err := wire.ReadUint64(r)
	if err != nil {
		return nil, &ProtocolError{Op: "read build result status", Err: err}
	}

	errorMsg, err := wire.ReadString(r, MaxStringSize)
	if err != nil {
		return nil, &ProtocolError{Op: "read build result errorMsg", Err: err}
	}

	result := &BuildResult{Status: BuildStatus(status), ErrorMsg: errorMsg}

	if minor < 29 {
		if minor >= 28 {
			if result.BuiltOutputs, err = readRealisationMap(r); err != nil {
				return nil, err
			}
		}

		return result, nil
	}

	if result.TimesBuilt, err = wire.ReadUint64(r); err != nil {
		return nil, &ProtocolError{Op: "read build result timesBuilt", Err: err}
	}

	if result.IsNonDeterministic, err = wire.ReadBool(r); err != nil {
		return nil, &ProtocolError{Op: "read build result isNonDeterministic", Err: err}
	}

	if result.StartTime, err = wire.ReadUint64(r); err != nil {
		return nil, &ProtocolError{Op: "read build result startTime", Err: err}
	}

	if result.StopTime, err = wire.ReadUint64(r); err != nil {
		return nil, &ProtocolError{Op: "read build result stopTime", Err: err}
	}

	if result.BuiltOutputs, err = readRealisationMap(r); err != nil {
		return nil, err
	}

	if minor < 37 {
		return result, nil
	}

	cpuUser, err := wire.ReadUint64(r)
	if err != nil {
		return nil, &ProtocolError{Op: "read build result cpuUser", Err: err}
	}

	if cpuUser != 0 {
		result.CPUUser = &cpuUser
	}

	cpuSystem, err := wire.ReadUint64(r)
	if err != nil {
		return nil, &ProtocolError{Op: "read build result cpuSystem", Err: err}
	}

	if cpuSystem != 0 {
		result.CPUSystem = &cpuSystem
	}

	return result, nil
}

func readRealisationMap(r io.Reader) (map[string]Realisation, error) {
	nrOutputs, err := wire.ReadUint64(r)
	if err != nil {
		return nil, &ProtocolError{Op: "read build result builtOutputs count", Err: err}
	}

	builtOutputs := make(map[string]Realisation, nrOutputs)

	for i := uint64(0); i < nrOutputs; i++ {
		name, err := wire.ReadString(r, MaxStringSize)
		if err != nil {
			return nil, &ProtocolError{Op: "read build result output name", Err: err}
		}

		realisationJSON, err := wire.ReadString(r, MaxStringSize)
		if err != nil {
			return nil, &ProtocolError{Op: "read build result realisation", Err: err}
		}

		builtOutputs[name] = Realisation{ID: realisationJSON}
	}

	return builtOutputs, nil
}

// WriteBuildResult writes a BuildResult using the same version-gated
// layout ReadBuildResult expects, for the server side of BuildDerivation /
// BuildPathsWithResults.
func WriteBuildResult(w io.Writer, minor uint64, result *BuildResult) error {
	if err := wire.WriteUint64(w, uint64(result.Status)); err != nil {
		return err
	}

	if err := wire.WriteString(w, result.ErrorMsg); err != nil {
		return err
	}

	if minor < 29 {
		if minor >= 28 {
			return writeRealisationMap(w, result.BuiltOutputs)
		}

		return nil
	}

	if err := wire.WriteUint64(w, result.TimesBuilt); err != nil {
		return err
	}

	if err := wire.WriteBool(w, result.IsNonDeterministic); err != nil {
		return err
	}

	if err := wire.WriteUint64(w, result.StartTime); err != nil {
		return err
	}

	if err := wire.WriteUint64(w, result.StopTime); err != nil {
		return err
	}

	if err := writeRealisationMap(w, result.BuiltOutputs); err != nil {
		return err
	}

	if minor < 37 {
		return nil
	}

	if err := wire.WriteUint64(w, derefOrZero(result.CPUUser)); err != nil {
		return err
	}

	return wire.WriteUint64(w, derefOrZero(result.CPUSystem))
}

func derefOrZero(v *uint64) uint64 {
	if v == nil {
		return 0
	}

	return *v
}

func writeRealisationMap(w io.Writer, m map[string]Realisation) error {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}

	sort.Strings(names)

	if err := wire.WriteUint64(w, uint64(len(names))); err != nil {
		return err
	}

	for _, name := range names {
		if err := wire.WriteString(w, name); err != nil {
			return err
		}

		if err := wire.WriteString(w, m[name].ID); err != nil {
			return err
		}
	}

	return nil
}
