package daemon

// Store is the capability server.go's dispatcher drives: a minimal,
// thread-safe view of a Nix store sufficient to answer the worker-protocol
// operations spec.md §4.6 describes. It excludes on-disk store format,
// derivation evaluation, and substituter transports (spec.md Non-goals);
// pkg/daemon/store_sqlite.go is the one reference implementation, good
// enough to drive the dispatcher's tests and the demo daemon, not a real
// store.
//
// Every method must be safe for concurrent use: spec.md §5 "Shared-resource
// policy" requires the Store to be shared across connection workers.
type Store interface {
	// IsValidPath reports whether path is registered and valid.
	IsValidPath(path string) (bool, error)

	// QueryPathInfo returns the metadata for path, or ok=false if it isn't
	// a valid path.
	QueryPathInfo(path string) (info *PathInfo, ok bool, err error)

	// QueryPathFromHashPart resolves a store path from its hash-part
	// prefix, returning "" if none matches.
	QueryPathFromHashPart(hashPart string) (string, error)

	// QueryAllValidPaths lists every path currently registered.
	QueryAllValidPaths() ([]string, error)

	// QueryReferrers lists the paths that reference path.
	QueryReferrers(path string) ([]string, error)

	// QueryValidDerivers lists the known deriver paths for path.
	QueryValidDerivers(path string) ([]string, error)

	// QueryDerivationOutputMap returns a derivation's declared outputs,
	// resolved to store paths where known.
	QueryDerivationOutputMap(drvPath string) (map[string]string, error)

	// RegisterValidPath records info as valid, the server side of
	// AddToStoreNar/AddMultipleToStore once the NAR has been unpacked.
	RegisterValidPath(info PathInfo) error

	// QueryMissing classifies the paths a build/substitution of targets
	// would still need to produce.
	QueryMissing(targets []string) (*MissingInfo, error)

	// AddTempRoot registers path as alive for the lifetime of the owning
	// connection.
	AddTempRoot(path string) error

	// AddIndirectRoot registers an indirect GC root at linkPath.
	AddIndirectRoot(linkPath string) error

	// AddPermRoot registers a permanent GC root named gcRoot pointing at
	// path, returning the root's canonical path.
	AddPermRoot(path, gcRoot string) (string, error)

	// FindRoots returns every live GC root as a map from root path to the
	// store path it keeps alive.
	FindRoots() (map[string]string, error)

	// CollectGarbage performs a garbage collection pass per opts.
	CollectGarbage(opts GCOptions) (*GCResult, error)

	// QueryRealisation looks up a content-addressed realisation by its
	// derivation-output id.
	QueryRealisation(id string) (*Realisation, error)

	// RegisterDrvOutput records a newly produced realisation.
	RegisterDrvOutput(r Realisation) error

	// BuildDerivation builds drv in-process (or simulates doing so for a
	// reference store) and returns the outcome.
	BuildDerivation(drvPath string, drv BasicDerivation, mode BuildMode) (*BuildResult, error)

	// BuildPaths realizes every target, returning the first failure if
	// mode doesn't tolerate partial success.
	BuildPaths(targets []*DerivedPath, mode BuildMode) error

	// OptimiseStore hard-links identical file contents across the store.
	OptimiseStore() error

	// VerifyStore checks store integrity, optionally repairing paths
	// (repair requires trust, enforced by the caller per spec.md §4.6).
	VerifyStore(checkContents, repair bool) (errors []string, err error)
}
