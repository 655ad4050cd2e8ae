package daemon

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v3"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore is the reference Store implementation: durable path-info
// registration, realisations and permanent roots backed by mattn/go-sqlite3
// (the teacher's unused dependency, now the path-info table's driver);
// indirect roots in a dgraph-io/badger/v3 instance opened on the roots
// directory as it is, so entries left by an earlier run are kept; and temp
// roots in an in-memory map that lasts only as long as the process.
//
// It implements just enough of the real `nix-store --register-validity` /
// `nix-store --gc` semantics to drive the dispatcher's tests: no actual
// build execution, no substituter network traffic (spec.md Non-goals).
type SQLiteStore struct {
	db *sql.DB

	mu      sync.Mutex
	roots   *badger.DB
	tmpRoot map[string]struct{}
}

// OpenSQLiteStore opens (creating if absent) a path-info database at
// dbPath and an ephemeral badger index at rootsDir.
func OpenSQLiteStore(dbPath, rootsDir string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite path-info db: %w", err)
	}

	const schema = `
CREATE TABLE IF NOT EXISTS path_info (
	store_path        TEXT PRIMARY KEY,
	deriver           TEXT,
	nar_hash          TEXT NOT NULL,
	references_json   TEXT NOT NULL,
	registration_time INTEGER NOT NULL,
	nar_size          INTEGER NOT NULL,
	ultimate          INTEGER NOT NULL,
	sigs_json         TEXT NOT NULL,
	ca                TEXT
);
CREATE TABLE IF NOT EXISTS realisations (
	id        TEXT PRIMARY KEY,
	info_json TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS perm_roots (
	gc_root    TEXT PRIMARY KEY,
	store_path TEXT NOT NULL
);
`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("create path-info schema: %w", err)
	}

	opts := badger.DefaultOptions(rootsDir).WithLogger(nil)

	roots, err := badger.Open(opts)
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("open badger roots index: %w", err)
	}

	return &SQLiteStore{db: db, roots: roots, tmpRoot: map[string]struct{}{}}, nil
}

// Close releases both backing stores.
func (s *SQLiteStore) Close() error {
	dbErr := s.db.Close()
	rootsErr := s.roots.Close()

	if dbErr != nil {
		return dbErr
	}

	return rootsErr
}

func (s *SQLiteStore) IsValidPath(path string) (bool, error) {
	var n int

	err := s.db.QueryRow(`SELECT COUNT(1) FROM path_info WHERE store_path = ?`, path).Scan(&n)
	if err != nil {
		return false, err
	}

	return n > 0, nil
}

func (s *SQLiteStore) QueryPathInfo(path string) (*PathInfo, bool, error) {
	row := s.db.QueryRow(`
SELECT deriver, nar_hash, references_json, registration_time, nar_size, ultimate, sigs_json, ca
FROM path_info WHERE store_path = ?`, path)

	var (
		deriver, narHash, refsJSON, sigsJSON, ca sql.NullString
		regTime, narSize                         int64
		ultimate                                 int
	)

	err := row.Scan(&deriver, &narHash, &refsJSON, &regTime, &narSize, &ultimate, &sigsJSON, &ca)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}

	if err != nil {
		return nil, false, err
	}

	var refs, sigs []string
	_ = json.Unmarshal([]byte(refsJSON.String), &refs)
	_ = json.Unmarshal([]byte(sigsJSON.String), &sigs)

	info := &PathInfo{
		StorePath:        path,
		Deriver:          deriver.String,
		NarHash:          narHash.String,
		References:       refs,
		RegistrationTime: uint64(regTime),
		NarSize:          uint64(narSize),
		Ultimate:         ultimate != 0,
		Sigs:             sigs,
		CA:               ca.String,
	}

	return info, true, nil
}

func (s *SQLiteStore) QueryPathFromHashPart(hashPart string) (string, error) {
	rows, err := s.db.Query(`SELECT store_path FROM path_info`)
	if err != nil {
		return "", err
	}
	defer rows.Close()

	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return "", err
		}

		if pathHashPart(path) == hashPart {
			return path, nil
		}
	}

	return "", rows.Err()
}

// pathHashPart extracts the leading hash segment of a store path, e.g.
// "/nix/store/abc123...-foo" -> "abc123...".
func pathHashPart(storePath string) string {
	base := storePath
	if idx := strings.LastIndex(storePath, "/"); idx >= 0 {
		base = storePath[idx+1:]
	}

	if idx := strings.Index(base, "-"); idx >= 0 {
		return base[:idx]
	}

	return base
}

func (s *SQLiteStore) QueryAllValidPaths() ([]string, error) {
	rows, err := s.db.Query(`SELECT store_path FROM path_info ORDER BY store_path`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var paths []string

	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}

		paths = append(paths, p)
	}

	return paths, rows.Err()
}

func (s *SQLiteStore) QueryReferrers(path string) ([]string, error) {
	rows, err := s.db.Query(`SELECT store_path, references_json FROM path_info`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var referrers []string

	for rows.Next() {
		var (
			p        string
			refsJSON string
		)

		if err := rows.Scan(&p, &refsJSON); err != nil {
			return nil, err
		}

		var refs []string
		_ = json.Unmarshal([]byte(refsJSON), &refs)

		for _, r := range refs {
			if r == path {
				referrers = append(referrers, p)

				break
			}
		}
	}

	return referrers, rows.Err()
}

func (s *SQLiteStore) QueryValidDerivers(path string) ([]string, error) {
	rows, err := s.db.Query(`SELECT store_path, deriver FROM path_info WHERE deriver IS NOT NULL`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var derivers []string

	for rows.Next() {
		var p, deriver string
		if err := rows.Scan(&p, &deriver); err != nil {
			return nil, err
		}

		if p == path && deriver != "" {
			derivers = append(derivers, deriver)
		}
	}

	return derivers, rows.Err()
}

func (s *SQLiteStore) QueryDerivationOutputMap(drvPath string) (map[string]string, error) {
	outputs := map[string]string{}

	rows, err := s.db.Query(`SELECT store_path, deriver FROM path_info WHERE deriver = ?`, drvPath)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var path, deriver string
		if err := rows.Scan(&path, &deriver); err != nil {
			return nil, err
		}

		outputs["out"] = path
	}

	return outputs, rows.Err()
}

func (s *SQLiteStore) RegisterValidPath(info PathInfo) error {
	refs, err := json.Marshal(info.References)
	if err != nil {
		return err
	}

	sigs, err := json.Marshal(info.Sigs)
	if err != nil {
		return err
	}

	regTime := info.RegistrationTime
	if regTime == 0 {
		regTime = uint64(time.Now().Unix())
	}

	_, err = s.db.Exec(`
INSERT INTO path_info (store_path, deriver, nar_hash, references_json, registration_time, nar_size, ultimate, sigs_json, ca)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(store_path) DO UPDATE SET
	deriver=excluded.deriver, nar_hash=excluded.nar_hash, references_json=excluded.references_json,
	registration_time=excluded.registration_time, nar_size=excluded.nar_size, ultimate=excluded.ultimate,
	sigs_json=excluded.sigs_json, ca=excluded.ca`,
		info.StorePath, info.Deriver, info.NarHash, string(refs), regTime, info.NarSize,
		boolToInt(info.Ultimate), string(sigs), info.CA)

	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}

	return 0
}

func (s *SQLiteStore) QueryMissing(targets []string) (*MissingInfo, error) {
	info := &MissingInfo{}

	for _, t := range targets {
		valid, err := s.IsValidPath(t)
		if err != nil {
			return nil, err
		}

		if valid {
			continue
		}

		info.WillBuild = append(info.WillBuild, t)
	}

	return info, nil
}

// AddTempRoot registers path as alive for the owning connection's lifetime;
// kept in memory rather than badger since it must vanish the instant the
// connection drops, before any flush could occur.
func (s *SQLiteStore) AddTempRoot(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tmpRoot[path] = struct{}{}

	return nil
}

func (s *SQLiteStore) AddIndirectRoot(linkPath string) error {
	return s.roots.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte("indirect:"+linkPath), []byte(linkPath))
	})
}

func (s *SQLiteStore) AddPermRoot(path, gcRoot string) (string, error) {
	_, err := s.db.Exec(`INSERT INTO perm_roots (gc_root, store_path) VALUES (?, ?)
		ON CONFLICT(gc_root) DO UPDATE SET store_path=excluded.store_path`, gcRoot, path)
	if err != nil {
		return "", err
	}

	return gcRoot, nil
}

func (s *SQLiteStore) FindRoots() (map[string]string, error) {
	result := map[string]string{}

	rows, err := s.db.Query(`SELECT gc_root, store_path FROM perm_roots`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var root, path string
		if err := rows.Scan(&root, &path); err != nil {
			return nil, err
		}

		result[root] = path
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	err = s.roots.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte("indirect:")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()

			if err := item.Value(func(v []byte) error {
				result[string(item.Key())] = string(v)

				return nil
			}); err != nil {
				return err
			}
		}

		return nil
	})

	return result, err
}

func (s *SQLiteStore) CollectGarbage(opts GCOptions) (*GCResult, error) {
	s.mu.Lock()
	live := make(map[string]struct{}, len(s.tmpRoot))
	for p := range s.tmpRoot {
		live[p] = struct{}{}
	}
	s.mu.Unlock()

	roots, err := s.FindRoots()
	if err != nil {
		return nil, err
	}

	for _, p := range roots {
		live[p] = struct{}{}
	}

	all, err := s.QueryAllValidPaths()
	if err != nil {
		return nil, err
	}

	result := &GCResult{}

	for _, p := range all {
		_, isLive := live[p]
		if isLive && !opts.IgnoreLiveness && opts.Action != GCReturnLive {
			continue
		}

		switch opts.Action {
		case GCReturnLive:
			if isLive {
				result.Paths = append(result.Paths, p)
			}

		case GCReturnDead:
			result.Paths = append(result.Paths, p)

		case GCDeleteDead:
			if err := s.deletePath(p); err != nil {
				return nil, err
			}

			result.Paths = append(result.Paths, p)

		case GCDeleteSpecific:
			if !containsString(opts.PathsToDelete, p) {
				continue
			}

			if err := s.deletePath(p); err != nil {
				return nil, err
			}

			result.Paths = append(result.Paths, p)
		}
	}

	return result, nil
}

func containsString(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}

	return false
}

func (s *SQLiteStore) deletePath(path string) error {
	var narSize int64

	_ = s.db.QueryRow(`SELECT nar_size FROM path_info WHERE store_path = ?`, path).Scan(&narSize)

	_, err := s.db.Exec(`DELETE FROM path_info WHERE store_path = ?`, path)

	return err
}

func (s *SQLiteStore) QueryRealisation(id string) (*Realisation, error) {
	var infoJSON string

	err := s.db.QueryRow(`SELECT info_json FROM realisations WHERE id = ?`, id).Scan(&infoJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	var r Realisation
	if err := json.Unmarshal([]byte(infoJSON), &r); err != nil {
		return nil, err
	}

	return &r, nil
}

func (s *SQLiteStore) RegisterDrvOutput(r Realisation) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`INSERT INTO realisations (id, info_json) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET info_json=excluded.info_json`, r.ID, string(data))

	return err
}

// BuildDerivation simulates a build: this reference store has no sandbox,
// no builder execution, and no fixed-output fetcher — it marks every
// output immediately built and valid, sufficient to exercise the
// dispatcher and its clients end to end.
func (s *SQLiteStore) BuildDerivation(drvPath string, drv BasicDerivation, mode BuildMode) (*BuildResult, error) {
	now := uint64(time.Now().Unix())
	result := &BuildResult{
		Status:       BuildStatusBuilt,
		TimesBuilt:   1,
		StartTime:    now,
		StopTime:     now,
		BuiltOutputs: map[string]Realisation{},
	}

	for name, out := range drv.Outputs {
		if err := s.RegisterValidPath(PathInfo{
			StorePath:        out.Path,
			Deriver:          drvPath,
			NarHash:          "sha256:0000000000000000000000000000000000000000000000000000",
			RegistrationTime: now,
		}); err != nil {
			return nil, err
		}

		result.BuiltOutputs[name] = Realisation{
			ID:      fmt.Sprintf("%s!%s", drvPath, name),
			OutPath: out.Path,
		}
	}

	return result, nil
}

func (s *SQLiteStore) BuildPaths(targets []*DerivedPath, mode BuildMode) error {
	for _, t := range targets {
		if t.Kind != DPOpaque {
			continue
		}

		valid, err := s.IsValidPath(t.Path)
		if err != nil {
			return err
		}

		if !valid {
			return &DaemonError{
				Type:    "Error",
				Level:   uint64(VerbError),
				Name:    "Error",
				Message: fmt.Sprintf("path '%s' is not valid", t.Path),
				Kind:    ErrKindInvalidPath,
			}
		}
	}

	return nil
}

// OptimiseStore is a no-op here: there is no on-disk file store to
// deduplicate (spec.md Non-goals exclude the on-disk format).
func (s *SQLiteStore) OptimiseStore() error {
	return nil
}

func (s *SQLiteStore) VerifyStore(checkContents, repair bool) ([]string, error) {
	paths, err := s.QueryAllValidPaths()
	if err != nil {
		return nil, err
	}

	var problems []string

	for _, p := range paths {
		if _, statErr := os.Stat(p); statErr != nil && checkContents {
			problems = append(problems, fmt.Sprintf("path %q missing on disk: %v", p, statErr))
		}
	}

	return problems, nil
}

var _ Store = (*SQLiteStore)(nil)
