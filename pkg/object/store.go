package object

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// Store is a content-addressed blob store with a 2-character fan-out
// directory layout: <root>/ab/cdef0123...
type Store struct {
	root string
	opts Options

	inflight singleflight.Group

	written atomic.Int64
	deduped atomic.Int64
}

// Stats counts blob writes performed by a Store since it was created.
type Stats struct {
	Written      int64
	Deduplicated int64
}

// NewStore creates a Store rooted at the given objects directory. The
// directory and its shard subdirectories are created lazily on first write.
func NewStore(root string, opts Options) *Store {
	return &Store{root: root, opts: opts.withDefaults()}
}

// Root returns the objects directory.
func (s *Store) Root() string {
	return s.root
}

// Options returns the store's effective options.
func (s *Store) Options() Options {
	return s.opts
}

// hashMarkerName is the file in the objects directory recording the hash
// algorithm its digests were computed with.
const hashMarkerName = "HASH"

// BindHash checks the store's hash algorithm against the one recorded in
// the objects directory and records it when the store holds no blobs yet.
// A populated store with no record predates the marker and was hashed with
// SHA-256.
func (s *Store) BindHash() error {
	marker := filepath.Join(s.root, hashMarkerName)
	recorded := HashSHA256
	raw, err := os.ReadFile(marker)
	switch {
	case err == nil:
		recorded = HashAlgorithm(strings.TrimSpace(string(raw)))
		if recorded == s.opts.Hash {
			return nil
		}
	case !errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("objects %s: read hash marker: %w", s.root, err)
	}

	populated, err := s.populated()
	if err != nil {
		return err
	}
	if populated && recorded != s.opts.Hash {
		return fmt.Errorf("objects %s: %w: written with %s, configured %s", s.root, ErrHashMismatch, recorded, s.opts.Hash)
	}
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return fmt.Errorf("objects %s: %w", s.root, err)
	}
	return writeFileAtomic(marker, []byte(string(s.opts.Hash)+"\n"))
}

func (s *Store) populated() (bool, error) {
	found := false
	err := s.walk(func(Digest, string, os.DirEntry) error {
		found = true
		return errStopWalk
	})
	if err != nil && !errors.Is(err, errStopWalk) {
		return false, err
	}
	return found, nil
}

var errStopWalk = errors.New("stop walk")

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), tempPrefix+"*")
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// Stats returns write counters.
func (s *Store) Stats() Stats {
	return Stats{Written: s.written.Load(), Deduplicated: s.deduped.Load()}
}

// objectPath returns the filesystem path for a given digest.
func (s *Store) objectPath(d Digest) string {
	return filepath.Join(s.root, string(d[:2]), string(d[2:]))
}

// Has reports whether the store contains a blob with the given digest.
func (s *Store) Has(d Digest) bool {
	if !d.Valid() {
		return false
	}
	_, err := os.Stat(s.objectPath(d))
	return err == nil
}

// Freshen bumps the modification time of an existing blob so that a sweep
// with a grace window started concurrently does not collect it. It reports
// whether the blob exists.
func (s *Store) Freshen(d Digest) bool {
	if !d.Valid() {
		return false
	}
	now := time.Now()
	if err := os.Chtimes(s.objectPath(d), now, now); err != nil {
		return false
	}
	return true
}

// Digest computes the digest of canonical bytes under the store's hash.
func (s *Store) Digest(canonical []byte) (Digest, error) {
	return s.opts.Hash.Sum(canonical)
}

// Put canonicalizes v, stores it and returns its digest. Storing a value
// whose canonical form already exists is a no-op.
func (s *Store) Put(v any) (Digest, error) {
	data, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	return s.Write(data)
}

// Write stores already-canonical bytes and returns their digest. Writes are
// atomic: data is compressed into a temp file in the shard directory and
// then renamed into place, so readers never observe a partial blob.
func (s *Store) Write(canonical []byte) (Digest, error) {
	d, err := s.Digest(canonical)
	if err != nil {
		return "", err
	}

	// Fast path: already exists.
	if s.Freshen(d) {
		s.deduped.Add(1)
		return d, nil
	}

	_, err, _ = s.inflight.Do(string(d), func() (any, error) {
		return nil, s.writeBlob(d, canonical)
	})
	if err != nil {
		return "", err
	}
	return d, nil
}

func (s *Store) writeBlob(d Digest, canonical []byte) error {
	// Another caller may have finished while we waited on the flight group.
	if s.Freshen(d) {
		s.deduped.Add(1)
		return nil
	}

	payload, err := compress(s.opts.Compression, canonical)
	if err != nil {
		return fmt.Errorf("object write %s: compress: %w", d.Short(), err)
	}

	dir := filepath.Join(s.root, string(d[:2]))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("object write %s: mkdir: %w: %w", d.Short(), ErrWriteFailed, err)
	}

	tmp, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return fmt.Errorf("object write %s: tmpfile: %w: %w", d.Short(), ErrWriteFailed, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("object write %s: %w: %w", d.Short(), ErrWriteFailed, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("object write %s: sync: %w: %w", d.Short(), ErrWriteFailed, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("object write %s: close: %w: %w", d.Short(), ErrWriteFailed, err)
	}

	if err := os.Rename(tmpName, s.objectPath(d)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("object write %s: rename: %w: %w", d.Short(), ErrWriteFailed, err)
	}

	s.written.Add(1)
	return nil
}

// GetRaw returns the decompressed canonical bytes stored under d.
func (s *Store) GetRaw(d Digest) ([]byte, error) {
	if !d.Valid() {
		return nil, fmt.Errorf("object read %q: %w", d, ErrNotFound)
	}
	raw, err := os.ReadFile(s.objectPath(d))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("object read %s: %w", d, ErrNotFound)
		}
		return nil, fmt.Errorf("object read %s: %w", d, err)
	}

	data, err := decompress(raw)
	if err != nil {
		return nil, fmt.Errorf("object read %s: %w: %w", d, ErrCorrupt, err)
	}

	if s.opts.Verify {
		actual, err := s.Digest(data)
		if err != nil {
			return nil, err
		}
		if actual != d {
			return nil, fmt.Errorf("object read %s: %w: content hashes to %s", d, ErrCorrupt, actual)
		}
	}
	return data, nil
}

// Get decodes the value stored under d into out.
func (s *Store) Get(d Digest, out any) error {
	data, err := s.GetRaw(d)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("object read %s: %w: %w", d, ErrCorrupt, err)
	}
	return nil
}
