// Package cache implements the content-addressed on-disk artifact store.
//
// Layout under the store root:
//
//	<root>/<hh>/<hash>/<artifact file>
//	<root>/<hh>/<hash>/entry.yaml
//
// where <hh> is the first two hex characters of the hash (two-level sharding
// to bound directory fan-out) and entry.yaml is a small metadata record for
// diagnostics. An entry directory is only ever created by an atomic rename,
// so concurrent readers see either no entry or a complete one.
package cache

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/glorpus-work/mlget/internal/logger"
	"github.com/glorpus-work/mlget/pkg/errors"
	"github.com/glorpus-work/mlget/pkg/fsutil"
	"github.com/glorpus-work/mlget/pkg/model"
	"github.com/glorpus-work/mlget/pkg/verify"
	"gopkg.in/yaml.v3"
)

const entryMetadataFile = "entry.yaml"

// Store is the content-addressed artifact store. It is the sole owner of
// committed files; staging files belong to the transfer layer until Commit.
type Store struct {
	root string
}

// New creates a store rooted at the given directory, creating it if needed.
func New(root string) (*Store, error) {
	if root == "" || !filepath.IsAbs(root) {
		return nil, errors.Wrapf(ErrCacheDirectory, "cache root must be absolute: %q", root)
	}
	if err := os.MkdirAll(root, fsutil.DirModeSecure); err != nil {
		return nil, errors.Wrap(err, "failed to create cache root")
	}
	return &Store{root: root}, nil
}

// Root returns the store's root directory.
func (s *Store) Root() string {
	return s.root
}

// Lookup returns the entry for a content hash, or ok=false on a miss.
func (s *Store) Lookup(hash string) (*model.CacheEntry, bool, error) {
	hash = verify.NormalizeHash(hash)
	if !validHash(hash) {
		return nil, false, errors.Wrapf(ErrInvalidHash, "%q", hash)
	}

	dir := s.entryDir(hash)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, errors.Wrap(err, "failed to stat cache entry")
	}

	entry, err := s.readEntry(dir, hash)
	if err != nil {
		return nil, false, err
	}
	return entry, true, nil
}

// Commit promotes a verified staging file into the store. The computed hash
// from verification becomes the entry key; ownership of the file transfers to
// the store via an atomic rename. Commit is idempotent: committing a hash
// that already exists discards the staged duplicate and returns the existing
// entry (first writer wins).
func (s *Store) Commit(ctx context.Context, stagingPath string, res verify.Result, cand model.Candidate) (*model.CacheEntry, error) {
	hash := verify.NormalizeHash(res.Hash)
	if !validHash(hash) {
		return nil, errors.Wrapf(ErrInvalidHash, "%q", hash)
	}

	if entry, ok, err := s.Lookup(hash); err != nil {
		return nil, err
	} else if ok {
		_ = os.Remove(stagingPath)
		return entry, nil
	}

	entry := &model.CacheEntry{
		Hash:      hash,
		Size:      res.Size,
		Locator:   cand.Locator,
		CreatedAt: time.Now().UTC(),
		Trust:     res.Trust,
	}
	if name, version, err := ProbeWheel(ctx, stagingPath); err == nil {
		entry.Package = model.PackageMeta{Name: name, Version: version}
	} else {
		logger.Debug("wheel metadata probe failed", logger.Fields{"path": stagingPath, "error": err})
	}

	// Assemble the complete entry in a temp dir inside the store, then
	// rename it into place in one step.
	tmpDir, err := os.MkdirTemp(s.root, ".commit-"+hash[:8]+"-")
	if err != nil {
		return nil, errors.Wrap(err, "failed to create commit staging dir")
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()

	filename := cand.Filename()
	if err := fsutil.Move(stagingPath, filepath.Join(tmpDir, filename)); err != nil {
		return nil, errors.Wrap(err, "failed to stage artifact for commit")
	}

	meta, err := yaml.Marshal(entry)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode entry metadata")
	}
	if err := os.WriteFile(filepath.Join(tmpDir, entryMetadataFile), meta, fsutil.FileModeSecure); err != nil {
		return nil, errors.Wrap(err, "failed to write entry metadata")
	}

	finalDir := s.entryDir(hash)
	if err := os.MkdirAll(filepath.Dir(finalDir), fsutil.DirModeSecure); err != nil {
		return nil, errors.Wrap(err, "failed to create shard directory")
	}
	if err := os.Rename(tmpDir, finalDir); err != nil {
		// A concurrent commit of the same hash won the rename: treat as
		// success and return the winner's entry.
		if existing, ok, lookupErr := s.Lookup(hash); lookupErr == nil && ok {
			return existing, nil
		}
		return nil, errors.Wrap(err, "failed to commit cache entry")
	}

	entry.Path = filepath.Join(finalDir, filename)
	logger.Debug("committed artifact to cache", logger.Fields{"hash": hash, "size": entry.Size})
	return entry, nil
}

// List returns all committed entries, newest first.
func (s *Store) List() ([]*model.CacheEntry, error) {
	shards, err := os.ReadDir(s.root)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read cache root")
	}

	var entries []*model.CacheEntry
	for _, shard := range shards {
		if !shard.IsDir() || len(shard.Name()) != 2 {
			continue
		}
		dirs, err := os.ReadDir(filepath.Join(s.root, shard.Name()))
		if err != nil {
			return nil, errors.Wrap(err, "failed to read cache shard")
		}
		for _, d := range dirs {
			if !d.IsDir() {
				continue
			}
			entry, err := s.readEntry(filepath.Join(s.root, shard.Name(), d.Name()), d.Name())
			if err != nil {
				logger.Warn("skipping unreadable cache entry", logger.Fields{"hash": d.Name(), "error": err})
				continue
			}
			entries = append(entries, entry)
		}
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].CreatedAt.After(entries[j].CreatedAt) })
	return entries, nil
}

// Info summarizes the store contents for diagnostics.
type Info struct {
	Directory string
	TotalSize int64
	Entries   int
}

// GetInfo returns information about the cache.
func (s *Store) GetInfo() (*Info, error) {
	entries, err := s.List()
	if err != nil {
		return nil, err
	}
	info := &Info{Directory: s.root, Entries: len(entries)}
	for _, e := range entries {
		info.TotalSize += e.Size
	}
	return info, nil
}

// Clean removes every committed entry and returns the bytes freed. Eviction
// policy is deliberately not part of the store; this is the maintenance
// surface layered on top of it.
func (s *Store) Clean() (int64, error) {
	info, err := s.GetInfo()
	if err != nil {
		return 0, err
	}
	shards, err := os.ReadDir(s.root)
	if err != nil {
		return 0, errors.Wrap(err, "failed to read cache root")
	}
	for _, shard := range shards {
		if err := os.RemoveAll(filepath.Join(s.root, shard.Name())); err != nil {
			return 0, errors.Wrapf(err, "failed to remove %s", shard.Name())
		}
	}
	return info.TotalSize, nil
}

func (s *Store) entryDir(hash string) string {
	return filepath.Join(s.root, hash[:2], hash)
}

func (s *Store) readEntry(dir, hash string) (*model.CacheEntry, error) {
	data, err := os.ReadFile(filepath.Join(dir, entryMetadataFile))
	if err != nil {
		return nil, errors.Wrapf(ErrCorruptEntry, "%s: missing metadata: %v", hash, err)
	}
	entry := &model.CacheEntry{}
	if err := yaml.Unmarshal(data, entry); err != nil {
		return nil, errors.Wrapf(ErrCorruptEntry, "%s: unreadable metadata: %v", hash, err)
	}
	if entry.Hash != hash {
		return nil, errors.Wrapf(ErrCorruptEntry, "%s: metadata names hash %s", hash, entry.Hash)
	}

	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read entry directory")
	}
	for _, f := range files {
		if f.Name() != entryMetadataFile {
			entry.Path = filepath.Join(dir, f.Name())
			break
		}
	}
	if entry.Path == "" {
		return nil, errors.Wrapf(ErrCorruptEntry, "%s: no artifact file", hash)
	}
	return entry, nil
}

func validHash(hash string) bool {
	if len(hash) != 64 {
		return false
	}
	for _, r := range hash {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}
