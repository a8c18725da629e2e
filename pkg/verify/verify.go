// Package verify implements the integrity policy applied to staged artifacts
// before they are committed to the cache.
package verify

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"strings"

	"github.com/glorpus-work/mlget/pkg/errors"
	"github.com/glorpus-work/mlget/pkg/model"
)

// Result is the outcome of a successful verification. The computed hash
// becomes the cache key even when no hash was declared.
type Result struct {
	Hash  string
	Size  int64
	Trust model.TrustLevel
}

// Policy computes and validates artifact checksums. The zero value is ready
// to use.
type Policy struct{}

// Verify checks a staged file against the candidate's declared metadata.
// A declared-size mismatch is reported before hashing (cheap fail-fast); a
// declared-hash mismatch is never silently accepted — it is the primary
// defense against truncated or corrupted multi-connection transfers.
func (Policy) Verify(stagingPath string, cand model.Candidate) (Result, error) {
	info, err := os.Stat(stagingPath)
	if err != nil {
		return Result{}, errors.Wrapf(err, "cannot stat staged file %s", stagingPath)
	}

	if cand.Size > 0 && info.Size() != cand.Size {
		return Result{}, errors.Wrapf(errors.ErrSizeMismatch,
			"%s: staged %d bytes, declared %d", cand.Locator, info.Size(), cand.Size)
	}

	computed, err := hashFile(stagingPath)
	if err != nil {
		return Result{}, err
	}

	res := Result{Hash: computed, Size: info.Size(), Trust: model.TrustUnverified}
	if declared := NormalizeHash(cand.Hash); declared != "" {
		if computed != declared {
			return Result{}, errors.Wrapf(errors.ErrHashMismatch,
				"%s: computed %s, declared %s", cand.Locator, computed, declared)
		}
		res.Trust = model.TrustVerified
	}
	return res, nil
}

// NormalizeHash lowercases a hex digest and strips whitespace and an optional
// "sha256:" prefix.
func NormalizeHash(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	return strings.TrimPrefix(h, "sha256:")
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errors.Wrap(err, "open for checksum")
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", errors.Wrap(err, "hashing")
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
