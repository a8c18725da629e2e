package verify

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"

	pkgerrors "github.com/glorpus-work/mlget/pkg/errors"
	"github.com/glorpus-work/mlget/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stageFile(t *testing.T, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "artifact.whl.part")
	require.NoError(t, os.WriteFile(path, content, 0o644))
	return path
}

func sha256Hex(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

func TestVerify_NoDeclaredMetadata(t *testing.T) {
	content := []byte("wheel payload")
	path := stageFile(t, content)

	res, err := Policy{}.Verify(path, model.Candidate{Locator: "https://m.example/a.whl"})
	require.NoError(t, err)
	assert.Equal(t, sha256Hex(content), res.Hash)
	assert.Equal(t, int64(len(content)), res.Size)
	assert.Equal(t, model.TrustUnverified, res.Trust)
}

func TestVerify_DeclaredHashMatches(t *testing.T) {
	content := []byte("wheel payload")
	path := stageFile(t, content)

	cand := model.Candidate{Locator: "https://m.example/a.whl", Hash: "sha256:" + sha256Hex(content)}
	res, err := Policy{}.Verify(path, cand)
	require.NoError(t, err)
	assert.Equal(t, model.TrustVerified, res.Trust)
}

func TestVerify_HashMismatch(t *testing.T) {
	path := stageFile(t, []byte("corrupt bytes"))

	cand := model.Candidate{Locator: "https://m.example/a.whl", Hash: sha256Hex([]byte("expected bytes"))}
	_, err := Policy{}.Verify(path, cand)
	require.Error(t, err)
	assert.True(t, errors.Is(err, pkgerrors.ErrHashMismatch))
}

func TestVerify_SizeMismatchBeforeHashing(t *testing.T) {
	content := []byte("short")
	path := stageFile(t, content)

	// declared hash even matches, but the size check fires first
	cand := model.Candidate{
		Locator: "https://m.example/a.whl",
		Hash:    sha256Hex(content),
		Size:    999,
	}
	_, err := Policy{}.Verify(path, cand)
	require.Error(t, err)
	assert.True(t, errors.Is(err, pkgerrors.ErrSizeMismatch))
}

func TestVerify_MissingFile(t *testing.T) {
	_, err := Policy{}.Verify(filepath.Join(t.TempDir(), "gone"), model.Candidate{})
	require.Error(t, err)
}

func TestNormalizeHash(t *testing.T) {
	assert.Equal(t, "abc123", NormalizeHash("  ABC123 "))
	assert.Equal(t, "abc123", NormalizeHash("sha256:abc123"))
	assert.Equal(t, "", NormalizeHash(""))
}
