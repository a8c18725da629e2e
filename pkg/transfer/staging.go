package transfer

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"os"
	"path"
	"path/filepath"
)

// StagingName derives a stable staging filename for a locator so that a
// retried or resumed fetch of the same locator lands on the same partial
// file. The name is a short locator digest joined with the original basename.
func StagingName(locator string) string {
	sum := sha256.Sum256([]byte(locator))
	prefix := hex.EncodeToString(sum[:])[:12]

	base := "artifact.bin"
	if u, err := url.Parse(locator); err == nil && u.Path != "" {
		if b := path.Base(u.Path); b != "" && b != "/" && b != "." {
			if unescaped, err := url.PathUnescape(b); err == nil {
				base = unescaped
			} else {
				base = b
			}
		}
	}
	return prefix + "-" + base
}

// HasPartial reports whether a resumable partial exists for destPath. The
// aria2c driver keeps a .aria2 control file next to the payload; the HTTP
// driver just leaves the truncated payload behind.
func HasPartial(destPath string) bool {
	if _, err := os.Stat(destPath + ".aria2"); err == nil {
		return true
	}
	info, err := os.Stat(destPath)
	return err == nil && info.Size() > 0
}

// DiscardPartial removes the partial payload and any control file so the next
// attempt starts from byte zero.
func DiscardPartial(destPath string) error {
	if err := os.Remove(destPath + ".aria2"); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(destPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// CleanStaging removes all partial state under the staging directory.
func CleanStaging(stagingDir string) error {
	entries, err := os.ReadDir(stagingDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(stagingDir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}
