package cache

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"io/fs"
	"path"
	"strings"

	"github.com/mholt/archives"
)

// ProbeWheel reads the package name and version from a wheel's
// dist-info METADATA file. Wheels are zip archives; the probe is best-effort
// and only feeds the diagnostic metadata record of a cache entry.
func ProbeWheel(ctx context.Context, wheelPath string) (name, version string, err error) {
	fsys, err := archives.FileSystem(ctx, wheelPath, nil)
	if err != nil {
		return "", "", fmt.Errorf("failed to open wheel: %w", err)
	}
	if closer, ok := fsys.(io.Closer); ok {
		defer func() { _ = closer.Close() }()
	}

	metadataPath := ""
	err = fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.HasSuffix(path.Dir(p), ".dist-info") && path.Base(p) == "METADATA" {
			metadataPath = p
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return "", "", fmt.Errorf("failed to walk wheel: %w", err)
	}
	if metadataPath == "" {
		return "", "", fmt.Errorf("no dist-info METADATA in %s", wheelPath)
	}

	f, err := fsys.Open(metadataPath)
	if err != nil {
		return "", "", fmt.Errorf("failed to open %s: %w", metadataPath, err)
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			// end of the RFC 822 header block
			break
		}
		if v, ok := strings.CutPrefix(line, "Name: "); ok {
			name = strings.TrimSpace(v)
		}
		if v, ok := strings.CutPrefix(line, "Version: "); ok {
			version = strings.TrimSpace(v)
		}
		if name != "" && version != "" {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return "", "", fmt.Errorf("failed to read METADATA: %w", err)
	}
	if name == "" {
		return "", "", fmt.Errorf("METADATA without a Name field in %s", wheelPath)
	}
	return name, version, nil
}
