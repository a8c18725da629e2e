package hook

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// scriptExtension is the only supported hook script extension.
const scriptExtension = ".tengo"

// LoadFromDir loads hook scripts from a directory. It looks for files named
// after the event they attach to: <dir>/pre-fetch.tengo, post-fetch.tengo,
// fetch-failed.tengo. Files with other names or extensions are skipped.
func LoadFromDir(manager Manager, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read hooks directory %s: %w", dir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != scriptExtension {
			continue
		}

		event := Event(strings.TrimSuffix(entry.Name(), scriptExtension))
		switch event {
		case PreFetch, PostFetch, FetchFailed:
		default:
			continue // Skip unknown events
		}

		content, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("%w: reading %s: %v", ErrHookLoad, entry.Name(), err)
		}

		if err := manager.AddHook(Hook{
			Event:   event,
			Content: string(content),
		}); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrHookLoad, entry.Name(), err)
		}
	}

	return nil
}

// Template generates a starter script for an event.
func Template(event Event) string {
	switch event {
	case PreFetch:
		return `// Pre-fetch hook
// Runs before a fetch starts.
// Available variables:
// - artifactName: string - name of the artifact being fetched
// - artifactVersion: string - requested version (may be empty)
// - locator: string - first candidate locator (empty before resolution)

// Example: refuse to fetch outside work hours
/*
times := import("times")
if times.time_hour(times.now()) < 6 {
    err := "fetches are blocked before 06:00"
}
*/`

	case PostFetch:
		return `// Post-fetch hook
// Runs after a successful fetch and commit.
// Available variables: same as pre-fetch, plus:
// - artifactPath: string - path of the cached file
// - hash: string - computed sha256 of the cached file

// Example: append to an audit log
/*
os := import("os")
f := os.open("/var/log/mlget-audit.log", os.o_append|os.o_create|os.o_wronly, 0644)
f.write_string(artifactName + " " + hash + "\n")
f.close()
*/`

	case FetchFailed:
		return `// Fetch-failed hook
// Runs after a fetch exhausts all candidates or hits a fatal error.
// Available variables: same as pre-fetch.

// Example: print a notice
/*
fmt := import("fmt")
fmt.println("fetch failed for " + artifactName)
*/`

	default:
		return "// Unknown hook event: " + string(event)
	}
}
