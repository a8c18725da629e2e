// Package model provides the data structures shared by the resolver, transfer,
// cache and orchestration layers of mlget.
package model

import (
	"fmt"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"
)

// ArtifactSpec identifies a desired artifact independent of where it lives.
// It is created by the caller and never mutated afterwards.
type ArtifactSpec struct {
	Name         string `yaml:"name" json:"name"`
	Version      string `yaml:"version" json:"version"`
	Platform     string `yaml:"platform" json:"platform"` // wheel platform tag, e.g. "cu121" or "cpu"
	ExpectedHash string `yaml:"expected_hash,omitempty" json:"expected_hash,omitempty"`
}

// Key returns a stable identifier for the spec, used for staging file names
// and in-flight deduplication.
func (s ArtifactSpec) Key() string {
	parts := []string{s.Name}
	if s.Version != "" {
		parts = append(parts, s.Version)
	}
	if s.Platform != "" {
		parts = append(parts, s.Platform)
	}
	return strings.Join(parts, "@")
}

func (s ArtifactSpec) String() string {
	out := s.Name
	if s.Version != "" {
		out += "==" + s.Version
	}
	if s.Platform != "" {
		out += "+" + s.Platform
	}
	return out
}

// ParseSpec parses a user-supplied spec string into an ArtifactSpec.
// Accepted forms:
//
//	torch
//	torch==2.1.0
//	torch==2.1.0+cu121
//	https://mirror.example/torch-2.1.0.whl (direct locator, stored in Name)
func ParseSpec(raw string) (ArtifactSpec, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ArtifactSpec{}, fmt.Errorf("empty artifact spec")
	}
	if IsLocator(raw) {
		return ArtifactSpec{Name: raw}, nil
	}

	spec := ArtifactSpec{Name: raw}
	if name, rest, ok := strings.Cut(raw, "=="); ok {
		if name == "" || rest == "" {
			return ArtifactSpec{}, fmt.Errorf("malformed artifact spec %q", raw)
		}
		spec.Name = name
		spec.Version = rest
		if ver, tag, ok := strings.Cut(rest, "+"); ok {
			spec.Version = ver
			spec.Platform = tag
		}
	}
	if strings.ContainsAny(spec.Name, " \t") {
		return ArtifactSpec{}, fmt.Errorf("malformed artifact spec %q", raw)
	}
	return spec, nil
}

// IsLocator reports whether the string is a direct artifact locator rather
// than a package name (URL schemes the transfer drivers understand).
func IsLocator(s string) bool {
	return strings.HasPrefix(s, "http://") ||
		strings.HasPrefix(s, "https://") ||
		strings.HasPrefix(s, "file://")
}

// Candidate is one concrete fetchable location for an artifact. Candidates are
// produced per spec by the resolver; Rank determines try order (lower first).
type Candidate struct {
	Locator string // URL understood by the transfer drivers
	Size    int64  // declared size in bytes, 0 when unknown
	Hash    string // declared hex SHA-256, empty when unknown
	Rank    int    // resolver-assigned try order, lower tried first
	Source  string // name of the source that produced this candidate
}

// Filename derives the output file name from the locator.
func (c Candidate) Filename() string {
	u, err := url.Parse(c.Locator)
	if err != nil || u.Path == "" || strings.HasSuffix(u.Path, "/") {
		return "artifact.bin"
	}
	name := path.Base(u.Path)
	// wheel URLs often escape the "+" in local version tags
	if unesc, err := url.PathUnescape(name); err == nil {
		name = unesc
	}
	return name
}

// SortCandidates orders candidates by rank, preserving resolver order for
// equal ranks.
func SortCandidates(cands []Candidate) {
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].Rank < cands[j].Rank })
}

// TrustLevel records how an artifact's integrity was established.
type TrustLevel string

const (
	// TrustVerified means the computed hash matched a declared hash.
	TrustVerified TrustLevel = "verified"
	// TrustUnverified means no hash was declared; the computed hash is
	// self-consistent but was never checked against an external source.
	TrustUnverified TrustLevel = "unverified"
)

// PackageMeta is diagnostic metadata probed from a committed artifact.
type PackageMeta struct {
	Name    string `yaml:"name,omitempty"`
	Version string `yaml:"version,omitempty"`
}

// CacheEntry describes one committed artifact in the content-addressed store.
// Invariant: the bytes at Path hash to Hash; verification happens before an
// entry is ever created.
type CacheEntry struct {
	Hash      string      `yaml:"hash"`
	Size      int64       `yaml:"size"`
	Locator   string      `yaml:"locator"`
	Path      string      `yaml:"-"`
	CreatedAt time.Time   `yaml:"created_at"`
	Trust     TrustLevel  `yaml:"trust"`
	Package   PackageMeta `yaml:"package,omitempty"`
}
