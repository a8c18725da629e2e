// Package resolver turns an artifact spec into an ordered list of candidate
// locators. Candidates come from configured sources: URL templates expanded
// locally, and remote JSON indexes queried over HTTP. Resolution is
// side-effect-free and idempotent; re-resolving the same spec yields the same
// candidates.
package resolver

import (
	"context"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/glorpus-work/mlget/internal/logger"
	"github.com/glorpus-work/mlget/pkg/config"
	"github.com/glorpus-work/mlget/pkg/errors"
	"github.com/glorpus-work/mlget/pkg/model"
	"github.com/glorpus-work/mlget/pkg/platform"
)

// Resolver produces candidates for an artifact spec.
type Resolver interface {
	Resolve(ctx context.Context, spec model.ArtifactSpec) ([]model.Candidate, error)
}

// SourceResolver resolves specs against the configured sources.
type SourceResolver struct {
	sources        []*config.Source
	index          *IndexClient
	detectPlatform func() string
}

// New creates a resolver over the given sources (tried in priority order).
func New(sources []*config.Source, indexOpts IndexOptions) *SourceResolver {
	return &SourceResolver{
		sources:        sources,
		index:          NewIndexClient(indexOpts),
		detectPlatform: platform.Detect,
	}
}

// Resolve produces the ordered candidate list for a spec.
//
// Direct locators (URLs, local files) yield a single candidate. Otherwise
// each enabled source contributes candidates ranked by its priority; an
// unreachable index source is logged and skipped so that a stale mirror
// cannot block resolution against the remaining sources.
func (r *SourceResolver) Resolve(ctx context.Context, spec model.ArtifactSpec) ([]model.Candidate, error) {
	if spec.Name == "" {
		return nil, errors.Wrap(errors.ErrResolution, "empty artifact name")
	}

	if cand, ok := r.resolveDirect(spec); ok {
		return []model.Candidate{cand}, nil
	}

	tag := spec.Platform
	if tag == "" {
		tag = r.detectPlatform()
		logger.Debug("auto-detected platform tag", logger.Fields{"tag": tag})
	}
	if !platform.IsValidTag(tag) {
		return nil, errors.Wrapf(errors.ErrUnknownPlatform, "%q", tag)
	}

	var candidates []model.Candidate
	for _, src := range r.sources {
		switch src.Type {
		case config.SourceTemplate:
			cand, ok := expandTemplate(src, spec, tag)
			if ok {
				candidates = append(candidates, cand)
			}
		case config.SourceIndex:
			cands, err := r.resolveFromIndex(ctx, src, spec, tag)
			if err != nil {
				logger.Warn("index source unavailable", logger.Fields{
					"source": src.Name,
					"error":  err,
				})
				continue
			}
			candidates = append(candidates, cands...)
		}
	}

	if len(candidates) == 0 {
		return nil, errors.Wrapf(errors.ErrResolution, "%s (platform %s)", spec, tag)
	}
	model.SortCandidates(candidates)
	return candidates, nil
}

// resolveDirect handles specs that are already locators: URLs and local paths.
func (r *SourceResolver) resolveDirect(spec model.ArtifactSpec) (model.Candidate, bool) {
	if model.IsLocator(spec.Name) {
		return model.Candidate{
			Locator: spec.Name,
			Hash:    spec.ExpectedHash,
			Rank:    0,
			Source:  "direct",
		}, true
	}
	if looksLikeWheelFile(spec.Name) {
		if abs, err := filepath.Abs(spec.Name); err == nil {
			if _, err := os.Stat(abs); err == nil {
				return model.Candidate{
					Locator: "file://" + abs,
					Hash:    spec.ExpectedHash,
					Rank:    0,
					Source:  "local",
				}, true
			}
		}
	}
	return model.Candidate{}, false
}

func looksLikeWheelFile(name string) bool {
	return strings.HasSuffix(name, ".whl") || strings.HasSuffix(name, ".tar.gz") ||
		strings.ContainsRune(name, os.PathSeparator)
}

// expandTemplate fills {name}, {version} and {platform} placeholders. A
// template that needs a version cannot serve a versionless spec and is
// skipped.
func expandTemplate(src *config.Source, spec model.ArtifactSpec, tag string) (model.Candidate, bool) {
	if strings.Contains(src.URL, "{version}") && spec.Version == "" {
		return model.Candidate{}, false
	}
	locator := strings.NewReplacer(
		"{name}", spec.Name,
		"{version}", spec.Version,
		"{platform}", tag,
	).Replace(src.URL)
	if _, err := url.Parse(locator); err != nil {
		return model.Candidate{}, false
	}
	return model.Candidate{
		Locator: locator,
		Hash:    spec.ExpectedHash,
		Rank:    src.Priority,
		Source:  src.Name,
	}, true
}

func (r *SourceResolver) resolveFromIndex(ctx context.Context, src *config.Source, spec model.ArtifactSpec, tag string) ([]model.Candidate, error) {
	doc, err := r.index.Fetch(ctx, src.URL, spec.Name)
	if err != nil {
		return nil, err
	}

	version, releases, err := selectVersion(doc, spec.Version)
	if err != nil {
		return nil, err
	}

	var candidates []model.Candidate
	for _, rel := range releases {
		if rel.Platform != "" && rel.Platform != tag {
			continue
		}
		candidates = append(candidates, model.Candidate{
			Locator: rel.URL,
			Size:    rel.Size,
			Hash:    rel.SHA256,
			Rank:    src.Priority,
			Source:  src.Name,
		})
	}
	if len(candidates) == 0 {
		return nil, errors.Wrapf(errors.ErrResolution,
			"%s %s has no release for platform %s in %s", spec.Name, version, tag, src.Name)
	}
	return candidates, nil
}
