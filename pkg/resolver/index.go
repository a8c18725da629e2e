package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/glorpus-work/mlget/pkg/errors"
	goversion "github.com/hashicorp/go-version"
)

// IndexRelease is one locator record published by a remote index.
type IndexRelease struct {
	URL      string `json:"url"`
	SHA256   string `json:"sha256,omitempty"`
	Size     int64  `json:"size,omitempty"`
	Platform string `json:"platform,omitempty"`
}

// IndexDocument is the per-package document served by an index source at
// GET <base>/<name>.json.
type IndexDocument struct {
	Name     string                    `json:"name"`
	Releases map[string][]IndexRelease `json:"releases"`
}

// IndexOptions configures the index client. Index queries follow the same
// retry/backoff discipline as transfers.
type IndexOptions struct {
	Timeout       time.Duration
	RetryAttempts int
	RetryBase     time.Duration
	RetryMax      time.Duration
	UserAgent     string
}

// DefaultIndexOptions returns options with sensible defaults.
func DefaultIndexOptions() IndexOptions {
	return IndexOptions{
		Timeout:       30 * time.Second,
		RetryAttempts: 3,
		RetryBase:     time.Second,
		RetryMax:      10 * time.Second,
		UserAgent:     "mlget/1.0",
	}
}

// IndexClient fetches package documents from remote index sources.
type IndexClient struct {
	client *http.Client
	opts   IndexOptions
}

// NewIndexClient creates an index client with the given options.
func NewIndexClient(opts IndexOptions) *IndexClient {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultIndexOptions().Timeout
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = DefaultIndexOptions().RetryAttempts
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = DefaultIndexOptions().RetryBase
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = DefaultIndexOptions().RetryMax
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultIndexOptions().UserAgent
	}
	return &IndexClient{
		client: &http.Client{Timeout: opts.Timeout},
		opts:   opts,
	}
}

// Fetch retrieves the index document for a package name. Connection faults
// and 5xx responses are retried with exponential backoff and jitter; a 404
// means the package is unknown to this index.
func (c *IndexClient) Fetch(ctx context.Context, baseURL, name string) (*IndexDocument, error) {
	docURL := strings.TrimSuffix(baseURL, "/") + "/" + name + ".json"

	var lastErr error
	for attempt := 0; attempt <= c.opts.RetryAttempts; attempt++ {
		if attempt > 0 {
			if err := c.backoff(ctx, attempt); err != nil {
				return nil, err
			}
		}

		doc, err := c.fetchOnce(ctx, docURL)
		if err == nil {
			return doc, nil
		}
		if !errors.IsRetryable(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, errors.Wrapf(lastErr, "index query failed after %d attempts", c.opts.RetryAttempts+1)
}

func (c *IndexClient) fetchOnce(ctx context.Context, docURL string) (*IndexDocument, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, docURL, http.NoBody)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create index request")
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrConnection, "%s: %v", docURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return nil, errors.Wrapf(errors.ErrResolution, "package not in index %s", docURL)
	default:
		return nil, fmt.Errorf("%s: %w", docURL, &errors.ServerError{StatusCode: resp.StatusCode})
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrConnection, "%s: reading body: %v", docURL, err)
	}
	doc := &IndexDocument{}
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, errors.Wrapf(err, "malformed index document %s", docURL)
	}
	return doc, nil
}

func (c *IndexClient) backoff(ctx context.Context, attempt int) error {
	delay := c.opts.RetryBase * time.Duration(1<<uint(attempt-1))
	if delay > c.opts.RetryMax {
		delay = c.opts.RetryMax
	}
	// jitter: 0.5 to 1.5 of the computed delay
	jittered := time.Duration(float64(delay) * (0.5 + rand.Float64()))

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(jittered):
		return nil
	}
}

// selectVersion picks the release set for a spec's version request: an exact
// version when published, otherwise the latest version satisfying the
// request as a semver constraint (or the overall latest when the request is
// empty).
func selectVersion(doc *IndexDocument, want string) (string, []IndexRelease, error) {
	if len(doc.Releases) == 0 {
		return "", nil, errors.Wrapf(errors.ErrResolution, "%s has no releases", doc.Name)
	}

	if want != "" {
		if rels, ok := doc.Releases[want]; ok {
			return want, rels, nil
		}
	}

	var constraint goversion.Constraints
	if want != "" {
		parsed, err := goversion.NewConstraint(want)
		if err != nil {
			return "", nil, errors.Wrapf(errors.ErrResolution,
				"%s: version %s not published and not a valid constraint", doc.Name, want)
		}
		constraint = parsed
	}

	versions := make([]*goversion.Version, 0, len(doc.Releases))
	byVersion := make(map[string]string, len(doc.Releases))
	for raw := range doc.Releases {
		v, err := goversion.NewVersion(raw)
		if err != nil {
			continue
		}
		versions = append(versions, v)
		byVersion[v.String()] = raw
	}
	sort.Sort(goversion.Collection(versions))

	for i := len(versions) - 1; i >= 0; i-- {
		if constraint == nil || constraint.Check(versions[i]) {
			raw := byVersion[versions[i].String()]
			return raw, doc.Releases[raw], nil
		}
	}
	return "", nil, errors.Wrapf(errors.ErrResolution, "%s: no version satisfies %q", doc.Name, want)
}
