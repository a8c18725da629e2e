package orchestrator

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/glorpus-work/mlget/pkg/errors"
	"github.com/glorpus-work/mlget/pkg/model"
	mocks "github.com/glorpus-work/mlget/pkg/orchestrator/mocks"
	"github.com/glorpus-work/mlget/pkg/transfer"
	"github.com/glorpus-work/mlget/pkg/verify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

const testHash = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

// fakeHandle replays a scripted progress sequence, holding the last snapshot
// once the script runs out.
type fakeHandle struct {
	mu        sync.Mutex
	script    []transfer.Progress
	idx       int
	cancelled bool
}

func (h *fakeHandle) Poll() transfer.Progress {
	h.mu.Lock()
	defer h.mu.Unlock()
	p := h.script[h.idx]
	if h.idx < len(h.script)-1 {
		h.idx++
	}
	return p
}

func (h *fakeHandle) Cancel() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cancelled = true
}

func completedHandle(bytes int64) *fakeHandle {
	return &fakeHandle{script: []transfer.Progress{
		{BytesDone: bytes, Status: transfer.StatusCompleted},
	}}
}

func failedHandle(err error) *fakeHandle {
	return &fakeHandle{script: []transfer.Progress{
		{Status: transfer.StatusFailed, Err: err},
	}}
}

type fixture struct {
	orch     *Orchestrator
	resolver *mocks.MockCandidateResolver
	driver   *mocks.MockTransferDriver
	cache    *mocks.MockCacheStore
	verifier *mocks.MockVerifier
	slept    *[]time.Duration
}

func newFixture(t *testing.T, opts Options) *fixture {
	ctrl := gomock.NewController(t)
	f := &fixture{
		resolver: mocks.NewMockCandidateResolver(ctrl),
		driver:   mocks.NewMockTransferDriver(ctrl),
		cache:    mocks.NewMockCacheStore(ctrl),
		verifier: mocks.NewMockVerifier(ctrl),
	}
	if opts.StagingDir == "" {
		opts.StagingDir = t.TempDir()
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = time.Millisecond
	}
	f.orch = New(f.resolver, f.driver, f.cache, f.verifier, Hooks{}, opts)

	// deterministic clock: sleeps advance it instead of blocking
	clock := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	slept := []time.Duration{}
	f.slept = &slept
	f.orch.now = func() time.Time { return clock }
	f.orch.sleep = func(ctx context.Context, d time.Duration) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if d > 0 {
			clock = clock.Add(d)
			slept = append(slept, d)
		}
		return nil
	}
	return f
}

func spec(name string) model.ArtifactSpec {
	return model.ArtifactSpec{Name: name, Version: "2.1.0", Platform: "cpu"}
}

func candidate(locator string) model.Candidate {
	return model.Candidate{Locator: locator, Source: "mirror", Rank: 1}
}

func TestFetch_CacheHitByDeclaredSpecHash(t *testing.T) {
	f := newFixture(t, Options{})
	s := spec("torch")
	s.ExpectedHash = testHash

	entry := &model.CacheEntry{Hash: testHash, Path: "/cache/aa/x/torch.whl"}
	f.cache.EXPECT().Lookup(testHash).Return(entry, true, nil)

	res, err := f.orch.Fetch(context.Background(), s)
	require.NoError(t, err)
	assert.True(t, res.FromCache)
	assert.Equal(t, entry, res.Entry)
}

func TestFetch_CacheHitByCandidateHash(t *testing.T) {
	f := newFixture(t, Options{})
	s := spec("torch")

	cand := candidate("https://mirror/torch.whl")
	cand.Hash = testHash
	f.resolver.EXPECT().Resolve(gomock.Any(), s).Return([]model.Candidate{cand}, nil)

	entry := &model.CacheEntry{Hash: testHash}
	f.cache.EXPECT().Lookup(testHash).Return(entry, true, nil)

	res, err := f.orch.Fetch(context.Background(), s)
	require.NoError(t, err)
	assert.True(t, res.FromCache)
}

func TestFetch_SuccessFirstCandidate(t *testing.T) {
	f := newFixture(t, Options{})
	s := spec("torch")
	cand := candidate("https://mirror/torch.whl")

	f.resolver.EXPECT().Resolve(gomock.Any(), s).Return([]model.Candidate{cand}, nil)
	f.driver.EXPECT().Start(gomock.Any(), cand.Locator, gomock.Any(), gomock.Any()).
		Return(completedHandle(4096), nil)

	result := verify.Result{Hash: testHash, Size: 4096, Trust: model.TrustUnverified}
	f.verifier.EXPECT().Verify(gomock.Any(), cand).Return(result, nil)

	entry := &model.CacheEntry{Hash: testHash, Size: 4096}
	f.cache.EXPECT().Commit(gomock.Any(), gomock.Any(), result, cand).Return(entry, nil)

	res, err := f.orch.Fetch(context.Background(), s)
	require.NoError(t, err)
	assert.False(t, res.FromCache)
	assert.Equal(t, entry, res.Entry)
	require.Len(t, res.History, 1)
	assert.Equal(t, 1, res.History[0].Attempts)
	assert.NoError(t, res.History[0].Err)
}

func TestFetch_RetryableFailureThenSuccess(t *testing.T) {
	f := newFixture(t, Options{MaxAttempts: 3, RetryBaseDelay: time.Second, RetryMaxDelay: 30 * time.Second})
	s := spec("torch")
	cand := candidate("https://mirror/torch.whl")

	f.resolver.EXPECT().Resolve(gomock.Any(), s).Return([]model.Candidate{cand}, nil)

	connErr := errors.Wrap(errors.ErrConnection, "connection reset")
	gomock.InOrder(
		f.driver.EXPECT().Start(gomock.Any(), cand.Locator, gomock.Any(), gomock.Any()).
			Return(failedHandle(connErr), nil),
		f.driver.EXPECT().Start(gomock.Any(), cand.Locator, gomock.Any(), gomock.Any()).
			Return(completedHandle(100), nil),
	)

	result := verify.Result{Hash: testHash, Size: 100, Trust: model.TrustUnverified}
	f.verifier.EXPECT().Verify(gomock.Any(), cand).Return(result, nil)
	f.cache.EXPECT().Commit(gomock.Any(), gomock.Any(), result, cand).Return(&model.CacheEntry{Hash: testHash}, nil)

	res, err := f.orch.Fetch(context.Background(), s)
	require.NoError(t, err)
	require.Len(t, res.History, 1)
	assert.Equal(t, 2, res.History[0].Attempts)

	// exactly one backoff sleep, jittered around the base delay
	require.Len(t, *f.slept, 1)
	assert.GreaterOrEqual(t, (*f.slept)[0], 500*time.Millisecond)
	assert.LessOrEqual(t, (*f.slept)[0], 1500*time.Millisecond)
}

func TestFetch_ClientErrorAdvancesToNextCandidate(t *testing.T) {
	f := newFixture(t, Options{MaxAttempts: 3})
	s := spec("torch")
	first := candidate("https://a/torch.whl")
	second := candidate("https://b/torch.whl")
	second.Rank = 2

	f.resolver.EXPECT().Resolve(gomock.Any(), s).Return([]model.Candidate{first, second}, nil)

	gomock.InOrder(
		f.driver.EXPECT().Start(gomock.Any(), first.Locator, gomock.Any(), gomock.Any()).
			Return(failedHandle(&errors.ServerError{StatusCode: http.StatusNotFound}), nil),
		f.driver.EXPECT().Start(gomock.Any(), second.Locator, gomock.Any(), gomock.Any()).
			Return(completedHandle(100), nil),
	)

	result := verify.Result{Hash: testHash, Size: 100, Trust: model.TrustUnverified}
	f.verifier.EXPECT().Verify(gomock.Any(), second).Return(result, nil)
	f.cache.EXPECT().Commit(gomock.Any(), gomock.Any(), result, second).Return(&model.CacheEntry{Hash: testHash}, nil)

	res, err := f.orch.Fetch(context.Background(), s)
	require.NoError(t, err)
	require.Len(t, res.History, 2)
	// the 404 candidate got exactly one attempt, no retries
	assert.Equal(t, 1, res.History[0].Attempts)
	assert.Error(t, res.History[0].Err)
	assert.NoError(t, res.History[1].Err)
	assert.Empty(t, *f.slept, "4xx must not back off")
}

func TestFetch_ProcessErrorAbortsRun(t *testing.T) {
	f := newFixture(t, Options{})
	s := spec("torch")
	first := candidate("https://a/torch.whl")
	second := candidate("https://b/torch.whl")

	f.resolver.EXPECT().Resolve(gomock.Any(), s).Return([]model.Candidate{first, second}, nil)

	procErr := errors.Wrap(errors.ErrProcess, "aria2c not found on PATH")
	f.driver.EXPECT().Start(gomock.Any(), first.Locator, gomock.Any(), gomock.Any()).
		Return(nil, procErr)
	// second candidate must never be tried

	_, err := f.orch.Fetch(context.Background(), s)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrProcess)
}

func TestFetch_Exhausted(t *testing.T) {
	f := newFixture(t, Options{MaxAttempts: 2, RetryBaseDelay: time.Second})
	s := spec("torch")
	cand := candidate("https://mirror/torch.whl")

	f.resolver.EXPECT().Resolve(gomock.Any(), s).Return([]model.Candidate{cand}, nil)

	connErr := errors.Wrap(errors.ErrConnection, "connection reset")
	f.driver.EXPECT().Start(gomock.Any(), cand.Locator, gomock.Any(), gomock.Any()).
		Return(failedHandle(connErr), nil).Times(2)

	_, err := f.orch.Fetch(context.Background(), s)
	require.Error(t, err)

	var ex *errors.ExhaustedError
	require.ErrorAs(t, err, &ex)
	require.Len(t, ex.Failures, 1)
	assert.Equal(t, cand.Locator, ex.Failures[0].Locator)
	assert.Equal(t, 2, ex.Failures[0].Attempts)
	assert.ErrorIs(t, err, errors.ErrConnection)
}

func TestFetch_HashMismatchAbandonsCandidate(t *testing.T) {
	f := newFixture(t, Options{MaxAttempts: 3})
	s := spec("torch")
	cand := candidate("https://mirror/torch.whl")

	f.resolver.EXPECT().Resolve(gomock.Any(), s).Return([]model.Candidate{cand}, nil)
	f.driver.EXPECT().Start(gomock.Any(), cand.Locator, gomock.Any(), gomock.Any()).
		Return(completedHandle(100), nil)
	f.verifier.EXPECT().Verify(gomock.Any(), cand).
		Return(verify.Result{}, errors.Wrap(errors.ErrHashMismatch, "digest differs"))

	_, err := f.orch.Fetch(context.Background(), s)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrHashMismatch)

	var ex *errors.ExhaustedError
	require.ErrorAs(t, err, &ex)
}

func TestFetch_MismatchAfterResumeRetriedOnceFromZero(t *testing.T) {
	staging := t.TempDir()
	f := newFixture(t, Options{StagingDir: staging, MaxAttempts: 3})
	s := spec("torch")
	cand := candidate("https://mirror/torch.whl")

	// a leftover partial forces the first attempt to resume
	destPath := filepath.Join(staging, transfer.StagingName(cand.Locator))
	require.NoError(t, os.WriteFile(destPath, []byte("stale bytes"), 0o644))

	f.resolver.EXPECT().Resolve(gomock.Any(), s).Return([]model.Candidate{cand}, nil)

	gomock.InOrder(
		f.driver.EXPECT().Start(gomock.Any(), cand.Locator, gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, _, _ string, opts transfer.Options) (transfer.Handle, error) {
				assert.True(t, opts.Resume, "first attempt must resume the partial")
				return completedHandle(100), nil
			}),
		f.driver.EXPECT().Start(gomock.Any(), cand.Locator, gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, _, _ string, opts transfer.Options) (transfer.Handle, error) {
				assert.False(t, opts.Resume, "mismatch retry must start from zero")
				return completedHandle(100), nil
			}),
	)

	result := verify.Result{Hash: testHash, Size: 100, Trust: model.TrustUnverified}
	gomock.InOrder(
		f.verifier.EXPECT().Verify(gomock.Any(), cand).
			Return(verify.Result{}, errors.Wrap(errors.ErrHashMismatch, "digest differs")),
		f.verifier.EXPECT().Verify(gomock.Any(), cand).Return(result, nil),
	)
	f.cache.EXPECT().Commit(gomock.Any(), gomock.Any(), result, cand).Return(&model.CacheEntry{Hash: testHash}, nil)

	res, err := f.orch.Fetch(context.Background(), s)
	require.NoError(t, err)
	require.Len(t, res.History, 1)
	assert.Equal(t, 2, res.History[0].Attempts)
}

func TestFetch_StallTreatedAsConnectionError(t *testing.T) {
	f := newFixture(t, Options{
		MaxAttempts:  1,
		StallTimeout: 2 * time.Second,
		PollInterval: time.Second,
	})
	s := spec("torch")
	cand := candidate("https://mirror/torch.whl")

	f.resolver.EXPECT().Resolve(gomock.Any(), s).Return([]model.Candidate{cand}, nil)

	stuck := &fakeHandle{script: []transfer.Progress{
		{BytesDone: 42, Status: transfer.StatusInProgress},
	}}
	f.driver.EXPECT().Start(gomock.Any(), cand.Locator, gomock.Any(), gomock.Any()).Return(stuck, nil)

	_, err := f.orch.Fetch(context.Background(), s)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrStalled)
	assert.ErrorIs(t, err, errors.ErrConnection)
	assert.True(t, stuck.cancelled, "a stalled transfer must be cancelled for resumability")
}

func TestFetch_SecondCallerFailsFast(t *testing.T) {
	f := newFixture(t, Options{})
	s := spec("torch")

	require.True(t, f.orch.inflight.begin(s.Key()))
	defer f.orch.inflight.end(s.Key())

	_, err := f.orch.Fetch(context.Background(), s)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrFetchInProgress)
}

// gateHandle blocks Poll until released, then reports completion. Used to
// hold a transfer open while a competing fetch runs.
type gateHandle struct {
	release chan struct{}
	bytes   int64
}

func (h *gateHandle) Poll() transfer.Progress {
	<-h.release
	return transfer.Progress{BytesDone: h.bytes, Status: transfer.StatusCompleted}
}

func (h *gateHandle) Cancel() {}

func TestFetch_ConcurrentSpecsSharingLocator(t *testing.T) {
	f := newFixture(t, Options{})
	specA := spec("torch")
	specB := spec("torch-meta") // resolves to the same wheel URL
	cand := candidate("https://mirror/torch.whl")

	started := make(chan struct{})
	release := make(chan struct{})
	gate := &gateHandle{release: release, bytes: 4096}

	f.resolver.EXPECT().Resolve(gomock.Any(), specA).Return([]model.Candidate{cand}, nil)
	f.resolver.EXPECT().Resolve(gomock.Any(), specB).Return([]model.Candidate{cand}, nil)
	f.driver.EXPECT().Start(gomock.Any(), cand.Locator, gomock.Any(), gomock.Any()).
		DoAndReturn(func(context.Context, string, string, transfer.Options) (transfer.Handle, error) {
			close(started)
			return gate, nil
		})
	result := verify.Result{Hash: testHash, Size: 4096, Trust: model.TrustUnverified}
	f.verifier.EXPECT().Verify(gomock.Any(), cand).Return(result, nil)
	f.cache.EXPECT().Commit(gomock.Any(), gomock.Any(), result, cand).
		Return(&model.CacheEntry{Hash: testHash}, nil)

	type outcome struct {
		res *model.FetchResult
		err error
	}
	resA := make(chan outcome, 1)
	go func() {
		res, err := f.orch.Fetch(context.Background(), specA)
		resA <- outcome{res, err}
	}()
	<-started

	// The staging file for the locator has one live writer; the competing
	// spec must not touch it.
	_, err := f.orch.Fetch(context.Background(), specB)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrFetchInProgress)

	close(release)
	a := <-resA
	require.NoError(t, a.err)
	assert.Equal(t, testHash, a.res.Entry.Hash)
}

func TestFetch_BusyLocatorAdvancesToNextCandidate(t *testing.T) {
	f := newFixture(t, Options{})
	s := spec("torch")
	busy := candidate("https://mirror1/torch.whl")
	free := model.Candidate{Locator: "https://mirror2/torch.whl", Source: "mirror2", Rank: 2}

	require.True(t, f.orch.staging.begin(busy.Locator))
	defer f.orch.staging.end(busy.Locator)

	f.resolver.EXPECT().Resolve(gomock.Any(), s).Return([]model.Candidate{busy, free}, nil)
	f.driver.EXPECT().Start(gomock.Any(), free.Locator, gomock.Any(), gomock.Any()).
		Return(completedHandle(10), nil)
	result := verify.Result{Hash: testHash, Size: 10, Trust: model.TrustUnverified}
	f.verifier.EXPECT().Verify(gomock.Any(), free).Return(result, nil)
	f.cache.EXPECT().Commit(gomock.Any(), gomock.Any(), result, free).
		Return(&model.CacheEntry{Hash: testHash}, nil)

	res, err := f.orch.Fetch(context.Background(), s)
	require.NoError(t, err)
	require.Len(t, res.History, 2)
	assert.ErrorIs(t, res.History[0].Err, errors.ErrFetchInProgress)
	assert.NoError(t, res.History[1].Err)
}

func TestFetch_LocatorClaimReleasedAfterFetch(t *testing.T) {
	f := newFixture(t, Options{})
	cand := candidate("https://mirror/torch.whl")

	result := verify.Result{Hash: testHash, Size: 10, Trust: model.TrustUnverified}
	for _, s := range []model.ArtifactSpec{spec("torch"), spec("torch-meta")} {
		f.resolver.EXPECT().Resolve(gomock.Any(), s).Return([]model.Candidate{cand}, nil)
	}
	f.driver.EXPECT().Start(gomock.Any(), cand.Locator, gomock.Any(), gomock.Any()).
		Return(completedHandle(10), nil).Times(2)
	f.verifier.EXPECT().Verify(gomock.Any(), cand).Return(result, nil).Times(2)
	f.cache.EXPECT().Commit(gomock.Any(), gomock.Any(), result, cand).
		Return(&model.CacheEntry{Hash: testHash}, nil).Times(2)

	_, err := f.orch.Fetch(context.Background(), spec("torch"))
	require.NoError(t, err)
	_, err = f.orch.Fetch(context.Background(), spec("torch-meta"))
	require.NoError(t, err, "locator claim must be released once the transfer ends")
}

func TestFetch_ResolutionFailure(t *testing.T) {
	f := newFixture(t, Options{})
	s := spec("torch")

	f.resolver.EXPECT().Resolve(gomock.Any(), s).
		Return(nil, errors.Wrap(errors.ErrResolution, "no source"))

	_, err := f.orch.Fetch(context.Background(), s)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrResolution)
}

func TestFetchAll(t *testing.T) {
	f := newFixture(t, Options{Concurrency: 2})

	specA := spec("torch")
	specB := spec("numpy")

	f.resolver.EXPECT().Resolve(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, s model.ArtifactSpec) ([]model.Candidate, error) {
			if s.Name == "numpy" {
				return nil, errors.Wrap(errors.ErrResolution, "no source")
			}
			return []model.Candidate{candidate("https://mirror/" + s.Name + ".whl")}, nil
		}).Times(2)

	f.driver.EXPECT().Start(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		Return(completedHandle(10), nil)
	result := verify.Result{Hash: testHash, Size: 10, Trust: model.TrustUnverified}
	f.verifier.EXPECT().Verify(gomock.Any(), gomock.Any()).Return(result, nil)
	f.cache.EXPECT().Commit(gomock.Any(), gomock.Any(), result, gomock.Any()).
		Return(&model.CacheEntry{Hash: testHash}, nil)

	results, err := f.orch.FetchAll(context.Background(), []model.ArtifactSpec{specA, specB})
	require.Error(t, err, "first error surfaces after all workers drain")
	assert.ErrorIs(t, err, errors.ErrResolution)
	require.Contains(t, results, specA.Key())
	assert.NotContains(t, results, specB.Key())
}

func TestFetchAll_DeduplicatesSpecs(t *testing.T) {
	f := newFixture(t, Options{Concurrency: 2})
	s := spec("torch")
	cand := candidate("https://mirror/torch.whl")

	f.resolver.EXPECT().Resolve(gomock.Any(), s).Return([]model.Candidate{cand}, nil).Times(1)
	f.driver.EXPECT().Start(gomock.Any(), cand.Locator, gomock.Any(), gomock.Any()).
		Return(completedHandle(10), nil).Times(1)
	result := verify.Result{Hash: testHash, Size: 10, Trust: model.TrustUnverified}
	f.verifier.EXPECT().Verify(gomock.Any(), cand).Return(result, nil)
	f.cache.EXPECT().Commit(gomock.Any(), gomock.Any(), result, cand).
		Return(&model.CacheEntry{Hash: testHash}, nil)

	results, err := f.orch.FetchAll(context.Background(), []model.ArtifactSpec{s, s, s})
	require.NoError(t, err, "a repeated spec must collapse to one fetch")
	require.Len(t, results, 1)
	assert.Equal(t, testHash, results[s.Key()].Entry.Hash)
}

func TestFetch_EmitsLifecycleEvents(t *testing.T) {
	var mu sync.Mutex
	var phases []string

	f := newFixture(t, Options{})
	f.orch.Hooks = Hooks{OnEvent: func(e Event) {
		mu.Lock()
		phases = append(phases, e.Phase)
		mu.Unlock()
	}}

	s := spec("torch")
	cand := candidate("https://mirror/torch.whl")
	f.resolver.EXPECT().Resolve(gomock.Any(), s).Return([]model.Candidate{cand}, nil)
	f.driver.EXPECT().Start(gomock.Any(), cand.Locator, gomock.Any(), gomock.Any()).
		Return(completedHandle(10), nil)
	result := verify.Result{Hash: testHash, Size: 10, Trust: model.TrustUnverified}
	f.verifier.EXPECT().Verify(gomock.Any(), cand).Return(result, nil)
	f.cache.EXPECT().Commit(gomock.Any(), gomock.Any(), result, cand).Return(&model.CacheEntry{Hash: testHash}, nil)

	_, err := f.orch.Fetch(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, []string{"resolving", "attempting", "verifying", "committing", "done"},
		phases)
}

func TestBackoffState_Bump(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	base := time.Second
	maxDelay := 4 * time.Second

	var b backoffState
	for i, wantBase := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second} {
		b.bump(now, base, maxDelay)
		assert.Equal(t, i+1, b.Attempts)
		delay := b.NextEligible.Sub(now)
		assert.GreaterOrEqual(t, delay, wantBase/2, "attempt %d", i+1)
		assert.LessOrEqual(t, delay, wantBase*3/2, "attempt %d", i+1)
	}
}

func TestInflightSet(t *testing.T) {
	s := newInflightSet()
	key := strings.Repeat("k", 8)

	assert.True(t, s.begin(key))
	assert.False(t, s.begin(key))
	s.end(key)
	assert.True(t, s.begin(key))
}
