package orchestrator

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/glorpus-work/mlget/internal/logger"
	"github.com/glorpus-work/mlget/pkg/errors"
	"github.com/glorpus-work/mlget/pkg/model"
	"github.com/glorpus-work/mlget/pkg/transfer"
	"github.com/glorpus-work/mlget/pkg/verify"
)

// Fetch runs the full state machine for one artifact spec: resolve
// candidates, try them in rank order with per-candidate retry and backoff,
// verify the staged bytes, commit to cache.
//
// A second concurrent Fetch of the same spec fails fast with
// ErrFetchInProgress. A process-level fault (external downloader missing or
// crashed) aborts the whole run immediately; everything else advances to the
// next candidate until all are exhausted, at which point the aggregate
// ExhaustedError carries every per-candidate failure.
func (o *Orchestrator) Fetch(ctx context.Context, spec model.ArtifactSpec) (*model.FetchResult, error) {
	key := spec.Key()
	if !o.inflight.begin(key) {
		return nil, errors.Wrapf(errors.ErrFetchInProgress, "%s", spec)
	}
	defer o.inflight.end(key)

	if entry, ok := o.cachedByDeclared(spec.ExpectedHash); ok {
		emit(o.Hooks, Event{Phase: "done", ID: key, Msg: "cache hit"})
		return &model.FetchResult{Entry: entry, FromCache: true}, nil
	}

	emit(o.Hooks, Event{Phase: "resolving", ID: key, Msg: spec.String()})
	cands, err := o.Resolver.Resolve(ctx, spec)
	if err != nil {
		emit(o.Hooks, Event{Phase: "error", ID: key, Msg: err.Error()})
		return nil, err
	}

	history := make([]model.AttemptRecord, 0, len(cands))
	for _, cand := range cands {
		if entry, ok := o.cachedByDeclared(cand.Hash); ok {
			emit(o.Hooks, Event{Phase: "done", ID: key, Msg: "cache hit"})
			return &model.FetchResult{Entry: entry, History: history, FromCache: true}, nil
		}

		// Distinct specs can resolve to the same locator; the staging file
		// for a locator must have exactly one live writer.
		if !o.staging.begin(cand.Locator) {
			history = append(history, model.AttemptRecord{
				Locator: cand.Locator, Source: cand.Source, Rank: cand.Rank,
				Err: errors.Wrapf(errors.ErrFetchInProgress, "transfer already staging %s", cand.Locator),
			})
			continue
		}
		rec, entry, err := o.tryCandidate(ctx, key, cand)
		o.staging.end(cand.Locator)
		history = append(history, rec)
		if err == nil {
			emit(o.Hooks, Event{Phase: "done", ID: key, Msg: entry.Path})
			return &model.FetchResult{Entry: entry, History: history}, nil
		}
		if errors.IsFatal(err) || ctx.Err() != nil {
			emit(o.Hooks, Event{Phase: "error", ID: key, Msg: err.Error()})
			return nil, err
		}
	}

	ex := &errors.ExhaustedError{Spec: spec.String()}
	for _, rec := range history {
		ex.Failures = append(ex.Failures, errors.CandidateFailure{
			Locator:   rec.Locator,
			Attempts:  rec.Attempts,
			BytesDone: rec.BytesDone,
			Err:       rec.Err,
		})
	}
	emit(o.Hooks, Event{Phase: "error", ID: key, Msg: ex.Error()})
	return nil, ex
}

// FetchAll fetches specs through a bounded worker pool, de-duplicating by
// spec key so a repeated spec is fetched once instead of racing itself into
// ErrFetchInProgress. Results are keyed by spec key; the first error is
// returned after all workers drain, so one failing spec does not abort the
// others mid-transfer.
func (o *Orchestrator) FetchAll(ctx context.Context, specs []model.ArtifactSpec) (map[string]*model.FetchResult, error) {
	sem := make(chan struct{}, o.opts.Concurrency)
	results := make(map[string]*model.FetchResult, len(specs))

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	seen := make(map[string]struct{}, len(specs))
	for _, spec := range specs {
		if _, dup := seen[spec.Key()]; dup {
			continue
		}
		seen[spec.Key()] = struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			res, err := o.Fetch(ctx, spec)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			results[spec.Key()] = res
		}()
	}
	wg.Wait()
	return results, firstErr
}

// cachedByDeclared looks up a declared hash, if any. Lookup errors are
// treated as a miss so a corrupt entry never blocks a fresh fetch.
func (o *Orchestrator) cachedByDeclared(declared string) (*model.CacheEntry, bool) {
	h := verify.NormalizeHash(declared)
	if h == "" {
		return nil, false
	}
	entry, ok, err := o.Cache.Lookup(h)
	if err != nil {
		logger.Warn("cache lookup failed", logger.Fields{"hash": h, "error": err})
		return nil, false
	}
	return entry, ok
}

// tryCandidate runs the bounded retry loop for one candidate. The returned
// record is kept in history whether the candidate succeeded or not.
func (o *Orchestrator) tryCandidate(ctx context.Context, key string, cand model.Candidate) (model.AttemptRecord, *model.CacheEntry, error) {
	rec := model.AttemptRecord{Locator: cand.Locator, Source: cand.Source, Rank: cand.Rank}
	destPath := filepath.Join(o.opts.StagingDir, transfer.StagingName(cand.Locator))

	var bs backoffState
	retriedMismatch := false
	for rec.Attempts < o.opts.MaxAttempts {
		if err := bs.wait(ctx, o.now, o.sleep); err != nil {
			rec.Err = err
			return rec, nil, err
		}
		rec.Attempts++
		phase := "attempting"
		if rec.Attempts > 1 {
			phase = "retrying"
		}
		emit(o.Hooks, Event{Phase: phase, ID: key, Msg: cand.Locator})

		resumed := transfer.HasPartial(destPath)
		bytesDone, err := o.runTransfer(ctx, cand, destPath, resumed)
		rec.BytesDone = bytesDone
		if err != nil {
			rec.Err = err
			logger.Warn("transfer attempt failed", logger.Fields{
				"locator": cand.Locator,
				"attempt": rec.Attempts,
				"bytes":   bytesDone,
				"error":   err,
			})
			if errors.IsRetryable(err) && rec.Attempts < o.opts.MaxAttempts {
				bs.bump(o.now(), o.opts.RetryBaseDelay, o.opts.RetryMaxDelay)
				continue
			}
			return rec, nil, err
		}

		emit(o.Hooks, Event{Phase: "verifying", ID: key, Msg: cand.Locator})
		res, err := o.Verifier.Verify(destPath, cand)
		if err != nil {
			rec.Err = err
			logger.Error("integrity failure", logger.Fields{
				"locator": cand.Locator,
				"attempt": rec.Attempts,
				"bytes":   bytesDone,
				"error":   err,
			})
			if derr := transfer.DiscardPartial(destPath); derr != nil {
				logger.Warn("failed to discard staging file", logger.Fields{"path": destPath, "error": derr})
			}
			// A mismatch right after a resume may just be a corrupted
			// partial; retry once from byte zero before abandoning the
			// candidate.
			if resumed && !retriedMismatch && errors.IsIntegrity(err) && rec.Attempts < o.opts.MaxAttempts {
				retriedMismatch = true
				continue
			}
			return rec, nil, err
		}

		emit(o.Hooks, Event{Phase: "committing", ID: key, Msg: res.Hash})
		entry, err := o.Cache.Commit(ctx, destPath, res, cand)
		if err != nil {
			rec.Err = err
			return rec, nil, err
		}
		rec.Err = nil
		return rec, entry, nil
	}
	return rec, nil, rec.Err
}

// runTransfer starts one driver attempt and polls it to a terminal state,
// enforcing the stall timeout. A stall cancels the transfer (keeping the
// partial resumable) and surfaces as a retryable connection error.
func (o *Orchestrator) runTransfer(ctx context.Context, cand model.Candidate, destPath string, resume bool) (int64, error) {
	handle, err := o.Driver.Start(ctx, cand.Locator, destPath, transfer.Options{
		Connections:  o.opts.Connections,
		Resume:       resume,
		ExpectedSize: cand.Size,
	})
	if err != nil {
		return 0, err
	}

	lastBytes := int64(-1)
	lastProgress := o.now()
	for {
		p := handle.Poll()
		switch p.Status {
		case transfer.StatusCompleted:
			return p.BytesDone, nil
		case transfer.StatusFailed:
			return p.BytesDone, p.Err
		case transfer.StatusCancelled:
			if ctx.Err() != nil {
				return p.BytesDone, ctx.Err()
			}
			return p.BytesDone, errors.Wrap(errors.ErrConnection, "transfer cancelled")
		}

		if p.BytesDone != lastBytes {
			lastBytes = p.BytesDone
			lastProgress = o.now()
		} else if o.now().Sub(lastProgress) >= o.opts.StallTimeout {
			handle.Cancel()
			return p.BytesDone, errors.Wrapf(errors.ErrStalled,
				"no progress for %s", o.opts.StallTimeout)
		}

		if err := o.sleep(ctx, o.opts.PollInterval); err != nil {
			handle.Cancel()
			return handle.Poll().BytesDone, err
		}
	}
}
