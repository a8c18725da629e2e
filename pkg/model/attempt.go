package model

// AttemptRecord summarizes what happened to one candidate during a fetch.
// Records are kept even when a later candidate succeeds, so a final success
// does not erase evidence of an earlier corrupted mirror.
type AttemptRecord struct {
	Locator   string
	Source    string
	Rank      int
	Attempts  int   // how many times this candidate was tried
	BytesDone int64 // bytes staged by the last attempt
	Err       error // nil for the succeeding candidate
}

// FetchResult is the terminal outcome of a successful fetch.
type FetchResult struct {
	Entry     *CacheEntry
	History   []AttemptRecord
	FromCache bool
}
