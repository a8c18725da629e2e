package orchestrator

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"
)

// backoffState is the explicit retry position for one candidate: how many
// attempts have run and when the next one may start. Keeping this as plain
// data makes retry progress inspectable and testable with an injected clock.
type backoffState struct {
	Attempts     int
	NextEligible time.Time
}

// bump records a failed attempt and schedules the next one with exponential
// backoff and jitter (0.5x to 1.5x of the computed delay).
func (b *backoffState) bump(now time.Time, base, maxDelay time.Duration) {
	b.Attempts++
	delay := base
	for i := 1; i < b.Attempts; i++ {
		delay *= 2
		if delay >= maxDelay {
			delay = maxDelay
			break
		}
	}
	jittered := time.Duration(float64(delay) * (0.5 + rand.Float64()))
	b.NextEligible = now.Add(jittered)
}

// wait blocks until NextEligible using the orchestrator's injected clock and
// sleeper.
func (b *backoffState) wait(ctx context.Context, now func() time.Time, sleep func(context.Context, time.Duration) error) error {
	return sleep(ctx, b.NextEligible.Sub(now()))
}

// inflightSet is a claim set for exclusive work: spec keys (one fetch per
// spec) and locators (one live transfer per staging file). The second
// claimant fails fast.
type inflightSet struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func newInflightSet() *inflightSet {
	return &inflightSet{keys: make(map[string]struct{})}
}

// begin claims a key; it returns false when the key is already claimed.
func (s *inflightSet) begin(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.keys[key]; busy {
		return false
	}
	s.keys[key] = struct{}{}
	return true
}

func (s *inflightSet) end(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, key)
}
