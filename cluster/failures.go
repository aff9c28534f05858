package cluster

import (
	"sync"

	uatomic "go.uber.org/atomic"
)

// maxEligibleFailures is how many consecutive failures a node may accrue
// before read striping and failover walks skip it. A node may fail once and
// still be tried.
const maxEligibleFailures = 1

// FailureCounters tracks consecutive dispatch failures per endpoint URL.
// Counts only ever grow until a successful call resets them. The key set is
// bounded by cluster size so entries are never evicted.
type FailureCounters struct {
	counters sync.Map // url -> *uatomic.Int64
}

func NewFailureCounters() *FailureCounters {
	return &FailureCounters{}
}

func (f *FailureCounters) counter(url string) *uatomic.Int64 {
	if c, ok := f.counters.Load(url); ok {
		return c.(*uatomic.Int64)
	}
	c, _ := f.counters.LoadOrStore(url, uatomic.NewInt64(0))
	return c.(*uatomic.Int64)
}

// Get returns the current failure count for the URL.
func (f *FailureCounters) Get(url string) int64 {
	return f.counter(url).Load()
}

// Increment records one more failure and returns the new count.
func (f *FailureCounters) Increment(url string) int64 {
	return f.counter(url).Inc()
}

// Reset clears the count after a successful call.
func (f *FailureCounters) Reset(url string) {
	f.counter(url).Store(0)
}

// Eligible reports whether the node is healthy enough to try.
func (f *FailureCounters) Eligible(url string) bool {
	return f.Get(url) <= maxEligibleFailures
}

// Snapshot returns a copy of all non-zero counts, for diagnostics.
func (f *FailureCounters) Snapshot() map[string]int64 {
	counts := map[string]int64{}
	f.counters.Range(func(key, value interface{}) bool {
		if count := value.(*uatomic.Int64).Load(); count > 0 {
			counts[key.(string)] = count
		}
		return true
	})
	return counts
}
