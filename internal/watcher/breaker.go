package watcher

// Breaker counts consecutive failures for one account. Once the threshold is
// reached the watcher parks the account and exits instead of retrying
// forever. There is no automatic cooldown: re-activation is an explicit
// external start call. The breaker is owned by a single watcher goroutine,
// so it needs no locking.
type Breaker struct {
	threshold int
	failures  int
}

// NewBreaker creates a breaker that opens after threshold consecutive failures
func NewBreaker(threshold int) *Breaker {
	return &Breaker{threshold: threshold}
}

// RecordFailure counts one failure and reports whether the breaker is now open
func (b *Breaker) RecordFailure() bool {
	b.failures++
	return b.failures >= b.threshold
}

// Reset clears the failure counter after a successful connect-and-authenticate cycle
func (b *Breaker) Reset() {
	b.failures = 0
}

// Failures returns the current consecutive failure count
func (b *Breaker) Failures() int {
	return b.failures
}
