package turn

import "strings"

// defaultFlushThreshold is the buffered byte count that forces a flush even
// without a sentence boundary.
const defaultFlushThreshold = 64

// coalescer buffers incoming text deltas and commits them to the store in
// sentence-sized chunks so observers are not woken per token. The estimated
// output token count is republished on every delta, flushed or not.
type coalescer struct {
	store     *Store
	estimator Estimator
	threshold int

	buf strings.Builder
}

func newCoalescer(store *Store, estimator Estimator, threshold int) *coalescer {
	if threshold <= 0 {
		threshold = defaultFlushThreshold
	}
	if estimator == nil {
		estimator = HeuristicEstimator{}
	}
	return &coalescer{store: store, estimator: estimator, threshold: threshold}
}

func (c *coalescer) add(delta string) {
	if delta == "" {
		return
	}
	c.buf.WriteString(delta)

	c.store.setEstimatedUsage(c.estimator.Estimate(c.store.msg.Text + c.buf.String()))

	if endsSentence(delta) || c.buf.Len() >= c.threshold {
		c.flush()
	}
}

// flush commits the buffered text. It must be called before the session is
// allowed to reach terminal; no delta may be discarded.
func (c *coalescer) flush() {
	if c.buf.Len() == 0 {
		return
	}
	c.store.appendText(c.buf.String())
	c.buf.Reset()
}

func (c *coalescer) pending() int { return c.buf.Len() }

func endsSentence(delta string) bool {
	if delta == "" {
		return false
	}
	switch delta[len(delta)-1] {
	case '.', '!', '?', '\n':
		return true
	}
	return false
}
