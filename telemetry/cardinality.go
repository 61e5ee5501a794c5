package telemetry

import (
	"sync"
	"time"
)

// OverflowLabelValue replaces label values beyond a label's limit.
const OverflowLabelValue = "other"

// DefaultLabelLimits bounds the labels that carry callable names. Those
// names come from model output and are not limited by the catalog.
func DefaultLabelLimits() map[string]int {
	return map[string]int{
		"name":     200,
		"primary":  100,
		"fallback": 100,
	}
}

// CardinalityLimiter caps the number of distinct values recorded per
// metric label. Values unseen for idleAfter are forgotten by Sweep.
type CardinalityLimiter struct {
	limits    map[string]int
	idleAfter time.Duration
	now       func() time.Time

	mu        sync.Mutex
	seen      map[string]map[string]time.Time // metric.label -> value -> last seen
	lastSweep time.Time
}

// NewCardinalityLimiter creates a limiter for limits (label -> max distinct
// values). Labels without a limit pass through.
func NewCardinalityLimiter(limits map[string]int) *CardinalityLimiter {
	return &CardinalityLimiter{
		limits:    limits,
		idleAfter: 10 * time.Minute,
		now:       time.Now,
		seen:      make(map[string]map[string]time.Time),
		lastSweep: time.Now(),
	}
}

// CheckAndLimit returns value, or OverflowLabelValue when metric's label
// already holds its limit of other values.
func (c *CardinalityLimiter) CheckAndLimit(metric, label, value string) string {
	limit, ok := c.limits[label]
	if !ok {
		return value
	}

	key := metric + "." + label
	c.mu.Lock()
	defer c.mu.Unlock()

	values, ok := c.seen[key]
	if !ok {
		values = make(map[string]time.Time)
		c.seen[key] = values
	}
	if _, known := values[value]; !known && len(values) >= limit {
		return OverflowLabelValue
	}
	values[value] = c.now()
	return value
}

// Limit applies CheckAndLimit to every label of one recording, sweeping
// idle values at most once per idle window. The input map is not modified.
func (c *CardinalityLimiter) Limit(metric string, labels map[string]string) map[string]string {
	if len(labels) == 0 {
		return labels
	}
	c.mu.Lock()
	due := c.now().Sub(c.lastSweep) >= c.idleAfter
	if due {
		c.lastSweep = c.now()
	}
	c.mu.Unlock()
	if due {
		c.Sweep()
	}

	out := make(map[string]string, len(labels))
	for k, v := range labels {
		out[k] = c.CheckAndLimit(metric, k, v)
	}
	return out
}

// CurrentCardinality returns the number of tracked values across all labels.
func (c *CardinalityLimiter) CurrentCardinality() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, values := range c.seen {
		total += len(values)
	}
	return total
}

// Sweep forgets values not recorded within the idle window, freeing room
// under each limit.
func (c *CardinalityLimiter) Sweep() {
	cutoff := c.now().Add(-c.idleAfter)
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, values := range c.seen {
		for v, last := range values {
			if last.Before(cutoff) {
				delete(values, v)
			}
		}
		if len(values) == 0 {
			delete(c.seen, key)
		}
	}
}
