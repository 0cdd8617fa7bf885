// Package ratelimit throttles MCP tool calls with one token bucket per tool.
package ratelimit

import (
	"errors"
	"fmt"
	"math"
	"time"

	"golang.org/x/time/rate"
)

// ErrLimited is matched by every *LimitError.
var ErrLimited = errors.New("rate limit exceeded")

// LimitError reports a rejected call and when the next token is due.
type LimitError struct {
	Tool       string
	RetryAfter time.Duration
}

func (e *LimitError) Error() string {
	wait := time.Duration(math.Ceil(e.RetryAfter.Seconds())) * time.Second
	return fmt.Sprintf("rate limit exceeded for %s, retry in %s", e.Tool, wait)
}

func (e *LimitError) Is(target error) bool {
	return target == ErrLimited
}

// Rule sets a bucket's refill rate and capacity. A bucket starts full.
type Rule struct {
	PerMinute float64
	Burst     int
}

// Bucket is a token bucket backed by rate.Limiter. It is safe for
// concurrent use.
type Bucket struct {
	lim *rate.Limiter
	now func() time.Time
}

// NewBucket returns a full bucket for rule.
func NewBucket(rule Rule) *Bucket {
	return &Bucket{
		lim: rate.NewLimiter(rate.Limit(rule.PerMinute/60), rule.Burst),
		now: time.Now,
	}
}

// Take removes one token. When none is available it returns false and the
// time until one will be; a bucket that never refills reports zero.
func (b *Bucket) Take() (bool, time.Duration) {
	now := b.now()
	r := b.lim.ReserveN(now, 1)
	if !r.OK() {
		return false, 0
	}
	if wait := r.DelayFrom(now); wait > 0 {
		r.CancelAt(now)
		return false, wait
	}
	return true, 0
}

// DefaultRules are the per-tool budgets of the MCP server. A suite run
// launches one simulator process per case, so it gets the tightest budget.
func DefaultRules() map[string]Rule {
	return map[string]Rule{
		"simregress_run":     {PerMinute: 6, Burst: 2},
		"simregress_list":    {PerMinute: 60, Burst: 10},
		"simregress_history": {PerMinute: 60, Burst: 10},
		"simregress_config":  {PerMinute: 30, Burst: 5},
	}
}

// Tools maps tool names to their buckets. Tools without a bucket, and every
// tool of a nil Tools, are unlimited.
type Tools map[string]*Bucket

// NewTools creates one bucket per rule.
func NewTools(rules map[string]Rule) Tools {
	t := make(Tools, len(rules))
	for tool, rule := range rules {
		t[tool] = NewBucket(rule)
	}
	return t
}

// Check takes a token for tool and returns a *LimitError when none is left.
func (t Tools) Check(tool string) error {
	b, ok := t[tool]
	if !ok {
		return nil
	}
	if ok, wait := b.Take(); !ok {
		return &LimitError{Tool: tool, RetryAfter: wait}
	}
	return nil
}
