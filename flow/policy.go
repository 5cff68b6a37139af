package flow

import (
	"crypto/sha256"
	"encoding/binary"
	"time"
)

// Default retry behavior for nodes that do not declare a policy. Retries
// are off by default; opting in starts from a half-second base delay.
const (
	DefaultBackoffBase = 500 * time.Millisecond
	DefaultBackoffMax  = 5 * time.Second
	DefaultJitter      = 0.1
)

// ErrorPolicy declares how a node's failures are handled: how many retries,
// how backoff grows, and where execution goes when retries run out.
//
// Fallback names a node dispatched in place of the failing one, with the
// same input. EscalateTo names a human gate dispatched with the failure
// details. Fallback takes precedence when both are set; if neither is set,
// an exhausted failure terminates the run.
type ErrorPolicy struct {
	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	Jitter      float64
	Fallback    string
	EscalateTo  string
}

// withDefaults fills zero-valued backoff fields. MaxRetries stays as
// declared, zero meaning no retries.
func (p ErrorPolicy) withDefaults() ErrorPolicy {
	if p.BackoffBase <= 0 {
		p.BackoffBase = DefaultBackoffBase
	}
	if p.BackoffMax <= 0 {
		p.BackoffMax = DefaultBackoffMax
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter == 0 {
		p.Jitter = DefaultJitter
	}
	return p
}

// Budget bounds a single node invocation. MaxDuration is enforced as a
// per-attempt context timeout; MaxTokens and MaxCostUSD are checked against
// the usage a node reports. Zero values mean unbounded.
type Budget struct {
	MaxDuration time.Duration
	MaxTokens   int
	MaxCostUSD  float64
}

// computeBackoff returns the delay before the given retry attempt:
// exponential growth from the base, capped at the max, plus a jitter slice
// derived by hashing the run seed with the invocation identity. Hashing
// instead of drawing from a shared RNG keeps delays reproducible on replay
// regardless of how many other nodes retried first.
//
// Delays are non-decreasing across attempts: the jitter span is a fraction
// of the base, so attempt n+1's floor is never below attempt n's ceiling
// until the cap flattens both.
func computeBackoff(attempt int, p ErrorPolicy, seed int64, node string, dispatch int) time.Duration {
	if attempt > 62 {
		attempt = 62
	}
	delay := p.BackoffBase * (1 << uint(attempt))
	if delay > p.BackoffMax || delay <= 0 {
		delay = p.BackoffMax
	}
	span := time.Duration(p.Jitter * float64(p.BackoffBase))
	if span <= 0 {
		return delay
	}
	return delay + time.Duration(jitterHash(seed, node, dispatch, attempt)%uint64(span))
}

// jitterHash derives a stable pseudo-random value from the run seed and the
// invocation's identity.
func jitterHash(seed int64, node string, dispatch, attempt int) uint64 {
	h := sha256.New()
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(seed))
	h.Write(buf[:])
	h.Write([]byte(node))
	binary.BigEndian.PutUint64(buf[:], uint64(dispatch))
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], uint64(attempt))
	h.Write(buf[:])
	sum := h.Sum(nil)
	return binary.BigEndian.Uint64(sum[:8])
}
