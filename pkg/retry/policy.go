// Package retry wraps agent invocations with bounded, jittered retries and a
// per-agent circuit breaker. It is the only code that classifies agent
// failures and writes error entries; on exhaustion or an open breaker it
// installs a typed fallback result so the run continues degraded instead of
// failing.
package retry

import (
	"fmt"
	"math/rand/v2"
	"time"
)

// PolicyKind selects the backoff curve.
type PolicyKind string

const (
	PolicyExponential PolicyKind = "exponential"
	PolicyLinear      PolicyKind = "linear"
	PolicyFibonacci   PolicyKind = "fibonacci"
)

// ParsePolicyKind validates a RETRY_POLICY value.
func ParsePolicyKind(s string) (PolicyKind, error) {
	switch PolicyKind(s) {
	case PolicyExponential, PolicyLinear, PolicyFibonacci:
		return PolicyKind(s), nil
	default:
		return "", fmt.Errorf("unknown retry policy %q", s)
	}
}

// Policy computes the delay before the next attempt. The delay for 0-based
// retry index k is capped at MaxDelay, then uniform jitter in [0, 0.1·delay)
// is added.
type Policy struct {
	Kind       PolicyKind
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultPolicy returns the built-in retry defaults.
func DefaultPolicy() Policy {
	return Policy{
		Kind:       PolicyExponential,
		MaxRetries: 3,
		BaseDelay:  1 * time.Second,
		MaxDelay:   30 * time.Second,
	}
}

// Delay returns the jittered delay after the (k+1)-th failed attempt.
func (p Policy) Delay(k int) time.Duration {
	d := p.base(k)
	if d <= 0 {
		return 0
	}
	jitter := time.Duration(rand.Int64N(int64(d)/10 + 1))
	return d + jitter
}

// base is the un-jittered delay curve. Exported behavior is covered through
// Delay; tests assert on base to stay deterministic.
func (p Policy) base(k int) time.Duration {
	var d time.Duration
	switch p.Kind {
	case PolicyLinear:
		d = p.BaseDelay * time.Duration(k)
	case PolicyFibonacci:
		d = p.BaseDelay * time.Duration(fib(k+2))
	default:
		d = p.BaseDelay << uint(k)
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

func fib(n int) int {
	a, b := 0, 1
	for i := 0; i < n; i++ {
		a, b = b, a+b
	}
	return a
}
