package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicy_BaseCurves(t *testing.T) {
	base := 1 * time.Second
	max := 30 * time.Second

	tests := []struct {
		kind PolicyKind
		k    int
		want time.Duration
	}{
		{PolicyExponential, 0, 1 * time.Second},
		{PolicyExponential, 1, 2 * time.Second},
		{PolicyExponential, 2, 4 * time.Second},
		{PolicyExponential, 10, 30 * time.Second}, // capped
		{PolicyLinear, 0, 0},
		{PolicyLinear, 1, 1 * time.Second},
		{PolicyLinear, 3, 3 * time.Second},
		{PolicyLinear, 100, 30 * time.Second}, // capped
		{PolicyFibonacci, 0, 1 * time.Second}, // fib(2) = 1
		{PolicyFibonacci, 1, 2 * time.Second}, // fib(3) = 2
		{PolicyFibonacci, 2, 3 * time.Second}, // fib(4) = 3
		{PolicyFibonacci, 3, 5 * time.Second}, // fib(5) = 5
		{PolicyFibonacci, 20, 30 * time.Second},
	}

	for _, tt := range tests {
		p := Policy{Kind: tt.kind, BaseDelay: base, MaxDelay: max}
		assert.Equal(t, tt.want, p.base(tt.k), "%s k=%d", tt.kind, tt.k)
	}
}

func TestPolicy_JitterBounds(t *testing.T) {
	p := Policy{Kind: PolicyExponential, BaseDelay: 1 * time.Second, MaxDelay: 30 * time.Second}

	for i := 0; i < 100; i++ {
		d := p.Delay(1) // base 2s
		assert.GreaterOrEqual(t, d, 2*time.Second)
		assert.LessOrEqual(t, d, 2200*time.Millisecond, "jitter must stay within 10%%")
	}
}

func TestPolicy_ZeroDelayHasNoJitter(t *testing.T) {
	p := Policy{Kind: PolicyLinear, BaseDelay: 1 * time.Second, MaxDelay: 30 * time.Second}
	assert.Equal(t, time.Duration(0), p.Delay(0))
}

func TestParsePolicyKind(t *testing.T) {
	for _, valid := range []string{"exponential", "linear", "fibonacci"} {
		kind, err := ParsePolicyKind(valid)
		require.NoError(t, err)
		assert.Equal(t, PolicyKind(valid), kind)
	}

	_, err := ParsePolicyKind("quadratic")
	assert.Error(t, err)
}

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, PolicyExponential, p.Kind)
	assert.Equal(t, 3, p.MaxRetries)
	assert.Equal(t, 1*time.Second, p.BaseDelay)
	assert.Equal(t, 30*time.Second, p.MaxDelay)
}
