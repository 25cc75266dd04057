package engine

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/rendis/flowcore/pkg/schema"
)

// DefaultRetryAttempts is the total number of attempts of a retry policy
// that sets no attempt count.
const DefaultRetryAttempts = 3

// ComputeBackoff returns the delay before retry number attempt (0-based),
// without jitter. Exponential growth doubles the delay per attempt, linear
// growth adds it, constant and none keep it.
func ComputeBackoff(policy *schema.RetryPolicy, attempt int) time.Duration {
	if policy == nil || policy.Delay == nil || policy.Delay.Duration <= 0 {
		return 0
	}
	base := policy.Delay.Duration
	switch policy.Backoff {
	case schema.BackoffExponential:
		if attempt >= 62 || base > math.MaxInt64>>attempt {
			return math.MaxInt64
		}
		return base << attempt
	case schema.BackoffLinear:
		return base * time.Duration(attempt+1)
	}
	return base
}

// RetryAttempts returns the total number of attempts a policy allows.
func RetryAttempts(policy *schema.RetryPolicy) int {
	if policy == nil {
		return 1
	}
	if policy.Limit == nil || policy.Limit.Attempt == nil || policy.Limit.Attempt.Count == 0 {
		return DefaultRetryAttempts
	}
	return max(policy.Limit.Attempt.Count, 1)
}

func jitter(j *schema.Jitter) time.Duration {
	if j == nil {
		return 0
	}
	from, to := j.From.Duration, j.To.Duration
	if to <= from {
		return max(from, 0)
	}
	return from + rand.N(to-from)
}

func saturatingAdd(a, b time.Duration) time.Duration {
	if b > 0 && a > math.MaxInt64-b {
		return math.MaxInt64
	}
	return a + b
}

// NewBackoff builds the retry schedule of policy: ComputeBackoff plus jitter,
// stopping after the policy's attempts or total duration.
func NewBackoff(policy *schema.RetryPolicy) retry.Backoff {
	attempt := 0
	var b retry.Backoff = retry.BackoffFunc(func() (time.Duration, bool) {
		d := saturatingAdd(ComputeBackoff(policy, attempt), jitter(policy.Jitter))
		attempt++
		return d, false
	})
	b = retry.WithMaxRetries(uint64(RetryAttempts(policy)-1), b)
	if policy.Limit != nil && policy.Limit.Duration != nil && policy.Limit.Duration.Duration > 0 {
		b = retry.WithMaxDuration(policy.Limit.Duration.Duration, b)
	}
	return b
}
