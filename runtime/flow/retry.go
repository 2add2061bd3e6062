package flow

import "time"

// BackoffKind selects how long the executor waits between retry attempts.
type BackoffKind string

const (
	BackoffNone        BackoffKind = "NONE"
	BackoffFixed       BackoffKind = "FIXED"
	BackoffExponential BackoffKind = "EXPONENTIAL"
)

// RetryPolicy configures per-node retry behavior. A failed node is
// re-run with the same input and a fresh child execution id; prior
// attempts remain in the tracker for forensic visibility.
type RetryPolicy struct {
	Attempts int
	Backoff  BackoffKind
	Base     time.Duration
	Cap      time.Duration
}

// DefaultRetryPolicy runs a node once with no retry.
var DefaultRetryPolicy = RetryPolicy{Attempts: 1, Backoff: BackoffNone}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.Attempts <= 0 {
		p.Attempts = 1
	}
	if p.Base <= 0 {
		p.Base = 100 * time.Millisecond
	}
	if p.Cap <= 0 {
		p.Cap = 30 * time.Second
	}
	return p
}

// delay returns the backoff duration before retry attempt n (1-indexed:
// the wait before the 2nd attempt is delay(1)).
func (p RetryPolicy) delay(attempt int) time.Duration {
	switch p.Backoff {
	case BackoffFixed:
		return p.Base
	case BackoffExponential:
		d := p.Base
		for i := 1; i < attempt; i++ {
			d *= 2
			if d > p.Cap {
				return p.Cap
			}
		}
		if d > p.Cap {
			d = p.Cap
		}
		return d
	default:
		return 0
	}
}
