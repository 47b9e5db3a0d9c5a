package queue

import "time"

// RetryPolicy defines the exponential backoff parameters for delivery
// retries.
type RetryPolicy struct {
	// MaxRetries is the attempt ceiling. Once a message's retry count
	// reaches it, the message is terminally max_retries_exceeded.
	MaxRetries int

	// BaseDelay is the delay after the first failed attempt; each further
	// failure doubles it.
	BaseDelay time.Duration
}

// DefaultRetryPolicy matches the queue's stock behavior: three attempts with
// a 30s/60s backoff between them.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  30 * time.Second,
	}
}

// BackoffDelay computes the wait before the next attempt after the given
// failure count: BaseDelay * 2^(retryCount-1). retryCount is the
// already-incremented failure counter, so the first failure (retryCount=1)
// waits exactly BaseDelay.
func BackoffDelay(policy RetryPolicy, retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	return policy.BaseDelay << (retryCount - 1)
}
