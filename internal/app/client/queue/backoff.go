package queue

import "time"

const (
	DefaultBackoffBase = 5 * time.Second
	DefaultBackoffMax  = 300 * time.Second
	DefaultMaxRetries  = 10
)

// Backoff задержка перед попыткой номер retryCount: min(base * 2^(retryCount-1), maxDelay)
func Backoff(retryCount int, base, maxDelay time.Duration) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	delay := base
	for i := 1; i < retryCount; i++ {
		if delay >= maxDelay {
			return maxDelay
		}
		delay *= 2
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}
