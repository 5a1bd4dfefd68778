package queue

import (
	"math"
	"math/rand"
	"time"
)

// backoff computes the next retry delay: baseSeconds * 2^(retryCount-1),
// so the first retry waits baseSeconds, capped at maxSeconds, jittered ±10%.
func backoff(retryCount, baseSeconds, maxSeconds int) time.Duration {
	if baseSeconds <= 0 {
		baseSeconds = 60
	}
	base := float64(baseSeconds) * math.Pow(2, float64(retryCount-1))
	if maxSeconds > 0 && base > float64(maxSeconds) {
		base = float64(maxSeconds)
	}
	jitter := base * 0.1
	delta := (rand.Float64()*2 - 1) * jitter
	return time.Duration((base + delta) * float64(time.Second))
}
