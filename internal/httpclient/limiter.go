package httpclient

import (
	"context"
	"math"
	"sync"
	"time"
)

// tokenBucket is a process-local requests-per-second limiter: refill at rps
// tokens/sec, bucket size ceil(rps) (minimum 1). A nil *tokenBucket (rps ==
// nil in config) never throttles.
type tokenBucket struct {
	mu         sync.Mutex
	rps        float64
	burst      float64
	tokens     float64
	lastRefill time.Time
}

func newTokenBucket(rps float64) *tokenBucket {
	burst := math.Ceil(rps)
	if burst < 1 {
		burst = 1
	}
	return &tokenBucket{
		rps:        rps,
		burst:      burst,
		tokens:     burst,
		lastRefill: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is done.
func (b *tokenBucket) Wait(ctx context.Context) error {
	for {
		d, ok := b.takeOrWait()
		if ok {
			return nil
		}
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// takeOrWait attempts to consume a token. On success returns (0, true). On
// failure it returns the duration the caller should wait before retrying.
func (b *tokenBucket) takeOrWait() (time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.lastRefill = now
	b.tokens = math.Min(b.burst, b.tokens+elapsed*b.rps)

	if b.tokens >= 1 {
		b.tokens--
		return 0, true
	}

	deficit := 1 - b.tokens
	wait := time.Duration(deficit / b.rps * float64(time.Second))
	if wait <= 0 {
		wait = time.Millisecond
	}
	return wait, false
}

// semaphore bounds the number of in-flight requests for one source
// (maxConcurrent, spec §4.A); additional callers queue FIFO via the
// buffered channel.
type semaphore chan struct{}

func newSemaphore(n int) semaphore {
	if n < 1 {
		n = 1
	}
	return make(semaphore, n)
}

func (s semaphore) acquire(ctx context.Context) error {
	select {
	case s <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s semaphore) release() { <-s }
