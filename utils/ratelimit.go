package utils

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"hostfetch/internal"
)

// TokenBucketLimiter implements rate limiting using token bucket algorithm.
// One limiter is shared by every concurrent transfer of a command.
type TokenBucketLimiter struct {
	mutex      sync.Mutex
	rate       int64
	bucket     int64
	maxBucket  int64
	lastUpdate time.Time
	transfers  int32
}

// NewTokenBucketLimiter creates a new rate limiter. A rate of zero or
// less disables limiting.
func NewTokenBucketLimiter(bytesPerSecond int64) *TokenBucketLimiter {
	return &TokenBucketLimiter{
		rate:       bytesPerSecond,
		bucket:     bytesPerSecond,
		maxBucket:  bytesPerSecond,
		lastUpdate: time.Now(),
	}
}

var _ internal.RateLimiter = (*TokenBucketLimiter)(nil)

// Wait blocks until n bytes can be consumed
func (r *TokenBucketLimiter) Wait(ctx context.Context, n int) error {
	r.mutex.Lock()
	if r.rate <= 0 {
		r.mutex.Unlock()
		return nil
	}

	now := time.Now()
	elapsed := now.Sub(r.lastUpdate)
	r.lastUpdate = now

	r.bucket += int64(elapsed.Seconds() * float64(r.rate))
	if r.bucket > r.maxBucket {
		r.bucket = r.maxBucket
	}

	needed := int64(n)
	if r.bucket >= needed {
		r.bucket -= needed
		r.mutex.Unlock()
		return nil
	}

	// borrow the deficit; the refill after the wait pays it back
	deficit := needed - r.bucket
	waitTime := time.Duration(float64(deficit) / float64(r.rate) * float64(time.Second))
	r.bucket = 0
	r.lastUpdate = now.Add(waitTime)
	r.mutex.Unlock()

	timer := time.NewTimer(waitTime)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetRate updates the rate limit
func (r *TokenBucketLimiter) SetRate(bytesPerSecond int64) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.rate = bytesPerSecond
	r.maxBucket = bytesPerSecond
	if r.bucket > r.maxBucket {
		r.bucket = r.maxBucket
	}
}

// Rate returns the configured rate in bytes per second
func (r *TokenBucketLimiter) Rate() int64 {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.rate
}

// RegisterTransfer records a transfer sharing this limiter
func (r *TokenBucketLimiter) RegisterTransfer() {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.transfers++
}

// UnregisterTransfer removes a finished transfer
func (r *TokenBucketLimiter) UnregisterTransfer() {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.transfers > 0 {
		r.transfers--
	}
}

// ActiveTransfers returns the number of registered transfers
func (r *TokenBucketLimiter) ActiveTransfers() int32 {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.transfers
}

// ThrottledWriter paces writes through a RateLimiter
type ThrottledWriter struct {
	ctx     context.Context
	w       io.Writer
	limiter internal.RateLimiter
}

// NewThrottledWriter wraps w; a nil limiter writes straight through
func NewThrottledWriter(ctx context.Context, w io.Writer, limiter internal.RateLimiter) *ThrottledWriter {
	return &ThrottledWriter{ctx: ctx, w: w, limiter: limiter}
}

func (t *ThrottledWriter) Write(p []byte) (int, error) {
	if t.limiter == nil {
		return t.w.Write(p)
	}

	written := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > throttleChunk {
			chunk = chunk[:throttleChunk]
		}
		if err := t.limiter.Wait(t.ctx, len(chunk)); err != nil {
			return written, err
		}
		n, err := t.w.Write(chunk)
		written += n
		if err != nil {
			return written, err
		}
		p = p[n:]
	}
	return written, nil
}

// ThrottledReader paces reads through a RateLimiter
type ThrottledReader struct {
	ctx     context.Context
	r       io.Reader
	limiter internal.RateLimiter
}

// NewThrottledReader wraps r; a nil limiter reads straight through
func NewThrottledReader(ctx context.Context, r io.Reader, limiter internal.RateLimiter) *ThrottledReader {
	return &ThrottledReader{ctx: ctx, r: r, limiter: limiter}
}

func (t *ThrottledReader) Read(p []byte) (int, error) {
	if t.limiter == nil {
		return t.r.Read(p)
	}
	if len(p) > throttleChunk {
		p = p[:throttleChunk]
	}
	n, err := t.r.Read(p)
	if n > 0 {
		if werr := t.limiter.Wait(t.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}

// throttleChunk keeps a single wait short at low rates
const throttleChunk = 32 * 1024

// ParseRateLimit parses human-readable rate limit strings (e.g., "5M", "1G")
func ParseRateLimit(rateStr string) (int64, error) {
	rateStr = strings.TrimSpace(rateStr)
	if rateStr == "" {
		return 0, nil
	}

	if val, err := strconv.ParseInt(rateStr, 10, 64); err == nil {
		if val < 0 {
			return 0, fmt.Errorf("rate cannot be negative: %d", val)
		}
		return val, nil
	}

	upper := strings.ToUpper(rateStr)
	numStr, suffix := rateStr, ""
	for _, s := range []string{"KB", "MB", "GB", "TB", "B", "K", "M", "G", "T"} {
		if strings.HasSuffix(upper, s) {
			numStr, suffix = rateStr[:len(rateStr)-len(s)], s
			break
		}
	}
	if suffix == "" || numStr == "" {
		return 0, fmt.Errorf("invalid rate format: %s", rateStr)
	}

	baseValue, err := strconv.ParseFloat(strings.TrimSpace(numStr), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid numeric value in rate: %s", numStr)
	}
	if baseValue < 0 {
		return 0, fmt.Errorf("rate cannot be negative: %s", rateStr)
	}

	var multiplier float64
	switch suffix {
	case "B":
		multiplier = 1
	case "K", "KB":
		multiplier = 1 << 10
	case "M", "MB":
		multiplier = 1 << 20
	case "G", "GB":
		multiplier = 1 << 30
	case "T", "TB":
		multiplier = 1 << 40
	}

	result := baseValue * multiplier
	if result > float64(1<<62) {
		return 0, fmt.Errorf("rate value overflow")
	}
	return int64(result), nil
}
