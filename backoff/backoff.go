// Package backoff provides exponential backoff utilities with jitter
// support for retry loops.
package backoff

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math"
	"math/big"
	mrand "math/rand/v2"
	"time"
)

const maxShift = 62

// Exponential calculates exponential delay based on attempt number.
// The delay is base * 2^attempt with overflow protection. Negative
// attempts are treated as 0.
func Exponential(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}

	if attempt < 0 {
		attempt = 0
	} else if attempt > maxShift {
		attempt = maxShift
	}

	multiplier := int64(1 << attempt)

	baseInt := int64(base)
	if baseInt > math.MaxInt64/multiplier {
		return time.Duration(math.MaxInt64)
	}

	return time.Duration(baseInt * multiplier)
}

// FullJitter returns a random duration in the range [0, delay).
// Uses crypto/rand, falling back to a seeded PRNG if crypto fails.
// Returns 0 for zero or negative delays.
func FullJitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}

	n, err := rand.Int(rand.Reader, big.NewInt(int64(delay)))
	if err != nil {
		return time.Duration(cryptoFallbackRand(int64(delay)))
	}

	return time.Duration(n.Int64())
}

const fallbackDivisor = 2

// cryptoFallbackRand provides a fallback random source when crypto/rand
// fails. If even seeding fails it returns the midpoint so jitter never
// stalls under entropy exhaustion.
func cryptoFallbackRand(maxValue int64) int64 {
	var seed [8]byte

	_, err := rand.Read(seed[:])
	if err != nil {
		return maxValue / fallbackDivisor
	}

	rng := mrand.New(
		mrand.NewPCG(binary.LittleEndian.Uint64(seed[:]), 0),
	) // #nosec G404 -- Fallback when crypto/rand fails

	return rng.Int64N(maxValue)
}

// ExponentialWithJitter combines exponential backoff with full jitter.
// Returns a random duration in [0, base * 2^attempt). This is the
// "Full Jitter" strategy recommended by AWS.
func ExponentialWithJitter(base time.Duration, attempt int) time.Duration {
	exponentialDelay := Exponential(base, attempt)

	return FullJitter(exponentialDelay)
}

// SleepWithContext sleeps for the given duration but respects context
// cancellation. Returns immediately (nil) for zero or negative durations.
func SleepWithContext(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return nil
	}

	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("context done: %w", ctx.Err())
	}
}
