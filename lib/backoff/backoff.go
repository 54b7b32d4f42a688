// Copyright 2026 The AugmentOS Community Authors
// SPDX-License-Identifier: Apache-2.0

// Package backoff computes retry delays for reconnection loops and
// webhook retries: exponential growth with jitter, capped delay, and a
// bounded attempt count after which the caller must give up.
package backoff

import (
	"math/rand/v2"
	"time"
)

// Policy describes a retry schedule. The zero value is not usable;
// construct with explicit fields or use Default.
type Policy struct {
	// Initial is the delay before the first retry.
	Initial time.Duration

	// Factor multiplies the delay after each attempt.
	Factor float64

	// Max caps the computed delay before jitter.
	Max time.Duration

	// Jitter is the fraction of the delay randomized in both
	// directions (0.2 means ±20%). Zero disables jitter.
	Jitter float64

	// MaxAttempts is the number of retries allowed before the
	// operation is abandoned. Zero means unlimited.
	MaxAttempts int
}

// Default is the reconnection schedule used by resilient channels:
// 1s initial, doubling, capped at 30s, ±20% jitter, seven attempts.
var Default = Policy{
	Initial:     time.Second,
	Factor:      2,
	Max:         30 * time.Second,
	Jitter:      0.2,
	MaxAttempts: 7,
}

// Delay returns the delay before retry number attempt (0-based) and
// whether a retry is permitted at all. Once attempt reaches
// MaxAttempts the second return is false and the caller must stop.
func (p Policy) Delay(attempt int) (time.Duration, bool) {
	if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
		return 0, false
	}

	delay := float64(p.Initial)
	for i := 0; i < attempt; i++ {
		delay *= p.Factor
		if p.Max > 0 && delay >= float64(p.Max) {
			delay = float64(p.Max)
			break
		}
	}
	if p.Max > 0 && delay > float64(p.Max) {
		delay = float64(p.Max)
	}

	if p.Jitter > 0 {
		// Uniform in [delay*(1-Jitter), delay*(1+Jitter)].
		spread := delay * p.Jitter
		delay = delay - spread + rand.Float64()*2*spread
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay), true
}
