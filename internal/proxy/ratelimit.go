// Copyright (c) 2022 The rcproxy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package proxy

import "time"

// RateLimiter is a per-pool token bucket: Burst tokens of capacity,
// refilled continuously at Rate tokens/second. A pool with Rate <= 0 has
// no limit.
type RateLimiter struct {
	Rate  float64
	Burst float64

	tokens     float64
	lastRefill time.Time
}

// NewRateLimiter returns a limiter starting at full capacity.
func NewRateLimiter(rate, burst float64, now time.Time) *RateLimiter {
	return &RateLimiter{Rate: rate, Burst: burst, tokens: burst, lastRefill: now}
}

func (r *RateLimiter) refill(now time.Time) {
	if r.Rate <= 0 {
		return
	}
	elapsed := now.Sub(r.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	r.tokens += elapsed * r.Rate
	if r.tokens > r.Burst {
		r.tokens = r.Burst
	}
	r.lastRefill = now
}

// Allow reports whether a request may proceed, consuming one token if so.
// A non-positive Rate disables limiting entirely.
func (r *RateLimiter) Allow(now time.Time) bool {
	if r.Rate <= 0 {
		return true
	}
	r.refill(now)
	if r.tokens < 1 {
		return false
	}
	r.tokens--
	return true
}

// Remaining reports the current token count, for metrics/tests.
func (r *RateLimiter) Remaining(now time.Time) float64 {
	r.refill(now)
	return r.tokens
}
