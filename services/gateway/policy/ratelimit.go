// Copyright 2024 Relaygate Authors <dev@relaygate.dev>
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package policy

import (
	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/time/rate"
)

// Bounds how many distinct clients keep a token bucket at once, stale
// clients age out of the cache.
const clientCacheSize = 1024

// RateLimiter applies a per client token bucket.
type RateLimiter struct {
	clients *lru.Cache
	limit   rate.Limit
	burst   int
}

// NewRateLimiter builds a limiter allowing perSecond requests with the given
// burst for each client. A perSecond of 0 or less disables limiting.
func NewRateLimiter(perSecond float64, burst int) (*RateLimiter, error) {
	clients, err := lru.New(clientCacheSize)
	if err != nil {
		return nil, err
	}
	return &RateLimiter{
		clients: clients,
		limit:   rate.Limit(perSecond),
		burst:   burst,
	}, nil
}

func (rl *RateLimiter) Allow(clientIP string) bool {
	if rl.limit <= 0 {
		return true
	}
	return rl.limiterFor(clientIP).Allow()
}

func (rl *RateLimiter) limiterFor(clientIP string) *rate.Limiter {
	if cached, ok := rl.clients.Get(clientIP); ok {
		return cached.(*rate.Limiter)
	}

	limiter := rate.NewLimiter(rl.limit, rl.burst)
	rl.clients.ContainsOrAdd(clientIP, limiter)

	// Another request may have won the insert race, the cached entry is
	// the authoritative bucket
	if cached, ok := rl.clients.Get(clientIP); ok {
		return cached.(*rate.Limiter)
	}
	return limiter
}
