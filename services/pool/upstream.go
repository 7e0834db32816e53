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

package pool

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

type UpstreamID uint64

// HealthGrade is the discrete health level of an upstream, derived from the
// probe history by the monitor.
type HealthGrade int

const (
	HealthDead HealthGrade = iota
	HealthPoor
	HealthDegraded
	HealthGood
	HealthExcellent
)

func (g HealthGrade) String() string {
	switch g {
	case HealthDead:
		return "dead"
	case HealthPoor:
		return "poor"
	case HealthDegraded:
		return "degraded"
	case HealthGood:
		return "good"
	case HealthExcellent:
		return "excellent"
	default:
		return fmt.Sprintf("unknown(%d)", int(g))
	}
}

// ParseHealthGrade is the inverse of HealthGrade.String
func ParseHealthGrade(str string) (HealthGrade, error) {
	switch strings.ToLower(str) {
	case "dead":
		return HealthDead, nil
	case "poor":
		return HealthPoor, nil
	case "degraded":
		return HealthDegraded, nil
	case "good":
		return HealthGood, nil
	case "excellent":
		return HealthExcellent, nil
	default:
		return HealthDead, fmt.Errorf("invalid health grade [%s]", str)
	}
}

// Upstream is a pool entry, an HTTP proxy the gateway can route outbound
// fetches through.
type Upstream struct {
	// Set and maintained by the backend
	ID         UpstreamID
	Registered uint64 // ns

	// Operator supplied
	URL       string
	Region    string
	Permanent bool // exempt from being graded dead

	// Maintained by the monitor and the fetch outcome reports
	Latency      float64 // ms, exponentially smoothed
	SuccessRate  float64 // in [0,1], exponentially smoothed
	Health       HealthGrade
	LastUsed     uint64 // ns, last selection
	LastChecked  uint64 // ns, last completed probe cycle
	FailedChecks uint   // consecutive fully failed probe cycles
}

// Clone returns a detached copy of the upstream.
func (u *Upstream) Clone() *Upstream {
	clone := *u
	return &clone
}

// ProxyURL parses the upstream URL, it is valid for any upstream accepted by
// ValidateUpstreamURL.
func (u *Upstream) ProxyURL() (*url.URL, error) {
	return url.Parse(u.URL)
}

// Selectable reports whether the upstream may carry traffic at all.
func (u *Upstream) Selectable() bool {
	return u.Health > HealthDead
}

var upstreamSchemes = map[string]bool{
	"http":   true,
	"https":  true,
	"socks5": true,
}

// ValidateUpstreamURL checks that a URL can be used as an outbound proxy.
func ValidateUpstreamURL(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid upstream URL [%s]: %w", rawURL, err)
	}
	if !upstreamSchemes[parsed.Scheme] {
		return fmt.Errorf("invalid upstream URL [%s]: unsupported scheme [%s]", rawURL, parsed.Scheme)
	}
	if parsed.Hostname() == "" {
		return fmt.Errorf("invalid upstream URL [%s]: missing host", rawURL)
	}
	return nil
}

// Selection weights, latency and success dominate, the freshness term spreads
// the load across equally healthy upstreams.
const (
	latencyWeight   = 0.3
	successWeight   = 0.4
	healthWeight    = 0.2
	freshnessWeight = 0.1

	// Latencies at or above this are scored 0
	latencyNormalizationMs = 5000.0
)

var freshnessHorizon = 10 * time.Minute

// Score computes the selection weight of the upstream at instant now
// (nanosecond timestamp). Higher is better, the result is in [0,1].
func (u *Upstream) Score(now uint64) float64 {
	latencyScore := 1.0 - u.Latency/latencyNormalizationMs
	if latencyScore < 0 {
		latencyScore = 0
	}

	healthScore := float64(u.Health) / float64(HealthExcellent)

	freshness := 1.0
	if u.LastUsed != 0 && now > u.LastUsed {
		idle := float64(now - u.LastUsed)
		freshness = idle / float64(freshnessHorizon.Nanoseconds())
		if freshness > 1 {
			freshness = 1
		}
	} else if u.LastUsed != 0 {
		freshness = 0
	}

	return latencyScore*latencyWeight +
		u.SuccessRate*successWeight +
		healthScore*healthWeight +
		freshness*freshnessWeight
}

// Exponential smoothing weights shared by the monitor and the live outcome
// reports.
const (
	ewmaOldWeight = 0.7
	ewmaNewWeight = 0.3
)

func smooth(oldValue float64, newValue float64) float64 {
	return oldValue*ewmaOldWeight + newValue*ewmaNewWeight
}

// GradeFromProbe derives a health grade from smoothed probe results.
func GradeFromProbe(successRate float64, latencyMs float64) HealthGrade {
	switch {
	case successRate >= 0.9 && latencyMs < 300:
		return HealthExcellent
	case successRate >= 0.7 && latencyMs < 600:
		return HealthGood
	case successRate >= 0.5:
		return HealthDegraded
	default:
		return HealthPoor
	}
}
