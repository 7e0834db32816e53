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

// Package routing decides how each fetch target is reached. Operator rules
// map domains to a strategy, observed outcomes maintain per domain success
// rates and sticky upstream pins.
package routing

import (
	"fmt"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"

	"github.com/relaygate/relaygate/services/pool"
	"github.com/relaygate/relaygate/utils"
)

var log = logrus.WithField("component", "routing")

const domainStatsCacheSize = 1024

const (
	ewmaOldWeight = 0.7
	ewmaNewWeight = 0.3
)

// A domain is pinned to the upstream serving it once enough samples put its
// success rate over the pin threshold, and unpinned when the rate collapses.
const (
	pinMinSamples    = 3
	pinSuccessRate   = 0.8
	unpinSuccessRate = 0.5
)

type Strategy int

const (
	// StrategyPool relays the fetch through a pool upstream
	StrategyPool Strategy = iota
	// StrategyDirect fetches straight from the gateway
	StrategyDirect
	// StrategyDeny refuses the fetch
	StrategyDeny
)

func (s Strategy) String() string {
	switch s {
	case StrategyPool:
		return "pool"
	case StrategyDirect:
		return "direct"
	case StrategyDeny:
		return "deny"
	}
	return "unknown"
}

func ParseStrategy(raw string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "pool":
		return StrategyPool, nil
	case "direct":
		return StrategyDirect, nil
	case "deny":
		return StrategyDeny, nil
	}
	return StrategyPool, fmt.Errorf("invalid routing strategy [%s]", raw)
}

// Rule is one operator supplied routing rule. The pattern matches a domain
// and its subdomains, "*" matches everything. The region, when set, forces
// pool selection into that region for matching targets.
type Rule struct {
	Pattern  string `json:"pattern" yaml:"pattern"`
	Strategy string `json:"strategy" yaml:"strategy"`
	Region   string `json:"region,omitempty" yaml:"region,omitempty"`
}

type compiledRule struct {
	strategy Strategy
	region   string
}

// Decision is the routing outcome for one target host.
type Decision struct {
	Strategy Strategy
	Region   string
	Pattern  string
	// PinnedUpstream is a hint, 0 when the domain has no pin. The pinned
	// upstream may be gone or dead by the time it is tried.
	PinnedUpstream pool.UpstreamID
}

type domainStats struct {
	successRate    float64
	samples        uint
	pinnedUpstream pool.UpstreamID
}

// Table resolves targets against the rules and tracks per domain outcomes.
type Table struct {
	rules           map[string]compiledRule
	patterns        []string
	source          []Rule
	defaultStrategy Strategy

	mutex sync.Mutex
	stats *lru.Cache
}

// NewTable compiles the rules, hosts matching none of them follow
// defaultStrategy.
func NewTable(rules []Rule, defaultStrategy Strategy) (*Table, error) {
	stats, err := lru.New(domainStatsCacheSize)
	if err != nil {
		return nil, err
	}

	table := &Table{
		rules:           make(map[string]compiledRule, len(rules)),
		defaultStrategy: defaultStrategy,
		stats:           stats,
	}

	for i, rule := range rules {
		pattern := rule.Pattern
		if pattern != "*" {
			pattern = utils.NormalizeHost(pattern)
		}
		if pattern == "" {
			return nil, fmt.Errorf("route rule #%d has an empty pattern", i)
		}
		if _, exists := table.rules[pattern]; exists {
			return nil, fmt.Errorf("route rule #%d duplicates pattern [%s]", i, pattern)
		}

		strategy, err := ParseStrategy(rule.Strategy)
		if err != nil {
			return nil, fmt.Errorf("route rule #%d: %w", i, err)
		}

		table.rules[pattern] = compiledRule{
			strategy: strategy,
			region:   strings.ToLower(strings.TrimSpace(rule.Region)),
		}
		table.patterns = append(table.patterns, pattern)
		table.source = append(table.source, Rule{
			Pattern:  pattern,
			Strategy: strategy.String(),
			Region:   strings.ToLower(strings.TrimSpace(rule.Region)),
		})
	}

	return table, nil
}

// Rules returns the normalized rule set the table was built from.
func (t *Table) Rules() []Rule {
	rules := make([]Rule, len(t.source))
	copy(rules, t.source)
	return rules
}

// Resolve picks the strategy for a host. The most specific matching rule
// wins, hosts matching no rule follow the table default strategy. A region
// set on the winning rule overrides the one requested by the client.
func (t *Table) Resolve(host string, requestedRegion string) Decision {
	host = utils.NormalizeHost(host)

	decision := Decision{
		Strategy: t.defaultStrategy,
		Region:   strings.ToLower(strings.TrimSpace(requestedRegion)),
	}

	if pattern, found := utils.BestDomainMatch(host, t.patterns); found {
		rule := t.rules[pattern]
		decision.Strategy = rule.strategy
		decision.Pattern = pattern
		if rule.region != "" {
			decision.Region = rule.region
		}
	}

	if decision.Strategy == StrategyPool {
		decision.PinnedUpstream = t.pinnedFor(host)
	}

	return decision
}

// ReportOutcome folds one fetch outcome into the domain stats and maintains
// the sticky pin.
func (t *Table) ReportOutcome(host string, upstreamID pool.UpstreamID, success bool) {
	host = utils.NormalizeHost(host)

	t.mutex.Lock()
	defer t.mutex.Unlock()

	stats := t.statsFor(host)

	value := 0.0
	if success {
		value = 1.0
	}
	if stats.samples == 0 {
		stats.successRate = value
	} else {
		stats.successRate = ewmaOldWeight*stats.successRate + ewmaNewWeight*value
	}
	stats.samples++

	switch {
	case success && upstreamID != 0 &&
		stats.samples >= pinMinSamples && stats.successRate >= pinSuccessRate:
		if stats.pinnedUpstream != upstreamID {
			log.WithFields(logrus.Fields{
				"host":        host,
				"upstream_id": upstreamID,
			}).Debug("domain pinned to upstream")
		}
		stats.pinnedUpstream = upstreamID
	case stats.pinnedUpstream != 0 && stats.successRate < unpinSuccessRate:
		log.WithField("host", host).Debug("domain pin released")
		stats.pinnedUpstream = 0
	}
}

// DomainSuccessRate returns the tracked success rate of a host, the second
// return value is false when the host was never reported on.
func (t *Table) DomainSuccessRate(host string) (float64, bool) {
	host = utils.NormalizeHost(host)

	t.mutex.Lock()
	defer t.mutex.Unlock()

	cached, ok := t.stats.Get(host)
	if !ok {
		return 0, false
	}
	return cached.(*domainStats).successRate, true
}

func (t *Table) pinnedFor(host string) pool.UpstreamID {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	cached, ok := t.stats.Get(host)
	if !ok {
		return 0
	}
	return cached.(*domainStats).pinnedUpstream
}

// statsFor must be called under the table mutex.
func (t *Table) statsFor(host string) *domainStats {
	if cached, ok := t.stats.Get(host); ok {
		return cached.(*domainStats)
	}
	stats := &domainStats{}
	t.stats.Add(host, stats)
	return stats
}
