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

package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaygate/relaygate/services/pool"
)

func TestParseStrategy(t *testing.T) {
	strategy, err := ParseStrategy("Direct")
	require.NoError(t, err)
	assert.Equal(t, StrategyDirect, strategy)

	strategy, err = ParseStrategy("pool")
	require.NoError(t, err)
	assert.Equal(t, StrategyPool, strategy)

	strategy, err = ParseStrategy("deny")
	require.NoError(t, err)
	assert.Equal(t, StrategyDeny, strategy)

	_, err = ParseStrategy("bounce")
	assert.Error(t, err)
}

func TestNewTableValidation(t *testing.T) {
	_, err := NewTable([]Rule{{Pattern: "", Strategy: "pool"}}, StrategyPool)
	assert.Error(t, err)

	_, err = NewTable([]Rule{{Pattern: "example.com", Strategy: "bounce"}}, StrategyPool)
	assert.Error(t, err)

	_, err = NewTable([]Rule{
		{Pattern: "example.com", Strategy: "pool"},
		{Pattern: "Example.COM", Strategy: "deny"},
	}, StrategyPool)
	assert.Error(t, err)
}

func TestResolveDefaultStrategy(t *testing.T) {
	table, err := NewTable(nil, StrategyDirect)
	require.NoError(t, err)

	decision := table.Resolve("anything.example.com", "us-east")
	assert.Equal(t, StrategyDirect, decision.Strategy)
	assert.Equal(t, "us-east", decision.Region)
	assert.Empty(t, decision.Pattern)

	pooled, err := NewTable(nil, StrategyPool)
	require.NoError(t, err)
	assert.Equal(t, StrategyPool, pooled.Resolve("anything.example.com", "").Strategy)

	// An explicit rule beats the default
	ruled, err := NewTable([]Rule{{Pattern: "relay.example.com", Strategy: "pool"}}, StrategyDirect)
	require.NoError(t, err)
	assert.Equal(t, StrategyPool, ruled.Resolve("relay.example.com", "").Strategy)
	assert.Equal(t, StrategyDirect, ruled.Resolve("other.com", "").Strategy)
}

func TestResolveMostSpecificRuleWins(t *testing.T) {
	table, err := NewTable([]Rule{
		{Pattern: "*", Strategy: "direct"},
		{Pattern: "example.com", Strategy: "pool"},
		{Pattern: "api.example.com", Strategy: "deny"},
	}, StrategyPool)
	require.NoError(t, err)

	assert.Equal(t, StrategyDeny, table.Resolve("api.example.com", "").Strategy)
	assert.Equal(t, StrategyDeny, table.Resolve("v2.api.example.com", "").Strategy)
	assert.Equal(t, StrategyPool, table.Resolve("www.example.com", "").Strategy)
	assert.Equal(t, StrategyDirect, table.Resolve("other.com", "").Strategy)
}

func TestResolveRegionOverride(t *testing.T) {
	table, err := NewTable([]Rule{
		{Pattern: "geo.example.com", Strategy: "pool", Region: "EU-West"},
	}, StrategyPool)
	require.NoError(t, err)

	decision := table.Resolve("geo.example.com", "us-east")
	assert.Equal(t, "eu-west", decision.Region)

	decision = table.Resolve("other.com", "us-east")
	assert.Equal(t, "us-east", decision.Region)
}

func TestStickyPin(t *testing.T) {
	table, err := NewTable(nil, StrategyPool)
	require.NoError(t, err)

	upstreamID := pool.UpstreamID(42)
	for i := 0; i < 3; i++ {
		table.ReportOutcome("sticky.example.com", upstreamID, true)
	}

	decision := table.Resolve("sticky.example.com", "")
	assert.Equal(t, upstreamID, decision.PinnedUpstream)

	// The pin holds through a first failure and releases when the success
	// rate collapses
	table.ReportOutcome("sticky.example.com", 0, false)
	assert.Equal(t, upstreamID, table.Resolve("sticky.example.com", "").PinnedUpstream)

	table.ReportOutcome("sticky.example.com", 0, false)
	assert.Zero(t, table.Resolve("sticky.example.com", "").PinnedUpstream)
}

func TestDomainSuccessRate(t *testing.T) {
	table, err := NewTable(nil, StrategyPool)
	require.NoError(t, err)

	_, tracked := table.DomainSuccessRate("fresh.example.com")
	assert.False(t, tracked)

	table.ReportOutcome("fresh.example.com", 0, false)
	rate, tracked := table.DomainSuccessRate("fresh.example.com")
	require.True(t, tracked)
	assert.Zero(t, rate)

	table.ReportOutcome("fresh.example.com", 0, true)
	rate, _ = table.DomainSuccessRate("fresh.example.com")
	assert.InDelta(t, 0.3, rate, 1e-9)
}

func TestPinOnlyAppliesToPoolStrategy(t *testing.T) {
	table, err := NewTable([]Rule{
		{Pattern: "direct.example.com", Strategy: "direct"},
	}, StrategyPool)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		table.ReportOutcome("direct.example.com", 7, true)
	}

	decision := table.Resolve("direct.example.com", "")
	assert.Equal(t, StrategyDirect, decision.Strategy)
	assert.Zero(t, decision.PinnedUpstream)
}

func TestRulesNormalized(t *testing.T) {
	table, err := NewTable([]Rule{
		{Pattern: "Example.COM", Strategy: "Deny", Region: "US-East"},
	}, StrategyPool)
	require.NoError(t, err)

	rules := table.Rules()
	require.Len(t, rules, 1)
	assert.Equal(t, "example.com", rules[0].Pattern)
	assert.Equal(t, "deny", rules[0].Strategy)
	assert.Equal(t, "us-east", rules[0].Region)
}
