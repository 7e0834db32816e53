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

package pool_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaygate/relaygate/services/pool"
	"github.com/relaygate/relaygate/services/pool/backend/memory"
)

func makeRegistry(t *testing.T) *pool.Registry {
	backend, err := memory.CreateMemoryBackend()
	require.NoError(t, err)
	t.Cleanup(backend.Destroy)
	return pool.NewRegistry(backend)
}

func register(t *testing.T, registry *pool.Registry, url string, region string) *pool.Upstream {
	upstream, err := registry.Register(url, region, false)
	require.NoError(t, err)
	return upstream
}

func TestRegister(t *testing.T) {
	registry := makeRegistry(t)

	upstream := register(t, registry, "http://proxy-1.internal:3128", "US-East")
	assert.NotZero(t, upstream.ID)
	assert.Equal(t, "us-east", upstream.Region)
	assert.Equal(t, pool.HealthGood, upstream.Health)
	assert.Equal(t, 1.0, upstream.SuccessRate)
}

func TestRegisterInvalidURL(t *testing.T) {
	registry := makeRegistry(t)

	_, err := registry.Register("ftp://proxy.internal:21", "us-east", false)
	assert.Error(t, err)
}

func TestRegisterDuplicateURL(t *testing.T) {
	registry := makeRegistry(t)

	first := register(t, registry, "http://proxy-1.internal:3128", "us-east")

	_, err := registry.Register("http://proxy-1.internal:3128", "eu-west", false)
	var duplicateErr *pool.DuplicateUpstreamError
	require.ErrorAs(t, err, &duplicateErr)
	assert.Equal(t, first.ID, duplicateErr.ID)
}

func TestDeregister(t *testing.T) {
	registry := makeRegistry(t)

	upstream := register(t, registry, "http://proxy-1.internal:3128", "us-east")
	require.NoError(t, registry.Deregister(upstream.ID))

	_, err := registry.Get(upstream.ID)
	assert.Error(t, err)

	err = registry.Deregister(upstream.ID)
	var unknownErr *pool.UnknownUpstreamError
	assert.ErrorAs(t, err, &unknownErr)
}

func TestSelectEmptyPool(t *testing.T) {
	registry := makeRegistry(t)

	_, err := registry.Select(pool.SelectionFilter{})
	assert.ErrorIs(t, err, pool.ErrNoViableUpstream)
}

func TestSelectPrefersBestScore(t *testing.T) {
	registry := makeRegistry(t)

	fast := register(t, registry, "http://fast.internal:3128", "us-east")
	slow := register(t, registry, "http://slow.internal:3128", "us-east")

	require.NoError(t, registry.Mutate(fast.ID, func(u *pool.Upstream) error {
		u.Latency = 100
		u.Health = pool.HealthExcellent
		return nil
	}))
	require.NoError(t, registry.Mutate(slow.ID, func(u *pool.Upstream) error {
		u.Latency = 3000
		u.SuccessRate = 0.6
		u.Health = pool.HealthDegraded
		return nil
	}))

	selected, err := registry.Select(pool.SelectionFilter{})
	require.NoError(t, err)
	assert.Equal(t, fast.ID, selected.ID)
	assert.NotZero(t, selected.LastUsed)
}

func TestSelectNeverReturnsDead(t *testing.T) {
	registry := makeRegistry(t)

	dead := register(t, registry, "http://dead.internal:3128", "us-east")
	require.NoError(t, registry.Mutate(dead.ID, func(u *pool.Upstream) error {
		u.Health = pool.HealthDead
		return nil
	}))

	_, err := registry.Select(pool.SelectionFilter{})
	assert.ErrorIs(t, err, pool.ErrNoViableUpstream)
}

func TestSelectRegionWithFallback(t *testing.T) {
	registry := makeRegistry(t)

	east := register(t, registry, "http://east.internal:3128", "us-east")
	west := register(t, registry, "http://west.internal:3128", "eu-west")

	selected, err := registry.Select(pool.SelectionFilter{Region: "eu-west"})
	require.NoError(t, err)
	assert.Equal(t, west.ID, selected.ID)

	// A region with no member falls back to the whole pool
	selected, err = registry.Select(pool.SelectionFilter{Region: "ap-south"})
	require.NoError(t, err)
	assert.Contains(t, []pool.UpstreamID{east.ID, west.ID}, selected.ID)
}

func TestSelectExcludes(t *testing.T) {
	registry := makeRegistry(t)

	first := register(t, registry, "http://first.internal:3128", "us-east")
	second := register(t, registry, "http://second.internal:3128", "us-east")

	selected, err := registry.Select(pool.SelectionFilter{Exclude: []pool.UpstreamID{first.ID}})
	require.NoError(t, err)
	assert.Equal(t, second.ID, selected.ID)

	_, err = registry.Select(pool.SelectionFilter{Exclude: []pool.UpstreamID{first.ID, second.ID}})
	assert.ErrorIs(t, err, pool.ErrNoViableUpstream)
}

func TestSelectMaxLatencyFallsBack(t *testing.T) {
	registry := makeRegistry(t)

	slow := register(t, registry, "http://slow.internal:3128", "us-east")
	require.NoError(t, registry.Mutate(slow.ID, func(u *pool.Upstream) error {
		u.Latency = 4000
		return nil
	}))

	// Nothing satisfies the latency bound, the whole pool is reconsidered
	selected, err := registry.Select(pool.SelectionFilter{MaxLatencyMs: 500})
	require.NoError(t, err)
	assert.Equal(t, slow.ID, selected.ID)
}

func TestReportOutcome(t *testing.T) {
	registry := makeRegistry(t)

	upstream := register(t, registry, "http://proxy.internal:3128", "us-east")

	require.NoError(t, registry.ReportOutcome(upstream.ID, false, 0))
	updated, err := registry.Get(upstream.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.7, updated.SuccessRate, 1e-9)

	require.NoError(t, registry.ReportOutcome(upstream.ID, true, 200))
	updated, err = registry.Get(upstream.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.7*0.7+0.3, updated.SuccessRate, 1e-9)
	assert.InDelta(t, 60, updated.Latency, 1e-9)
}

func TestApplyProbeRegrades(t *testing.T) {
	registry := makeRegistry(t)

	upstream := register(t, registry, "http://proxy.internal:3128", "us-east")

	require.NoError(t, registry.ApplyProbe(upstream.ID, 1.0, 100))
	updated, err := registry.Get(upstream.ID)
	require.NoError(t, err)
	assert.Equal(t, pool.HealthExcellent, updated.Health)
	assert.InDelta(t, 30, updated.Latency, 1e-9)
	assert.NotZero(t, updated.LastChecked)
	assert.Zero(t, updated.FailedChecks)
}

func TestApplyProbeFailuresGradeDead(t *testing.T) {
	registry := makeRegistry(t)

	upstream := register(t, registry, "http://proxy.internal:3128", "us-east")

	for i := 0; i < 2; i++ {
		require.NoError(t, registry.ApplyProbe(upstream.ID, 0, 0))
		updated, err := registry.Get(upstream.ID)
		require.NoError(t, err)
		assert.Equal(t, pool.HealthPoor, updated.Health)
		assert.Equal(t, uint(i+1), updated.FailedChecks)
	}

	require.NoError(t, registry.ApplyProbe(upstream.ID, 0, 0))
	updated, err := registry.Get(upstream.ID)
	require.NoError(t, err)
	assert.Equal(t, pool.HealthDead, updated.Health)
}

func TestApplyProbePermanentNeverDead(t *testing.T) {
	registry := makeRegistry(t)

	upstream, err := registry.Register("http://permanent.internal:3128", "us-east", true)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, registry.ApplyProbe(upstream.ID, 0, 0))
	}

	updated, err := registry.Get(upstream.ID)
	require.NoError(t, err)
	assert.Equal(t, pool.HealthPoor, updated.Health)
}

func TestApplyProbeSuccessResetsFailedChecks(t *testing.T) {
	registry := makeRegistry(t)

	upstream := register(t, registry, "http://proxy.internal:3128", "us-east")

	require.NoError(t, registry.ApplyProbe(upstream.ID, 0, 0))
	require.NoError(t, registry.ApplyProbe(upstream.ID, 1.0, 100))

	updated, err := registry.Get(upstream.ID)
	require.NoError(t, err)
	assert.Zero(t, updated.FailedChecks)
	assert.NotEqual(t, pool.HealthDead, updated.Health)
}

func TestCounts(t *testing.T) {
	registry := makeRegistry(t)

	total, healthy, err := registry.Counts()
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Zero(t, healthy)

	register(t, registry, "http://a.internal:3128", "us-east")
	sick := register(t, registry, "http://b.internal:3128", "us-east")
	require.NoError(t, registry.Mutate(sick.ID, func(u *pool.Upstream) error {
		u.Health = pool.HealthPoor
		return nil
	}))

	total, healthy, err = registry.Counts()
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, 1, healthy)
}

func TestStats(t *testing.T) {
	registry := makeRegistry(t)

	for i := 0; i < 3; i++ {
		upstream := register(t, registry, fmt.Sprintf("http://east-%d.internal:3128", i), "us-east")
		require.NoError(t, registry.Mutate(upstream.ID, func(u *pool.Upstream) error {
			u.Latency = 100
			u.Health = pool.HealthExcellent
			return nil
		}))
	}
	register(t, registry, "http://west-0.internal:3128", "eu-west")

	stats, err := registry.Stats()
	require.NoError(t, err)
	require.Len(t, stats, 2)

	east := stats["us-east"]
	assert.Equal(t, 3, east.Count)
	assert.Equal(t, 3, east.Healthy)
	assert.InDelta(t, 100, east.AvgLatencyMs, 1e-9)
	assert.Equal(t, "excellent", east.Grade)

	west := stats["eu-west"]
	assert.Equal(t, 1, west.Count)
}

func TestListOrdering(t *testing.T) {
	registry := makeRegistry(t)

	register(t, registry, "http://west.internal:3128", "eu-west")
	register(t, registry, "http://east.internal:3128", "us-east")

	upstreams, err := registry.List()
	require.NoError(t, err)
	require.Len(t, upstreams, 2)
	assert.Equal(t, "eu-west", upstreams[0].Region)
	assert.Equal(t, "us-east", upstreams[1].Region)
}

func TestRegions(t *testing.T) {
	registry := makeRegistry(t)

	register(t, registry, "http://a.internal:3128", "us-east")
	register(t, registry, "http://b.internal:3128", "us-east")
	register(t, registry, "http://c.internal:3128", "eu-west")

	regions, err := registry.Regions()
	require.NoError(t, err)
	assert.Equal(t, []string{"eu-west", "us-east"}, regions)
}
