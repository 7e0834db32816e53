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
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/relaygate/relaygate/utils"
)

var log = logrus.WithField("component", "pool")

// An upstream is graded dead after this many fully failed probe cycles.
const maxFailedProbeCycles = 3

// Registry manages the upstream pool on top of a storage backend, it owns
// scoring, selection and the application of probe results.
type Registry struct {
	backend Backend
}

func NewRegistry(backend Backend) *Registry {
	return &Registry{backend: backend}
}

// Register validates and stores a new upstream. New entries start with a
// good grade and a perfect success rate so that they are tried right away,
// their real standing settles after a few probe cycles.
func (r *Registry) Register(rawURL string, region string, permanent bool) (*Upstream, error) {
	if err := ValidateUpstreamURL(rawURL); err != nil {
		return nil, err
	}

	existing, found, err := r.FindByURL(rawURL)
	if err != nil {
		return nil, err
	}
	if found {
		return nil, NewDuplicateUpstreamError(rawURL, existing.ID)
	}

	upstream := &Upstream{
		URL:         rawURL,
		Region:      normalizeRegion(region),
		Permanent:   permanent,
		Health:      HealthGood,
		SuccessRate: 1.0,
		Latency:     0,
	}
	if err := r.backend.Insert(upstream); err != nil {
		return nil, err
	}

	log.WithFields(logrus.Fields{
		"upstream_id": upstream.ID,
		"region":      upstream.Region,
		"permanent":   upstream.Permanent,
	}).Info("upstream registered")

	return upstream.Clone(), nil
}

func (r *Registry) Deregister(id UpstreamID) error {
	if _, err := r.backend.Retrieve(id); err != nil {
		return err
	}
	if err := r.backend.Delete(id); err != nil {
		return err
	}
	log.WithField("upstream_id", id).Info("upstream deregistered")
	return nil
}

func (r *Registry) Get(id UpstreamID) (*Upstream, error) {
	return r.backend.Retrieve(id)
}

// List returns the pool content ordered by region then ID.
func (r *Registry) List() ([]*Upstream, error) {
	upstreams, err := r.backend.List()
	if err != nil {
		return nil, err
	}
	sort.Slice(upstreams, func(i, j int) bool {
		if upstreams[i].Region != upstreams[j].Region {
			return upstreams[i].Region < upstreams[j].Region
		}
		return upstreams[i].ID < upstreams[j].ID
	})
	return upstreams, nil
}

// FindByURL looks an upstream up by its exact URL.
func (r *Registry) FindByURL(rawURL string) (*Upstream, bool, error) {
	upstreams, err := r.backend.List()
	if err != nil {
		return nil, false, err
	}
	for _, upstream := range upstreams {
		if upstream.URL == rawURL {
			return upstream, true, nil
		}
	}
	return nil, false, nil
}

// Mutate applies a change to one upstream under the backend lock.
func (r *Registry) Mutate(id UpstreamID, mutate func(*Upstream) error) error {
	return r.backend.Update(id, mutate)
}

// SelectionFilter narrows Select down.
type SelectionFilter struct {
	// Region restricts the primary selection to one region, empty means any
	Region string
	// MaxLatencyMs excludes slower upstreams from the primary selection,
	// 0 means no limit
	MaxLatencyMs float64
	// MinHealth is the lowest acceptable grade, the zero value is
	// interpreted as HealthDegraded since requiring dead makes no sense
	MinHealth HealthGrade
	// Exclude removes specific upstreams, used for failover retries
	Exclude []UpstreamID
}

func (f SelectionFilter) minHealth() HealthGrade {
	if f.MinHealth == HealthDead {
		return HealthDegraded
	}
	return f.MinHealth
}

// Select returns the best scoring upstream for the filter and marks it used.
//
// When the region and latency constraints match nothing the selection falls
// back to the whole pool, dead and excluded upstreams stay out in every case.
// ErrNoViableUpstream is returned when the pool has nothing to offer.
func (r *Registry) Select(filter SelectionFilter) (*Upstream, error) {
	upstreams, err := r.backend.List()
	if err != nil {
		return nil, err
	}

	excluded := make(map[UpstreamID]bool, len(filter.Exclude))
	for _, id := range filter.Exclude {
		excluded[id] = true
	}

	region := normalizeRegion(filter.Region)
	minHealth := filter.minHealth()

	var candidates []*Upstream
	var primary []*Upstream
	for _, upstream := range upstreams {
		if !upstream.Selectable() || excluded[upstream.ID] {
			continue
		}
		candidates = append(candidates, upstream)

		if upstream.Health < minHealth {
			continue
		}
		if region != "" && upstream.Region != region {
			continue
		}
		if filter.MaxLatencyMs > 0 && upstream.Latency > filter.MaxLatencyMs {
			continue
		}
		primary = append(primary, upstream)
	}

	pool := primary
	if len(pool) == 0 {
		pool = candidates
	}
	if len(pool) == 0 {
		return nil, ErrNoViableUpstream
	}

	now := utils.Timestamp()
	best := pool[0]
	bestScore := best.Score(now)
	for _, upstream := range pool[1:] {
		if score := upstream.Score(now); score > bestScore {
			best = upstream
			bestScore = score
		}
	}

	err = r.backend.Update(best.ID, func(upstream *Upstream) error {
		upstream.LastUsed = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	best.LastUsed = now

	log.WithFields(logrus.Fields{
		"upstream_id": best.ID,
		"region":      best.Region,
		"score":       bestScore,
	}).Debug("upstream selected")

	return best, nil
}

// ReportOutcome feeds the result of a live relayed fetch back into the
// upstream averages. Grading stays with the monitor.
func (r *Registry) ReportOutcome(id UpstreamID, success bool, latencyMs float64) error {
	return r.backend.Update(id, func(upstream *Upstream) error {
		if success {
			upstream.SuccessRate = smooth(upstream.SuccessRate, 1)
			if latencyMs > 0 {
				upstream.Latency = smooth(upstream.Latency, latencyMs)
			}
		} else {
			upstream.SuccessRate = smooth(upstream.SuccessRate, 0)
		}
		return nil
	})
}

// ApplyProbe folds one completed probe cycle into an upstream, regrading it
// and tracking consecutive full failures. Permanent upstreams are never
// graded dead.
func (r *Registry) ApplyProbe(id UpstreamID, successRate float64, latencyMs float64) error {
	return r.backend.Update(id, func(upstream *Upstream) error {
		upstream.LastChecked = utils.Timestamp()

		if successRate <= 0 {
			upstream.SuccessRate = smooth(upstream.SuccessRate, 0)
			upstream.FailedChecks++
			if upstream.FailedChecks >= maxFailedProbeCycles && !upstream.Permanent {
				upstream.Health = HealthDead
			} else {
				upstream.Health = HealthPoor
			}
			return nil
		}

		upstream.SuccessRate = smooth(upstream.SuccessRate, successRate)
		if latencyMs > 0 {
			upstream.Latency = smooth(upstream.Latency, latencyMs)
		}
		upstream.FailedChecks = 0
		upstream.Health = GradeFromProbe(upstream.SuccessRate, upstream.Latency)
		return nil
	})
}

// Counts returns the pool size and how many members are in selectable,
// degraded or better, shape.
func (r *Registry) Counts() (int, int, error) {
	upstreams, err := r.backend.List()
	if err != nil {
		return 0, 0, err
	}
	healthy := 0
	for _, upstream := range upstreams {
		if upstream.Health >= HealthDegraded {
			healthy++
		}
	}
	return len(upstreams), healthy, nil
}

// RegionStats aggregates the standing of one region of the pool.
type RegionStats struct {
	Count          int     `json:"count"`
	Healthy        int     `json:"healthy"`
	AvgLatencyMs   float64 `json:"avg_latency_ms"`
	AvgSuccessRate float64 `json:"avg_success_rate"`
	AvgScore       float64 `json:"avg_score"`
	Grade          string  `json:"grade"`
}

// Stats aggregates the pool per region.
func (r *Registry) Stats() (map[string]RegionStats, error) {
	upstreams, err := r.backend.List()
	if err != nil {
		return nil, err
	}

	now := utils.Timestamp()
	stats := map[string]RegionStats{}
	for _, upstream := range upstreams {
		regionStats := stats[upstream.Region]
		regionStats.Count++
		if upstream.Health >= HealthDegraded {
			regionStats.Healthy++
		}
		regionStats.AvgLatencyMs += upstream.Latency
		regionStats.AvgSuccessRate += upstream.SuccessRate
		regionStats.AvgScore += upstream.Score(now)
		stats[upstream.Region] = regionStats
	}

	for region, regionStats := range stats {
		count := float64(regionStats.Count)
		regionStats.AvgLatencyMs /= count
		regionStats.AvgSuccessRate /= count
		regionStats.AvgScore /= count
		regionStats.Grade = regionGrade(regionStats.AvgScore)
		stats[region] = regionStats
	}

	return stats, nil
}

// Regions returns the distinct regions present in the pool.
func (r *Registry) Regions() ([]string, error) {
	upstreams, err := r.backend.List()
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var regions []string
	for _, upstream := range upstreams {
		if !seen[upstream.Region] {
			seen[upstream.Region] = true
			regions = append(regions, upstream.Region)
		}
	}
	sort.Strings(regions)
	return regions, nil
}

// ListByRegion returns the members of one region.
func (r *Registry) ListByRegion(region string) ([]*Upstream, error) {
	upstreams, err := r.backend.List()
	if err != nil {
		return nil, err
	}
	region = normalizeRegion(region)
	var result []*Upstream
	for _, upstream := range upstreams {
		if upstream.Region == region {
			result = append(result, upstream)
		}
	}
	return result, nil
}

func regionGrade(avgScore float64) string {
	switch {
	case avgScore >= 0.8:
		return "excellent"
	case avgScore >= 0.6:
		return "good"
	default:
		return "poor"
	}
}

func normalizeRegion(region string) string {
	return strings.ToLower(strings.TrimSpace(region))
}
