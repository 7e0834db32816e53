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

package httpserver

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/relaygate/relaygate/services/gateway/routing"
	"github.com/relaygate/relaygate/services/pool"
	"github.com/relaygate/relaygate/utils"
)

//nolint:lll
type upstreamInfo struct {
	ID           string  `json:"id" description:"Upstream identifier, serialized as a decimal string"`
	URL          string  `json:"url" description:"Egress URL of the upstream"`
	Region       string  `json:"region,omitempty" description:"Region label used for routing"`
	Permanent    bool    `json:"permanent" description:"Permanent upstreams are never graded dead"`
	Health       string  `json:"health" description:"Current health grade"`
	SuccessRate  float64 `json:"success_rate" description:"Exponentially smoothed success rate, in [0,1]"`
	LatencyMs    float64 `json:"latency_ms" description:"Exponentially smoothed latency in milliseconds"`
	Score        float64 `json:"score" description:"Current selection score, in [0,1]"`
	FailedChecks uint    `json:"failed_checks" description:"Consecutive fully failed probe cycles"`
	Registered   string  `json:"registered,omitempty" description:"Registration time, RFC 3339"`
	LastUsed     string  `json:"last_used,omitempty" description:"Last selection time, RFC 3339"`
	LastChecked  string  `json:"last_checked,omitempty" description:"Last completed probe time, RFC 3339"`
}

func makeUpstreamInfo(upstream *pool.Upstream) upstreamInfo {
	return upstreamInfo{
		ID:           formatUpstreamID(upstream.ID),
		URL:          upstream.URL,
		Region:       upstream.Region,
		Permanent:    upstream.Permanent,
		Health:       upstream.Health.String(),
		SuccessRate:  upstream.SuccessRate,
		LatencyMs:    upstream.Latency,
		Score:        upstream.Score(utils.Timestamp()),
		FailedChecks: upstream.FailedChecks,
		Registered:   formatTimestamp(upstream.Registered),
		LastUsed:     formatTimestamp(upstream.LastUsed),
		LastChecked:  formatTimestamp(upstream.LastChecked),
	}
}

// Upstream identifiers use 63 bits, they are serialized as decimal strings
// since a plain JSON number would lose precision past 2^53.
func formatUpstreamID(id pool.UpstreamID) string {
	return strconv.FormatUint(uint64(id), 10)
}

func parseUpstreamID(raw string) (pool.UpstreamID, error) {
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid upstream identifier [%s]", raw)
	}
	return pool.UpstreamID(id), nil
}

func formatTimestamp(ns uint64) string {
	if ns == 0 {
		return ""
	}
	return time.Unix(0, int64(ns)).UTC().Format(time.RFC3339Nano)
}

func (server *Server) listUpstreams(*gin.Context) ([]upstreamInfo, error) {
	upstreams, err := server.upstreams.List()
	if err != nil {
		return nil, wrapError(http.StatusInternalServerError, err)
	}

	entries := make([]upstreamInfo, 0, len(upstreams))
	for _, upstream := range upstreams {
		entries = append(entries, makeUpstreamInfo(upstream))
	}
	return entries, nil
}

//nolint:lll
type addUpstreamRequest struct {
	URL       string `json:"url" validate:"required" description:"Egress URL of the upstream, the scheme must be http, https or socks5"`
	Region    string `json:"region" description:"Region label used for routing, free form, case insensitive"`
	Permanent bool   `json:"permanent" description:"Permanent upstreams are never graded dead by the monitor"`
}

type addUpstreamResponse struct {
	response
	Upstream upstreamInfo `json:"upstream"`
}

func (server *Server) addUpstream(_ *gin.Context, request *addUpstreamRequest) (*addUpstreamResponse, error) {
	upstream, err := server.upstreams.Register(request.URL, request.Region, request.Permanent)
	if err != nil {
		var duplicateErr *pool.DuplicateUpstreamError
		if errors.As(err, &duplicateErr) {
			return nil, wrapError(http.StatusConflict, err)
		}
		var unexpectedErr *pool.UnexpectedError
		if errors.As(err, &unexpectedErr) {
			return nil, wrapError(http.StatusInternalServerError, err)
		}
		return nil, wrapError(http.StatusBadRequest, err)
	}

	return &addUpstreamResponse{
		response: response{
			Message: fmt.Sprintf("Upstream [%s] registered", formatUpstreamID(upstream.ID)),
		},
		Upstream: makeUpstreamInfo(upstream),
	}, nil
}

type upstreamIDRequest struct {
	ID string `path:"id" description:"Upstream identifier"`
}

func (server *Server) removeUpstream(_ *gin.Context, request *upstreamIDRequest) (*response, error) {
	id, err := parseUpstreamID(request.ID)
	if err != nil {
		return nil, wrapError(http.StatusBadRequest, err)
	}

	if err := server.upstreams.Deregister(id); err != nil {
		var unknownErr *pool.UnknownUpstreamError
		if errors.As(err, &unknownErr) {
			return nil, wrapError(http.StatusNotFound, err)
		}
		return nil, wrapError(http.StatusInternalServerError, err)
	}

	return &response{
		Message: fmt.Sprintf("Upstream [%s] deregistered", request.ID),
	}, nil
}

var errPermanentDead = errors.New("a permanent upstream cannot be graded dead")

//nolint:lll
type updateUpstreamRequest struct {
	ID        string  `path:"id" description:"Upstream identifier"`
	Region    *string `json:"region" description:"New region label"`
	Permanent *bool   `json:"permanent" description:"New permanent flag"`
	Health    *string `json:"health" description:"New health grade, one of dead, poor, degraded, good or excellent"`
}

type updateUpstreamResponse struct {
	response
	Upstream upstreamInfo `json:"upstream"`
}

func (server *Server) updateUpstream(_ *gin.Context, request *updateUpstreamRequest) (*updateUpstreamResponse, error) {
	id, err := parseUpstreamID(request.ID)
	if err != nil {
		return nil, wrapError(http.StatusBadRequest, err)
	}

	var health pool.HealthGrade
	if request.Health != nil {
		health, err = pool.ParseHealthGrade(*request.Health)
		if err != nil {
			return nil, wrapError(http.StatusBadRequest, err)
		}
	}

	var updated *pool.Upstream
	err = server.upstreams.Mutate(id, func(upstream *pool.Upstream) error {
		if request.Region != nil {
			upstream.Region = strings.ToLower(strings.TrimSpace(*request.Region))
		}
		if request.Permanent != nil {
			upstream.Permanent = *request.Permanent
		}
		if request.Health != nil {
			if health == pool.HealthDead && upstream.Permanent {
				return errPermanentDead
			}
			upstream.Health = health
			if health > pool.HealthDead {
				upstream.FailedChecks = 0
			}
		}
		// A dead upstream turned permanent comes back at the monitor floor
		if upstream.Permanent && upstream.Health == pool.HealthDead {
			upstream.Health = pool.HealthPoor
		}
		updated = upstream.Clone()
		return nil
	})
	if err != nil {
		if errors.Is(err, errPermanentDead) {
			return nil, wrapError(http.StatusBadRequest, err)
		}
		var unknownErr *pool.UnknownUpstreamError
		if errors.As(err, &unknownErr) {
			return nil, wrapError(http.StatusNotFound, err)
		}
		return nil, wrapError(http.StatusInternalServerError, err)
	}

	return &updateUpstreamResponse{
		response: response{
			Message: fmt.Sprintf("Upstream [%s] updated", request.ID),
		},
		Upstream: makeUpstreamInfo(updated),
	}, nil
}

type regionStatsInfo struct {
	Region string `json:"region" description:"Region label"`
	pool.RegionStats
}

func (server *Server) poolStats(*gin.Context) ([]regionStatsInfo, error) {
	stats, err := server.upstreams.Stats()
	if err != nil {
		return nil, wrapError(http.StatusInternalServerError, err)
	}

	regions := make([]string, 0, len(stats))
	for region := range stats {
		regions = append(regions, region)
	}
	sort.Strings(regions)

	entries := make([]regionStatsInfo, 0, len(regions))
	for _, region := range regions {
		entries = append(entries, regionStatsInfo{
			Region:      region,
			RegionStats: stats[region],
		})
	}
	return entries, nil
}

func (server *Server) listRoutes(*gin.Context) ([]routing.Rule, error) {
	if server.routes == nil {
		return []routing.Rule{}, nil
	}
	return server.routes.Rules(), nil
}
