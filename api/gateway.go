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

// Package api holds the wire types of the gateway HTTP API.
package api

// MessageResponse is the envelope shared by simple gateway responses and by
// error responses.
type MessageResponse struct {
	Message string `json:"message"`
}

type Info struct {
	Message     string `json:"message"`
	Version     string `json:"version"`
	VersionHash string `json:"version_hash,omitempty"`
}

type Health struct {
	Message   string   `json:"message"`
	Upstreams int      `json:"upstreams"`
	Healthy   int      `json:"healthy"`
	Regions   []string `json:"regions"`
}

type Upstream struct {
	ID           string  `json:"id,omitempty"`
	URL          string  `json:"url"`
	Region       string  `json:"region,omitempty"`
	Permanent    bool    `json:"permanent,omitempty"`
	Health       string  `json:"health,omitempty"`
	SuccessRate  float64 `json:"success_rate,omitempty"`
	LatencyMs    float64 `json:"latency_ms,omitempty"`
	Score        float64 `json:"score,omitempty"`
	FailedChecks uint    `json:"failed_checks,omitempty"`
	Registered   string  `json:"registered,omitempty"`
	LastUsed     string  `json:"last_used,omitempty"`
	LastChecked  string  `json:"last_checked,omitempty"`
}

type UpstreamResponse struct {
	Message  string   `json:"message"`
	Upstream Upstream `json:"upstream"`
}

type AddUpstreamRequest struct {
	URL       string `json:"url"`
	Region    string `json:"region,omitempty"`
	Permanent bool   `json:"permanent,omitempty"`
}

// UpdateUpstreamRequest carries a partial update, nil fields are left
// untouched by the gateway.
type UpdateUpstreamRequest struct {
	Region    *string `json:"region,omitempty"`
	Permanent *bool   `json:"permanent,omitempty"`
	Health    *string `json:"health,omitempty"`
}

type RegionStats struct {
	Region         string  `json:"region"`
	Count          int     `json:"count"`
	Healthy        int     `json:"healthy"`
	AvgLatencyMs   float64 `json:"avg_latency_ms"`
	AvgSuccessRate float64 `json:"avg_success_rate"`
	AvgScore       float64 `json:"avg_score"`
	Grade          string  `json:"grade"`
}

type RouteRule struct {
	Pattern  string `json:"pattern"`
	Strategy string `json:"strategy"`
	Region   string `json:"region,omitempty"`
}
