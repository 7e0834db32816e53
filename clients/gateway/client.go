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

// Package gateway is a JSON client for the gateway HTTP API.
package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/relaygate/relaygate/api"
)

type Options struct {
	// BaseURL of the gateway, for example http://localhost:8080
	BaseURL string
	// AdminToken is the bearer token sent on every request, admin routes
	// reject requests without one.
	AdminToken string
	Timeout    time.Duration
	Debug      bool
}

var DefaultOptions = Options{
	BaseURL: "http://localhost:8080",
	Timeout: 30 * time.Second,
	Debug:   false,
}

type Client struct {
	resty *resty.Client
}

func New(options Options) (*Client, error) {
	if options.BaseURL == "" {
		return nil, errors.New("the gateway URL is not defined")
	}

	restyClient := resty.New()
	restyClient.SetHostURL(options.BaseURL)
	if options.AdminToken != "" {
		restyClient.SetHeader("Authorization", "Bearer "+options.AdminToken)
	}
	if options.Timeout > 0 {
		restyClient.SetTimeout(options.Timeout)
	}
	restyClient.SetDebug(options.Debug)

	return &Client{resty: restyClient}, nil
}

func errorFromResponse(resp *resty.Response) error {
	payload := api.MessageResponse{}
	if err := json.Unmarshal(resp.Body(), &payload); err == nil && payload.Message != "" {
		return fmt.Errorf("the gateway replied [%d] (%s)", resp.StatusCode(), payload.Message)
	}
	return fmt.Errorf("the gateway replied [%d]", resp.StatusCode())
}

func (c *Client) GetInfo() (*api.Info, error) {
	var info api.Info

	resp, err := c.resty.R().
		SetResult(&info).
		Get("/")
	if err != nil {
		return nil, err
	}

	if resp.StatusCode() != http.StatusOK {
		return nil, errorFromResponse(resp)
	}
	return &info, nil
}

func (c *Client) GetHealth() (*api.Health, error) {
	var health api.Health

	resp, err := c.resty.R().
		SetResult(&health).
		Get("/health")
	if err != nil {
		return nil, err
	}

	if resp.StatusCode() != http.StatusOK {
		return nil, errorFromResponse(resp)
	}
	return &health, nil
}

func (c *Client) ListUpstreams() ([]api.Upstream, error) {
	var upstreams []api.Upstream

	resp, err := c.resty.R().
		SetResult(&upstreams).
		Get("/v1/pool")
	if err != nil {
		return nil, err
	}

	if resp.StatusCode() != http.StatusOK {
		return nil, errorFromResponse(resp)
	}
	return upstreams, nil
}

func (c *Client) AddUpstream(request api.AddUpstreamRequest) (*api.Upstream, error) {
	var payload api.UpstreamResponse

	resp, err := c.resty.R().
		SetBody(request).
		SetResult(&payload).
		Post("/v1/pool")
	if err != nil {
		return nil, err
	}

	if resp.StatusCode() != http.StatusCreated {
		return nil, errorFromResponse(resp)
	}
	return &payload.Upstream, nil
}

func (c *Client) RemoveUpstream(id string) error {
	resp, err := c.resty.R().
		Delete("/v1/pool/" + id)
	if err != nil {
		return err
	}

	if resp.StatusCode() != http.StatusOK {
		return errorFromResponse(resp)
	}
	return nil
}

func (c *Client) UpdateUpstream(id string, request api.UpdateUpstreamRequest) (*api.Upstream, error) {
	var payload api.UpstreamResponse

	resp, err := c.resty.R().
		SetBody(request).
		SetResult(&payload).
		Patch("/v1/pool/" + id)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode() != http.StatusOK {
		return nil, errorFromResponse(resp)
	}
	return &payload.Upstream, nil
}

func (c *Client) PoolStats() ([]api.RegionStats, error) {
	var stats []api.RegionStats

	resp, err := c.resty.R().
		SetResult(&stats).
		Get("/v1/pool/stats")
	if err != nil {
		return nil, err
	}

	if resp.StatusCode() != http.StatusOK {
		return nil, errorFromResponse(resp)
	}
	return stats, nil
}

func (c *Client) ListRoutes() ([]api.RouteRule, error) {
	var rules []api.RouteRule

	resp, err := c.resty.R().
		SetResult(&rules).
		Get("/v1/routes")
	if err != nil {
		return nil, err
	}

	if resp.StatusCode() != http.StatusOK {
		return nil, errorFromResponse(resp)
	}
	return rules, nil
}
