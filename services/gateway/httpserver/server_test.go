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
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaygate/relaygate/services/gateway/fetcher"
	"github.com/relaygate/relaygate/services/gateway/headers"
	"github.com/relaygate/relaygate/services/gateway/policy"
	"github.com/relaygate/relaygate/services/gateway/routing"
	"github.com/relaygate/relaygate/services/pool"
	"github.com/relaygate/relaygate/services/pool/backend/memory"
)

const testSecret = "server_test_secret"

func makeServer(
	t *testing.T,
	rules []routing.Rule,
	policyOptions policy.Options,
	limiter *policy.RateLimiter,
) (*Server, *pool.Registry) {
	backend, err := memory.CreateMemoryBackend()
	require.NoError(t, err)
	t.Cleanup(backend.Destroy)

	registry := pool.NewRegistry(backend)

	table, err := routing.NewTable(rules, routing.StrategyPool)
	require.NoError(t, err)

	fetchOptions := fetcher.DefaultOptions
	fetchOptions.Timeout = 5 * time.Second
	fetchOptions.BackoffBase = 1 * time.Millisecond
	fetchOptions.BackoffCap = 10 * time.Millisecond

	metricsRegistry := prometheus.NewRegistry()

	fetchService, err := fetcher.New(
		registry,
		table,
		policy.NewChecker(policyOptions),
		headers.NewBuilder(headers.DefaultOptions),
		metricsRegistry,
		fetchOptions,
	)
	require.NoError(t, err)
	t.Cleanup(fetchService.Close)

	server, err := New(0, registry, fetchService, table, limiter, metricsRegistry, testSecret)
	require.NoError(t, err)

	return server, registry
}

// makeComboServer stands in for both an upstream proxy and the fetched
// target, proxied requests arrive in absolute form.
func makeComboServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server
}

func makeAdminToken(t *testing.T) string {
	token, err := MakeAndSerializeToken(AdminRole, testSecret)
	require.NoError(t, err)
	return token
}

func performRequest(server *Server, method string, target string, token string) *httptest.ResponseRecorder {
	request := httptest.NewRequest(method, target, nil)
	if token != "" {
		request.Header.Set(authorizationHeaderKey, bearerPrefix+token)
	}
	recorder := httptest.NewRecorder()
	server.Handler.ServeHTTP(recorder, request)
	return recorder
}

func performJSONRequest(
	t *testing.T,
	server *Server,
	method string,
	target string,
	token string,
	body interface{},
) *httptest.ResponseRecorder {
	serialized, err := json.Marshal(body)
	require.NoError(t, err)

	request := httptest.NewRequest(method, target, bytes.NewReader(serialized))
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set(authorizationHeaderKey, bearerPrefix+token)
	}
	recorder := httptest.NewRecorder()
	server.Handler.ServeHTTP(recorder, request)
	return recorder
}

func TestGetInfo(t *testing.T) {
	server, _ := makeServer(t, nil, policy.DefaultOptions, nil)

	recorder := performRequest(server, http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, recorder.Code)

	var payload struct {
		Message string `json:"message"`
		Version string `json:"version"`
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &payload))
	assert.Contains(t, payload.Message, "Relaygate")
	assert.NotEmpty(t, payload.Version)
}

func TestGetHealth(t *testing.T) {
	server, registry := makeServer(t, nil, policy.DefaultOptions, nil)

	_, err := registry.Register("http://upstream-1.example.com:3128", "us-east", false)
	require.NoError(t, err)

	recorder := performRequest(server, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, recorder.Code)

	var payload struct {
		Message   string   `json:"message"`
		Upstreams int      `json:"upstreams"`
		Healthy   int      `json:"healthy"`
		Regions   []string `json:"regions"`
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &payload))
	assert.Equal(t, "ok", payload.Message)
	assert.Equal(t, 1, payload.Upstreams)
	assert.Equal(t, 1, payload.Healthy)
	assert.Equal(t, []string{"us-east"}, payload.Regions)
}

func TestNotFoundRoute(t *testing.T) {
	server, _ := makeServer(t, nil, policy.DefaultOptions, nil)

	recorder := performRequest(server, http.MethodGet, "/no/such/route", "")
	assert.Equal(t, http.StatusNotFound, recorder.Code)

	var payload struct {
		Message string `json:"message"`
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &payload))
	assert.Equal(t, "not found", payload.Message)
}

func TestMethodNotAllowed(t *testing.T) {
	server, _ := makeServer(t, nil, policy.DefaultOptions, nil)

	recorder := performRequest(server, http.MethodPost, "/health", "")
	assert.Equal(t, http.StatusMethodNotAllowed, recorder.Code)
}

func TestOpenAPISpec(t *testing.T) {
	server, _ := makeServer(t, nil, policy.DefaultOptions, nil)

	recorder := performRequest(server, http.MethodGet, "/openapi.json", "")
	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Contains(t, recorder.Body.String(), "Relaygate Gateway")
}

func TestFetchViaPoolEndToEnd(t *testing.T) {
	comboServer := makeComboServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/hello" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("X-Origin", "combo")
		_, _ = w.Write([]byte("hello"))
	})

	server, registry := makeServer(t, nil, policy.DefaultOptions, nil)
	upstream, err := registry.Register(comboServer.URL, "us-east", false)
	require.NoError(t, err)

	recorder := performRequest(server, http.MethodGet, "/v1/fetch?url=http://target.invalid/hello", "")
	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, "hello", recorder.Body.String())
	assert.Equal(t, "combo", recorder.Header().Get("X-Origin"))
	assert.Equal(t, "pool", recorder.Header().Get(StrategyHeaderKey))
	assert.Equal(t, "1", recorder.Header().Get(AttemptsHeaderKey))
	assert.Equal(t, formatUpstreamID(upstream.ID), recorder.Header().Get(UpstreamHeaderKey))
	assert.Equal(t, headers.ResponseCacheControl, recorder.Header().Get("Cache-Control"))
}

func TestFetchHead(t *testing.T) {
	comboServer := makeComboServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/x-combo")
		if r.Method != http.MethodHead {
			_, _ = w.Write([]byte("unexpected body"))
		}
	})

	server, registry := makeServer(t, nil, policy.DefaultOptions, nil)
	_, err := registry.Register(comboServer.URL, "us-east", false)
	require.NoError(t, err)

	recorder := performRequest(server, http.MethodHead, "/v1/fetch?url=http://target.invalid/", "")
	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, "text/x-combo", recorder.Header().Get("Content-Type"))
	assert.Empty(t, recorder.Body.String())
}

func TestFetchMissingURL(t *testing.T) {
	server, _ := makeServer(t, nil, policy.DefaultOptions, nil)

	recorder := performRequest(server, http.MethodGet, "/v1/fetch", "")
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
	assert.Contains(t, recorder.Body.String(), "url")
}

func TestFetchDeniedByRoute(t *testing.T) {
	server, registry := makeServer(t, []routing.Rule{
		{Pattern: "blocked.example.com", Strategy: "deny"},
	}, policy.DefaultOptions, nil)

	_, err := registry.Register("http://upstream-1.example.com:3128", "us-east", false)
	require.NoError(t, err)

	recorder := performRequest(server, http.MethodGet, "/v1/fetch?url=https://blocked.example.com/page", "")
	assert.Equal(t, http.StatusForbidden, recorder.Code)
	assert.Contains(t, recorder.Body.String(), "denied")
}

func TestFetchEmptyPool(t *testing.T) {
	server, _ := makeServer(t, nil, policy.DefaultOptions, nil)

	recorder := performRequest(server, http.MethodGet, "/v1/fetch?url=https://example.com/", "")
	assert.Equal(t, http.StatusBadGateway, recorder.Code)
	assert.Contains(t, recorder.Body.String(), "no viable upstream")
}

func TestFetchRateLimited(t *testing.T) {
	limiter, err := policy.NewRateLimiter(1, 1)
	require.NoError(t, err)

	server, _ := makeServer(t, nil, policy.DefaultOptions, limiter)

	first := performRequest(server, http.MethodGet, "/v1/fetch?url=https://example.com/", "")
	assert.Equal(t, http.StatusBadGateway, first.Code)

	second := performRequest(server, http.MethodGet, "/v1/fetch?url=https://example.com/", "")
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Contains(t, second.Body.String(), "rate limit")
}

func TestMetricsAfterFetch(t *testing.T) {
	comboServer := makeComboServer(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	server, registry := makeServer(t, nil, policy.DefaultOptions, nil)
	_, err := registry.Register(comboServer.URL, "us-east", false)
	require.NoError(t, err)

	fetchRecorder := performRequest(server, http.MethodGet, "/v1/fetch?url=http://target.invalid/", "")
	require.Equal(t, http.StatusOK, fetchRecorder.Code)

	recorder := performRequest(server, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Contains(t, recorder.Body.String(), "relaygate_fetcher_fetches_total")
}

func TestAdminRequiresToken(t *testing.T) {
	server, _ := makeServer(t, nil, policy.DefaultOptions, nil)

	recorder := performRequest(server, http.MethodGet, "/v1/pool", "")
	assert.Equal(t, http.StatusUnauthorized, recorder.Code)

	recorder = performRequest(server, http.MethodGet, "/v1/pool", "not_a_token")
	assert.Equal(t, http.StatusUnauthorized, recorder.Code)

	viewerToken, err := MakeAndSerializeToken("viewer", testSecret)
	require.NoError(t, err)
	recorder = performRequest(server, http.MethodGet, "/v1/pool", viewerToken)
	assert.Equal(t, http.StatusForbidden, recorder.Code)

	recorder = performRequest(server, http.MethodGet, "/v1/pool", makeAdminToken(t))
	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, "[]", recorder.Body.String())
}

func TestAdminPoolLifecycle(t *testing.T) {
	server, _ := makeServer(t, nil, policy.DefaultOptions, nil)
	token := makeAdminToken(t)

	// Register
	recorder := performJSONRequest(t, server, http.MethodPost, "/v1/pool", token, gin.H{
		"url":    "http://upstream-1.example.com:3128",
		"region": "US-East",
	})
	require.Equal(t, http.StatusCreated, recorder.Code)

	var created struct {
		Message  string `json:"message"`
		Upstream struct {
			ID     string `json:"id"`
			URL    string `json:"url"`
			Region string `json:"region"`
			Health string `json:"health"`
		} `json:"upstream"`
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &created))
	assert.NotEmpty(t, created.Upstream.ID)
	assert.Equal(t, "us-east", created.Upstream.Region)
	assert.Equal(t, "good", created.Upstream.Health)

	// Duplicate URL
	recorder = performJSONRequest(t, server, http.MethodPost, "/v1/pool", token, gin.H{
		"url": "http://upstream-1.example.com:3128",
	})
	assert.Equal(t, http.StatusConflict, recorder.Code)

	// List
	recorder = performRequest(server, http.MethodGet, "/v1/pool", token)
	require.Equal(t, http.StatusOK, recorder.Code)

	var listed []struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &listed))
	require.Len(t, listed, 1)
	assert.Equal(t, created.Upstream.ID, listed[0].ID)

	// Update
	recorder = performJSONRequest(t, server, http.MethodPatch, "/v1/pool/"+created.Upstream.ID, token, gin.H{
		"region": "EU-West",
		"health": "degraded",
	})
	require.Equal(t, http.StatusOK, recorder.Code)

	var updated struct {
		Upstream struct {
			Region string `json:"region"`
			Health string `json:"health"`
		} `json:"upstream"`
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &updated))
	assert.Equal(t, "eu-west", updated.Upstream.Region)
	assert.Equal(t, "degraded", updated.Upstream.Health)

	// Per region statistics
	recorder = performRequest(server, http.MethodGet, "/v1/pool/stats", token)
	require.Equal(t, http.StatusOK, recorder.Code)

	var stats []struct {
		Region  string `json:"region"`
		Count   int    `json:"count"`
		Healthy int    `json:"healthy"`
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &stats))
	require.Len(t, stats, 1)
	assert.Equal(t, "eu-west", stats[0].Region)
	assert.Equal(t, 1, stats[0].Count)

	// Deregister
	recorder = performRequest(server, http.MethodDelete, "/v1/pool/"+created.Upstream.ID, token)
	assert.Equal(t, http.StatusOK, recorder.Code)

	recorder = performRequest(server, http.MethodDelete, "/v1/pool/"+created.Upstream.ID, token)
	assert.Equal(t, http.StatusNotFound, recorder.Code)
}

func TestAdminAddUpstreamValidation(t *testing.T) {
	server, _ := makeServer(t, nil, policy.DefaultOptions, nil)
	token := makeAdminToken(t)

	recorder := performJSONRequest(t, server, http.MethodPost, "/v1/pool", token, gin.H{
		"region": "us-east",
	})
	assert.Equal(t, http.StatusBadRequest, recorder.Code)

	recorder = performJSONRequest(t, server, http.MethodPost, "/v1/pool", token, gin.H{
		"url": "ftp://upstream-1.example.com:3128",
	})
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
	assert.Contains(t, recorder.Body.String(), "unsupported scheme")
}

func TestAdminBadUpstreamID(t *testing.T) {
	server, _ := makeServer(t, nil, policy.DefaultOptions, nil)
	token := makeAdminToken(t)

	recorder := performRequest(server, http.MethodDelete, "/v1/pool/not_a_number", token)
	assert.Equal(t, http.StatusBadRequest, recorder.Code)

	recorder = performRequest(server, http.MethodDelete, "/v1/pool/12345", token)
	assert.Equal(t, http.StatusNotFound, recorder.Code)
}

func TestAdminUpdatePermanentNeverDead(t *testing.T) {
	server, registry := makeServer(t, nil, policy.DefaultOptions, nil)
	token := makeAdminToken(t)

	permanent, err := registry.Register("http://upstream-1.example.com:3128", "us-east", true)
	require.NoError(t, err)

	recorder := performJSONRequest(t, server, http.MethodPatch,
		"/v1/pool/"+formatUpstreamID(permanent.ID), token, gin.H{
			"health": "dead",
		})
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
	assert.Contains(t, recorder.Body.String(), "permanent")

	// The grade is untouched
	unchanged, err := registry.Get(permanent.ID)
	require.NoError(t, err)
	assert.Equal(t, pool.HealthGood, unchanged.Health)

	// Turning a dead upstream permanent revives it at the lowest live grade
	other, err := registry.Register("http://upstream-2.example.com:3128", "us-east", false)
	require.NoError(t, err)
	require.NoError(t, registry.Mutate(other.ID, func(u *pool.Upstream) error {
		u.Health = pool.HealthDead
		return nil
	}))

	recorder = performJSONRequest(t, server, http.MethodPatch,
		"/v1/pool/"+formatUpstreamID(other.ID), token, gin.H{
			"permanent": true,
		})
	require.Equal(t, http.StatusOK, recorder.Code)

	revived, err := registry.Get(other.ID)
	require.NoError(t, err)
	assert.Equal(t, pool.HealthPoor, revived.Health)
}

func TestAdminListRoutes(t *testing.T) {
	server, _ := makeServer(t, []routing.Rule{
		{Pattern: "internal.example.com", Strategy: "deny"},
		{Pattern: "*", Strategy: "pool", Region: "us-east"},
	}, policy.DefaultOptions, nil)

	recorder := performRequest(server, http.MethodGet, "/v1/routes", makeAdminToken(t))
	require.Equal(t, http.StatusOK, recorder.Code)

	var rules []routing.Rule
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &rules))
	assert.Len(t, rules, 2)
}
