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
	"fmt"
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/loopfz/gadgeto/tonic"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/wI2L/fizz"
	"github.com/wI2L/fizz/openapi"

	"github.com/relaygate/relaygate/services/gateway/fetcher"
	"github.com/relaygate/relaygate/services/gateway/policy"
	"github.com/relaygate/relaygate/services/gateway/routing"
	"github.com/relaygate/relaygate/services/pool"
	"github.com/relaygate/relaygate/version"
)

var infos = openapi.Info{
	Title: "Relaygate Gateway",
	Description: "The Relaygate gateway relays HTTP fetches through a managed pool of egress upstreams." +
		" It implements a JSON HTTP API plus a streaming fetch endpoint.\n" +
		"\n" +
		"The API is composed of two groups of routes:\n" +
		"- [Fetch](#tag/Fetch)\n" +
		"- [Admin](#tag/Admin)\n",
	Version: version.Version,
}

type Server struct {
	http.Server
	upstreams   *pool.Registry
	fetcher     *fetcher.Fetcher
	routes      *routing.Table
	adminSecret string

	gin  *gin.Engine
	fizz *fizz.Fizz
}

func New(
	port uint,
	upstreams *pool.Registry,
	fetchService *fetcher.Fetcher,
	routes *routing.Table,
	limiter *policy.RateLimiter,
	metricsRegistry *prometheus.Registry,
	adminSecret string,
) (*Server, error) {
	// Debug mode can be helpful during development
	gin.SetMode(gin.ReleaseMode)
	//gin.SetMode(gin.DebugMode)

	tonic.SetErrorHook(tonicErrorHook)

	ginEngine := gin.New()
	fizzEngine := fizz.NewFromEngine(ginEngine)

	server := &Server{
		Server: http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: fizzEngine,
		},
		upstreams:   upstreams,
		fetcher:     fetchService,
		routes:      routes,
		adminSecret: adminSecret,
		gin:         ginEngine,
		fizz:        fizzEngine,
	}

	server.gin.HandleMethodNotAllowed = true

	// Allows all origins
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AddAllowHeaders(authorizationHeaderKey)

	server.fizz.Use(cors.New(corsConfig))

	// Use a custom error handler
	server.fizz.Use(ginErrorHandlerMiddleware)

	// Use the custom logger middleware
	server.fizz.Use(ginLoggerMiddleware)

	// Recovery middleware recovers from any panics and writes a 500 if there was one.
	server.fizz.Use(gin.Recovery())

	server.fizz.GET("/", []fizz.OperationOption{
		fizz.Summary("Retrieve information about this API"),
	}, tonic.Handler(server.getInfo, http.StatusOK))

	server.fizz.GET("/health", []fizz.OperationOption{
		fizz.Summary("Retrieve the health of the gateway and of its upstream pool"),
	}, tonic.Handler(server.getHealth, http.StatusOK))

	server.fizz.GET("/openapi.json", []fizz.OperationOption{
		fizz.Summary("Retrieve the open api specification"),
		fizz.Response("500", "Bad server configuration or state", httpError{}, nil, nil),
	}, server.fizz.OpenAPI(&infos, "json"))

	if metricsRegistry != nil {
		server.fizz.GET("/metrics", nil, gin.WrapH(promhttp.HandlerFor(metricsRegistry, promhttp.HandlerOpts{})))
	}

	fetchGroup := server.fizz.Group(
		"/v1",
		"Fetch",
		"Relay HTTP fetches through the gateway egress.",
		rateLimitMiddleware(limiter),
	)
	// The fetch endpoint streams the relayed response, it is a plain gin
	// handler and is not part of the generated specification.
	fetchGroup.GET("/fetch", nil, server.fetch)
	fetchGroup.HEAD("/fetch", nil, server.fetch)

	adminGroup := server.fizz.Group(
		"/v1",
		"Admin",
		"Administer the upstream pool and the routing table, requires an admin bearer token.",
		adminAuthMiddleware(adminSecret),
	)
	adminGroup.GET("/pool", []fizz.OperationOption{
		fizz.Summary("List the upstreams of the pool"),
		fizz.Response("401", "Missing or invalid admin token", httpError{}, nil, nil),
	}, tonic.Handler(server.listUpstreams, http.StatusOK))

	adminGroup.POST("/pool", []fizz.OperationOption{
		fizz.Summary("Register an upstream in the pool"),
		fizz.Response("400", "Invalid upstream definition", httpError{}, nil, nil),
		fizz.Response("401", "Missing or invalid admin token", httpError{}, nil, nil),
		fizz.Response("409", "An upstream with the same URL is already registered", httpError{}, nil, nil),
	}, tonic.Handler(server.addUpstream, http.StatusCreated))

	adminGroup.GET("/pool/stats", []fizz.OperationOption{
		fizz.Summary("Retrieve aggregated statistics of the pool per region"),
		fizz.Response("401", "Missing or invalid admin token", httpError{}, nil, nil),
	}, tonic.Handler(server.poolStats, http.StatusOK))

	adminGroup.DELETE("/pool/:id", []fizz.OperationOption{
		fizz.Summary("Deregister an upstream from the pool"),
		fizz.Response("401", "Missing or invalid admin token", httpError{}, nil, nil),
		fizz.Response("404", "No upstream with this identifier", httpError{}, nil, nil),
	}, tonic.Handler(server.removeUpstream, http.StatusOK))

	adminGroup.PATCH("/pool/:id", []fizz.OperationOption{
		fizz.Summary("Update the operator supplied attributes of an upstream"),
		fizz.Response("400", "Invalid attribute value", httpError{}, nil, nil),
		fizz.Response("401", "Missing or invalid admin token", httpError{}, nil, nil),
		fizz.Response("404", "No upstream with this identifier", httpError{}, nil, nil),
	}, tonic.Handler(server.updateUpstream, http.StatusOK))

	adminGroup.GET("/routes", []fizz.OperationOption{
		fizz.Summary("List the routing rules"),
		fizz.Response("401", "Missing or invalid admin token", httpError{}, nil, nil),
	}, tonic.Handler(server.listRoutes, http.StatusOK))

	ginEngine.NoRoute(func(c *gin.Context) {
		abortWithError(c, http.StatusNotFound, fmt.Errorf("not found"))
	})

	ginEngine.NoMethod(func(c *gin.Context) {
		abortWithError(c, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
	})

	return server, nil
}
