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

// Package gateway assembles and runs the relaygate service, an HTTP egress
// gateway that relays fetches through a monitored pool of upstreams.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/relaygate/relaygate/services/gateway/fetcher"
	"github.com/relaygate/relaygate/services/gateway/headers"
	"github.com/relaygate/relaygate/services/gateway/httpserver"
	"github.com/relaygate/relaygate/services/gateway/policy"
	"github.com/relaygate/relaygate/services/gateway/routing"
	"github.com/relaygate/relaygate/services/pool"
	"github.com/relaygate/relaygate/services/pool/backend/bolt"
	"github.com/relaygate/relaygate/services/pool/backend/memory"
	"github.com/relaygate/relaygate/services/pool/monitor"
	"github.com/relaygate/relaygate/services/utils"
)

const (
	PoolBackendMemory = "memory"
	PoolBackendBolt   = "bolt"
)

// SeedUpstream is an upstream definition registered at startup, typically
// supplied through the configuration file.
type SeedUpstream struct {
	URL       string `json:"url" yaml:"url"`
	Region    string `json:"region" yaml:"region"`
	Permanent bool   `json:"permanent" yaml:"permanent"`
}

type Options struct {
	Port               uint
	AdminSecret        string
	PoolBackend        string
	PoolFile           string
	Upstreams          []SeedUpstream
	Routes             []routing.Rule
	DefaultStrategy    string
	Policy             policy.Options
	Headers            headers.Options
	Fetcher            fetcher.Options
	Monitor            monitor.Options
	RateLimitPerSecond float64
	RateLimitBurst     int
}

var DefaultOptions = Options{
	Port:               8080,
	AdminSecret:        "relaygate_admin_secret",
	PoolBackend:        PoolBackendBolt,
	PoolFile:           ".relaygate/pool.db",
	Upstreams:          nil,
	Routes:             nil,
	DefaultStrategy:    routing.StrategyDirect.String(),
	Policy:             policy.DefaultOptions,
	Headers:            headers.DefaultOptions,
	Fetcher:            fetcher.DefaultOptions,
	Monitor:            monitor.DefaultOptions,
	RateLimitPerSecond: 10,
	RateLimitBurst:     20,
}

func createPoolBackend(options Options) (pool.Backend, error) {
	switch options.PoolBackend {
	case PoolBackendMemory:
		return memory.CreateMemoryBackend()
	case PoolBackendBolt:
		if dir := filepath.Dir(options.PoolFile); dir != "." {
			if err := os.MkdirAll(dir, 0750); err != nil {
				return nil, fmt.Errorf("unable to create the pool directory [%s]: %w", dir, err)
			}
		}
		return bolt.CreateBoltBackend(options.PoolFile)
	default:
		return nil, fmt.Errorf("unknown pool backend [%s]", options.PoolBackend)
	}
}

func seedUpstreams(upstreams *pool.Registry, seeds []SeedUpstream) error {
	seeded := 0
	for _, seed := range seeds {
		_, err := upstreams.Register(seed.URL, seed.Region, seed.Permanent)
		if err != nil {
			var duplicateErr *pool.DuplicateUpstreamError
			if errors.As(err, &duplicateErr) {
				// Already registered on a previous run
				continue
			}
			return fmt.Errorf("unable to seed upstream [%s]: %w", seed.URL, err)
		}
		seeded++
	}
	if seeded > 0 {
		log.WithField("count", seeded).Info("upstreams seeded from the configuration")
	}
	return nil
}

func Run(ctx context.Context, options Options) error {
	poolBackend, err := createPoolBackend(options)
	if err != nil {
		return err
	}
	defer poolBackend.Destroy()

	upstreams := pool.NewRegistry(poolBackend)

	if err := seedUpstreams(upstreams, options.Upstreams); err != nil {
		return err
	}

	defaultStrategy, err := routing.ParseStrategy(options.DefaultStrategy)
	if err != nil {
		return fmt.Errorf("invalid default routing strategy: %w", err)
	}
	routes, err := routing.NewTable(options.Routes, defaultStrategy)
	if err != nil {
		return err
	}

	metricsRegistry := prometheus.NewRegistry()
	metricsRegistry.MustRegister(prometheus.NewGoCollector())
	metricsRegistry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	limiter, err := policy.NewRateLimiter(options.RateLimitPerSecond, options.RateLimitBurst)
	if err != nil {
		return err
	}

	// Build the fetcher
	fetchService, err := fetcher.New(
		upstreams,
		routes,
		policy.NewChecker(options.Policy),
		headers.NewBuilder(options.Headers),
		metricsRegistry,
		options.Fetcher,
	)
	if err != nil {
		return err
	}
	defer fetchService.Close()

	// Start the upstream monitor, a period of 0 disables it
	stopMonitor := func() {}
	if options.Monitor.Period > 0 {
		upstreamMonitor := monitor.New(upstreams, metricsRegistry, options.Monitor)
		stopMonitor, err = upstreamMonitor.Start()
		if err != nil {
			return err
		}
	}

	// Build the http server
	httpServer, err := httpserver.New(
		options.Port,
		upstreams,
		fetchService,
		routes,
		limiter,
		metricsRegistry,
		options.AdminSecret,
	)
	if err != nil {
		return err
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", options.Port))
	if err != nil {
		return fmt.Errorf("unable to listen to tcp port %d: %v", options.Port, err)
	}
	port, err := utils.ExtractPort(listener.Addr().String())
	if err != nil {
		return err
	}

	group, ctx := errgroup.WithContext(ctx)

	// Start the http server
	group.Go(func() error {
		log.WithField("port", port).Info("gateway server listening")
		err := httpServer.Serve(utils.NewInstrumentedListener(listener, "gateway"))
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("unexpected error while serving http routes: %v", err)
		}
		return nil
	})

	group.Go(func() error {
		<-ctx.Done()
		log.Info("Gracefully stopping")

		log.Debug("Stopping the upstream monitor")
		stopMonitor()

		log.Debug("Stopping the http server")
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(stopCtx); err != nil {
			log.WithField("error", err).Warning("Error while stopping")
		}
		return ctx.Err()
	})

	return group.Wait()
}
