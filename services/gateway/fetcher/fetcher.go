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

// Package fetcher relays HTTP fetches, either straight from the gateway or
// through a pool upstream with failover across upstreams and regions.
package fetcher

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/relaygate/relaygate/services/gateway/headers"
	"github.com/relaygate/relaygate/services/gateway/policy"
	"github.com/relaygate/relaygate/services/gateway/routing"
	"github.com/relaygate/relaygate/services/pool"
	servicesUtils "github.com/relaygate/relaygate/services/utils"
	baseUtils "github.com/relaygate/relaygate/utils"
)

var log = logrus.WithField("component", "fetcher")

// ErrTooManyRedirects stops a fetch whose target keeps redirecting.
var ErrTooManyRedirects = errors.New("too many redirects")

const upstreamTransportCacheSize = 128

type Options struct {
	Timeout      time.Duration
	MaxAttempts  int
	MaxRedirects int
	MaxBodyBytes int64
	BackoffBase  time.Duration
	BackoffCap   time.Duration
	// InsecureTLS skips the target certificate verification, off unless the
	// operator explicitly asks for it
	InsecureTLS bool
}

var DefaultOptions = Options{
	Timeout:      30 * time.Second,
	MaxAttempts:  3,
	MaxRedirects: 5,
	MaxBodyBytes: 10 * 1024 * 1024,
	BackoffBase:  100 * time.Millisecond,
	BackoffCap:   2 * time.Second,
	InsecureTLS:  false,
}

// Request is one fetch to relay.
type Request struct {
	Target *url.URL
	Method string
	Region string
	Header http.Header
}

// Result is a relayed response. The body is capped, reading past the relay
// limit fails with a BodyTooLargeError. Upstream is nil for direct fetches.
type Result struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
	Strategy   routing.Strategy
	Upstream   *pool.Upstream
	Attempts   int
}

type Fetcher struct {
	upstreams *pool.Registry
	routes    *routing.Table
	checker   *policy.Checker
	headers   *headers.Builder
	options   Options
	metrics   *metrics

	directClient    *http.Client
	directTransport *http.Transport
	upstreamDial    servicesUtils.DialContextFunc
	transportCache  *lru.Cache
}

func New(
	upstreams *pool.Registry,
	routes *routing.Table,
	checker *policy.Checker,
	headersBuilder *headers.Builder,
	registerer prometheus.Registerer,
	options Options,
) (*Fetcher, error) {
	transportCache, err := lru.NewWithEvict(upstreamTransportCacheSize, func(_ interface{}, value interface{}) {
		value.(*http.Transport).CloseIdleConnections()
	})
	if err != nil {
		return nil, err
	}

	f := &Fetcher{
		upstreams:      upstreams,
		routes:         routes,
		checker:        checker,
		headers:        headersBuilder,
		options:        options,
		metrics:        newMetrics(registerer),
		upstreamDial:   servicesUtils.NewInstrumentedDialContext("fetch-pool"),
		transportCache: transportCache,
	}

	if options.InsecureTLS {
		log.Warn("TLS certificate verification of fetch targets is disabled")
	}

	// Direct fetches dial targets themselves, every connection goes through
	// the policy resolved address, redirect hops included
	f.directTransport = &http.Transport{
		DialContext:           checker.SafeDialContext(servicesUtils.NewInstrumentedDialContext("fetch-direct")),
		TLSClientConfig:       f.tlsConfig(),
		MaxIdleConns:          16,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	f.directClient = &http.Client{
		Transport:     f.directTransport,
		Timeout:       options.Timeout,
		CheckRedirect: f.checkRedirect,
	}

	return f, nil
}

// Close drops the cached upstream transports and their idle connections.
func (f *Fetcher) Close() {
	f.transportCache.Purge()
	f.directTransport.CloseIdleConnections()
}

// Fetch relays one request according to the routing decision for its host.
func (f *Fetcher) Fetch(ctx context.Context, request Request) (*Result, error) {
	f.metrics.inFlight.Inc()
	defer f.metrics.inFlight.Dec()

	host := baseUtils.NormalizeHost(request.Target.Hostname())
	decision := f.routes.Resolve(host, request.Region)

	if decision.Strategy == routing.StrategyDeny {
		return nil, NewRouteDeniedError(host, decision.Pattern)
	}

	if err := f.checker.CheckTarget(request.Target); err != nil {
		return nil, err
	}

	if decision.Strategy == routing.StrategyDirect {
		return f.fetchDirect(ctx, request, host)
	}
	return f.fetchViaPool(ctx, request, host, decision)
}

func (f *Fetcher) fetchDirect(ctx context.Context, request Request, host string) (*Result, error) {
	started := time.Now()
	resp, err := f.do(ctx, f.directClient, request)
	latencyMs := msSince(started)

	if err != nil {
		f.metrics.observeFetch("direct", false, latencyMs)
		f.routes.ReportOutcome(host, 0, false)
		return nil, err
	}

	f.metrics.observeFetch("direct", true, latencyMs)
	f.routes.ReportOutcome(host, 0, true)
	return f.makeResult(resp, routing.StrategyDirect, nil, 1), nil
}

func (f *Fetcher) fetchViaPool(
	ctx context.Context,
	request Request,
	host string,
	decision routing.Decision,
) (*Result, error) {
	var exclude []pool.UpstreamID
	var lastErr error

	for attempt := 1; attempt <= f.options.MaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(f.backoff(attempt - 1)):
			}
		}

		upstream, err := f.selectUpstream(decision, exclude, attempt)
		if err != nil {
			if lastErr != nil {
				return nil, fmt.Errorf("%w (last upstream error: %v)", err, lastErr)
			}
			return nil, err
		}

		client, err := f.upstreamClient(upstream)
		if err != nil {
			log.WithField("upstream_id", upstream.ID).Warn("Skipping upstream with an unusable URL - ", err)
			exclude = append(exclude, upstream.ID)
			lastErr = err
			continue
		}

		started := time.Now()
		resp, err := f.do(ctx, client, request)
		latencyMs := msSince(started)

		if err != nil {
			if permanentFetchError(err) {
				// The upstream held up its end, only the relay refuses
				_ = f.upstreams.ReportOutcome(upstream.ID, true, latencyMs)
				return nil, err
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}

			log.WithFields(logrus.Fields{
				"upstream_id": upstream.ID,
				"host":        host,
				"attempt":     attempt,
			}).Debug("Fetch attempt failed - ", err)

			_ = f.upstreams.ReportOutcome(upstream.ID, false, 0)
			f.routes.ReportOutcome(host, upstream.ID, false)
			f.metrics.observeFetch("pool", false, latencyMs)

			// The next attempt moves on, Select falls back across regions
			// once the preferred one is exhausted
			exclude = append(exclude, upstream.ID)
			lastErr = err
			continue
		}

		_ = f.upstreams.ReportOutcome(upstream.ID, true, latencyMs)
		f.routes.ReportOutcome(host, upstream.ID, true)
		f.metrics.observeFetch("pool", true, latencyMs)
		return f.makeResult(resp, routing.StrategyPool, upstream, attempt), nil
	}

	return nil, fmt.Errorf("fetch failed after %d attempts: %w", f.options.MaxAttempts, lastErr)
}

// selectUpstream honors the sticky pin on the first attempt and falls back
// to scored selection.
func (f *Fetcher) selectUpstream(
	decision routing.Decision,
	exclude []pool.UpstreamID,
	attempt int,
) (*pool.Upstream, error) {
	if attempt == 1 && decision.PinnedUpstream != 0 {
		pinned, err := f.upstreams.Get(decision.PinnedUpstream)
		if err == nil && pinned.Selectable() {
			_ = f.upstreams.Mutate(pinned.ID, func(upstream *pool.Upstream) error {
				upstream.LastUsed = baseUtils.Timestamp()
				return nil
			})
			return pinned, nil
		}
	}

	return f.upstreams.Select(pool.SelectionFilter{
		Region:  decision.Region,
		Exclude: exclude,
	})
}

func (f *Fetcher) do(ctx context.Context, client *http.Client, request Request) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, request.Method, request.Target.String(), nil)
	if err != nil {
		return nil, err
	}
	f.headers.BuildRequestHeaders(req.Header, request.Header)

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.ContentLength > f.options.MaxBodyBytes {
		resp.Body.Close()
		return nil, NewBodyTooLargeError(resp.ContentLength, f.options.MaxBodyBytes)
	}
	return resp, nil
}

func (f *Fetcher) upstreamClient(upstream *pool.Upstream) (*http.Client, error) {
	transport, err := f.upstreamTransport(upstream)
	if err != nil {
		return nil, err
	}
	return &http.Client{
		Transport:     transport,
		Timeout:       f.options.Timeout,
		CheckRedirect: f.checkRedirect,
	}, nil
}

// upstreamTransport caches one transport per upstream so that keep alive
// connections to an upstream survive across fetches.
func (f *Fetcher) upstreamTransport(upstream *pool.Upstream) (*http.Transport, error) {
	if cached, ok := f.transportCache.Get(upstream.ID); ok {
		return cached.(*http.Transport), nil
	}

	proxyURL, err := upstream.ProxyURL()
	if err != nil {
		return nil, err
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyURL(proxyURL),
		DialContext:           f.upstreamDial,
		TLSClientConfig:       f.tlsConfig(),
		MaxIdleConns:          16,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	f.transportCache.Add(upstream.ID, transport)
	return transport, nil
}

func (f *Fetcher) tlsConfig() *tls.Config {
	if !f.options.InsecureTLS {
		return nil
	}
	return &tls.Config{InsecureSkipVerify: true} //nolint:gosec
}

// checkRedirect re-applies the target policy on every redirect hop.
func (f *Fetcher) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) > f.options.MaxRedirects {
		return fmt.Errorf("stopped after %d redirects: %w", f.options.MaxRedirects, ErrTooManyRedirects)
	}
	return f.checker.CheckTarget(req.URL)
}

// permanentFetchError reports errors another upstream cannot fix, retrying
// those just burns the pool.
func permanentFetchError(err error) bool {
	if errors.Is(err, ErrTooManyRedirects) {
		return true
	}
	var tooLarge *BodyTooLargeError
	var schemeErr *policy.SchemeError
	var portErr *policy.DeniedPortError
	var domainErr *policy.DeniedDomainError
	var privateErr *policy.PrivateTargetError
	return errors.As(err, &tooLarge) ||
		errors.As(err, &schemeErr) ||
		errors.As(err, &portErr) ||
		errors.As(err, &domainErr) ||
		errors.As(err, &privateErr)
}

func (f *Fetcher) makeResult(
	resp *http.Response,
	strategy routing.Strategy,
	upstream *pool.Upstream,
	attempts int,
) *Result {
	header := http.Header{}
	f.headers.SanitizeResponseHeaders(header, resp.Header)

	return &Result{
		StatusCode: resp.StatusCode,
		Header:     header,
		Body:       &cappedReader{body: resp.Body, remaining: f.options.MaxBodyBytes, limit: f.options.MaxBodyBytes},
		Strategy:   strategy,
		Upstream:   upstream,
		Attempts:   attempts,
	}
}

func (f *Fetcher) backoff(failures int) time.Duration {
	backoff := f.options.BackoffBase * (1 << uint(failures-1))
	if backoff > f.options.BackoffCap {
		backoff = f.options.BackoffCap
	}

	// Half fixed and half jitter, concurrent retries spread out
	half := backoff / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}

func msSince(started time.Time) float64 {
	return float64(time.Since(started).Nanoseconds()) / float64(time.Millisecond.Nanoseconds())
}

// cappedReader lets exactly limit bytes through and fails the stream on the
// byte after.
type cappedReader struct {
	body      io.ReadCloser
	remaining int64
	limit     int64
}

func (r *cappedReader) Read(p []byte) (int, error) {
	if r.remaining == 0 {
		// Probe for EOF, a body of exactly the limit is fine
		var probe [1]byte
		n, err := r.body.Read(probe[:])
		if n > 0 {
			return 0, NewBodyTooLargeError(0, r.limit)
		}
		return 0, err
	}

	if int64(len(p)) > r.remaining {
		p = p[:r.remaining]
	}
	n, err := r.body.Read(p)
	r.remaining -= int64(n)
	return n, err
}

func (r *cappedReader) Close() error {
	return r.body.Close()
}
