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

package monitor

import (
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/relaygate/relaygate/services/pool"
	servicesUtils "github.com/relaygate/relaygate/services/utils"
	baseUtils "github.com/relaygate/relaygate/utils"
)

var log = logrus.WithField("component", "monitor")

const (
	tickPeriod = 1 * time.Second

	maxConcurrentProbes = 8
	maxProbeBodyBytes   = 64 * 1024
)

// DefaultProbeURLs are lightweight connectivity check endpoints, they answer
// small stable payloads and are built to be hammered.
var DefaultProbeURLs = []string{
	"https://www.gstatic.com/generate_204",
	"http://detectportal.firefox.com/success.txt",
}

type Options struct {
	Period       time.Duration
	ProbeTimeout time.Duration
	RegionSample int
	ProbeURLs    []string
}

var DefaultOptions = Options{
	Period:       5 * time.Minute,
	ProbeTimeout: 10 * time.Second,
	RegionSample: 5,
	ProbeURLs:    DefaultProbeURLs,
}

// Monitor drives periodic probe cycles over the upstream pool. Each cycle
// samples a set of regions, fetches the probe URLs through every member of
// the sampled regions, and folds the results back into the registry.
//
// Dead upstreams are probed like the others so that a recovered upstream
// regains a live grade on its own.
type Monitor struct {
	upstreams   *pool.Registry
	options     Options
	metrics     *metrics
	dialContext servicesUtils.DialContextFunc
}

func New(upstreams *pool.Registry, registerer prometheus.Registerer, options Options) *Monitor {
	return &Monitor{
		upstreams:   upstreams,
		options:     options,
		metrics:     newMetrics(registerer),
		dialContext: servicesUtils.NewInstrumentedDialContext("probe"),
	}
}

// Start launches the probe daemon and returns a function cancelling it. The
// first cycle runs immediately so that a freshly loaded pool gets graded
// without waiting a full period.
func (m *Monitor) Start() (func(), error) {
	if len(m.options.ProbeURLs) == 0 {
		return nil, fmt.Errorf("at least one probe URL is required")
	}
	if m.options.Period <= 0 {
		return nil, fmt.Errorf("invalid probe period [%v]", m.options.Period)
	}

	running := true
	cancelProbes := func() {
		running = false
	}

	go func() {
		tickCount := 0
		probePeriodTicks := int(m.options.Period / tickPeriod)

		log.Debug("Initial probe cycle over the upstream pool")
		m.runCycle(&running)

		for running {
			if tickCount < probePeriodTicks {
				time.Sleep(tickPeriod)
				tickCount++
			} else {
				tickCount = 0

				log.Debug("Periodic probe cycle over the upstream pool")
				m.runCycle(&running)
			}
		}
	}()

	return cancelProbes, nil
}

func (m *Monitor) runCycle(running *bool) {
	started := time.Now()

	regions, err := m.upstreams.Regions()
	if err != nil {
		log.WithField("error", err).Error("Probe cycle failed, could not list the pool regions")
		return
	}
	regions = sampleRegions(regions, m.options.RegionSample)

	probed := 0
	for _, region := range regions {
		if !*running {
			break
		}

		members, err := m.upstreams.ListByRegion(region)
		if err != nil {
			log.WithField("error", err).Error("Probe cycle failed, could not list a region")
			return
		}

		group := new(errgroup.Group)
		group.SetLimit(maxConcurrentProbes)
		for _, upstream := range members {
			upstream := upstream
			group.Go(func() error {
				m.probeUpstream(upstream)
				return nil
			})
		}
		_ = group.Wait()
		probed += len(members)
	}

	m.metrics.cycles.Inc()
	log.WithFields(logrus.Fields{
		"regions":  len(regions),
		"probed":   probed,
		"duration": time.Since(started).String(),
	}).Info("Probe cycle done")
}

func (m *Monitor) probeUpstream(upstream *pool.Upstream) {
	proxyURL, err := upstream.ProxyURL()
	if err != nil {
		log.WithField("upstream_id", upstream.ID).Warn("Skipping upstream with an unusable URL - ", err)
		return
	}

	transport := &http.Transport{
		Proxy:               http.ProxyURL(proxyURL),
		DialContext:         m.dialContext,
		TLSHandshakeTimeout: 10 * time.Second,
		MaxIdleConns:        4,
	}
	defer transport.CloseIdleConnections()

	client := &http.Client{
		Transport: transport,
		Timeout:   m.options.ProbeTimeout,
	}

	successes := 0
	totalLatencyMs := float64(0)
	for _, probeURL := range m.options.ProbeURLs {
		latencyMs, err := probeOnce(client, probeURL)
		if err != nil {
			log.WithFields(logrus.Fields{
				"upstream_id": upstream.ID,
				"probe_url":   probeURL,
			}).Debug("Probe failed - ", err)
			continue
		}
		successes++
		totalLatencyMs += latencyMs
	}

	successRate := float64(successes) / float64(len(m.options.ProbeURLs))
	latencyMs := float64(0)
	if successes > 0 {
		latencyMs = totalLatencyMs / float64(successes)
	}

	m.metrics.observeProbe(upstream.Region, successes > 0, latencyMs)

	if err := m.upstreams.ApplyProbe(upstream.ID, successRate, latencyMs); err != nil {
		// The upstream was removed in the interim
		log.WithField("upstream_id", upstream.ID).Debug("Probe result dropped - ", err)
	}
}

func probeOnce(client *http.Client, probeURL string) (float64, error) {
	started := time.Now()

	resp, err := client.Get(probeURL)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxProbeBodyBytes))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, fmt.Errorf("unexpected probe status [%d]", resp.StatusCode)
	}

	return float64(time.Since(started).Nanoseconds()) / float64(time.Millisecond.Nanoseconds()), nil
}

// sampleRegions keeps cycles bounded on pools spread over many regions,
// every region still comes up across consecutive cycles.
func sampleRegions(regions []string, sample int) []string {
	if sample <= 0 || len(regions) <= sample {
		return regions
	}
	sampled := baseUtils.CopyStrSlice(regions)
	rand.Shuffle(len(sampled), func(i, j int) {
		sampled[i], sampled[j] = sampled[j], sampled[i]
	})
	return sampled[:sample]
}
