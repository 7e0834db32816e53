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

package fetcher

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	fetches      *prometheus.CounterVec
	fetchLatency *prometheus.HistogramVec
	inFlight     prometheus.Gauge
}

// newMetrics accepts a nil registerer, the collectors stay usable but
// unregistered in that case.
func newMetrics(registerer prometheus.Registerer) *metrics {
	factory := promauto.With(registerer)
	return &metrics{
		fetches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaygate",
			Subsystem: "fetcher",
			Name:      "fetches_total",
			Help:      "Number of fetch attempts by strategy and outcome.",
		}, []string{"strategy", "outcome"}),
		fetchLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "relaygate",
			Subsystem: "fetcher",
			Name:      "fetch_latency_seconds",
			Help:      "Latency of successful fetch attempts by strategy.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"strategy"}),
		inFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "relaygate",
			Subsystem: "fetcher",
			Name:      "in_flight_fetches",
			Help:      "Number of fetches currently being relayed.",
		}),
	}
}

func (m *metrics) observeFetch(strategy string, success bool, latencyMs float64) {
	outcome := "failure"
	if success {
		outcome = "success"
		m.fetchLatency.WithLabelValues(strategy).Observe(latencyMs / 1000)
	}
	m.fetches.WithLabelValues(strategy, outcome).Inc()
}
