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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	cycles       prometheus.Counter
	probes       *prometheus.CounterVec
	probeLatency *prometheus.HistogramVec
}

// newMetrics accepts a nil registerer, the collectors stay usable but
// unregistered in that case.
func newMetrics(registerer prometheus.Registerer) *metrics {
	factory := promauto.With(registerer)
	return &metrics{
		cycles: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "relaygate",
			Subsystem: "monitor",
			Name:      "probe_cycles_total",
			Help:      "Number of completed probe cycles.",
		}),
		probes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaygate",
			Subsystem: "monitor",
			Name:      "probes_total",
			Help:      "Number of upstream probes by region and outcome.",
		}, []string{"region", "outcome"}),
		probeLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "relaygate",
			Subsystem: "monitor",
			Name:      "probe_latency_seconds",
			Help:      "Latency of successful upstream probes by region.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"region"}),
	}
}

func (m *metrics) observeProbe(region string, success bool, latencyMs float64) {
	outcome := "failure"
	if success {
		outcome = "success"
		m.probeLatency.WithLabelValues(region).Observe(latencyMs / 1000)
	}
	m.probes.WithLabelValues(region, outcome).Inc()
}
