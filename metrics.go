// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package whisperdrive

import "github.com/prometheus/client_golang/prometheus"

var (
	generateRequestOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "whisperdrive",
			Name:      "generate_request_ops_total",
			Help:      "The total number of generate requests.",
		},
		[]string{"status"},
	)
	tokenGenerationOps = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "whisperdrive",
			Name:      "token_generation_ops_total",
			Help:      "The total number of tokens generated.",
		},
	)
	languageDetectionOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "whisperdrive",
			Name:      "language_detection_ops_total",
			Help:      "The total number of language detection requests.",
		},
		[]string{"status"},
	)
	cacheHitOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "whisperdrive",
			Name:      "cache_hit_ops_total",
			Help:      "The total number of cache hits.",
		},
		[]string{"cache"},
	)
	cacheMissOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "whisperdrive",
			Name:      "cache_miss_ops_total",
			Help:      "The total number of cache misses.",
		},
		[]string{"cache"},
	)
	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "antfly",
			Subsystem: "whisperdrive",
			Name:      "request_duration_seconds",
			Help:      "Duration of replica requests in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"op"},
	)
)

// RegisterMetrics registers the service metrics with the given registerer.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		generateRequestOps,
		tokenGenerationOps,
		languageDetectionOps,
		cacheHitOps,
		cacheMissOps,
		requestDuration,
	)
}

// RecordCacheHit increments the hit counter of the named cache.
func RecordCacheHit(cache string) {
	cacheHitOps.WithLabelValues(cache).Inc()
}

// RecordCacheMiss increments the miss counter of the named cache.
func RecordCacheMiss(cache string) {
	cacheMissOps.WithLabelValues(cache).Inc()
}

// RecordRequestDuration observes the duration of one replica request.
func RecordRequestDuration(op string, seconds float64) {
	requestDuration.WithLabelValues(op).Observe(seconds)
}
