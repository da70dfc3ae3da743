// Copyright 2023-2025 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package kvlb

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collectors for kvlb metrics.
var (
	masterPoolExhaustedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kvlb_master_pool_exhausted_total",
		Help: "Cumulative number of write acquisitions that found the master connection pool exhausted",
	})
	masterPoolWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "kvlb_master_pool_wait_seconds",
		Help:    "Time spent waiting for a master connection permit once the pool was exhausted",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
	})
	masterConnectionsInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kvlb_master_connections_in_use",
		Help: "Number of master command connections currently checked out",
	})
	pubSubConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kvlb_pubsub_connections",
		Help: "Number of subscribe connections multiplexing channels",
	})
	subscribedChannels = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kvlb_subscribed_channels",
		Help: "Number of channels registered on a subscribe connection",
	})
	failoversTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kvlb_failovers_total",
		Help: "Cumulative number of master changes",
	})
	migratedChannelsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kvlb_migrated_channels_total",
		Help: "Cumulative number of channels re-subscribed during failover, by outcome",
	}, []string{"outcome"})
)

// Outcome labels of migratedChannelsTotal.
const (
	outcomeOK     = "ok"
	outcomeFailed = "failed"
)
