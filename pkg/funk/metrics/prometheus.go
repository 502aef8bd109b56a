package metrics

//
//Copyright 2019 Telenor Digital AS
//
//Licensed under the Apache License, Version 2.0 (the "License");
//you may not use this file except in compliance with the License.
//You may obtain a copy of the License at
//
//http://www.apache.org/licenses/LICENSE-2.0
//
//Unless required by applicable law or agreed to in writing, software
//distributed under the License is distributed on an "AS IS" BASIS,
//WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//See the License for the specific language governing permissions and
//limitations under the License.
//
import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var oneTimeRegister sync.Once

type prometheusSink struct {
	directoryVersion *prometheus.GaugeVec
	shardCount       *prometheus.GaugeVec
	imbalance        *prometheus.GaugeVec
	shardLoad        *prometheus.GaugeVec
	requests         *prometheus.CounterVec
	retries          *prometheus.CounterVec
	fanOuts          *prometheus.CounterVec
	migrations       *prometheus.CounterVec
}

var promMetrics *prometheusSink

// NewPrometheusSink creates a metrics sink for Prometheus. All sinks created
// by this function will write to the same sinks.
func NewPrometheusSink(nodeid string) Sink {
	// This registers the metrics for the first time but not for subsequent
	// calls. Since this is a one-time operation it will also work for unit
	// tests but the node label is the one from the first call.
	oneTimeRegister.Do(func() {
		labels := prometheus.Labels{
			"node": nodeid,
		}
		promMetrics = &prometheusSink{
			directoryVersion: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace:   "rf",
					Subsystem:   "directory",
					Name:        "version",
					Help:        "Current directory version",
					ConstLabels: labels,
				},
				[]string{}),
			shardCount: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace:   "rf",
					Subsystem:   "directory",
					Name:        "shards",
					Help:        "Number of shards in the current directory",
					ConstLabels: labels,
				},
				[]string{}),
			imbalance: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace:   "rf",
					Subsystem:   "hotspot",
					Name:        "imbalance",
					Help:        "Ratio between highest and mean normalized shard load",
					ConstLabels: labels,
				},
				[]string{}),
			shardLoad: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace:   "rf",
					Subsystem:   "hotspot",
					Name:        "load",
					Help:        "Request rate per unit of weight",
					ConstLabels: labels,
				},
				[]string{"shard"}),
			// requests show the number of requests routed to each shard.
			requests: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace:   "rf",
					Subsystem:   "router",
					Name:        "requests",
					Help:        "Requests routed to shards",
					ConstLabels: labels,
				},
				[]string{"shard", "method"}),
			retries: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace:   "rf",
					Subsystem:   "router",
					Name:        "retries",
					Help:        "Retried shard requests",
					ConstLabels: labels,
				},
				[]string{"shard"}),
			fanOuts: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace:   "rf",
					Subsystem:   "router",
					Name:        "fanouts",
					Help:        "Fan-out requests by result",
					ConstLabels: labels,
				},
				[]string{"result"}),
			migrations: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace:   "rf",
					Subsystem:   "rebalance",
					Name:        "migrations",
					Help:        "Migration plans by final state",
					ConstLabels: labels,
				},
				[]string{"state"}),
		}
		prometheus.MustRegister(promMetrics.directoryVersion)
		prometheus.MustRegister(promMetrics.shardCount)
		prometheus.MustRegister(promMetrics.imbalance)
		prometheus.MustRegister(promMetrics.shardLoad)
		prometheus.MustRegister(promMetrics.requests)
		prometheus.MustRegister(promMetrics.retries)
		prometheus.MustRegister(promMetrics.fanOuts)
		prometheus.MustRegister(promMetrics.migrations)
	})
	return promMetrics
}

func (p *prometheusSink) SetDirectoryVersion(version uint64) {
	p.directoryVersion.With(prometheus.Labels{}).Set(float64(version))
}

func (p *prometheusSink) SetShardCount(shards int) {
	p.shardCount.With(prometheus.Labels{}).Set(float64(shards))
}

func (p *prometheusSink) SetImbalance(score float64) {
	p.imbalance.With(prometheus.Labels{}).Set(score)
}

func (p *prometheusSink) SetShardLoad(shardID string, normalized float64) {
	p.shardLoad.With(prometheus.Labels{"shard": shardID}).Set(normalized)
}

func (p *prometheusSink) LogRequest(shardID, method string) {
	p.requests.With(prometheus.Labels{
		"shard":  shardID,
		"method": method,
	}).Inc()
}

func (p *prometheusSink) LogRetry(shardID string) {
	p.retries.With(prometheus.Labels{"shard": shardID}).Inc()
}

func (p *prometheusSink) LogFanOut(result string) {
	p.fanOuts.With(prometheus.Labels{"result": result}).Inc()
}

func (p *prometheusSink) LogMigration(state string) {
	p.migrations.With(prometheus.Labels{"state": state}).Inc()
}
