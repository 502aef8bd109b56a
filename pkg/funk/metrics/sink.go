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

// Sink is the metrics sink for the router. Implement this interface to write
// to other kinds of systems.
type Sink interface {
	SetDirectoryVersion(version uint64)
	SetShardCount(shards int)
	SetImbalance(score float64)
	SetShardLoad(shardID string, normalized float64)
	LogRequest(shardID, method string)
	LogRetry(shardID string)
	LogFanOut(result string)
	LogMigration(state string)
}

// The list of supported metrics
const (
	PrometheusSink = "prometheus"
	NoSink         = "blackhole"
)

// Results for fan-out requests
const (
	FanOutComplete = "complete"
	FanOutPartial  = "partial"
	FanOutFailed   = "failed"
)

// NewSinkFromString returns a named sink
func NewSinkFromString(name string, nodeid string) Sink {
	switch name {
	case PrometheusSink:
		return NewPrometheusSink(nodeid)
	default:
		return NewBlackHoleSink()
	}
}
