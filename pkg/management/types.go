package management

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
	"github.com/lab5e/ringfunk/pkg/funk/sharding"
)

// StatusResponse is the response for /health
type StatusResponse struct {
	Status          string `json:"status"`
	NodeID          string `json:"nodeId"`
	Version         uint64 `json:"version"`
	Shards          int    `json:"shards"`
	ActiveMigration string `json:"activeMigration,omitempty"`
}

// ShardInfo is a shard in the directory with the share of the ring it owns
type ShardInfo struct {
	sharding.Shard
	Owned        float64 `json:"owned"`
	RequestCount uint64  `json:"requestCount"`
	VirtualNodes int     `json:"virtualNodes"`
}

// DirectoryResponse is the response for /directory
type DirectoryResponse struct {
	Version      uint64      `json:"version"`
	Replicas     int         `json:"replicas"`
	Hash         string      `json:"hash"`
	VirtualNodes int         `json:"virtualNodes"`
	Reachable    []uint64    `json:"reachable"`
	Shards       []ShardInfo `json:"shards"`
}

// WeightRequest is the body for PUT /shards/{id}/weight
type WeightRequest struct {
	Weight int `json:"weight"`
}

// PlanResponse is returned by the calls that start a migration
type PlanResponse struct {
	PlanID string `json:"planId"`
}

// MultiGetRequest is the body for POST /kv
type MultiGetRequest struct {
	Keys         []string `json:"keys"`
	AllOrNothing bool     `json:"allOrNothing,omitempty"`
	TimeoutMs    int      `json:"timeoutMs,omitempty"`
}

// KeyResult is the result for a single key in a multi-get
type KeyResult struct {
	Key   string `json:"key"`
	Value []byte `json:"value,omitempty"`
	Found bool   `json:"found"`
	Error string `json:"error,omitempty"`
}

// MultiGetResponse is the response for POST /kv
type MultiGetResponse struct {
	Version     uint64            `json:"version"`
	Results     []KeyResult       `json:"results"`
	ShardErrors map[string]string `json:"shardErrors,omitempty"`
	Partial     bool              `json:"partial"`
}

// ErrorResponse is the body for failed requests
type ErrorResponse struct {
	Error string `json:"error"`
}
