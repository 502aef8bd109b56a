package sharding

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
	"fmt"
	"strings"
)

// HealthState is the health of a shard as seen by the router
type HealthState int

// Health states for shards
const (
	Healthy HealthState = iota
	Degraded
	Unreachable
)

func (h HealthState) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Unreachable:
		return "unreachable"
	default:
		panic(fmt.Sprintf("unknown health state: %d", h))
	}
}

// MarshalText implements encoding.TextMarshaler
func (h HealthState) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (h *HealthState) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "", "healthy":
		*h = Healthy
	case "degraded":
		*h = Degraded
	case "unreachable":
		*h = Unreachable
	default:
		return fmt.Errorf("unknown health state: %q", string(b))
	}
	return nil
}

// Shard is the metadata for a shard. The weight is the relative capacity of
// the shard; a shard with weight 2 gets twice the number of virtual nodes on
// the ring. The epoch is the last directory version where the shard's
// ownership changed.
type Shard struct {
	ID       string      `json:"id" yaml:"id"`
	Endpoint string      `json:"endpoint" yaml:"endpoint"`
	Weight   int         `json:"weight" yaml:"weight"`
	Health   HealthState `json:"health" yaml:"-"`
	Epoch    uint64      `json:"epoch" yaml:"-"`
}

// NewShard creates a new healthy shard
func NewShard(id, endpoint string, weight int) Shard {
	return Shard{
		ID:       id,
		Endpoint: endpoint,
		Weight:   weight,
		Health:   Healthy,
	}
}

// ValidateWeight checks that a weight is in the range [1, MaxWeight]
func ValidateWeight(id string, weight int) error {
	if weight < 1 || weight > MaxWeight {
		return fmt.Errorf("%w: shard %s has weight %d, must be between 1 and %d", ErrInvalidWeight, id, weight, MaxWeight)
	}
	return nil
}

func (s Shard) validate() error {
	if s.ID == "" {
		return ErrInvalidShardID
	}
	return ValidateWeight(s.ID, s.Weight)
}
