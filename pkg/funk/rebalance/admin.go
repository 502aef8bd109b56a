package rebalance

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

	"github.com/lab5e/ringfunk/pkg/funk/hotspot"
	"github.com/lab5e/ringfunk/pkg/funk/routing"
	"github.com/lab5e/ringfunk/pkg/funk/sharding"
)

func indexOf(shards []sharding.Shard, id string) int {
	for i, s := range shards {
		if s.ID == id {
			return i
		}
	}
	return -1
}

// AddShard adds a new shard to the ring. The plan ID is returned as soon as
// the plan is made; the migration runs in the background.
func (r *Rebalancer) AddShard(shard sharding.Shard) (string, error) {
	shard.Health = sharding.Healthy
	return r.start(KindAddShard, func(current []sharding.Shard) ([]sharding.Shard, error) {
		if indexOf(current, shard.ID) >= 0 {
			return nil, fmt.Errorf("%w: %s", sharding.ErrDuplicateShard, shard.ID)
		}
		return append(current, shard), nil
	})
}

// RemoveShard removes a shard from the ring. Its ranges are moved to the
// remaining shards. The last shard can't be removed.
func (r *Rebalancer) RemoveShard(id string) (string, error) {
	return r.start(KindRemoveShard, func(current []sharding.Shard) ([]sharding.Shard, error) {
		i := indexOf(current, id)
		if i < 0 {
			return nil, fmt.Errorf("%w: %s", sharding.ErrUnknownShard, id)
		}
		if len(current) == 1 {
			return nil, fmt.Errorf("%w: can't remove the last shard", sharding.ErrNoShardsAvailable)
		}
		return append(current[:i], current[i+1:]...), nil
	})
}

// ReweightShard changes the weight of a single shard
func (r *Rebalancer) ReweightShard(id string, weight int) (string, error) {
	return r.start(KindReweightShard, func(current []sharding.Shard) ([]sharding.Shard, error) {
		return reweight(current, map[string]int{id: weight})
	})
}

// ApplyWeights changes the weights of several shards in one migration
func (r *Rebalancer) ApplyWeights(weights map[string]int) (string, error) {
	return r.start(KindApplyWeights, func(current []sharding.Shard) ([]sharding.Shard, error) {
		return reweight(current, weights)
	})
}

func reweight(current []sharding.Shard, weights map[string]int) ([]sharding.Shard, error) {
	changed := false
	for id, w := range weights {
		i := indexOf(current, id)
		if i < 0 {
			return nil, fmt.Errorf("%w: %s", sharding.ErrUnknownShard, id)
		}
		if err := sharding.ValidateWeight(id, w); err != nil {
			return nil, err
		}
		if current[i].Weight != w {
			current[i].Weight = w
			changed = true
		}
	}
	if !changed {
		return nil, ErrNoChange
	}
	return current, nil
}

// HandleHotspot applies the weights suggested by the hotspot monitor. The
// request is ignored if the directory has changed since it was made.
func (r *Rebalancer) HandleHotspot(req hotspot.RebalanceRequest) (string, error) {
	if cur := r.table.Current().Version(); cur != req.Version {
		return "", fmt.Errorf("%w: hotspot request is for v%d, current is v%d", routing.ErrStaleVersion, req.Version, cur)
	}
	return r.ApplyWeights(req.Weights)
}
