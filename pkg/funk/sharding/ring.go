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
	"sort"
	"strconv"
)

// DefaultReplicas is the default number of virtual nodes per unit of weight.
const DefaultReplicas = 100

// Limits for the ring. The number of virtual nodes is replicas * weight
// summed over all shards.
const (
	MaxWeight       = 1000
	MaxVirtualNodes = 1 << 22
)

// VirtualNode is a point on the ring owned by a shard. A shard has
// (replicas * weight) virtual nodes.
type VirtualNode struct {
	Position uint64 `json:"position"`
	ShardID  string `json:"shardId"`
	Index    int    `json:"index"`
}

// Arc is the part of the ring owned by a single virtual node, ie the
// interval from the previous virtual node up to and including this one.
type Arc struct {
	Range   KeyRange `json:"range"`
	ShardID string   `json:"shardId"`
}

func virtualNodeKey(shardID string, index int) []byte {
	return []byte(shardID + "#" + strconv.Itoa(index))
}

// Place computes the virtual nodes for a set of shards. The result is sorted
// by position and is a pure function of the input; the same shards, replica
// count and hash function always give the same ring.
func Place(shards []Shard, replicasPerShard int, hash Hasher) ([]VirtualNode, error) {
	if replicasPerShard < 1 || replicasPerShard > MaxVirtualNodes {
		return nil, ErrInvalidReplicas
	}
	total := 0
	seen := make(map[string]bool, len(shards))
	for _, s := range shards {
		if err := s.validate(); err != nil {
			return nil, err
		}
		if seen[s.ID] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateShard, s.ID)
		}
		seen[s.ID] = true
		// Both factors are bounded so the product can't overflow
		count := replicasPerShard * s.Weight
		if count > MaxVirtualNodes-total {
			return nil, fmt.Errorf("%w: more than %d with %d replicas per unit of weight", ErrTooManyVirtualNodes, MaxVirtualNodes, replicasPerShard)
		}
		total += count
	}

	ret := make([]VirtualNode, 0, total)
	for _, s := range shards {
		count := replicasPerShard * s.Weight
		for i := 0; i < count; i++ {
			ret = append(ret, VirtualNode{
				Position: hash(virtualNodeKey(s.ID, i)),
				ShardID:  s.ID,
				Index:    i,
			})
		}
	}
	// Collisions are resolved by shard ID and index so the first node at a
	// position is the same regardless of the input order.
	sort.Slice(ret, func(i, j int) bool {
		if ret[i].Position != ret[j].Position {
			return ret[i].Position < ret[j].Position
		}
		if ret[i].ShardID != ret[j].ShardID {
			return ret[i].ShardID < ret[j].ShardID
		}
		return ret[i].Index < ret[j].Index
	})
	return ret, nil
}

// search returns the index of the first virtual node at or after the
// position, wrapping around to the first node.
func search(vnodes []VirtualNode, pos uint64) int {
	i := sort.Search(len(vnodes), func(i int) bool {
		return vnodes[i].Position >= pos
	})
	if i == len(vnodes) {
		i = 0
	}
	return i
}

// buildArcs splits the ring into arcs. Virtual nodes sharing a position
// with the previous node own nothing and are skipped.
func buildArcs(vnodes []VirtualNode) []Arc {
	if len(vnodes) == 0 {
		return nil
	}
	owners := make([]VirtualNode, 0, len(vnodes))
	for i, v := range vnodes {
		if i > 0 && v.Position == vnodes[i-1].Position {
			continue
		}
		owners = append(owners, v)
	}
	if len(owners) == 1 {
		return []Arc{{Range: FullRange(), ShardID: owners[0].ShardID}}
	}
	ret := make([]Arc, len(owners))
	for i, v := range owners {
		prev := owners[len(owners)-1].Position
		if i > 0 {
			prev = owners[i-1].Position
		}
		ret[i] = Arc{
			Range:   KeyRange{Start: prev, End: v.Position},
			ShardID: v.ShardID,
		}
	}
	return ret
}

// Locate returns the shard that owns the key in the directory. This is the
// same as calling Locate on the directory.
func Locate(dir *Directory, key []byte) (string, error) {
	if dir == nil {
		return "", ErrNoShardsAvailable
	}
	return dir.Locate(key)
}

// LocateRange returns the shards owning some part of the range in the
// directory. The ranges are hash positions and not key ranges; hashed keys
// have no ordering so a key range query has to go to every shard.
func LocateRange(dir *Directory, r KeyRange) ([]string, error) {
	if dir == nil {
		return nil, ErrNoShardsAvailable
	}
	return dir.LocateRange(r)
}
