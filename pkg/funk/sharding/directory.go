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
)

// Directory is an immutable snapshot of the ring and the shard metadata. A
// directory is never modified after it is created. Changes are made by
// creating a new directory with a higher version.
type Directory struct {
	version  uint64
	replicas int
	hashName string
	hash     Hasher
	shards   []Shard
	index    map[string]int
	vnodes   []VirtualNode
	arcs     []Arc
}

// NewDirectory creates a new directory. The shard list is copied. An empty
// hash name selects the default hash function.
func NewDirectory(version uint64, shards []Shard, replicas int, hashName string) (*Directory, error) {
	if hashName == "" {
		hashName = DefaultHash
	}
	hash, err := HasherFromString(hashName)
	if err != nil {
		return nil, err
	}
	vnodes, err := Place(shards, replicas, hash)
	if err != nil {
		return nil, err
	}
	ret := &Directory{
		version:  version,
		replicas: replicas,
		hashName: hashName,
		hash:     hash,
		shards:   make([]Shard, len(shards)),
		index:    make(map[string]int, len(shards)),
		vnodes:   vnodes,
		arcs:     buildArcs(vnodes),
	}
	copy(ret.shards, shards)
	for i, s := range ret.shards {
		ret.index[s.ID] = i
	}
	return ret, nil
}

// Version is the directory version
func (d *Directory) Version() uint64 {
	return d.version
}

// Replicas is the number of virtual nodes per unit of shard weight
func (d *Directory) Replicas() int {
	return d.replicas
}

// HashName is the name of the hash function used by the directory
func (d *Directory) HashName() string {
	return d.hashName
}

// Hash returns the ring position for a key
func (d *Directory) Hash(key []byte) uint64 {
	return d.hash(key)
}

// Size returns the number of shards in the directory
func (d *Directory) Size() int {
	return len(d.shards)
}

// Shards returns a copy of the shards in configuration order
func (d *Directory) Shards() []Shard {
	ret := make([]Shard, len(d.shards))
	copy(ret, d.shards)
	return ret
}

// ShardIDs returns the shard IDs in configuration order
func (d *Directory) ShardIDs() []string {
	ret := make([]string, len(d.shards))
	for i, s := range d.shards {
		ret[i] = s.ID
	}
	return ret
}

// Shard looks up a single shard
func (d *Directory) Shard(id string) (Shard, bool) {
	i, ok := d.index[id]
	if !ok {
		return Shard{}, false
	}
	return d.shards[i], true
}

// TotalWeight is the sum of all shard weights
func (d *Directory) TotalWeight() int {
	ret := 0
	for _, s := range d.shards {
		ret += s.Weight
	}
	return ret
}

// VirtualNodes returns a copy of the virtual nodes sorted by position
func (d *Directory) VirtualNodes() []VirtualNode {
	ret := make([]VirtualNode, len(d.vnodes))
	copy(ret, d.vnodes)
	return ret
}

// Arcs returns a copy of the arcs in ring order
func (d *Directory) Arcs() []Arc {
	ret := make([]Arc, len(d.arcs))
	copy(ret, d.arcs)
	return ret
}

// Locate returns the ID of the shard owning the key
func (d *Directory) Locate(key []byte) (string, error) {
	return d.LocateHash(d.hash(key))
}

// LocateHash returns the ID of the shard owning a ring position
func (d *Directory) LocateHash(pos uint64) (string, error) {
	if len(d.vnodes) == 0 {
		return "", ErrNoShardsAvailable
	}
	return d.vnodes[search(d.vnodes, pos)].ShardID, nil
}

// LocateRange returns the IDs of the shards that own a part of the range.
// The list is in ring order starting at the beginning of the range and each
// shard is listed once.
func (d *Directory) LocateRange(r KeyRange) ([]string, error) {
	if len(d.arcs) == 0 {
		return nil, ErrNoShardsAvailable
	}
	// The first arc is the one holding the first position in the range
	first := 0
	for i, a := range d.arcs {
		if a.Range.Contains(r.Start + 1) {
			first = i
			break
		}
	}
	seen := make(map[string]bool)
	var ret []string
	for n := 0; n < len(d.arcs); n++ {
		a := d.arcs[(first+n)%len(d.arcs)]
		if seen[a.ShardID] || !a.Range.Intersects(r) {
			continue
		}
		seen[a.ShardID] = true
		ret = append(ret, a.ShardID)
	}
	return ret, nil
}

// OwnedFraction returns the share of the ring owned by a shard
func (d *Directory) OwnedFraction(id string) float64 {
	ret := 0.0
	for _, a := range d.arcs {
		if a.ShardID == id {
			ret += a.Range.Fraction()
		}
	}
	return ret
}

// Next creates the next version of the directory with a new set of shards.
// The replica count and hash function are kept.
func (d *Directory) Next(shards []Shard) (*Directory, error) {
	return NewDirectory(d.version+1, shards, d.replicas, d.hashName)
}

// WithHealth returns the next version of the directory with an updated
// health state for a shard. The ring is unchanged.
func (d *Directory) WithHealth(id string, health HealthState) (*Directory, error) {
	i, ok := d.index[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownShard, id)
	}
	shards := d.Shards()
	shards[i].Health = health
	ret := *d
	ret.version = d.version + 1
	ret.shards = shards
	return &ret, nil
}

func (d *Directory) String() string {
	return fmt.Sprintf("directory v%d (%d shards, %d virtual nodes, %s)", d.version, len(d.shards), len(d.vnodes), d.hashName)
}
