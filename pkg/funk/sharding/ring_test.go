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
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func testShards(ids ...string) []Shard {
	var ret []Shard
	for _, id := range ids {
		ret = append(ret, NewShard(id, id+".local:1234", 1))
	}
	return ret
}

func testKeys(n int) [][]byte {
	ret := make([][]byte, n)
	for i := range ret {
		ret[i] = []byte(fmt.Sprintf("key-%06d", i))
	}
	return ret
}

func ownership(t *testing.T, dir *Directory, keys [][]byte) []string {
	ret := make([]string, len(keys))
	for i, k := range keys {
		id, err := dir.Locate(k)
		require.NoError(t, err)
		ret[i] = id
	}
	return ret
}

func TestPlaceIsDeterministic(t *testing.T) {
	assert := require.New(t)

	a, err := Place(testShards("A", "B", "C"), DefaultReplicas, MD5Hasher)
	assert.NoError(err)
	b, err := Place(testShards("C", "A", "B"), DefaultReplicas, MD5Hasher)
	assert.NoError(err)
	assert.Equal(a, b)
	assert.Len(a, 3*DefaultReplicas)

	for i := 1; i < len(a); i++ {
		assert.LessOrEqual(a[i-1].Position, a[i].Position)
	}

	d1, err := NewDirectory(0, testShards("A", "B", "C"), DefaultReplicas, "")
	assert.NoError(err)
	d2, err := NewDirectory(7, testShards("B", "C", "A"), DefaultReplicas, "")
	assert.NoError(err)
	keys := testKeys(2000)
	assert.Equal(ownership(t, d1, keys), ownership(t, d2, keys))
}

func TestPlaceValidation(t *testing.T) {
	assert := require.New(t)

	_, err := Place(testShards("A", "B", "A"), 10, MD5Hasher)
	assert.ErrorIs(err, ErrDuplicateShard)

	_, err = Place([]Shard{NewShard("A", "", 0)}, 10, MD5Hasher)
	assert.ErrorIs(err, ErrInvalidWeight)

	_, err = Place([]Shard{NewShard("", "", 1)}, 10, MD5Hasher)
	assert.ErrorIs(err, ErrInvalidShardID)

	_, err = Place(testShards("A"), 0, MD5Hasher)
	assert.ErrorIs(err, ErrInvalidReplicas)
	_, err = Place(testShards("A"), MaxVirtualNodes+1, MD5Hasher)
	assert.ErrorIs(err, ErrInvalidReplicas)

	// Weights are bounded and so is the size of the ring
	_, err = Place([]Shard{NewShard("A", "", MaxWeight+1)}, 1, MD5Hasher)
	assert.ErrorIs(err, ErrInvalidWeight)
	_, err = Place([]Shard{NewShard("A", "", 1<<40)}, DefaultReplicas, MD5Hasher)
	assert.ErrorIs(err, ErrInvalidWeight)
	big := []Shard{NewShard("A", "", MaxWeight), NewShard("B", "", MaxWeight)}
	_, err = Place(big, MaxVirtualNodes/MaxWeight, MD5Hasher)
	assert.ErrorIs(err, ErrTooManyVirtualNodes)

	_, err = NewDirectory(0, testShards("A"), 10, "does-not-exist")
	assert.ErrorIs(err, ErrUnknownHash)

	vn, err := Place([]Shard{NewShard("A", "", 3), NewShard("B", "", 1)}, 10, MD5Hasher)
	assert.NoError(err)
	assert.Len(vn, 40)
}

func TestLocateEmptyRing(t *testing.T) {
	assert := require.New(t)

	dir, err := NewDirectory(0, nil, DefaultReplicas, "")
	assert.NoError(err)

	_, err = dir.Locate([]byte("anything"))
	assert.ErrorIs(err, ErrNoShardsAvailable)

	_, err = Locate(nil, []byte("anything"))
	assert.ErrorIs(err, ErrNoShardsAvailable)

	_, err = dir.LocateRange(FullRange())
	assert.ErrorIs(err, ErrNoShardsAvailable)
}

func TestLocateWrapsAround(t *testing.T) {
	assert := require.New(t)

	dir, err := NewDirectory(0, testShards("A", "B", "C"), 10, "")
	assert.NoError(err)
	vnodes := dir.VirtualNodes()

	last := vnodes[len(vnodes)-1]
	if last.Position < math.MaxUint64 {
		id, err := dir.LocateHash(last.Position + 1)
		assert.NoError(err)
		assert.Equal(vnodes[0].ShardID, id, "Positions after the last node wrap to the first node")
	}

	id, err := dir.LocateHash(0)
	assert.NoError(err)
	assert.Equal(vnodes[0].ShardID, id)

	for i := 0; i < len(vnodes)-1; i++ {
		if vnodes[i].Position == vnodes[i+1].Position {
			continue
		}
		id, err := dir.LocateHash(vnodes[i].Position)
		assert.NoError(err)
		assert.Equal(vnodes[i].ShardID, id, "A node owns its own position")

		id, err = dir.LocateHash(vnodes[i].Position + 1)
		assert.NoError(err)
		assert.Equal(vnodes[i+1].ShardID, id, "The next position belongs to the next node")
	}
}

func TestWeightedDistribution(t *testing.T) {
	assert := require.New(t)

	shards := []Shard{NewShard("A", "", 1), NewShard("B", "", 2), NewShard("C", "", 1)}
	dir, err := NewDirectory(0, shards, DefaultReplicas, "")
	assert.NoError(err)
	assert.Equal(4, dir.TotalWeight())

	total := 0.0
	for _, s := range shards {
		total += dir.OwnedFraction(s.ID)
	}
	assert.InDelta(1.0, total, 1e-9)
	assert.InDelta(0.5, dir.OwnedFraction("B"), 0.12)
	assert.InDelta(0.25, dir.OwnedFraction("A"), 0.09)
}

// Removing one of N shards should move the keys of that shard only, and the
// share of moved keys should be close to 1/N.
func TestMinimalMovementOnRemove(t *testing.T) {
	assert := require.New(t)

	const n = 10
	const keyCount = 20000
	var ids []string
	for i := 0; i < n; i++ {
		ids = append(ids, fmt.Sprintf("shard-%02d", i))
	}
	before, err := NewDirectory(0, testShards(ids...), DefaultReplicas, "")
	assert.NoError(err)
	after, err := before.Next(testShards(ids[1:]...))
	assert.NoError(err)

	keys := testKeys(keyCount)
	oldOwners := ownership(t, before, keys)
	newOwners := ownership(t, after, keys)

	moved := 0
	for i := range keys {
		if oldOwners[i] != newOwners[i] {
			assert.Equal(ids[0], oldOwners[i], "Only keys on the removed shard should move")
			moved++
		} else {
			assert.NotEqual(ids[0], oldOwners[i])
		}
	}
	fraction := float64(moved) / keyCount

	// The moved share is a binomial sample of the removed shard's share of
	// the ring.
	p := before.OwnedFraction(ids[0])
	stdErr := math.Sqrt(p * (1 - p) / keyCount)
	assert.InDelta(p, fraction, 3*stdErr)
	assert.InDelta(1.0/n, fraction, 0.4/n)
}

func TestAddShardMovesKeysOnlyToNewShard(t *testing.T) {
	assert := require.New(t)

	before, err := NewDirectory(0, testShards("A", "B", "C"), 100, "")
	assert.NoError(err)
	after, err := before.Next(testShards("A", "B", "C", "D"))
	assert.NoError(err)
	assert.Equal(uint64(1), after.Version())

	keys := testKeys(10000)
	oldOwners := ownership(t, before, keys)
	newOwners := ownership(t, after, keys)

	toD, between := 0, 0
	for i := range keys {
		if oldOwners[i] == newOwners[i] {
			continue
		}
		if newOwners[i] == "D" {
			toD++
			continue
		}
		between++
	}
	assert.Zero(between, "No keys should move between the existing shards")
	fraction := float64(toD) / float64(len(keys))
	assert.True(fraction > 0.15 && fraction < 0.35, "Expected around 25%% of keys to move but %.3f moved", fraction)
}

func TestLocateRange(t *testing.T) {
	assert := require.New(t)

	dir, err := NewDirectory(0, testShards("A", "B", "C"), 20, "")
	assert.NoError(err)

	all, err := dir.LocateRange(FullRange())
	assert.NoError(err)
	assert.ElementsMatch([]string{"A", "B", "C"}, all)

	arcs := dir.Arcs()
	for _, a := range arcs {
		if a.Range.Size() < 2 {
			continue
		}
		// A range strictly inside a single arc only touches that shard
		inner := KeyRange{Start: a.Range.Start, End: a.Range.Start + 1}
		ids, err := LocateRange(dir, inner)
		assert.NoError(err)
		assert.Equal([]string{a.ShardID}, ids)
	}

	// Two neighbouring arcs
	for i := 0; i < len(arcs)-1; i++ {
		r := KeyRange{Start: arcs[i].Range.Start, End: arcs[i+1].Range.End}
		ids, err := dir.LocateRange(r)
		assert.NoError(err)
		assert.Equal(arcs[i].ShardID, ids[0], "Result is in ring order")
		if arcs[i].ShardID == arcs[i+1].ShardID {
			assert.Len(ids, 1)
		} else {
			assert.Equal([]string{arcs[i].ShardID, arcs[i+1].ShardID}, ids)
		}
	}
}

func TestArcsCoverRing(t *testing.T) {
	assert := require.New(t)

	dir, err := NewDirectory(0, testShards("A", "B"), 50, HashCRC64)
	assert.NoError(err)
	total := 0.0
	for _, a := range dir.Arcs() {
		total += a.Range.Fraction()
	}
	assert.InDelta(1.0, total, 1e-9)

	single, err := NewDirectory(0, []Shard{NewShard("A", "", 1)}, 1, HashFNV1a)
	assert.NoError(err)
	arcs := single.Arcs()
	assert.Len(arcs, 1)
	assert.True(arcs[0].Range.IsFull())
}

func TestRegisterHasher(t *testing.T) {
	assert := require.New(t)

	assert.Error(RegisterHasher(HashMD5, MD5Hasher), "Can't register twice")
	assert.Error(RegisterHasher("", MD5Hasher))

	assert.NoError(RegisterHasher("test-reverse-md5", func(key []byte) uint64 {
		return ^MD5Hasher(key)
	}))
	dir, err := NewDirectory(0, testShards("A", "B"), 10, "test-reverse-md5")
	assert.NoError(err)
	assert.Equal("test-reverse-md5", dir.HashName())
	assert.Equal(^MD5Hasher([]byte("x")), dir.Hash([]byte("x")))
}

func BenchmarkLocate(b *testing.B) {
	shards := testShards("A", "B", "C", "D", "E", "F", "G", "H")
	dir, err := NewDirectory(0, shards, DefaultReplicas, "")
	if err != nil {
		b.Fatal(err)
	}
	keys := testKeys(1024)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := dir.Locate(keys[i%len(keys)]); err != nil {
			b.Fatal(err)
		}
	}
}
