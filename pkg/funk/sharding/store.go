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
	"context"
	"hash/crc64"
)

// Entry is a single key/value pair stored in a shard
type Entry struct {
	Key   []byte `json:"key"`
	Value []byte `json:"value"`
}

// Checksum summarises the contents of a range. The digest does not depend
// on the order of the entries so two stores holding the same entries will
// report the same checksum.
type Checksum struct {
	Count  uint64 `json:"count"`
	Digest uint64 `json:"digest"`
}

// Add returns the checksum with one more entry added
func (c Checksum) Add(key, value []byte) Checksum {
	h := crc64.New(crc64table)
	h.Write(key)
	h.Write([]byte{0})
	h.Write(value)
	return Checksum{
		Count:  c.Count + 1,
		Digest: c.Digest + h.Sum64(),
	}
}

// HealthReport is the health of a store along with its size
type HealthReport struct {
	State        HealthState `json:"state"`
	Keys         uint64      `json:"keys"`
	StorageBytes uint64      `json:"storageBytes"`
}

// Store is the contract for a single shard. Ranges are ring positions so
// the store must use the same hash function as the directory to filter
// keys. Stores must be safe for concurrent use.
type Store interface {
	// Get returns the value for a key or ErrNotFound
	Get(ctx context.Context, key []byte) ([]byte, error)

	// Put stores a value. Existing values are overwritten.
	Put(ctx context.Context, key, value []byte) error

	// Delete removes a key. Deleting a key that doesn't exist is not an error.
	Delete(ctx context.Context, key []byte) error

	// StreamRange calls the function for every entry in the range. The
	// stream stops at the first error returned by the function.
	StreamRange(ctx context.Context, r KeyRange, fn func(Entry) error) error

	// ChecksumRange returns the checksum for the entries in a range
	ChecksumRange(ctx context.Context, r KeyRange) (Checksum, error)

	// DeleteRange removes all entries in a range
	DeleteRange(ctx context.Context, r KeyRange) error

	// Health reports the health and size of the store
	Health(ctx context.Context) (HealthReport, error)
}

// Resolver returns the store for a shard.
type Resolver interface {
	Store(shard Shard) (Store, error)
}

// ResolverFunc is a function that implements the Resolver interface
type ResolverFunc func(shard Shard) (Store, error)

// Store returns the store for the shard
func (r ResolverFunc) Store(shard Shard) (Store, error) {
	return r(shard)
}
