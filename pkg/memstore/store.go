// Package memstore is an in-memory shard store. It is used by the shard node
// and as a reference implementation of the store contract in tests.
package memstore

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
	"sync"
	"sync/atomic"

	"github.com/lab5e/ringfunk/pkg/funk/sharding"
	"github.com/zhangyunhao116/skipmap"
)

// entries are ordered by ring position and then by key so ranges can be
// streamed in ring order.
type entryKey struct {
	pos uint64
	key string
}

func lessEntry(a, b entryKey) bool {
	if a.pos != b.pos {
		return a.pos < b.pos
	}
	return a.key < b.key
}

// Store is an in-memory implementation of sharding.Store. Reads are lock
// free, writes are serialized to keep the size accounting exact.
type Store struct {
	hash   sharding.Hasher
	data   *skipmap.FuncMap[entryKey, []byte]
	mutex  *sync.Mutex
	bytes  atomic.Int64
	health atomic.Int32
}

// New creates an empty store using the hash function to place keys on the
// ring. It must be the same function the directory uses.
func New(hash sharding.Hasher) *Store {
	return &Store{
		hash:  hash,
		data:  skipmap.NewFunc[entryKey, []byte](lessEntry),
		mutex: &sync.Mutex{},
	}
}

// NewWithHash creates an empty store with a named hash function
func NewWithHash(name string) (*Store, error) {
	h, err := sharding.HasherFromString(name)
	if err != nil {
		return nil, err
	}
	return New(h), nil
}

func (s *Store) entryKey(key []byte) entryKey {
	return entryKey{pos: s.hash(key), key: string(key)}
}

func copyBytes(b []byte) []byte {
	ret := make([]byte, len(b))
	copy(ret, b)
	return ret
}

// Get returns the value for a key
func (s *Store) Get(ctx context.Context, key []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v, ok := s.data.Load(s.entryKey(key))
	if !ok {
		return nil, sharding.ErrNotFound
	}
	return copyBytes(v), nil
}

// Put stores a value
func (s *Store) Put(ctx context.Context, key, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	k := s.entryKey(key)
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if old, ok := s.data.Load(k); ok {
		s.bytes.Add(-int64(len(old) + len(k.key)))
	}
	s.data.Store(k, copyBytes(value))
	s.bytes.Add(int64(len(value) + len(k.key)))
	return nil
}

// Delete removes a key
func (s *Store) Delete(ctx context.Context, key []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.deleteLocked(s.entryKey(key))
	return nil
}

func (s *Store) deleteLocked(k entryKey) {
	if old, ok := s.data.Load(k); ok {
		s.data.Delete(k)
		s.bytes.Add(-int64(len(old) + len(k.key)))
	}
}

// scan calls the function for every entry in the range, in ring order.
func (s *Store) scan(ctx context.Context, r sharding.KeyRange, fn func(k entryKey, v []byte) bool) error {
	var err error
	s.data.Range(func(k entryKey, v []byte) bool {
		if err = ctx.Err(); err != nil {
			return false
		}
		if r.Start < r.End && k.pos > r.End {
			// Past the end of a range that doesn't wrap
			return false
		}
		if !r.Contains(k.pos) {
			return true
		}
		return fn(k, v)
	})
	return err
}

// StreamRange streams the entries in a range in ring order
func (s *Store) StreamRange(ctx context.Context, r sharding.KeyRange, fn func(sharding.Entry) error) error {
	var fnErr error
	err := s.scan(ctx, r, func(k entryKey, v []byte) bool {
		fnErr = fn(sharding.Entry{Key: []byte(k.key), Value: copyBytes(v)})
		return fnErr == nil
	})
	if fnErr != nil {
		return fnErr
	}
	return err
}

// ChecksumRange computes the checksum for a range
func (s *Store) ChecksumRange(ctx context.Context, r sharding.KeyRange) (sharding.Checksum, error) {
	var ret sharding.Checksum
	err := s.scan(ctx, r, func(k entryKey, v []byte) bool {
		ret = ret.Add([]byte(k.key), v)
		return true
	})
	return ret, err
}

// DeleteRange removes every entry in the range
func (s *Store) DeleteRange(ctx context.Context, r sharding.KeyRange) error {
	var keys []entryKey
	if err := s.scan(ctx, r, func(k entryKey, _ []byte) bool {
		keys = append(keys, k)
		return true
	}); err != nil {
		return err
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	for _, k := range keys {
		s.deleteLocked(k)
	}
	return nil
}

// SetHealth sets the health state reported by the store
func (s *Store) SetHealth(state sharding.HealthState) {
	s.health.Store(int32(state))
}

// Health returns the health and size of the store
func (s *Store) Health(ctx context.Context) (sharding.HealthReport, error) {
	if err := ctx.Err(); err != nil {
		return sharding.HealthReport{}, err
	}
	return sharding.HealthReport{
		State:        sharding.HealthState(s.health.Load()),
		Keys:         uint64(s.data.Len()),
		StorageBytes: uint64(s.bytes.Load()),
	}, nil
}

// Len returns the number of keys in the store
func (s *Store) Len() int {
	return s.data.Len()
}
