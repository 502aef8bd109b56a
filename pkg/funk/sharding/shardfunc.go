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
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"hash/crc64"
	"hash/fnv"
	"sync"
)

// Hasher maps a key to a position on the ring. The function must be stable,
// ie the same key must give the same position across processes and restarts.
type Hasher func(key []byte) uint64

// Names of the built-in hash functions
const (
	HashMD5   = "md5"
	HashCRC64 = "crc64"
	HashFNV1a = "fnv1a"
)

// DefaultHash is the hash function used when nothing else is configured
const DefaultHash = HashMD5

var crc64table = crc64.MakeTable(crc64.ISO)

// MD5Hasher uses the first 64 bits of the MD5 digest of the key.
func MD5Hasher(key []byte) uint64 {
	sum := md5.Sum(key)
	return binary.BigEndian.Uint64(sum[:8])
}

// CRC64Hasher hashes the key with the ISO CRC-64 polynomial.
func CRC64Hasher(key []byte) uint64 {
	return crc64.Checksum(key, crc64table)
}

// FNV1aHasher is the 64-bit FNV-1a hash.
func FNV1aHasher(key []byte) uint64 {
	h := fnv.New64a()
	h.Write(key)
	return h.Sum64()
}

var (
	hashMutex = &sync.RWMutex{}
	hashers   = map[string]Hasher{
		HashMD5:   MD5Hasher,
		HashCRC64: CRC64Hasher,
		HashFNV1a: FNV1aHasher,
	}
)

// RegisterHasher makes a custom hash function available under a name. The
// name is what the directory stores when it is serialized so the same
// function must be registered under the same name everywhere the directory
// is read.
func RegisterHasher(name string, h Hasher) error {
	if name == "" || h == nil {
		return fmt.Errorf("%w: name and function must be set", ErrUnknownHash)
	}
	hashMutex.Lock()
	defer hashMutex.Unlock()
	if _, exists := hashers[name]; exists {
		return fmt.Errorf("hash function %q is already registered", name)
	}
	hashers[name] = h
	return nil
}

// HasherFromString returns the named hash function. An empty name gives the
// default hash.
func HasherFromString(name string) (Hasher, error) {
	if name == "" {
		name = DefaultHash
	}
	hashMutex.RLock()
	defer hashMutex.RUnlock()
	h, ok := hashers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHash, name)
	}
	return h, nil
}
