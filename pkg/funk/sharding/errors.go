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
import "errors"

var (
	// ErrNoShardsAvailable is returned when a lookup is made on an empty ring.
	ErrNoShardsAvailable = errors.New("no shards available")

	// ErrDuplicateShard is returned when the same shard ID is used more than
	// once in a directory.
	ErrDuplicateShard = errors.New("duplicate shard id")

	// ErrInvalidShardID is returned for empty shard IDs
	ErrInvalidShardID = errors.New("invalid shard id")

	// ErrInvalidWeight is returned for shards with a weight outside of
	// [1, MaxWeight]
	ErrInvalidWeight = errors.New("invalid shard weight")

	// ErrTooManyVirtualNodes is returned when the ring would have more than
	// MaxVirtualNodes virtual nodes
	ErrTooManyVirtualNodes = errors.New("too many virtual nodes")

	// ErrInvalidReplicas is returned when the number of virtual nodes per
	// shard is less than 1
	ErrInvalidReplicas = errors.New("replicas per shard must be 1 or more")

	// ErrUnknownShard is returned when a shard isn't in the directory
	ErrUnknownShard = errors.New("unknown shard")

	// ErrUnknownHash is returned when a named hash function isn't registered
	ErrUnknownHash = errors.New("unknown hash function")

	// ErrShardUnreachable is returned by stores when the shard can't be
	// reached. This is a transient error and the call may be retried.
	ErrShardUnreachable = errors.New("shard unreachable")

	// ErrNotFound is returned by stores when a key doesn't exist
	ErrNotFound = errors.New("key not found")
)
