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
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers for the directory message. The virtual nodes aren't stored
// since they can be computed from the shards, replica count and hash.
const (
	dirVersionField  protowire.Number = 1
	dirReplicasField protowire.Number = 2
	dirHashField     protowire.Number = 3
	dirShardField    protowire.Number = 4

	shardIDField       protowire.Number = 1
	shardEndpointField protowire.Number = 2
	shardWeightField   protowire.Number = 3
	shardHealthField   protowire.Number = 4
	shardEpochField    protowire.Number = 5
)

var errInvalidEncoding = errors.New("invalid directory encoding")

// MarshalBinary encodes the directory in the protobuf wire format
func (d *Directory) MarshalBinary() ([]byte, error) {
	var buf []byte
	buf = protowire.AppendTag(buf, dirVersionField, protowire.VarintType)
	buf = protowire.AppendVarint(buf, d.version)
	buf = protowire.AppendTag(buf, dirReplicasField, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(d.replicas))
	buf = protowire.AppendTag(buf, dirHashField, protowire.BytesType)
	buf = protowire.AppendString(buf, d.hashName)
	for _, s := range d.shards {
		buf = protowire.AppendTag(buf, dirShardField, protowire.BytesType)
		buf = protowire.AppendBytes(buf, marshalShard(s))
	}
	return buf, nil
}

func marshalShard(s Shard) []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, shardIDField, protowire.BytesType)
	buf = protowire.AppendString(buf, s.ID)
	buf = protowire.AppendTag(buf, shardEndpointField, protowire.BytesType)
	buf = protowire.AppendString(buf, s.Endpoint)
	buf = protowire.AppendTag(buf, shardWeightField, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(s.Weight))
	buf = protowire.AppendTag(buf, shardHealthField, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(s.Health))
	buf = protowire.AppendTag(buf, shardEpochField, protowire.VarintType)
	buf = protowire.AppendVarint(buf, s.Epoch)
	return buf
}

// UnmarshalDirectory decodes a directory encoded with MarshalBinary. The
// hash function must be registered under the same name as when the
// directory was encoded.
func UnmarshalDirectory(buf []byte) (*Directory, error) {
	var (
		version  uint64
		replicas int
		hashName string
		shards   []Shard
	)
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", errInvalidEncoding, protowire.ParseError(n))
		}
		buf = buf[n:]
		switch {
		case num == dirVersionField && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", errInvalidEncoding, protowire.ParseError(n))
			}
			version = v
			buf = buf[n:]
		case num == dirReplicasField && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", errInvalidEncoding, protowire.ParseError(n))
			}
			replicas = int(v)
			buf = buf[n:]
		case num == dirHashField && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(buf)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", errInvalidEncoding, protowire.ParseError(n))
			}
			hashName = v
			buf = buf[n:]
		case num == dirShardField && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", errInvalidEncoding, protowire.ParseError(n))
			}
			s, err := unmarshalShard(v)
			if err != nil {
				return nil, err
			}
			shards = append(shards, s)
			buf = buf[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", errInvalidEncoding, protowire.ParseError(n))
			}
			buf = buf[n:]
		}
	}
	return NewDirectory(version, shards, replicas, hashName)
}

func unmarshalShard(buf []byte) (Shard, error) {
	var ret Shard
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return ret, fmt.Errorf("%w: %v", errInvalidEncoding, protowire.ParseError(n))
		}
		buf = buf[n:]
		switch {
		case (num == shardIDField || num == shardEndpointField) && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(buf)
			if n < 0 {
				return ret, fmt.Errorf("%w: %v", errInvalidEncoding, protowire.ParseError(n))
			}
			if num == shardIDField {
				ret.ID = v
			} else {
				ret.Endpoint = v
			}
			buf = buf[n:]
		case typ == protowire.VarintType && (num == shardWeightField || num == shardHealthField || num == shardEpochField):
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return ret, fmt.Errorf("%w: %v", errInvalidEncoding, protowire.ParseError(n))
			}
			switch num {
			case shardWeightField:
				ret.Weight = int(v)
			case shardHealthField:
				ret.Health = HealthState(v)
			case shardEpochField:
				ret.Epoch = v
			}
			buf = buf[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return ret, fmt.Errorf("%w: %v", errInvalidEncoding, protowire.ParseError(n))
			}
			buf = buf[n:]
		}
	}
	if ret.Health < Healthy || ret.Health > Unreachable {
		return ret, fmt.Errorf("%w: health state %d", errInvalidEncoding, ret.Health)
	}
	return ret, nil
}
