package funk

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
	"os"
	"path/filepath"
	"testing"

	"github.com/lab5e/ringfunk/pkg/funk/sharding"
	"github.com/stretchr/testify/require"
)

const testTopologyYAML = `
replicas: 50
hash: fnv1a
shards:
  - id: C
    endpoint: localhost:9003
  - id: A
    endpoint: localhost:9001
    weight: 3
  - id: B
    endpoint: localhost:9002
    weight: 2
`

func TestParseTopology(t *testing.T) {
	assert := require.New(t)

	topo, err := ParseTopology([]byte(testTopologyYAML))
	assert.NoError(err)
	assert.Equal(50, topo.Replicas)
	assert.Equal(sharding.HashFNV1a, topo.Hash)
	assert.Len(topo.Shards, 3)
	assert.Equal("C", topo.Shards[0].ID, "Order is kept")
	assert.Equal(1, topo.Shards[0].Weight, "Default weight is 1")
	assert.Equal(3, topo.Shards[1].Weight)
	assert.Equal("localhost:9002", topo.Shards[2].Endpoint)

	dir, err := topo.Directory(sharding.DefaultReplicas, sharding.HashMD5)
	assert.NoError(err)
	assert.Equal(uint64(0), dir.Version())
	assert.Equal(50, dir.Replicas())
	assert.Equal(sharding.HashFNV1a, dir.HashName())
	assert.Len(dir.VirtualNodes(), 50*6)

	buf, err := TopologyFromDirectory(dir).Marshal()
	assert.NoError(err)
	again, err := ParseTopology(buf)
	assert.NoError(err)
	assert.Equal(topo, again)
}

func TestTopologyErrors(t *testing.T) {
	assert := require.New(t)

	_, err := ParseTopology([]byte("shards: [1, 2"))
	assert.Error(err)

	topo, err := ParseTopology([]byte("shards:\n  - id: A\n  - id: A\n"))
	assert.NoError(err)
	_, err = topo.Directory(10, "")
	assert.ErrorIs(err, sharding.ErrDuplicateShard)

	topo, err = ParseTopology([]byte("hash: sha1\nshards:\n  - id: A\n"))
	assert.NoError(err)
	_, err = topo.Directory(10, "")
	assert.ErrorIs(err, sharding.ErrUnknownHash)

	_, err = LoadTopology(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(err, os.ErrNotExist)

	// An empty topology gives an empty ring
	topo, err = ParseTopology([]byte("shards: []\n"))
	assert.NoError(err)
	dir, err := topo.Directory(10, "")
	assert.NoError(err)
	_, err = dir.Locate([]byte("key"))
	assert.ErrorIs(err, sharding.ErrNoShardsAvailable)
}

func TestLoadTopology(t *testing.T) {
	assert := require.New(t)
	path := filepath.Join(t.TempDir(), "topology.yaml")
	assert.NoError(os.WriteFile(path, []byte(testTopologyYAML), 0600))
	topo, err := LoadTopology(path)
	assert.NoError(err)
	assert.Len(topo.Shards, 3)
}
