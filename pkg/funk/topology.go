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
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
	"github.com/lab5e/ringfunk/pkg/funk/sharding"
)

// Topology is the static shard configuration. The router builds the first
// directory version from it. The order of the shards is kept.
//
//	replicas: 100
//	hash: md5
//	shards:
//	  - id: A
//	    endpoint: 10.0.0.1:9000
//	    weight: 2
type Topology struct {
	Replicas int              `yaml:"replicas,omitempty"`
	Hash     string           `yaml:"hash,omitempty"`
	Shards   []sharding.Shard `yaml:"shards"`
}

// ParseTopology parses a YAML topology. Shards without a weight get
// weight 1.
func ParseTopology(buf []byte) (Topology, error) {
	var ret Topology
	if err := yaml.Unmarshal(buf, &ret); err != nil {
		return Topology{}, fmt.Errorf("invalid topology: %w", err)
	}
	for i := range ret.Shards {
		if ret.Shards[i].Weight == 0 {
			ret.Shards[i].Weight = 1
		}
		ret.Shards[i].Health = sharding.Healthy
	}
	return ret, nil
}

// LoadTopology reads a topology file
func LoadTopology(path string) (Topology, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return Topology{}, err
	}
	return ParseTopology(buf)
}

// Marshal returns the YAML representation of the topology
func (t Topology) Marshal() ([]byte, error) {
	return yaml.Marshal(t)
}

// Directory builds the initial directory (version 0). Settings in the
// topology override the parameters.
func (t Topology) Directory(replicas int, hash string) (*sharding.Directory, error) {
	if t.Replicas > 0 {
		replicas = t.Replicas
	}
	if t.Hash != "" {
		hash = t.Hash
	}
	return sharding.NewDirectory(0, t.Shards, replicas, hash)
}

// TopologyFromDirectory returns the topology for a directory
func TopologyFromDirectory(dir *sharding.Directory) Topology {
	return Topology{
		Replicas: dir.Replicas(),
		Hash:     dir.HashName(),
		Shards:   dir.Shards(),
	}
}
