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
	"time"

	"github.com/lab5e/gotoolbox/netutils"
	"github.com/lab5e/ringfunk/pkg/funk/coordinator"
	"github.com/lab5e/ringfunk/pkg/funk/hotspot"
	"github.com/lab5e/ringfunk/pkg/funk/rebalance"
	"github.com/lab5e/ringfunk/pkg/funk/routing"
	"github.com/lab5e/ringfunk/pkg/funk/sharding"
	"github.com/lab5e/ringfunk/pkg/toolbox"
	log "github.com/sirupsen/logrus"
)

// Parameters is the parameters for the router. The defaults are suitable
// for a development setup. The struct uses annotations from Kong
// (https://github.com/alecthomas/kong)
type Parameters struct {
	NodeID         string                  `kong:"help='Node ID used for metrics and logs'"`
	Topology       string                  `kong:"help='Static topology file (YAML)',type='path'"`
	DirectoryStore string                  `kong:"help='File for the last published directory. The router resumes from it on restart',type='path'"`
	Replicas       int                     `kong:"help='Virtual nodes per unit of shard weight',default='100'"`
	Hash           string                  `kong:"help='Hash function for keys and virtual nodes',enum='md5,crc64,fnv1a',default='md5'"`
	Metrics        string                  `kong:"help='Metrics sink to use',enum='blackhole,prometheus',default='prometheus'"`
	AutoRebalance  bool                    `kong:"help='Start a migration when a hotspot is detected',default='false'"`
	SampleInterval time.Duration           `kong:"help='Interval for load samples and health checks',default='1s'"`
	HealthTimeout  time.Duration           `kong:"help='Timeout for shard health checks',default='1s'"`
	HealthFailures int                     `kong:"help='Failed health checks before a shard is marked as unreachable',default='3'"`
	Routing        routing.Parameters      `kong:"embed,prefix='routing-'"`
	Hotspot        hotspot.Parameters      `kong:"embed,prefix='hotspot-'"`
	Rebalance      rebalance.Parameters    `kong:"embed,prefix='rebalance-'"`
	Coordinator    coordinator.Parameters  `kong:"embed,prefix='coordinator-'"`
	Management     ServerParameters        `kong:"embed,prefix='management-'"`
	ShardClient    toolbox.GRPCClientParam `kong:"embed,prefix='shard-'"`
}

// ServerParameters is a parameter struct for the HTTP management server
type ServerParameters struct {
	Endpoint string `kong:"help='Server endpoint'"`
}

// DefaultParameters returns parameters with the same defaults as the
// command line.
func DefaultParameters() Parameters {
	return Parameters{
		Replicas:       sharding.DefaultReplicas,
		Hash:           sharding.DefaultHash,
		Metrics:        "prometheus",
		SampleInterval: time.Second,
		HealthTimeout:  time.Second,
		HealthFailures: 3,
		Routing: routing.Parameters{
			RetainVersions: routing.DefaultRetainVersions,
			DrainPeriod:    routing.DefaultDrainPeriod,
		},
		Hotspot:     hotspot.DefaultParameters(),
		Rebalance:   rebalance.DefaultParameters(),
		Coordinator: coordinator.DefaultParameters(),
	}
}

// Final sets the defaults for the parameters that haven't got a sensible
// value, f.e. endpoints and node IDs. Defaults that are random values can't
// be set via the parameter library.
func (p *Parameters) Final() {
	if p.NodeID == "" {
		p.NodeID = toolbox.RandomID("router")
	}
	if p.Replicas < 1 {
		p.Replicas = sharding.DefaultReplicas
	}
	if p.SampleInterval <= 0 {
		p.SampleInterval = time.Second
	}
	if p.HealthTimeout <= 0 {
		p.HealthTimeout = p.SampleInterval
	}
	if p.HealthFailures < 1 {
		p.HealthFailures = 1
	}
	if p.Management.Endpoint == "" {
		port, err := netutils.FreeTCPPort()
		if err != nil {
			log.WithError(err).Error("Unable to find a free port for the management endpoint")
			port = 8080
		}
		p.Management.Endpoint = fmt.Sprintf("localhost:%d", port)
	}

	// Log endpoints regardless of verbose or not.
	log.WithFields(log.Fields{
		"nodeId":             p.NodeID,
		"managementEndpoint": p.Management.Endpoint,
		"directoryStore":     p.DirectoryStore,
	}).Info("Router configuration")
}
