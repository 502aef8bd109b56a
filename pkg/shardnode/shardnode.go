// Package shardnode is a ready-to-run shard server. It serves an in-memory
// store over gRPC so routers can be tested without a real storage backend.
package shardnode

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
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lab5e/gotoolbox/netutils"
	gotoolbox "github.com/lab5e/gotoolbox/toolbox"
	"github.com/lab5e/ringfunk/pkg/funk/metrics"
	"github.com/lab5e/ringfunk/pkg/funk/sharding"
	"github.com/lab5e/ringfunk/pkg/memstore"
	"github.com/lab5e/ringfunk/pkg/serverfunk"
	"github.com/lab5e/ringfunk/pkg/shardrpc"
	"github.com/lab5e/ringfunk/pkg/toolbox"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
)

// Parameters is the configuration for a shard node
type Parameters struct {
	ShardID         string                  `kong:"help='Shard ID. Must match the ID in the router topology',default=''"`
	Endpoint        string                  `kong:"help='gRPC endpoint for the shard',default=''"`
	MetricsEndpoint string                  `kong:"help='HTTP endpoint for Prometheus metrics. Metrics are disabled if empty',default=''"`
	Hash            string                  `kong:"help='Hash function. Must be the same as the router',enum='md5,crc64,fnv1a',default='md5'"`
	Log             gotoolbox.LogParameters `kong:"embed,prefix='log-'"`
	LiveView        bool                    `kong:"help='Display live view of the store',default='false'"`
}

// Final sets the random defaults
func (p *Parameters) Final() {
	if p.ShardID == "" {
		p.ShardID = toolbox.RandomID("shard")
	}
	if p.Endpoint == "" {
		p.Endpoint = netutils.RandomLocalEndpoint()
	}
}

// Node is a running shard node
type Node struct {
	params  Parameters
	store   *memstore.Store
	server  *grpc.Server
	metrics *http.Server
	addr    net.Addr
}

// Start launches the gRPC server and the metrics endpoint
func Start(params Parameters) (*Node, error) {
	params.Final()
	store, err := memstore.NewWithHash(params.Hash)
	if err != nil {
		return nil, err
	}
	sink := metrics.NewBlackHoleSink()
	if params.MetricsEndpoint != "" {
		sink = metrics.NewPrometheusSink(params.ShardID)
	}

	listener, err := net.Listen("tcp", params.Endpoint)
	if err != nil {
		return nil, err
	}
	ret := &Node{
		params: params,
		store:  store,
		server: grpc.NewServer(append(serverfunk.WithRequestMetrics(params.ShardID, sink), shardrpc.ServerOption())...),
		addr:   listener.Addr(),
	}
	shardrpc.RegisterStoreServer(ret.server, store)
	go func() {
		if err := ret.server.Serve(listener); err != nil {
			logrus.WithError(err).Error("gRPC server stopped")
		}
	}()

	if params.MetricsEndpoint != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		ret.metrics = &http.Server{
			Addr:              params.MetricsEndpoint,
			Handler:           mux,
			ReadHeaderTimeout: time.Second,
		}
		go func(srv *http.Server) {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logrus.WithError(err).Error("Metrics server stopped")
			}
		}(ret.metrics)
	}
	logrus.WithFields(logrus.Fields{
		"shardId":  params.ShardID,
		"endpoint": ret.addr.String(),
		"hash":     params.Hash,
	}).Info("Shard node started")
	return ret, nil
}

// Endpoint returns the gRPC endpoint
func (n *Node) Endpoint() string {
	return n.addr.String()
}

// Store returns the store served by the node
func (n *Node) Store() *memstore.Store {
	return n.store
}

// Stop stops the node
func (n *Node) Stop() {
	n.server.GracefulStop()
	if n.metrics != nil {
		ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = n.metrics.Shutdown(ctx)
	}
}

// Run is a ready-to run (just call it from main()) implementation of
// a shard node.
func Run() {
	var config Parameters
	k, err := kong.New(&config, kong.Name("shardnode"),
		kong.Description("In-memory shard node"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: false,
		}))
	if err != nil {
		panic(err)
	}
	if _, err := k.Parse(os.Args[1:]); err != nil {
		k.FatalIfErrorf(err)
		return
	}

	gotoolbox.InitLogs("shardnode", config.Log)

	node, err := Start(config)
	if err != nil {
		logrus.WithError(err).Error("Unable to start shard node")
		os.Exit(2)
	}
	defer node.Stop()

	if config.LiveView {
		go func() {
			for {
				clearScreen()
				dumpStore(node)
				time.Sleep(time.Second)
			}
		}()
	}
	gotoolbox.WaitForSignal()
}

func dumpStore(n *Node) {
	h, err := n.store.Health(context.Background())
	if err != nil {
		return
	}
	fmt.Printf("Shard %s at %s\n", n.params.ShardID, n.Endpoint())
	fmt.Printf("------------------------------------------------\n")
	fmt.Printf("Health:   %s\n", h.State)
	fmt.Printf("Keys:     %d\n", h.Keys)
	fmt.Printf("Storage:  %d bytes\n", h.StorageBytes)
}

func clearScreen() {
	fmt.Print("\033c")
}

// Shard returns the shard metadata for the node
func (n *Node) Shard(weight int) sharding.Shard {
	return sharding.NewShard(n.params.ShardID, n.Endpoint(), weight)
}
