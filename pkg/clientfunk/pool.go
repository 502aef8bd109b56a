// Package clientfunk holds the client side of the shard transport: a pool of
// gRPC connections that resolves directory shards into stores.
package clientfunk

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
	"sync"

	"github.com/lab5e/ringfunk/pkg/funk/sharding"
	"github.com/lab5e/ringfunk/pkg/shardrpc"
	"github.com/lab5e/ringfunk/pkg/toolbox"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
)

// Pool keeps one gRPC connection per shard endpoint. It implements
// sharding.Resolver. Connections are created lazily and closed when the
// endpoint disappears from the directory.
type Pool struct {
	DialOptions []grpc.DialOption
	mutex       *sync.Mutex
	conns       map[string]*grpc.ClientConn
}

// NewPool creates a new connection pool with the dial options
func NewPool(options []grpc.DialOption) *Pool {
	return &Pool{
		DialOptions: options[:],
		mutex:       &sync.Mutex{},
		conns:       make(map[string]*grpc.ClientConn),
	}
}

// NewPoolFromParams creates a new pool from the client parameters
func NewPoolFromParams(params toolbox.GRPCClientParam) (*Pool, error) {
	opts, err := toolbox.GetGRPCDialOpts(params)
	if err != nil {
		return nil, err
	}
	return NewPool(opts), nil
}

// Conn returns the connection for an endpoint, creating it if needed
func (p *Pool) Conn(endpoint string) (*grpc.ClientConn, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	conn, ok := p.conns[endpoint]
	if ok {
		return conn, nil
	}
	conn, err := grpc.NewClient(endpoint, p.DialOptions...)
	if err != nil {
		return nil, err
	}
	log.WithField("endpoint", endpoint).Debug("New shard connection")
	p.conns[endpoint] = conn
	return conn, nil
}

// Store returns a store client for the shard
func (p *Pool) Store(shard sharding.Shard) (sharding.Store, error) {
	if shard.Endpoint == "" {
		return nil, fmt.Errorf("%w: shard %s has no endpoint", sharding.ErrShardUnreachable, shard.ID)
	}
	conn, err := p.Conn(shard.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", sharding.ErrShardUnreachable, err)
	}
	return shardrpc.NewClient(conn), nil
}

// Sync closes the connections to endpoints that are no longer in the
// directory
func (p *Pool) Sync(dir *sharding.Directory) {
	keep := make(map[string]bool)
	for _, s := range dir.Shards() {
		keep[s.Endpoint] = true
	}
	p.mutex.Lock()
	defer p.mutex.Unlock()
	for ep, conn := range p.conns {
		if keep[ep] {
			continue
		}
		if err := conn.Close(); err != nil {
			log.WithError(err).WithField("endpoint", ep).Warning("Error closing shard connection")
		}
		delete(p.conns, ep)
	}
}

// Size returns the number of open connections
func (p *Pool) Size() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return len(p.conns)
}

// Close closes all connections in the pool
func (p *Pool) Close() {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	for ep, conn := range p.conns {
		conn.Close()
		delete(p.conns, ep)
	}
}
