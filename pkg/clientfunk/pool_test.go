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
	"context"
	"net"
	"testing"

	"github.com/lab5e/gotoolbox/netutils"
	"github.com/lab5e/ringfunk/pkg/funk/sharding"
	"github.com/lab5e/ringfunk/pkg/memstore"
	"github.com/lab5e/ringfunk/pkg/shardrpc"
	"github.com/lab5e/ringfunk/pkg/toolbox"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
)

const poolElements = 20

func TestPoolSync(t *testing.T) {
	assert := require.New(t)

	pool, err := NewPoolFromParams(toolbox.GRPCClientParam{})
	assert.NoError(err)
	defer pool.Close()

	// The connections won't connect until they're used so there's no need
	// for a server on the other end.
	var shards []sharding.Shard
	for i := 0; i < poolElements; i++ {
		shards = append(shards, sharding.NewShard(toolbox.RandomID("shard"), netutils.RandomLocalEndpoint(), 1))
	}
	for _, s := range shards {
		store, err := pool.Store(s)
		assert.NoError(err)
		assert.NotNil(store)
	}
	assert.Equal(poolElements, pool.Size())

	c1, err := pool.Conn(shards[0].Endpoint)
	assert.NoError(err)
	c2, err := pool.Conn(shards[0].Endpoint)
	assert.NoError(err)
	assert.Same(c1, c2, "One connection per endpoint")

	dir, err := sharding.NewDirectory(1, shards[:poolElements/2], 10, sharding.HashMD5)
	assert.NoError(err)
	pool.Sync(dir)
	assert.Equal(poolElements/2, pool.Size())

	_, err = pool.Store(sharding.NewShard("noendpoint", "", 1))
	assert.ErrorIs(err, sharding.ErrShardUnreachable)

	_, err = NewPoolFromParams(toolbox.GRPCClientParam{TLS: true})
	assert.Error(err, "TLS requires a CA file")
}

func TestPoolRoundTrip(t *testing.T) {
	assert := require.New(t)

	ep := netutils.RandomLocalEndpoint()
	lis, err := net.Listen("tcp", ep)
	assert.NoError(err)

	srv := grpc.NewServer(shardrpc.ServerOption())
	shardrpc.RegisterStoreServer(srv, memstore.New(sharding.MD5Hasher))
	go func() {
		_ = srv.Serve(lis)
	}()
	defer srv.Stop()

	pool, err := NewPoolFromParams(toolbox.GRPCClientParam{})
	assert.NoError(err)
	defer pool.Close()

	store, err := pool.Store(sharding.NewShard("A", ep, 1))
	assert.NoError(err)
	ctx := context.Background()
	assert.NoError(store.Put(ctx, []byte("hello"), []byte("world")))
	v, err := store.Get(ctx, []byte("hello"))
	assert.NoError(err)
	assert.Equal([]byte("world"), v)
}
