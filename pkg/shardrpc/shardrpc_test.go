package shardrpc

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
	"testing"

	"github.com/lab5e/ringfunk/pkg/funk/sharding"
	"github.com/lab5e/ringfunk/pkg/memstore"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/encoding/protowire"
)

// startServer starts a shard server on an in-memory listener and returns a
// client for it.
func startServer(t *testing.T, store sharding.Store) (*Client, *grpc.Server) {
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(ServerOption())
	RegisterStoreServer(srv, store)
	go func() {
		_ = srv.Serve(lis)
	}()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() {
		conn.Close()
		srv.Stop()
	})
	return NewClient(conn), srv
}

func TestRemoteStore(t *testing.T) {
	assert := require.New(t)
	ctx := context.Background()

	store := memstore.New(sharding.MD5Hasher)
	client, _ := startServer(t, store)

	_, err := client.Get(ctx, []byte("nothing"))
	assert.ErrorIs(err, sharding.ErrNotFound)

	for i := 0; i < 200; i++ {
		k := []byte(fmt.Sprintf("key%d", i))
		assert.NoError(client.Put(ctx, k, k))
	}
	v, err := client.Get(ctx, []byte("key10"))
	assert.NoError(err)
	assert.Equal([]byte("key10"), v)
	assert.NoError(client.Delete(ctx, []byte("key10")))
	_, err = client.Get(ctx, []byte("key10"))
	assert.ErrorIs(err, sharding.ErrNotFound)

	h, err := client.Health(ctx)
	assert.NoError(err)
	assert.Equal(uint64(199), h.Keys)
	assert.Equal(sharding.Healthy, h.State)

	remote, err := client.ChecksumRange(ctx, sharding.FullRange())
	assert.NoError(err)
	local, err := store.ChecksumRange(ctx, sharding.FullRange())
	assert.NoError(err)
	assert.Equal(local, remote)

	half := sharding.KeyRange{Start: 0, End: 1 << 63}
	var streamed sharding.Checksum
	assert.NoError(client.StreamRange(ctx, half, func(e sharding.Entry) error {
		streamed = streamed.Add(e.Key, e.Value)
		return nil
	}))
	expected, _ := store.ChecksumRange(ctx, half)
	assert.Equal(expected, streamed)

	stop := errors.New("stop")
	assert.ErrorIs(client.StreamRange(ctx, sharding.FullRange(), func(e sharding.Entry) error {
		return stop
	}), stop)

	assert.NoError(client.DeleteRange(ctx, half))
	remote, err = client.ChecksumRange(ctx, half)
	assert.NoError(err)
	assert.Equal(uint64(0), remote.Count)

	store.SetHealth(sharding.Degraded)
	h, err = client.Health(ctx)
	assert.NoError(err)
	assert.Equal(sharding.Degraded, h.State)
}

func TestUnavailableShard(t *testing.T) {
	assert := require.New(t)

	client, srv := startServer(t, memstore.New(sharding.MD5Hasher))
	srv.Stop()

	_, err := client.Get(context.Background(), []byte("key"))
	assert.ErrorIs(err, sharding.ErrShardUnreachable)
}

func TestCancelledCall(t *testing.T) {
	assert := require.New(t)

	client, _ := startServer(t, memstore.New(sharding.MD5Hasher))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := client.Get(ctx, []byte("key"))
	assert.ErrorIs(err, context.Canceled)
}

func TestWireCodec(t *testing.T) {
	assert := require.New(t)

	assert.Nil(encoding.GetCodec(CodecName), "The codec isn't registered globally")

	c := Codec()
	in := &EntryMessage{Entry: sharding.Entry{Key: []byte{0, 1, 0xff}, Value: []byte("value")}}
	buf, err := c.Marshal(in)
	assert.NoError(err)

	// Fields the receiver doesn't know about are skipped
	buf = protowire.AppendTag(buf, 15, protowire.VarintType)
	buf = protowire.AppendVarint(buf, 42)

	out := &EntryMessage{}
	assert.NoError(c.Unmarshal(buf, out))
	assert.Equal(in.Entry, out.Entry)

	r := &RangeRequest{Range: sharding.KeyRange{Start: 1 << 63, End: 7}}
	buf, err = c.Marshal(r)
	assert.NoError(err)
	assert.Len(buf, 18, "Ring positions are fixed64")
	decoded := &RangeRequest{}
	assert.NoError(c.Unmarshal(buf, decoded))
	assert.Equal(r.Range, decoded.Range)

	assert.ErrorIs(c.Unmarshal([]byte{0x0a, 0x05, 'a'}, &KeyRequest{}), errInvalidMessage)
	assert.ErrorIs(c.Unmarshal(protowire.AppendVarint(protowire.AppendTag(nil, healthStateField, protowire.VarintType), 9), &HealthResponse{}), errInvalidMessage)

	_, err = c.Marshal("not a message")
	assert.Error(err)
	assert.Error(c.Unmarshal(nil, &struct{}{}))
}
