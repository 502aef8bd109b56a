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
	"io"

	"github.com/lab5e/ringfunk/pkg/funk/sharding"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Client is a sharding.Store backed by a remote shard node
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient creates a new store client on top of a connection
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// fromStatus maps gRPC errors back to the store errors. Unavailable nodes
// are reported as unreachable shards so the caller can retry.
func fromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.NotFound:
		return sharding.ErrNotFound
	case codes.Unavailable:
		return fmt.Errorf("%w: %s", sharding.ErrShardUnreachable, st.Message())
	case codes.DeadlineExceeded:
		return fmt.Errorf("%w: %s", context.DeadlineExceeded, st.Message())
	case codes.Canceled:
		return fmt.Errorf("%w: %s", context.Canceled, st.Message())
	}
	return err
}

func (c *Client) invoke(ctx context.Context, method string, req, resp interface{}) error {
	return fromStatus(c.conn.Invoke(ctx, method, req, resp, callOption()))
}

// Get returns the value for a key
func (c *Client) Get(ctx context.Context, key []byte) ([]byte, error) {
	resp := &ValueResponse{}
	if err := c.invoke(ctx, methodGet, &KeyRequest{Key: key}, resp); err != nil {
		return nil, err
	}
	return resp.Value, nil
}

// Put stores a value
func (c *Client) Put(ctx context.Context, key, value []byte) error {
	return c.invoke(ctx, methodPut, &PutRequest{Key: key, Value: value}, &Empty{})
}

// Delete removes a key
func (c *Client) Delete(ctx context.Context, key []byte) error {
	return c.invoke(ctx, methodDelete, &KeyRequest{Key: key}, &Empty{})
}

// DeleteRange removes all entries in a range
func (c *Client) DeleteRange(ctx context.Context, r sharding.KeyRange) error {
	return c.invoke(ctx, methodDeleteRange, &RangeRequest{Range: r}, &Empty{})
}

// ChecksumRange returns the checksum of a range
func (c *Client) ChecksumRange(ctx context.Context, r sharding.KeyRange) (sharding.Checksum, error) {
	resp := &ChecksumResponse{}
	if err := c.invoke(ctx, methodChecksumRange, &RangeRequest{Range: r}, resp); err != nil {
		return sharding.Checksum{}, err
	}
	return resp.Checksum, nil
}

// Health returns the health report from the shard node
func (c *Client) Health(ctx context.Context) (sharding.HealthReport, error) {
	resp := &HealthResponse{}
	if err := c.invoke(ctx, methodHealth, &Empty{}, resp); err != nil {
		return sharding.HealthReport{}, err
	}
	return resp.Report, nil
}

// StreamRange streams the entries in a range. The stream is cancelled if the
// function returns an error.
func (c *Client) StreamRange(ctx context.Context, r sharding.KeyRange, fn func(sharding.Entry) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := c.conn.NewStream(ctx, &serviceDesc.Streams[0], methodStreamRange, callOption())
	if err != nil {
		return fromStatus(err)
	}
	if err := stream.SendMsg(&RangeRequest{Range: r}); err != nil {
		return fromStatus(err)
	}
	if err := stream.CloseSend(); err != nil {
		return fromStatus(err)
	}
	for {
		msg := &EntryMessage{}
		err := stream.RecvMsg(msg)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fromStatus(err)
		}
		if err := fn(msg.Entry); err != nil {
			return err
		}
	}
}
