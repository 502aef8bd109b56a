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

	"github.com/lab5e/ringfunk/pkg/funk/sharding"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ServiceName is the gRPC service name
const ServiceName = "ringfunk.shard.ShardStore"

const (
	methodGet           = "/" + ServiceName + "/Get"
	methodPut           = "/" + ServiceName + "/Put"
	methodDelete        = "/" + ServiceName + "/Delete"
	methodDeleteRange   = "/" + ServiceName + "/DeleteRange"
	methodChecksumRange = "/" + ServiceName + "/ChecksumRange"
	methodHealth        = "/" + ServiceName + "/Health"
	methodStreamRange   = "/" + ServiceName + "/StreamRange"
)

// storeServer is the handler type for the service. The store is the only
// thing the handlers need.
type storeServer interface {
	Store() sharding.Store
}

type server struct {
	store sharding.Store
}

func (s *server) Store() sharding.Store {
	return s.store
}

// RegisterStoreServer registers the store as the shard service on the gRPC
// server. The server must be created with ServerOption.
func RegisterStoreServer(s grpc.ServiceRegistrar, store sharding.Store) {
	s.RegisterService(&serviceDesc, &server{store: store})
}

// toStatus maps store errors to gRPC status codes
func toStatus(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sharding.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, sharding.ErrShardUnreachable):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	}
	return status.Error(codes.Internal, err.Error())
}

// unary builds a method handler for a request type
func unary[Req any](method string, call func(ctx context.Context, store sharding.Store, req *Req) (interface{}, error)) func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		store := srv.(storeServer).Store()
		if interceptor == nil {
			return call(ctx, store, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: method,
		}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(ctx, store, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func doGet(ctx context.Context, store sharding.Store, req *KeyRequest) (interface{}, error) {
	v, err := store.Get(ctx, req.Key)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ValueResponse{Value: v}, nil
}

func doPut(ctx context.Context, store sharding.Store, req *PutRequest) (interface{}, error) {
	return &Empty{}, toStatus(store.Put(ctx, req.Key, req.Value))
}

func doDelete(ctx context.Context, store sharding.Store, req *KeyRequest) (interface{}, error) {
	return &Empty{}, toStatus(store.Delete(ctx, req.Key))
}

func doDeleteRange(ctx context.Context, store sharding.Store, req *RangeRequest) (interface{}, error) {
	return &Empty{}, toStatus(store.DeleteRange(ctx, req.Range))
}

func doChecksumRange(ctx context.Context, store sharding.Store, req *RangeRequest) (interface{}, error) {
	sum, err := store.ChecksumRange(ctx, req.Range)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ChecksumResponse{Checksum: sum}, nil
}

func doHealth(ctx context.Context, store sharding.Store, _ *Empty) (interface{}, error) {
	report, err := store.Health(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return &HealthResponse{Report: report}, nil
}

func streamRangeHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(RangeRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	store := srv.(storeServer).Store()
	return toStatus(store.StreamRange(stream.Context(), in.Range, func(e sharding.Entry) error {
		return stream.SendMsg(&EntryMessage{Entry: e})
	}))
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*storeServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Get", Handler: unary(methodGet, doGet)},
		{MethodName: "Put", Handler: unary(methodPut, doPut)},
		{MethodName: "Delete", Handler: unary(methodDelete, doDelete)},
		{MethodName: "DeleteRange", Handler: unary(methodDeleteRange, doDeleteRange)},
		{MethodName: "ChecksumRange", Handler: unary(methodChecksumRange, doChecksumRange)},
		{MethodName: "Health", Handler: unary(methodHealth, doHealth)},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamRange",
			Handler:       streamRangeHandler,
			ServerStreams: true,
		},
	},
	Metadata: "shardrpc",
}
