// Package serverfunk holds the server side helpers for shard nodes.
package serverfunk

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
	"path"

	"github.com/lab5e/ringfunk/pkg/funk/metrics"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// WithRequestMetrics returns the server options that log every request to
// the metrics sink with the shard ID as the label.
func WithRequestMetrics(shardID string, m metrics.Sink) []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(createUnaryMetricsInterceptor(shardID, m)),
		grpc.ChainStreamInterceptor(createStreamMetricsInterceptor(shardID, m)),
	}
}

func logResult(shardID, method string, err error) {
	if err == nil || status.Code(err) == codes.NotFound {
		return
	}
	log.WithError(err).WithFields(log.Fields{
		"shard":  shardID,
		"method": method,
	}).Debug("Request failed")
}

func createUnaryMetricsInterceptor(shardID string, m metrics.Sink) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		method := path.Base(info.FullMethod)
		ret, err := handler(ctx, req)
		m.LogRequest(shardID, method)
		logResult(shardID, method, err)
		return ret, err
	}
}

func createStreamMetricsInterceptor(shardID string, m metrics.Sink) grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		method := path.Base(info.FullMethod)
		err := handler(srv, ss)
		m.LogRequest(shardID, method)
		logResult(shardID, method, err)
		return err
	}
}
