package toolbox

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
	"errors"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

// GRPCClientParam holds the client side connection parameters for the shard
// nodes. The server endpoint itself comes from the shard directory.
type GRPCClientParam struct {
	TLS                bool          `kong:"help='Enable TLS',default='false'"`
	CAFile             string        `kong:"help='CA certificate file',type='existingfile'"`
	ServerHostOverride string        `kong:"help='Host name override for certificate'"`
	KeepAlive          time.Duration `kong:"help='Keepalive ping interval',default='30s'"`
}

// GetGRPCDialOpts returns the dial options for the client parameters
func GetGRPCDialOpts(config GRPCClientParam) ([]grpc.DialOption, error) {
	var opts []grpc.DialOption
	if config.KeepAlive > 0 {
		opts = append(opts, grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                config.KeepAlive,
			PermitWithoutStream: true,
		}))
	}
	if !config.TLS {
		return append(opts, grpc.WithTransportCredentials(insecure.NewCredentials())), nil
	}

	if config.CAFile == "" {
		return nil, errors.New("missing CA file for TLS")
	}

	creds, err := credentials.NewClientTLSFromFile(config.CAFile, config.ServerHostOverride)
	if err != nil {
		return nil, err
	}
	return append(opts, grpc.WithTransportCredentials(creds)), nil
}
