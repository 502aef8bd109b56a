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
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// CodecName is the content subtype used by the shard service
const CodecName = "shardrpc"

// wireMessage is implemented by all of the messages in the service
type wireMessage interface {
	appendWire(buf []byte) []byte
	readWire(buf []byte) error
}

// codec encodes the service messages in the protobuf wire format. It isn't
// registered globally; clients and servers pass it explicitly.
type codec struct{}

func (codec) Marshal(v interface{}) ([]byte, error) {
	m, ok := v.(wireMessage)
	if !ok {
		return nil, fmt.Errorf("shardrpc: can't marshal %T", v)
	}
	return m.appendWire(nil), nil
}

func (codec) Unmarshal(data []byte, v interface{}) error {
	m, ok := v.(wireMessage)
	if !ok {
		return fmt.Errorf("shardrpc: can't unmarshal into %T", v)
	}
	return m.readWire(data)
}

func (codec) Name() string {
	return CodecName
}

// Codec returns the codec for the shard service
func Codec() encoding.Codec {
	return codec{}
}

// ServerOption makes a gRPC server use the shard service codec. The server
// must be created with this option for the service to work.
func ServerOption() grpc.ServerOption {
	return grpc.ForceServerCodec(codec{})
}

// callOption makes a call use the shard service codec
func callOption() grpc.CallOption {
	return grpc.ForceCodec(codec{})
}
