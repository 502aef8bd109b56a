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
	"errors"
	"fmt"

	"github.com/lab5e/ringfunk/pkg/funk/sharding"
	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers. Ring positions and digests are spread over the full 64 bit
// range so they are encoded as fixed64.
const (
	keyField   protowire.Number = 1
	valueField protowire.Number = 2

	rangeStartField protowire.Number = 1
	rangeEndField   protowire.Number = 2

	checksumCountField  protowire.Number = 1
	checksumDigestField protowire.Number = 2

	healthStateField   protowire.Number = 1
	healthKeysField    protowire.Number = 2
	healthStorageField protowire.Number = 3
)

var errInvalidMessage = errors.New("invalid shardrpc message")

// field is a single decoded field. Varint and fixed64 fields are in value,
// length delimited fields in bytes.
type field struct {
	num   protowire.Number
	typ   protowire.Type
	value uint64
	bytes []byte
}

// readFields calls the function for every field in the buffer. Unknown
// fields are passed on as well and the function can ignore them.
func readFields(buf []byte, fn func(f field) error) error {
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return fmt.Errorf("%w: %v", errInvalidMessage, protowire.ParseError(n))
		}
		buf = buf[n:]
		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.value, n = protowire.ConsumeVarint(buf)
		case protowire.Fixed64Type:
			f.value, n = protowire.ConsumeFixed64(buf)
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(buf)
		default:
			n = protowire.ConsumeFieldValue(num, typ, buf)
		}
		if n < 0 {
			return fmt.Errorf("%w: %v", errInvalidMessage, protowire.ParseError(n))
		}
		buf = buf[n:]
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

// clone copies a byte field. The receive buffer may be reused by gRPC.
func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append(make([]byte, 0, len(b)), b...)
}

func appendBytes(buf []byte, num protowire.Number, v []byte) []byte {
	buf = protowire.AppendTag(buf, num, protowire.BytesType)
	return protowire.AppendBytes(buf, v)
}

func appendFixed64(buf []byte, num protowire.Number, v uint64) []byte {
	buf = protowire.AppendTag(buf, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(buf, v)
}

func appendVarint(buf []byte, num protowire.Number, v uint64) []byte {
	buf = protowire.AppendTag(buf, num, protowire.VarintType)
	return protowire.AppendVarint(buf, v)
}

// KeyRequest is used for the Get and Delete calls
type KeyRequest struct {
	Key []byte
}

func (m *KeyRequest) appendWire(buf []byte) []byte {
	return appendBytes(buf, keyField, m.Key)
}

func (m *KeyRequest) readWire(buf []byte) error {
	return readFields(buf, func(f field) error {
		if f.num == keyField && f.typ == protowire.BytesType {
			m.Key = clone(f.bytes)
		}
		return nil
	})
}

// PutRequest stores a single value
type PutRequest struct {
	Key   []byte
	Value []byte
}

func (m *PutRequest) appendWire(buf []byte) []byte {
	buf = appendBytes(buf, keyField, m.Key)
	return appendBytes(buf, valueField, m.Value)
}

func (m *PutRequest) readWire(buf []byte) error {
	return readFields(buf, func(f field) error {
		if f.typ != protowire.BytesType {
			return nil
		}
		switch f.num {
		case keyField:
			m.Key = clone(f.bytes)
		case valueField:
			m.Value = clone(f.bytes)
		}
		return nil
	})
}

// ValueResponse is the response to Get
type ValueResponse struct {
	Value []byte
}

func (m *ValueResponse) appendWire(buf []byte) []byte {
	return appendBytes(buf, valueField, m.Value)
}

func (m *ValueResponse) readWire(buf []byte) error {
	return readFields(buf, func(f field) error {
		if f.num == valueField && f.typ == protowire.BytesType {
			m.Value = clone(f.bytes)
		}
		return nil
	})
}

// Empty is used for calls without parameters or results
type Empty struct{}

func (m *Empty) appendWire(buf []byte) []byte {
	return buf
}

func (m *Empty) readWire(buf []byte) error {
	return readFields(buf, func(field) error { return nil })
}

// RangeRequest is used for the range calls
type RangeRequest struct {
	Range sharding.KeyRange
}

func (m *RangeRequest) appendWire(buf []byte) []byte {
	buf = appendFixed64(buf, rangeStartField, m.Range.Start)
	return appendFixed64(buf, rangeEndField, m.Range.End)
}

func (m *RangeRequest) readWire(buf []byte) error {
	return readFields(buf, func(f field) error {
		if f.typ != protowire.Fixed64Type {
			return nil
		}
		switch f.num {
		case rangeStartField:
			m.Range.Start = f.value
		case rangeEndField:
			m.Range.End = f.value
		}
		return nil
	})
}

// ChecksumResponse is the response to ChecksumRange
type ChecksumResponse struct {
	Checksum sharding.Checksum
}

func (m *ChecksumResponse) appendWire(buf []byte) []byte {
	buf = appendVarint(buf, checksumCountField, m.Checksum.Count)
	return appendFixed64(buf, checksumDigestField, m.Checksum.Digest)
}

func (m *ChecksumResponse) readWire(buf []byte) error {
	return readFields(buf, func(f field) error {
		switch {
		case f.num == checksumCountField && f.typ == protowire.VarintType:
			m.Checksum.Count = f.value
		case f.num == checksumDigestField && f.typ == protowire.Fixed64Type:
			m.Checksum.Digest = f.value
		}
		return nil
	})
}

// HealthResponse is the response to Health
type HealthResponse struct {
	Report sharding.HealthReport
}

func (m *HealthResponse) appendWire(buf []byte) []byte {
	buf = appendVarint(buf, healthStateField, uint64(m.Report.State))
	buf = appendVarint(buf, healthKeysField, m.Report.Keys)
	return appendVarint(buf, healthStorageField, m.Report.StorageBytes)
}

func (m *HealthResponse) readWire(buf []byte) error {
	err := readFields(buf, func(f field) error {
		if f.typ != protowire.VarintType {
			return nil
		}
		switch f.num {
		case healthStateField:
			m.Report.State = sharding.HealthState(f.value)
		case healthKeysField:
			m.Report.Keys = f.value
		case healthStorageField:
			m.Report.StorageBytes = f.value
		}
		return nil
	})
	if err != nil {
		return err
	}
	if m.Report.State < sharding.Healthy || m.Report.State > sharding.Unreachable {
		return fmt.Errorf("%w: health state %d", errInvalidMessage, m.Report.State)
	}
	return nil
}

// EntryMessage is a single streamed entry
type EntryMessage struct {
	Entry sharding.Entry
}

func (m *EntryMessage) appendWire(buf []byte) []byte {
	buf = appendBytes(buf, keyField, m.Entry.Key)
	return appendBytes(buf, valueField, m.Entry.Value)
}

func (m *EntryMessage) readWire(buf []byte) error {
	return readFields(buf, func(f field) error {
		if f.typ != protowire.BytesType {
			return nil
		}
		switch f.num {
		case keyField:
			m.Entry.Key = clone(f.bytes)
		case valueField:
			m.Entry.Value = clone(f.bytes)
		}
		return nil
	})
}
