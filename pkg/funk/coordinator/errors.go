package coordinator

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
	"strings"
)

var (
	// ErrShardTimeout is reported for shards that didn't respond before the
	// fan-out deadline
	ErrShardTimeout = errors.New("shard timed out")

	// ErrFanOutFailed is returned when every shard in a fan-out failed or
	// when any shard failed in all-or-nothing mode
	ErrFanOutFailed = errors.New("fan-out failed")

	// ErrMirrorFailed is returned when a write succeeded on the current
	// owner but couldn't be applied to the owner in the directory a running
	// migration moves to
	ErrMirrorFailed = errors.New("write to migration target failed")
)

// PartialFanOutError is returned when some, but not all, of the shards in a
// fan-out failed. The results from the other shards are still valid.
type PartialFanOutError struct {
	Errors map[string]error // Errors per shard ID
	Shards int              // Number of shards in the fan-out
}

func (p *PartialFanOutError) Error() string {
	ids := sortedIDs(p.Errors)
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, fmt.Sprintf("%s: %v", id, p.Errors[id]))
	}
	return fmt.Sprintf("%d of %d shards failed (%s)", len(p.Errors), p.Shards, strings.Join(parts, ", "))
}

// Unwrap returns the shard errors so errors.Is can be used to look for a
// particular error
func (p *PartialFanOutError) Unwrap() []error {
	ret := make([]error, 0, len(p.Errors))
	for _, err := range p.Errors {
		ret = append(ret, err)
	}
	return ret
}
