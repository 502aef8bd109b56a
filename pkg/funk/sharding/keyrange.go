package sharding

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
	"math"
)

// KeyRange is a half-open interval (Start, End] of ring positions. The range
// wraps around zero when Start is greater than End. A range where Start
// equals End covers the entire ring.
type KeyRange struct {
	Start uint64 `json:"start"`
	End   uint64 `json:"end"`
}

// FullRange returns a range covering the entire ring
func FullRange() KeyRange {
	return KeyRange{}
}

// IsFull returns true if the range covers the entire ring
func (r KeyRange) IsFull() bool {
	return r.Start == r.End
}

// Contains returns true if the position is inside the range
func (r KeyRange) Contains(pos uint64) bool {
	switch {
	case r.Start == r.End:
		return true
	case r.Start < r.End:
		return pos > r.Start && pos <= r.End
	default:
		return pos > r.Start || pos <= r.End
	}
}

// Size is the number of positions in the range. The full ring reports
// math.MaxUint64 (one short of the actual size).
func (r KeyRange) Size() uint64 {
	if r.IsFull() {
		return math.MaxUint64
	}
	return r.End - r.Start
}

// Fraction is the share of the ring covered by the range
func (r KeyRange) Fraction() float64 {
	if r.IsFull() {
		return 1.0
	}
	return float64(r.Size()) / float64(math.MaxUint64)
}

// span is an inclusive linear interval
type span struct {
	lo, hi uint64
}

func (r KeyRange) spans() []span {
	switch {
	case r.Start == r.End:
		return []span{{0, math.MaxUint64}}
	case r.Start < r.End:
		return []span{{r.Start + 1, r.End}}
	default:
		ret := []span{{0, r.End}}
		if r.Start != math.MaxUint64 {
			ret = append(ret, span{r.Start + 1, math.MaxUint64})
		}
		return ret
	}
}

// Intersects returns true if the two ranges share at least one position
func (r KeyRange) Intersects(other KeyRange) bool {
	for _, a := range r.spans() {
		for _, b := range other.spans() {
			if a.lo <= b.hi && b.lo <= a.hi {
				return true
			}
		}
	}
	return false
}

func (r KeyRange) String() string {
	return fmt.Sprintf("(%016x, %016x]", r.Start, r.End)
}
