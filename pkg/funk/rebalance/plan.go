package rebalance

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
	"sort"

	"github.com/lab5e/ringfunk/pkg/funk/sharding"
)

// RangeMove is a hash range that changes owner
type RangeMove struct {
	Range    sharding.KeyRange `json:"range"`
	From     string            `json:"from"`
	To       string            `json:"to"`
	State    RangeState        `json:"state"`
	Attempts int               `json:"attempts"`
	Keys     uint64            `json:"keys"`
	Error    string            `json:"error,omitempty"`
}

// Fraction returns the fraction of the ring the move covers
func (m RangeMove) Fraction() float64 {
	return m.Range.Fraction()
}

func (m RangeMove) String() string {
	return fmt.Sprintf("%s %s->%s", m.Range, m.From, m.To)
}

// Diff returns the ranges that change owner between two directories. Every
// position where either directory changes owner is a boundary; adjacent
// segments with the same source and destination are merged so the list is
// as short as possible. Only ranges that change owner are included.
func Diff(source, target *sharding.Directory) []RangeMove {
	srcArcs, dstArcs := source.Arcs(), target.Arcs()
	if len(srcArcs) == 0 || len(dstArcs) == 0 {
		return nil
	}
	points := make([]uint64, 0, len(srcArcs)+len(dstArcs))
	for _, a := range srcArcs {
		points = append(points, a.Range.End)
	}
	for _, a := range dstArcs {
		points = append(points, a.Range.End)
	}
	sort.Slice(points, func(i, j int) bool { return points[i] < points[j] })
	unique := points[:1]
	for _, p := range points[1:] {
		if p != unique[len(unique)-1] {
			unique = append(unique, p)
		}
	}
	points = unique

	var moves []RangeMove
	for i, p := range points {
		prev := points[len(points)-1]
		if i > 0 {
			prev = points[i-1]
		}
		// Each segment (prev, p] lies within a single arc in both
		// directories so the owner of p owns the whole segment.
		from, _ := source.LocateHash(p)
		to, _ := target.LocateHash(p)
		if from == to {
			continue
		}
		if n := len(moves); n > 0 && moves[n-1].From == from && moves[n-1].To == to && moves[n-1].Range.End == prev {
			moves[n-1].Range.End = p
			continue
		}
		moves = append(moves, RangeMove{
			Range: sharding.KeyRange{Start: prev, End: p},
			From:  from,
			To:    to,
			State: RangePending,
		})
	}
	// The last segment may continue into the first one across zero
	if n := len(moves); n > 1 && moves[0].From == moves[n-1].From && moves[0].To == moves[n-1].To && moves[0].Range.Start == moves[n-1].Range.End {
		moves[0].Range.Start = moves[n-1].Range.Start
		moves = moves[:n-1]
	}
	return moves
}

// Plan builds the next directory for the desired shard list and the ranges
// that must move to get there. Shards that gain or lose ranges get the new
// version as their epoch.
func Plan(current *sharding.Directory, desired []sharding.Shard) (*sharding.Directory, []RangeMove, error) {
	if len(desired) == 0 {
		return nil, nil, sharding.ErrNoShardsAvailable
	}
	target, err := current.Next(desired)
	if err != nil {
		return nil, nil, err
	}
	moves := Diff(current, target)
	if len(moves) == 0 {
		return nil, nil, ErrNoChange
	}
	changed := make(map[string]bool)
	for _, m := range moves {
		changed[m.From] = true
		changed[m.To] = true
	}
	shards := target.Shards()
	for i := range shards {
		if changed[shards[i].ID] {
			shards[i].Epoch = target.Version()
		}
	}
	target, err = sharding.NewDirectory(target.Version(), shards, target.Replicas(), target.HashName())
	if err != nil {
		return nil, nil, err
	}
	return target, moves, nil
}

// MovedFraction returns the fraction of the ring covered by the moves
func MovedFraction(moves []RangeMove) float64 {
	ret := 0.0
	for _, m := range moves {
		ret += m.Fraction()
	}
	return ret
}
