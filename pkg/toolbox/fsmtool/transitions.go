// Package fsmtool holds a small state transition table used to guard the
// states of long-running operations.
package fsmtool

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
	"io"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
)

// StateTransitionTable keeps track of the current state and the transitions
// that are allowed out of each state. The table isn't thread safe; callers
// guard it with their own lock.
type StateTransitionTable[S comparable] struct {
	CurrentState     S
	LogOnError       bool
	LogTransitions   bool
	ValidTransitions map[S][]S
}

// NewStateTransitionTable creates a new state transition table.
func NewStateTransitionTable[S comparable](initialState S) *StateTransitionTable[S] {
	return &StateTransitionTable[S]{
		CurrentState:     initialState,
		ValidTransitions: make(map[S][]S),
	}
}

// AddTransitions adds pairs of (from, to) states to the table. Odd-length
// lists and duplicates are rejected.
func (s *StateTransitionTable[S]) AddTransitions(states ...S) bool {
	if len(states)%2 != 0 {
		return false
	}
	for i := 0; i < len(states); i += 2 {
		from, to := states[i], states[i+1]
		existing := s.ValidTransitions[from]
		for _, v := range existing {
			if v == to {
				return false
			}
		}
		s.ValidTransitions[from] = append(existing, to)
	}
	return true
}

// CanTransition returns true if the table allows a transition between the
// two states
func (s *StateTransitionTable[S]) CanTransition(from, to S) bool {
	for _, v := range s.ValidTransitions[from] {
		if v == to {
			return true
		}
	}
	return false
}

// Terminal returns true if there are no transitions out of the state
func (s *StateTransitionTable[S]) Terminal(state S) bool {
	return len(s.ValidTransitions[state]) == 0
}

// SetState sets a new state if it is valid. Setting a state while in a state
// with no outbound transitions is a programming error and panics.
func (s *StateTransitionTable[S]) SetState(state S) bool {
	if s.Terminal(s.CurrentState) {
		panic(fmt.Sprintf("no transitions from %v (to %v)", s.CurrentState, state))
	}
	if s.CanTransition(s.CurrentState, state) {
		s.CurrentState = state
		return true
	}
	return false
}

// Apply changes the state and runs the function if the transition is valid
func (s *StateTransitionTable[S]) Apply(newState S, code func(stt *StateTransitionTable[S])) bool {
	oldState := s.CurrentState
	if !s.SetState(newState) {
		if s.LogOnError {
			logrus.WithFields(logrus.Fields{
				"current": oldState,
				"invalid": newState,
			}).Error("Invalid state assignment")
		}
		return false
	}
	start := time.Now()
	code(s)
	if s.LogTransitions {
		logrus.WithFields(logrus.Fields{
			"from": oldState,
			"to":   newState,
		}).Debugf("State transition took %f ms", float64(time.Since(start))/float64(time.Millisecond))
	}
	return true
}

// DumpTransitions dumps the transitions in a dot-compatible format
func (s *StateTransitionTable[S]) DumpTransitions(writer io.Writer) {
	var lines []string
	for k, v := range s.ValidTransitions {
		for _, to := range v {
			lines = append(lines, fmt.Sprintf("    \"%v\" -> \"%v\";\n", k, to))
		}
	}
	sort.Strings(lines)
	fmt.Fprintf(writer, "digraph StateTransitions {\n")
	for _, l := range lines {
		fmt.Fprint(writer, l)
	}
	fmt.Fprintf(writer, "}\n")
}
