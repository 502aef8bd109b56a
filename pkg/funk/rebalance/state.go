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
	"io"

	"github.com/lab5e/ringfunk/pkg/toolbox/fsmtool"
)

// State is the state of a migration plan
type State string

// Migration plan states. Done, Failed and Aborted are terminal.
const (
	Planning  State = "planning"
	Copying   State = "copying"
	Verifying State = "verifying"
	CutOver   State = "cutover"
	Done      State = "done"
	Failed    State = "failed"
	Aborted   State = "aborted"
)

// Terminal returns true if the plan has stopped
func (s State) Terminal() bool {
	return s == Done || s == Failed || s == Aborted
}

// Abortable returns true if the plan can be aborted in this state
func (s State) Abortable() bool {
	return s == Planning || s == Copying
}

// newStateTable returns the transition table for migration plans. A stale
// directory at cut-over sends the plan back to planning.
func newStateTable() *fsmtool.StateTransitionTable[State] {
	ret := fsmtool.NewStateTransitionTable(Planning)
	ret.LogOnError = true
	ret.LogTransitions = true
	ret.AddTransitions(
		Planning, Copying,
		Copying, Verifying,
		Verifying, CutOver,
		CutOver, Done,
		CutOver, Planning,

		Planning, Failed,
		Copying, Failed,
		Verifying, Failed,
		CutOver, Failed,

		Planning, Aborted,
		Copying, Aborted,
	)
	return ret
}

// WriteStateDiagram writes the plan state transitions in dot format
func WriteStateDiagram(w io.Writer) {
	newStateTable().DumpTransitions(w)
}

// RangeState is the state of a single range move
type RangeState string

// Range move states. A range is cut over when the target directory has
// been published and done when it has been removed from the source.
const (
	RangePending   RangeState = "pending"
	RangeCopying   RangeState = "copying"
	RangeCopied    RangeState = "copied"
	RangeVerifying RangeState = "verifying"
	RangeVerified  RangeState = "verified"
	RangeCutOver   RangeState = "cutover"
	RangeDone      RangeState = "done"
	RangeFailed    RangeState = "failed"
)
