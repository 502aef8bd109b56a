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
import "errors"

var (
	// ErrRebalanceInProgress is returned when a topology change is requested
	// while another migration is running.
	ErrRebalanceInProgress = errors.New("rebalance in progress")

	// ErrRangeVerificationFailed is returned when the source and destination
	// checksums for a range still differ after all verification attempts.
	ErrRangeVerificationFailed = errors.New("range verification failed")

	// ErrPlanNotFound is returned for unknown plan IDs
	ErrPlanNotFound = errors.New("migration plan not found")

	// ErrNotAbortable is returned when aborting a plan that has passed the
	// copy stage
	ErrNotAbortable = errors.New("migration plan can't be aborted")

	// ErrNoChange is returned when the requested topology doesn't move any
	// keys
	ErrNoChange = errors.New("topology change doesn't move any keys")

	// ErrClosed is returned when the rebalancer has been closed
	ErrClosed = errors.New("rebalancer is closed")
)
