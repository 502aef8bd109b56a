package hotspot

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

// defaultSmoothing is the weight of new samples in the moving average
const defaultSmoothing = 0.05

// emaCalculator calculates the exponential moving average of the request
// rate for a shard. The first sample seeds the average so a new shard
// doesn't start at zero. The type is not thread safe.
type emaCalculator struct {
	m      float64
	ema    float64
	seeded bool
}

func newEMACalculator(smoothing float64) *emaCalculator {
	if smoothing <= 0 || smoothing > 1 {
		smoothing = defaultSmoothing
	}
	return &emaCalculator{m: smoothing}
}

// Add adds a new sample and returns the new moving average. A fixed weight is
// used rather than the classic 2/(n+1) so the average keeps following load
// changes that are permanent.
func (e *emaCalculator) Add(x float64) float64 {
	if !e.seeded {
		e.ema = x
		e.seeded = true
		return e.ema
	}
	e.ema = (x-e.ema)*e.m + e.ema
	return e.ema
}

// Average returns the current moving average
func (e *emaCalculator) Average() float64 {
	return e.ema
}
