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
import (
	"testing"

	"github.com/stretchr/testify/require"
)

// request rate, expected average, delta
var rateTable = [][]float64{
	{100.0, 100.0, 0.0},
	{100.0, 100.0, 0.0},
	{100.0, 100.0, 0.0},
	{50, 97.5, 0.0},
	{50, 95.125, 0.0},
	{50, 92.869, 0.005},
	{50, 90.725, 0.005},
	{50, 88.689, 0.005},
	{400, 104.254, 0.005},
	{400, 119.042, 0.005},
}

func TestEMA(t *testing.T) {
	assert := require.New(t)

	ema := newEMACalculator(0)
	assert.Equal(0.0, ema.Average())
	for _, v := range rateTable {
		avg := ema.Add(v[0])
		assert.InDelta(v[1], avg, v[2])
	}
	assert.InDelta(119.042, ema.Average(), 0.005)
}
