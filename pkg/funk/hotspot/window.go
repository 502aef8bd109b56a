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
import "time"

// LoadSample is a single load observation for a shard
type LoadSample struct {
	ShardID      string    `json:"shardId"`
	Timestamp    time.Time `json:"timestamp"`
	RequestRate  float64   `json:"requestRate"`
	StorageBytes uint64    `json:"storageBytes"`
}

// window is a fixed size ring buffer of samples. Adding a sample overwrites
// the oldest sample when the buffer is full.
type window struct {
	samples []LoadSample
	head    int
	count   int
	ema     *emaCalculator
}

func newWindow(size int) *window {
	if size < 1 {
		size = 1
	}
	return &window{
		samples: make([]LoadSample, size),
		ema:     newEMACalculator(defaultSmoothing),
	}
}

func (w *window) add(s LoadSample) {
	w.samples[w.head] = s
	w.head = (w.head + 1) % len(w.samples)
	if w.count < len(w.samples) {
		w.count++
	}
	w.ema.Add(s.RequestRate)
}

// latest returns the newest sample
func (w *window) latest() (LoadSample, bool) {
	if w.count == 0 {
		return LoadSample{}, false
	}
	i := (w.head - 1 + len(w.samples)) % len(w.samples)
	return w.samples[i], true
}

// rates returns the request rates for the samples newer than the cutoff,
// newest first.
func (w *window) rates(cutoff time.Time) []float64 {
	ret := make([]float64, 0, w.count)
	for n := 0; n < w.count; n++ {
		i := (w.head - 1 - n + 2*len(w.samples)) % len(w.samples)
		if w.samples[i].Timestamp.Before(cutoff) {
			// Samples are added in time order so the rest are older
			break
		}
		ret = append(ret, w.samples[i].RequestRate)
	}
	return ret
}
