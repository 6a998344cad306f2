/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package port

import (
	"math"
	"sort"
)

// slidingWindow keeps the last N path delay samples in a ring and
// provides the aggregates the path delay filters are based on
type slidingWindow struct {
	size    int
	count   int
	head    int // next write position
	sum     float64
	samples []float64
	scratch []float64
}

func newSlidingWindow(size int) *slidingWindow {
	if size < 1 {
		size = 1
	}
	return &slidingWindow{
		size:    size,
		samples: make([]float64, size),
		scratch: make([]float64, size),
	}
}

func (w *slidingWindow) add(sample float64) {
	if w.count == w.size {
		w.sum -= w.samples[w.head]
	} else {
		w.count++
	}
	w.samples[w.head] = sample
	w.head = (w.head + 1) % w.size
	w.sum += sample
}

func (w *slidingWindow) lastSample() float64 {
	if w.count == 0 {
		return math.NaN()
	}
	return w.samples[(w.head-1+w.size)%w.size]
}

func (w *slidingWindow) allSamples() []float64 {
	for i := 0; i < w.count; i++ {
		w.scratch[i] = w.samples[(w.head-w.count+i+w.size)%w.size]
	}
	return w.scratch[:w.count]
}

func mean(data []float64) float64 {
	sum := 0.0
	for _, v := range data {
		sum += v
	}
	return sum / float64(len(data))
}

func (w *slidingWindow) median() float64 {
	c := w.allSamples()
	sort.Float64s(c)
	l := len(c)
	if l == 0 {
		return math.NaN()
	} else if l%2 == 0 {
		return mean(c[l/2-1 : l/2+1])
	}
	return c[l/2]
}

func (w *slidingWindow) mean() float64 {
	if w.count == 0 {
		return math.NaN()
	}
	return w.sum / float64(w.count)
}

func (w *slidingWindow) Full() bool {
	return w.count == w.size
}
