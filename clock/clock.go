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

// Package clock abstracts the local clock that synchronization steers.
// All operations are fallible: a failure is fatal for the port steering
// through the clock, not for the whole process.
package clock

import "time"

// DefaultMaxFreqPPB is the adjustment range assumed when the clock
// can't report its own
const DefaultMaxFreqPPB = 500000.0

// Clock is the iface for clock device controls
type Clock interface {
	// Now returns current clock reading
	Now() (time.Time, error)
	// AdjFreqPPB adjusts clock frequency in parts per billion
	AdjFreqPPB(freqPPB float64) error
	// Step jumps the clock by given offset
	Step(step time.Duration) error
	// FrequencyPPB returns current frequency adjustment
	FrequencyPPB() (float64, error)
	// MaxFreqPPB returns maximum frequency adjustment supported by the clock
	MaxFreqPPB() (float64, error)
	// SetSync marks the clock as synchronized
	SetSync() error
}

// FreeRunningClock reads real time but swallows all adjustments.
// Used when we want to observe offsets without steering anything.
type FreeRunningClock struct{}

// Now returns current system time
func (c *FreeRunningClock) Now() (time.Time, error) {
	return time.Now(), nil
}

// AdjFreqPPB does nothing
func (c *FreeRunningClock) AdjFreqPPB(freqPPB float64) error {
	return nil
}

// Step does nothing
func (c *FreeRunningClock) Step(step time.Duration) error {
	return nil
}

// FrequencyPPB returns zero frequency adjustment
func (c *FreeRunningClock) FrequencyPPB() (float64, error) {
	return 0.0, nil
}

// MaxFreqPPB reports a typical system clock adjustment range
func (c *FreeRunningClock) MaxFreqPPB() (float64, error) {
	return DefaultMaxFreqPPB, nil
}

// SetSync does nothing
func (c *FreeRunningClock) SetSync() error {
	return nil
}
