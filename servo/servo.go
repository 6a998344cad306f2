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

// Package servo turns a stream of measured clock offsets into frequency
// corrections for the local clock, stepping it when the offset is too
// large to slew away.
package servo

// Servo structure has values common for any type of servo
type Servo struct {
	maxFreq float64
	// StepThreshold above which the clock is stepped instead of slewed, 0 disables stepping
	StepThreshold int64
	// FirstStepThreshold applies only to the very first correction after start
	FirstStepThreshold int64
	// FirstUpdate marks whether FirstStepThreshold should be honored
	FirstUpdate bool
}

// State provides the result of servo calculation
type State uint8

// All the states of servo
const (
	// StateInit means the servo is warming up and no correction must be applied yet
	StateInit State = 0
	// StateJump means the offset is beyond the step threshold and the clock must be stepped
	StateJump State = 1
	// StateLocked means the returned frequency must be applied as a slew
	StateLocked State = 2
	// StateFilter means the sample was swallowed by the spike filter
	StateFilter State = 3
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateJump:
		return "JUMP"
	case StateLocked:
		return "LOCKED"
	case StateFilter:
		return "FILTER"
	}
	return "UNSUPPORTED"
}

// DefaultServoConfig generates default servo struct
func DefaultServoConfig() Servo {
	return Servo{
		maxFreq:            900000000,
		StepThreshold:      0,
		FirstStepThreshold: 20000,
		FirstUpdate:        false,
	}
}
