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

package clock

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// PPBToTimexPPM is what we use to convert PPB to PPM.
// man clock_adjtime(2):
// In struct timex, freq, ppsfreq, and stabil are ppm (parts per million) with a 16-bit fractional part.
// To convert value where 2^16=65536 is 1 ppm to ppb or back, we need this multiplier
const PPBToTimexPPM = 65.536

// clock_adjtime modes from usr/include/linux/timex.h
const (
	// frequency offset
	AdjFrequency uint32 = 0x0002
	// maximum time error
	AdjMaxError uint32 = 0x0004
	// clock status
	AdjStatus uint32 = 0x0010
	// add 'time' to current time
	AdjSetOffset uint32 = 0x0100
	// select nanosecond resolution
	AdjNano uint32 = 0x2000
)

// SysClock steers CLOCK_REALTIME via clock_adjtime(2)
type SysClock struct{}

// Now returns current system time
func (c *SysClock) Now() (time.Time, error) {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_REALTIME, &ts); err != nil {
		return time.Time{}, fmt.Errorf("reading CLOCK_REALTIME: %w", err)
	}
	return time.Unix(ts.Sec, ts.Nsec), nil
}

// AdjFreqPPB adjusts clock frequency in PPB
func (c *SysClock) AdjFreqPPB(freqPPB float64) error {
	tx := &unix.Timex{}
	// man(2) clock_adjtime, turn ppb to ppm
	tx.Freq = int64(freqPPB * PPBToTimexPPM)
	tx.Modes = AdjFrequency
	state, err := unix.ClockAdjtime(unix.CLOCK_REALTIME, tx)
	if err == nil && state != unix.TIME_OK {
		log.Warningf("clock state %d is not TIME_OK after adjusting frequency", state)
	}
	return err
}

// Step jumps the clock by given offset
func (c *SysClock) Step(step time.Duration) error {
	sign := 1
	if step < 0 {
		sign = -1
		step = step * -1
	}
	tx := &unix.Timex{}
	tx.Modes = AdjSetOffset | AdjNano
	tx.Time.Sec = int64(sign) * int64(step/time.Second)
	tx.Time.Usec = int64(sign) * int64(step%time.Second)
	/*
	 * The value of a timeval is the sum of its fields, but the
	 * field tv_usec must always be non-negative.
	 */
	if tx.Time.Usec < 0 {
		tx.Time.Sec--
		tx.Time.Usec += 1000000000
	}
	state, err := unix.ClockAdjtime(unix.CLOCK_REALTIME, tx)
	if err == nil && state != unix.TIME_OK {
		log.Warningf("clock state %d is not TIME_OK after stepping", state)
	}
	return err
}

// FrequencyPPB returns current frequency adjustment
func (c *SysClock) FrequencyPPB() (float64, error) {
	tx := &unix.Timex{}
	state, err := unix.ClockAdjtime(unix.CLOCK_REALTIME, tx)
	if err == nil && state != unix.TIME_OK {
		log.Warningf("clock state %d is not TIME_OK after getting current frequency", state)
	}
	// man(2) clock_adjtime
	return float64(tx.Freq) / PPBToTimexPPM, err
}

// MaxFreqPPB returns maximum frequency adjustment supported by the clock
func (c *SysClock) MaxFreqPPB() (float64, error) {
	tx := &unix.Timex{}
	_, err := unix.ClockAdjtime(unix.CLOCK_REALTIME, tx)
	if err != nil {
		return 0.0, err
	}
	freqPPB := float64(tx.Tolerance) / PPBToTimexPPM
	if freqPPB == 0 {
		freqPPB = DefaultMaxFreqPPB
	}
	return freqPPB, nil
}

// SetSync sets clock status to TIME_OK
func (c *SysClock) SetSync() error {
	tx := &unix.Timex{}
	tx.Modes = AdjStatus | AdjMaxError
	state, err := unix.ClockAdjtime(unix.CLOCK_REALTIME, tx)
	if err == nil && state != unix.TIME_OK {
		return fmt.Errorf("clock state %d is not TIME_OK after setting sync state", state)
	}
	return err
}
