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
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// PHCClock steers the hardware clock of a network card via its
// /dev/ptpN character device. Used with hardware timestamping, where
// packet timestamps come from the same clock.
type PHCClock struct {
	f       *os.File
	clockID int32
}

// NewPHCClock opens the PHC device associated with the interface
func NewPHCClock(iface string) (*PHCClock, error) {
	device, err := ifaceToPHCDevice(iface)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(device, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", device, err)
	}
	return &PHCClock{f: f, clockID: fdToClockID(f.Fd())}, nil
}

// ifaceToPHCDevice finds the PHC device backing a network card
func ifaceToPHCDevice(iface string) (string, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return "", fmt.Errorf("creating socket for ethtool ioctl: %w", err)
	}
	defer unix.Close(fd)
	info, err := unix.IoctlGetEthtoolTsInfo(fd, iface)
	if err != nil {
		return "", fmt.Errorf("getting timestamping info of %s: %w", iface, err)
	}
	if info.Phc_index < 0 {
		return "", fmt.Errorf("%s: no PHC support", iface)
	}
	return fmt.Sprintf("/dev/ptp%d", info.Phc_index), nil
}

// fdToClockID turns a PHC device fd into a dynamic posix clock id,
// see kernel posix-clock.c
func fdToClockID(fd uintptr) int32 {
	return int32((int(^fd) << 3) | 3)
}

// Now returns current PHC time
func (c *PHCClock) Now() (time.Time, error) {
	var ts unix.Timespec
	if err := unix.ClockGettime(c.clockID, &ts); err != nil {
		return time.Time{}, fmt.Errorf("reading PHC time: %w", err)
	}
	return time.Unix(ts.Sec, ts.Nsec), nil
}

// AdjFreqPPB adjusts PHC frequency in PPB
func (c *PHCClock) AdjFreqPPB(freqPPB float64) error {
	tx := &unix.Timex{}
	tx.Freq = int64(freqPPB * PPBToTimexPPM)
	tx.Modes = AdjFrequency
	_, err := unix.ClockAdjtime(c.clockID, tx)
	return err
}

// Step jumps the PHC by given offset
func (c *PHCClock) Step(step time.Duration) error {
	sign := 1
	if step < 0 {
		sign = -1
		step = step * -1
	}
	tx := &unix.Timex{}
	tx.Modes = AdjSetOffset | AdjNano
	tx.Time.Sec = int64(sign) * int64(step/time.Second)
	tx.Time.Usec = int64(sign) * int64(step%time.Second)
	// the timeval must keep tv_usec non-negative
	if tx.Time.Usec < 0 {
		tx.Time.Sec--
		tx.Time.Usec += 1000000000
	}
	_, err := unix.ClockAdjtime(c.clockID, tx)
	return err
}

// FrequencyPPB returns current PHC frequency adjustment
func (c *PHCClock) FrequencyPPB() (float64, error) {
	tx := &unix.Timex{}
	_, err := unix.ClockAdjtime(c.clockID, tx)
	return float64(tx.Freq) / PPBToTimexPPM, err
}

// MaxFreqPPB returns the adjustment range the device advertises
func (c *PHCClock) MaxFreqPPB() (float64, error) {
	caps, err := unix.IoctlPtpClockGetcaps(int(c.f.Fd()))
	if err != nil {
		return DefaultMaxFreqPPB, err
	}
	maxFreq := float64(caps.Max_adj)
	if maxFreq == 0 {
		maxFreq = DefaultMaxFreqPPB
	}
	return maxFreq, nil
}

// SetSync does nothing, PHC devices carry no kernel sync status word
func (c *PHCClock) SetSync() error {
	return nil
}

// Device returns the path of the underlying PHC device
func (c *PHCClock) Device() string {
	return c.f.Name()
}

// Close releases the PHC device
func (c *PHCClock) Close() error {
	return c.f.Close()
}
