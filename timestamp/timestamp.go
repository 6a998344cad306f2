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

// Package timestamp provides kernel packet timestamping for PTP sockets:
// enabling software or hardware timestamps on a socket, reading packets
// together with their RX timestamp and fetching TX timestamps from the
// socket error queue.
package timestamp

import (
	"fmt"
	"net"
)

// Supported timestamping modes
const (
	// HW is hardware (NIC) timestamping
	HW = "hardware"
	// SW is kernel software timestamping
	SW = "software"
)

const (
	// ControlSizeBytes fits several timestamp control messages, stale
	// ones may pile up in the error queue between reads
	ControlSizeBytes = 128
	// PayloadSizeBytes fits any PTP packet we deal with
	PayloadSizeBytes = 128
)

// CheckMode returns an error for timestamping modes we don't support
func CheckMode(mode string) error {
	switch mode {
	case HW, SW:
		return nil
	}
	return fmt.Errorf("unsupported timestamping mode %q", mode)
}

// ConnFd returns the underlying file descriptor of a UDP connection
func ConnFd(conn *net.UDPConn) (int, error) {
	sc, err := conn.SyscallConn()
	if err != nil {
		return -1, err
	}
	var intfd int
	err = sc.Control(func(fd uintptr) {
		intfd = int(fd)
	})
	if err != nil {
		return -1, err
	}
	return intfd, nil
}
