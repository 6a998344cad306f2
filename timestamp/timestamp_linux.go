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

package timestamp

import (
	"encoding/binary"
	"fmt"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// from include/uapi/linux/net_tstamp.h
const (
	hwtstampTXON             int32 = 0x00000001 // HWTSTAMP_TX_ON
	hwtstampFilterAll        int32 = 0x00000001 // HWTSTAMP_FILTER_ALL
	hwtstampFilterPTPv2Event int32 = 0x0000000c // HWTSTAMP_FILTER_PTP_V2_EVENT
)

// how many error queue reads we spend draining stale TX timestamps
const maxTXTS = 100

// unix.Cmsghdr size differs depending on platform
var cmsgHeaderLen = binary.Size(unix.Cmsghdr{})

var timestamping = unix.SO_TIMESTAMPING_NEW

func init() {
	// kernels before 5 don't know unix.SO_TIMESTAMPING_NEW
	var uname unix.Utsname
	if err := unix.Uname(&uname); err == nil {
		if uname.Release[0] < '5' {
			timestamping = unix.SO_TIMESTAMPING
		}
	}
}

// ifreq for the SIOCSHWTSTAMP ioctl
type ifreq struct {
	name [unix.IFNAMSIZ]byte
	data uintptr
}

// hwtstampConfig from include/uapi/linux/net_tstamp.h
type hwtstampConfig struct {
	flags    int32
	txType   int32
	rxFilter int32
}

// Enable turns on packet timestamping of the given mode on the socket.
// For HW mode iface names the interface whose NIC does the stamping.
func Enable(connFd int, mode, iface string) error {
	switch mode {
	case SW:
		return enableSWTimestamps(connFd)
	case HW:
		return enableHWTimestamps(connFd, iface)
	}
	return fmt.Errorf("unsupported timestamping mode %q", mode)
}

// enableSWTimestamps enables kernel TX and RX timestamps on the socket
func enableSWTimestamps(connFd int) error {
	// OPT_TSONLY makes the kernel return the TX timestamp alongside an
	// empty packet instead of a copy of the original one
	flags := unix.SOF_TIMESTAMPING_TX_SOFTWARE |
		unix.SOF_TIMESTAMPING_RX_SOFTWARE |
		unix.SOF_TIMESTAMPING_SOFTWARE |
		unix.SOF_TIMESTAMPING_OPT_TSONLY
	if err := unix.SetsockoptInt(connFd, unix.SOL_SOCKET, timestamping, flags); err != nil {
		return err
	}
	return unix.SetsockoptInt(connFd, unix.SOL_SOCKET, unix.SO_SELECT_ERR_QUEUE, 1)
}

// enableHWTimestamps enables NIC TX and RX timestamps on the socket
func enableHWTimestamps(connFd int, iface string) error {
	if err := ioctlHWTimestamp(connFd, iface, hwtstampFilterAll); err != nil {
		// some NICs only accept the narrower PTP filter
		if err := ioctlHWTimestamp(connFd, iface, hwtstampFilterPTPv2Event); err != nil {
			return err
		}
	}
	flags := unix.SOF_TIMESTAMPING_TX_HARDWARE |
		unix.SOF_TIMESTAMPING_RX_HARDWARE |
		unix.SOF_TIMESTAMPING_RAW_HARDWARE |
		unix.SOF_TIMESTAMPING_OPT_TSONLY
	if err := unix.SetsockoptInt(connFd, unix.SOL_SOCKET, timestamping, flags); err != nil {
		return err
	}
	return unix.SetsockoptInt(connFd, unix.SOL_SOCKET, unix.SO_SELECT_ERR_QUEUE, 1)
}

func ioctlHWTimestamp(fd int, ifname string, filter int32) error {
	hw := &hwtstampConfig{
		txType:   hwtstampTXON,
		rxFilter: filter,
	}
	i := &ifreq{data: uintptr(unsafe.Pointer(hw))}
	copy(i.name[:unix.IFNAMSIZ-1], ifname)

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), unix.SIOCSHWTSTAMP, uintptr(unsafe.Pointer(i))); errno != 0 {
		return fmt.Errorf("failed to run ioctl SIOCSHWTSTAMP: %s (%d)", unix.ErrnoName(errno), errno)
	}
	return nil
}

// ReadPacketWithRXTimestamp reads a packet from the socket and returns it
// together with the sender address and the kernel RX timestamp.
// buf and oob are caller-provided to avoid per-packet allocations.
func ReadPacketWithRXTimestamp(connFd int, buf, oob []byte) (int, unix.Sockaddr, time.Time, error) {
	n, oobn, _, saddr, err := unix.Recvmsg(connFd, buf, oob, 0)
	if err != nil {
		return 0, nil, time.Time{}, fmt.Errorf("reading packet: %w", err)
	}
	ts, err := cmsgTimestamp(oob[:oobn])
	return n, saddr, ts, err
}

// ReadTXTimestamp fetches from the error queue the TX timestamp of the
// last packet sent on the socket. The queue may hold timestamps of several
// earlier sends, it is drained so that the newest one wins.
func ReadTXTimestamp(connFd int) (time.Time, int, error) {
	oob := make([]byte, ControlSizeBytes)
	tmp := make([]byte, ControlSizeBytes)

	var oobn int
	found := false
	attempts := 0
	for ; attempts < maxTXTS; attempts++ {
		if !found {
			// wait for the poll event, ignore the error
			_ = pollErrqueue(connFd)
		}
		n, err := recvErrqueue(connFd, tmp)
		if err != nil {
			if found {
				// queue drained, newest timestamp is in oob
				break
			}
			continue
		}
		found = true
		oobn = n
		copy(oob, tmp)
	}
	if !found {
		return time.Time{}, attempts, fmt.Errorf("no TX timestamp found after %d tries", maxTXTS)
	}
	ts, err := cmsgTimestamp(oob[:oobn])
	return ts, attempts, err
}

func pollErrqueue(connFd int) error {
	fds := []unix.PollFd{{Fd: int32(connFd), Events: unix.POLLPRI}}
	// 1ms, TX timestamps normally show up within microseconds
	_, err := unix.Poll(fds, 1)
	return err
}

// recvErrqueue reads only the control message part of an MSG_ERRQUEUE
// entry, the accompanying payload is of no use with OPT_TSONLY
func recvErrqueue(connFd int, oob []byte) (int, error) {
	var msg unix.Msghdr
	msg.Control = &oob[0]
	msg.SetControllen(len(oob))
	_, _, errno := unix.Syscall(unix.SYS_RECVMSG, uintptr(connFd), uintptr(unsafe.Pointer(&msg)), uintptr(unix.MSG_ERRQUEUE))
	if errno != 0 {
		return 0, errno
	}
	return int(msg.Controllen), nil
}

// cmsgTimestamp walks socket control messages looking for the
// timestamping one, a stripped down ParseSocketControlMessage
func cmsgTimestamp(b []byte) (time.Time, error) {
	mlen := 0
	for i := 0; i < len(b); i += mlen {
		h := (*unix.Cmsghdr)(unsafe.Pointer(&b[i]))
		mlen = int(h.Len)
		// SO_TIMESTAMPING_NEW sockets may still deliver SO_TIMESTAMPING
		// messages on some kernels
		if h.Level == unix.SOL_SOCKET && (int(h.Type) == unix.SO_TIMESTAMPING_NEW || int(h.Type) == unix.SO_TIMESTAMPING) {
			return scmDataToTime(b[i+cmsgHeaderLen : i+mlen])
		}
	}
	return time.Time{}, fmt.Errorf("no timestamp in socket control message")
}

// scmDataToTime parses the scm_timestamping structure: three timespecs
// of which software timestamps occupy the first and hardware ones the
// third, only one is ever non-zero
func scmDataToTime(data []byte) (time.Time, error) {
	const size = 16 // one __kernel_timespec
	ts := byteToTime(data[size*2 : size*3])
	if ts.UnixNano() == 0 {
		ts = byteToTime(data[0:size])
		if ts.UnixNano() == 0 {
			return ts, fmt.Errorf("got zero timestamp")
		}
	}
	return ts, nil
}

// byteToTime converts a __kernel_timespec into a timestamp
func byteToTime(data []byte) time.Time {
	sec := int64(binary.LittleEndian.Uint64(data[0:8]))
	nsec := int64(binary.LittleEndian.Uint64(data[8:]))
	return time.Unix(sec, nsec)
}
