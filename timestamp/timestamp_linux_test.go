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
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestByteToTime(t *testing.T) {
	timeb := []byte{63, 155, 21, 96, 0, 0, 0, 0, 52, 156, 191, 42, 0, 0, 0, 0}
	res := byteToTime(timeb)
	require.Equal(t, int64(1612028735717200436), res.UnixNano())
}

func TestScmDataToTime(t *testing.T) {
	hwData := []byte{
		0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
		0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
		63, 155, 21, 96, 0, 0, 0, 0, 52, 156, 191, 42, 0, 0, 0, 0,
	}
	swData := []byte{
		63, 155, 21, 96, 0, 0, 0, 0, 52, 156, 191, 42, 0, 0, 0, 0,
		0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
		0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}
	noData := make([]byte, 48)

	res, err := scmDataToTime(hwData)
	require.NoError(t, err)
	require.Equal(t, int64(1612028735717200436), res.UnixNano())

	res, err = scmDataToTime(swData)
	require.NoError(t, err)
	require.Equal(t, int64(1612028735717200436), res.UnixNano())

	_, err = scmDataToTime(noData)
	require.Error(t, err)
}

func TestCheckMode(t *testing.T) {
	require.NoError(t, CheckMode(SW))
	require.NoError(t, CheckMode(HW))
	require.Error(t, CheckMode("quantum"))
}

func TestReadTXTimestamp(t *testing.T) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	defer conn.Close()

	connFd, err := ConnFd(conn)
	require.NoError(t, err)

	// no timestamping enabled: the error queue stays empty
	txts, attempts, err := ReadTXTimestamp(connFd)
	require.Equal(t, time.Time{}, txts)
	require.Equal(t, maxTXTS, attempts)
	require.Equal(t, fmt.Errorf("no TX timestamp found after %d tries", maxTXTS), err)

	require.NoError(t, Enable(connFd, SW, ""))

	addr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 12345}
	_, err = conn.WriteTo([]byte{}, addr)
	require.NoError(t, err)
	txts, attempts, err = ReadTXTimestamp(connFd)
	require.NoError(t, err)
	require.NotEqual(t, time.Time{}, txts)
	require.Equal(t, 1, attempts)
}

func TestReadPacketWithRXTimestamp(t *testing.T) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	defer conn.Close()

	connFd, err := ConnFd(conn)
	require.NoError(t, err)
	require.NoError(t, Enable(connFd, SW, ""))

	sender, err := net.Dial("udp", conn.LocalAddr().String())
	require.NoError(t, err)
	defer sender.Close()
	payload := []byte{0x0b, 0x02, 0xde, 0xad}
	_, err = sender.Write(payload)
	require.NoError(t, err)

	buf := make([]byte, PayloadSizeBytes)
	oob := make([]byte, ControlSizeBytes)
	n, addr, ts, err := ReadPacketWithRXTimestamp(connFd, buf, oob)
	require.NoError(t, err)
	require.Equal(t, payload, buf[:n])
	require.NotNil(t, addr)
	require.WithinDuration(t, time.Now(), ts, time.Second)
}
