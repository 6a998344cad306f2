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

package daemon

import (
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/timelab/ptpd/dscp"
	ptp "github.com/timelab/ptpd/ptp/protocol"
	"github.com/timelab/ptpd/timestamp"
)

// ptpMulticastIP is the primary PTP multicast group (IEEE 1588 Annex C)
var ptpMulticastIP = net.IPv4(224, 0, 1, 129)

// eventTransport sends and receives event messages with kernel timestamps
type eventTransport interface {
	WriteWithTS(b []byte) (time.Time, error)
	ReadWithRXTimestamp(buf, oob []byte) (int, time.Time, error)
	Close() error
}

// generalTransport sends and receives general messages
type generalTransport interface {
	Send(b []byte) error
	ReadFromUDP(b []byte) (int, *net.UDPAddr, error)
	Close() error
}

// eventConn is a UDP connection on the event port with TX timestamping,
// bound to one interface and joined to the PTP multicast group
type eventConn struct {
	*net.UDPConn
	connFd int
	dst    *net.UDPAddr
}

// generalConn is a UDP connection on the general port, no timestamping
type generalConn struct {
	*net.UDPConn
	dst *net.UDPAddr
}

// joinMulticast binds a multicast listener on the given port and pins
// outgoing multicast traffic to the interface
func joinMulticast(iface *net.Interface, udpPort int) (*net.UDPConn, int, error) {
	conn, err := net.ListenMulticastUDP("udp4", iface, &net.UDPAddr{IP: ptpMulticastIP, Port: udpPort})
	if err != nil {
		return nil, 0, fmt.Errorf("binding to %s:%d on %s: %w", ptpMulticastIP, udpPort, iface.Name, err)
	}
	connFd, err := timestamp.ConnFd(conn)
	if err != nil {
		conn.Close()
		return nil, 0, err
	}
	mreq := &unix.IPMreqn{Ifindex: int32(iface.Index)}
	if err := unix.SetsockoptIPMreqn(connFd, unix.IPPROTO_IP, unix.IP_MULTICAST_IF, mreq); err != nil {
		conn.Close()
		return nil, 0, fmt.Errorf("setting multicast interface: %w", err)
	}
	return conn, connFd, nil
}

func newEventConn(iface *net.Interface, timestamping string, dscpValue int) (*eventConn, error) {
	conn, connFd, err := joinMulticast(iface, ptp.PortEvent)
	if err != nil {
		return nil, err
	}
	if err := dscp.Enable(connFd, net.IPv4zero, dscpValue); err != nil {
		conn.Close()
		return nil, fmt.Errorf("setting DSCP on event socket: %w", err)
	}
	if err := timestamp.Enable(connFd, timestamping, iface.Name); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enabling timestamps on event socket: %w", err)
	}
	// recvmsg on the raw fd must block, otherwise the read loop spins
	if err := unix.SetNonblock(connFd, false); err != nil {
		conn.Close()
		return nil, err
	}
	return &eventConn{
		UDPConn: conn,
		connFd:  connFd,
		dst:     &net.UDPAddr{IP: ptpMulticastIP, Port: ptp.PortEvent},
	}, nil
}

func newGeneralConn(iface *net.Interface) (*generalConn, error) {
	conn, _, err := joinMulticast(iface, ptp.PortGeneral)
	if err != nil {
		return nil, err
	}
	return &generalConn{
		UDPConn: conn,
		dst:     &net.UDPAddr{IP: ptpMulticastIP, Port: ptp.PortGeneral},
	}, nil
}

// WriteWithTS sends an event message to the multicast group and returns
// the kernel TX timestamp of the outgoing packet
func (c *eventConn) WriteWithTS(b []byte) (time.Time, error) {
	if _, err := c.WriteTo(b, c.dst); err != nil {
		return time.Time{}, fmt.Errorf("sending event packet: %w", err)
	}
	txts, attempts, err := timestamp.ReadTXTimestamp(c.connFd)
	if err != nil {
		return time.Time{}, fmt.Errorf("reading TX timestamp after %d attempts: %w", attempts, err)
	}
	return txts, nil
}

// ReadWithRXTimestamp reads an event message and its kernel RX timestamp
func (c *eventConn) ReadWithRXTimestamp(buf, oob []byte) (int, time.Time, error) {
	n, _, rxts, err := timestamp.ReadPacketWithRXTimestamp(c.connFd, buf, oob)
	return n, rxts, err
}

// Send writes a general message to the multicast group
func (c *generalConn) Send(b []byte) error {
	_, err := c.WriteTo(b, c.dst)
	return err
}
