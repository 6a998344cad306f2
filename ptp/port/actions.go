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
	"fmt"
	"time"

	ptp "github.com/timelab/ptpd/ptp/protocol"
)

// Timer enumerates the per-port timers the executor owns on our behalf.
// The state machine never reads wall clock for timing purposes, it only
// asks for resets and receives expiry events back.
type Timer uint8

// Per-port timers
const (
	TimerAnnounce Timer = iota
	TimerSync
	TimerDelayRequest
	TimerAnnounceReceipt
	numTimers
)

// masterReceiptIdle is how long the announce receipt timer sleeps while
// this port is the one sending announces
const masterReceiptIdle = time.Hour

// TimerToString is a map from Timer to string
var TimerToString = map[Timer]string{
	TimerAnnounce:        "ANNOUNCE",
	TimerSync:            "SYNC",
	TimerDelayRequest:    "DELAY_REQUEST",
	TimerAnnounceReceipt: "ANNOUNCE_RECEIPT",
}

func (t Timer) String() string {
	return TimerToString[t]
}

// Action is a single side effect requested by the state machine.
// Every entry point returns a finite ordered sequence of them, and the
// executor must perform them in exactly that order: a send may be
// followed by the timer reset that schedules the next one.
type Action interface {
	isAction()
}

// SendEventAction asks the executor to transmit a time-critical message.
// The executor must report the real transmit timestamp back through
// HandleSendTimestamp together with the Context.
type SendEventAction struct {
	Context SendContext
	Data    []byte
}

// SendGeneralAction asks the executor to transmit a fire-and-forget message
type SendGeneralAction struct {
	Data []byte
}

// ResetTimerAction asks the executor to (re)arm one of the port timers.
// Any previously pending deadline for the same timer is superseded.
type ResetTimerAction struct {
	Timer    Timer
	Duration time.Duration
}

func (SendEventAction) isAction()   {}
func (SendGeneralAction) isAction() {}
func (ResetTimerAction) isAction()  {}

// SendContext is the logical identity of an in-flight time-critical send.
// The executor must treat it as an opaque token: completion timestamps are
// matched by this identity, never by send order. At most one context is
// outstanding per port; issuing another send supersedes the previous one.
type SendContext struct {
	Kind       ptp.MessageType
	SequenceID uint16
	id         uint32
}

func (c SendContext) String() string {
	return fmt.Sprintf("SendContext(%s seq=%d id=%d)", c.Kind, c.SequenceID, c.id)
}
