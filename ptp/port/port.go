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

// Package port implements the protocol engine of a single PTP port.
//
// The engine is a pure state machine: it owns no sockets, no goroutines and
// no timers. Instead every entry point (HandleMessage, HandleTimer,
// HandleSendTimestamp, Recommend) returns an ordered list of Actions the
// caller must execute. The caller guarantees serialized access, all entry
// points must run from a single goroutine.
package port

import (
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/timelab/ptpd/clock"
	"github.com/timelab/ptpd/ptp/bmc"
	ptp "github.com/timelab/ptpd/ptp/protocol"
	"github.com/timelab/ptpd/servo"
)

// Sentinel errors returned by the entry points.
// ErrDiscarded reports a message that was ignored without any state change.
// ErrFault reports a condition that moved the port to FAULTY.
var (
	ErrDiscarded = errors.New("discarded")
	ErrFault     = errors.New("port fault")
)

// Servo abstracts the filter/steering policy the port feeds with offset samples
type Servo interface {
	Sample(offset int64, localTs uint64) (float64, servo.State)
	SyncInterval(interval float64)
	MeanFreq() float64
	SetLastFreq(freq float64)
	UnsetFirstUpdate()
	GetState() servo.State
}

// Config describes the static parameters of one port
type Config struct {
	PortIdentity     ptp.PortIdentity
	DomainNumber     uint8
	Priority1        uint8
	Priority2        uint8
	ClockQuality     ptp.ClockQuality
	CurrentUTCOffset int16
	TimeSource       ptp.TimeSource

	AnnounceInterval       ptp.LogInterval
	SyncInterval           ptp.LogInterval
	MinDelayReqInterval    ptp.LogInterval
	AnnounceReceiptTimeout uint8

	// caps on what masters we're willing to sync to
	MaxClockClass    ptp.ClockClass
	MaxClockAccuracy ptp.ClockAccuracy

	Measurement MeasurementConfig
}

// Validate returns an error if the config is obviously unusable
func (c *Config) Validate() error {
	if c.PortIdentity.PortNumber == 0 {
		return fmt.Errorf("port number must not be zero")
	}
	if c.AnnounceReceiptTimeout < 2 {
		return fmt.Errorf("announce_receipt_timeout must be at least 2")
	}
	return c.Measurement.Validate()
}

// Counters are per-port event counts exposed over the stats interfaces
type Counters struct {
	RxAnnounce  uint64 `json:"rx_announce"`
	RxSync      uint64 `json:"rx_sync"`
	RxFollowUp  uint64 `json:"rx_follow_up"`
	RxDelayReq  uint64 `json:"rx_delay_req"`
	RxDelayResp uint64 `json:"rx_delay_resp"`

	TxAnnounce  uint64 `json:"tx_announce"`
	TxSync      uint64 `json:"tx_sync"`
	TxFollowUp  uint64 `json:"tx_follow_up"`
	TxDelayReq  uint64 `json:"tx_delay_req"`
	TxDelayResp uint64 `json:"tx_delay_resp"`

	RxDiscarded      uint64 `json:"rx_discarded"`
	TxSuperseded     uint64 `json:"tx_superseded"`
	TimestampsLate   uint64 `json:"timestamps_late"`
	AnnounceTimeouts uint64 `json:"announce_timeouts"`
	Faults           uint64 `json:"faults"`
}

// Snapshot is a point-in-time copy of the observable port state
type Snapshot struct {
	PortIdentity string             `json:"port_identity"`
	State        string             `json:"state"`
	GMIdentity   string             `json:"gm_identity"`
	Steering     bool               `json:"steering"`
	PathDelayNS  int64              `json:"path_delay_ns"`
	OffsetNS     int64              `json:"offset_ns"`
	ServoState   string             `json:"servo_state"`
	LastSample   *MeasurementResult `json:"-"`
	Counters     Counters           `json:"counters"`
}

// Port is the protocol engine of a single PTP port
type Port struct {
	cfg   *Config
	state ptp.PortState

	// best qualifying foreign source, nil when none observed
	best *bmc.Dataset

	m        *measurements
	pi       Servo
	clk      clock.Clock
	steering bool

	pending    *SendContext
	superseded *SendContext
	nextSendID uint32

	seqAnnounce uint16
	seqSync     uint16
	seqDelayReq uint16

	lastResult *MeasurementResult
	counters   Counters
}

// New creates a Port in the INITIALIZING state.
// Call Start to bring it to LISTENING and obtain the initial timer actions.
func New(cfg *Config, clk clock.Clock, pi Servo) (*Port, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := &Port{
		cfg:   cfg,
		state: ptp.PortStateInitializing,
		m:     newMeasurements(&cfg.Measurement),
		pi:    pi,
		clk:   clk,
	}
	p.pi.SyncInterval(cfg.SyncInterval.Duration().Seconds())
	return p, nil
}

// Start moves the port from INITIALIZING to LISTENING and arms the
// announce receipt timer
func (p *Port) Start() []Action {
	if p.state != ptp.PortStateInitializing {
		return nil
	}
	p.setState(ptp.PortStateListening)
	return []Action{
		ResetTimerAction{Timer: TimerAnnounceReceipt, Duration: p.announceReceiptTimeout()},
	}
}

// State returns the current protocol state of the port
func (p *Port) State() ptp.PortState {
	return p.state
}

// Identity returns the port identity
func (p *Port) Identity() ptp.PortIdentity {
	return p.cfg.PortIdentity
}

// BestDataset returns a copy of the best qualifying foreign source seen on
// this port, or nil when there is none
func (p *Port) BestDataset() *bmc.Dataset {
	if p.best == nil {
		return nil
	}
	ds := *p.best
	return &ds
}

// LastResult returns the most recent measurement sample, nil when none
func (p *Port) LastResult() *MeasurementResult {
	return p.lastResult
}

// Counters returns a copy of the port counters
func (p *Port) Counters() Counters {
	return p.counters
}

// SetSteering controls whether completed samples drive the clock.
// Only one port of an instance steers at a time, the instance decides which.
func (p *Port) SetSteering(enabled bool) {
	if p.steering == enabled {
		return
	}
	p.steering = enabled
	log.Debugf("[%s] steering=%v", p.cfg.PortIdentity, enabled)
}

// Recommend applies the role the instance selected for this port.
// Unchanged recommendations are no-ops so that repeated BMCA sweeps over
// stable inputs produce no actions.
func (p *Port) Recommend(state ptp.PortState) []Action {
	switch state {
	case ptp.PortStateMaster, ptp.PortStateSlave, ptp.PortStatePassive, ptp.PortStateListening:
	default:
		log.Errorf("[%s] refusing recommended state %s", p.cfg.PortIdentity, state)
		return nil
	}
	if p.state == state {
		return nil
	}
	if p.state == ptp.PortStateFaulty || p.state == ptp.PortStateDisabled {
		return nil
	}
	p.discardPending()
	p.m.cleanup()
	p.lastResult = nil
	p.setState(state)

	switch state {
	case ptp.PortStateMaster:
		// a master expects no announces, park the receipt timer so the
		// short arm left over from LISTENING doesn't demote us
		return []Action{
			ResetTimerAction{Timer: TimerAnnounce, Duration: p.cfg.AnnounceInterval.Duration()},
			ResetTimerAction{Timer: TimerSync, Duration: p.cfg.SyncInterval.Duration()},
			ResetTimerAction{Timer: TimerAnnounceReceipt, Duration: masterReceiptIdle},
		}
	case ptp.PortStateSlave:
		if p.best != nil {
			p.m.setGM(p.best.GrandmasterIdentity)
		}
		return []Action{
			ResetTimerAction{Timer: TimerDelayRequest, Duration: p.cfg.MinDelayReqInterval.Duration()},
			ResetTimerAction{Timer: TimerAnnounceReceipt, Duration: p.announceReceiptTimeout()},
		}
	default:
		return []Action{
			ResetTimerAction{Timer: TimerAnnounceReceipt, Duration: p.announceReceiptTimeout()},
		}
	}
}

// Snapshot returns a copy of the observable port state
func (p *Port) Snapshot() Snapshot {
	s := Snapshot{
		PortIdentity: p.cfg.PortIdentity.String(),
		State:        p.state.String(),
		Steering:     p.steering,
		ServoState:   p.pi.GetState().String(),
		Counters:     p.counters,
	}
	if p.best != nil {
		s.GMIdentity = p.best.GrandmasterIdentity.String()
	}
	if p.lastResult != nil {
		r := *p.lastResult
		s.LastSample = &r
		s.PathDelayNS = r.Delay.Nanoseconds()
		s.OffsetNS = r.Offset.Nanoseconds()
	}
	return s
}

func (p *Port) setState(state ptp.PortState) {
	if p.state == state {
		return
	}
	log.Infof("[%s] %s -> %s", p.cfg.PortIdentity, p.state, state)
	p.state = state
}

// fault is terminal until the operator restarts the port
func (p *Port) fault(err error) error {
	p.counters.Faults++
	p.discardPending()
	p.setState(ptp.PortStateFaulty)
	return fmt.Errorf("%w: %v", ErrFault, err)
}

func (p *Port) discardPending() {
	if p.pending == nil {
		return
	}
	p.superseded = p.pending
	p.pending = nil
}

func (p *Port) newSendContext(kind ptp.MessageType, seq uint16) SendContext {
	p.nextSendID++
	return SendContext{Kind: kind, SequenceID: seq, id: p.nextSendID}
}

func (p *Port) announceReceiptTimeout() time.Duration {
	return time.Duration(p.cfg.AnnounceReceiptTimeout) * p.cfg.AnnounceInterval.Duration()
}

func (p *Port) discard(format string, args ...any) error {
	p.counters.RxDiscarded++
	return fmt.Errorf("%w: %s", ErrDiscarded, fmt.Sprintf(format, args...))
}
