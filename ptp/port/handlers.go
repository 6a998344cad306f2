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
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/timelab/ptpd/ptp/bmc"
	ptp "github.com/timelab/ptpd/ptp/protocol"
	"github.com/timelab/ptpd/servo"
)

// wire sizes of the full packets we produce
var (
	announceLen  = uint16(binary.Size(ptp.Announce{}))
	syncLen      = uint16(binary.Size(ptp.SyncDelayReq{}))
	followUpLen  = uint16(binary.Size(ptp.FollowUp{}))
	delayRespLen = uint16(binary.Size(ptp.DelayResp{}))
)

// controlField values for the legacy header field, Table 42
const (
	ctrlSync      uint8 = 0
	ctrlDelayReq  uint8 = 1
	ctrlFollowUp  uint8 = 2
	ctrlDelayResp uint8 = 3
	ctrlOther     uint8 = 5
)

// HandleMessage processes one received packet.
// rxTS is the receive timestamp of the packet, zero when the executor could
// not produce one. The returned error is ErrDiscarded when the packet was
// ignored without state change, or ErrFault when processing faulted the port.
func (p *Port) HandleMessage(raw []byte, rxTS time.Time) ([]Action, error) {
	switch p.state {
	case ptp.PortStateDisabled, ptp.PortStateFaulty, ptp.PortStateInitializing:
		return nil, p.discard("port is %s", p.state)
	}
	packet, err := ptp.DecodePacket(raw)
	if err != nil {
		return nil, p.discard("malformed packet: %v", err)
	}
	header := headerOf(packet)
	if header.DomainNumber != p.cfg.DomainNumber {
		return nil, p.discard("foreign domain %d", header.DomainNumber)
	}
	if header.SourcePortIdentity.ClockIdentity == p.cfg.PortIdentity.ClockIdentity {
		return nil, p.discard("own message looped back")
	}

	switch msg := packet.(type) {
	case *ptp.Announce:
		return p.handleAnnounce(msg)
	case *ptp.SyncDelayReq:
		if msg.MessageType() == ptp.MessageDelayReq {
			return p.handleDelayReq(msg, rxTS)
		}
		return p.handleSync(msg, rxTS)
	case *ptp.FollowUp:
		return p.handleFollowUp(msg)
	case *ptp.DelayResp:
		return p.handleDelayResp(msg)
	}
	return nil, p.discard("unexpected packet type %s", packet.MessageType())
}

func headerOf(p ptp.Packet) *ptp.Header {
	switch v := p.(type) {
	case *ptp.Announce:
		return &v.Header
	case *ptp.SyncDelayReq:
		return &v.Header
	case *ptp.FollowUp:
		return &v.Header
	case *ptp.DelayResp:
		return &v.Header
	}
	return nil
}

func (p *Port) handleAnnounce(msg *ptp.Announce) ([]Action, error) {
	p.counters.RxAnnounce++
	if msg.StepsRemoved >= 255 {
		return nil, p.discard("announce from %s with stepsRemoved %d", msg.GrandmasterIdentity, msg.StepsRemoved)
	}
	ds := bmc.DatasetFromAnnounce(msg)
	if !bmc.Qualified(ds, p.cfg.MaxClockClass, p.cfg.MaxClockAccuracy) {
		return nil, p.discard("announce from %s doesn't pass quality caps (class %d, accuracy 0x%x)",
			msg.GrandmasterIdentity, msg.GrandmasterClockQuality.ClockClass, msg.GrandmasterClockQuality.ClockAccuracy)
	}

	// wholesale replacement: a re-announcement from the current best source
	// always refreshes the stored dataset, even if its fields got worse
	sameSource := p.best != nil && p.best.SourcePortIdentity == msg.Header.SourcePortIdentity
	if p.best == nil || sameSource || bmc.Compare(ds, p.best) > 0 {
		if p.best != nil && !sameSource {
			// partial exchanges and the filtered path delay all describe
			// the path to the old master, they must not leak into the
			// first samples against the new one
			p.m.cleanup()
			p.lastResult = nil
		}
		p.best = ds
		if p.state == ptp.PortStateSlave {
			p.m.setGM(ds.GrandmasterIdentity)
		}
		return []Action{
			ResetTimerAction{Timer: TimerAnnounceReceipt, Duration: p.announceReceiptTimeout()},
		}, nil
	}
	return nil, nil
}

func (p *Port) handleSync(msg *ptp.SyncDelayReq, rxTS time.Time) ([]Action, error) {
	p.counters.RxSync++
	if p.state != ptp.PortStateSlave {
		return nil, p.discard("sync while %s", p.state)
	}
	if p.best == nil || msg.Header.SourcePortIdentity != p.best.SourcePortIdentity {
		return nil, p.discard("sync from unselected source %s", msg.Header.SourcePortIdentity)
	}
	if rxTS.IsZero() {
		return nil, p.discard("sync without rx timestamp")
	}
	seq := msg.SequenceID
	p.m.addT2andCF1(seq, rxTS, msg.CorrectionField.Duration())
	if msg.FlagField&ptp.FlagTwoStep != 0 {
		// t1 arrives in the FollowUp
		return nil, nil
	}
	p.m.addT1(seq, msg.OriginTimestamp.Time())
	return nil, p.trySample()
}

func (p *Port) handleFollowUp(msg *ptp.FollowUp) ([]Action, error) {
	p.counters.RxFollowUp++
	if p.state != ptp.PortStateSlave {
		return nil, p.discard("follow up while %s", p.state)
	}
	if p.best == nil || msg.Header.SourcePortIdentity != p.best.SourcePortIdentity {
		return nil, p.discard("follow up from unselected source %s", msg.Header.SourcePortIdentity)
	}
	p.m.addFollowUp(msg.SequenceID, msg.PreciseOriginTimestamp.Time(), msg.CorrectionField.Duration())
	return nil, p.trySample()
}

func (p *Port) handleDelayReq(msg *ptp.SyncDelayReq, rxTS time.Time) ([]Action, error) {
	p.counters.RxDelayReq++
	if p.state != ptp.PortStateMaster {
		return nil, p.discard("delay request while %s", p.state)
	}
	if rxTS.IsZero() {
		return nil, p.discard("delay request without rx timestamp")
	}
	resp := &ptp.DelayResp{
		Header: ptp.Header{
			SdoIDAndMsgType: ptp.NewSdoIDAndMsgType(ptp.MessageDelayResp, 0),
			Version:         ptp.Version,
			MessageLength:   delayRespLen,
			DomainNumber:    p.cfg.DomainNumber,
			// the request's correction comes back to the requester
			CorrectionField:    msg.CorrectionField,
			SourcePortIdentity: p.cfg.PortIdentity,
			SequenceID:         msg.SequenceID,
			ControlField:       ctrlDelayResp,
			LogMessageInterval: p.cfg.MinDelayReqInterval,
		},
		DelayRespBody: ptp.DelayRespBody{
			ReceiveTimestamp:       ptp.NewTimestamp(rxTS),
			RequestingPortIdentity: msg.Header.SourcePortIdentity,
		},
	}
	b, err := ptp.Bytes(resp)
	if err != nil {
		return nil, p.discard("building delay response: %v", err)
	}
	p.counters.TxDelayResp++
	return []Action{SendGeneralAction{Data: b}}, nil
}

func (p *Port) handleDelayResp(msg *ptp.DelayResp) ([]Action, error) {
	p.counters.RxDelayResp++
	if p.state != ptp.PortStateSlave {
		return nil, p.discard("delay response while %s", p.state)
	}
	if p.best == nil || msg.Header.SourcePortIdentity != p.best.SourcePortIdentity {
		return nil, p.discard("delay response from unselected source %s", msg.Header.SourcePortIdentity)
	}
	if msg.RequestingPortIdentity != p.cfg.PortIdentity {
		return nil, p.discard("delay response for %s", msg.RequestingPortIdentity)
	}
	if msg.SequenceID != p.seqDelayReq {
		return nil, p.discard("stale delay response seq %d, want %d", msg.SequenceID, p.seqDelayReq)
	}
	p.m.addT4andCF2(msg.SequenceID, msg.ReceiveTimestamp.Time(), msg.CorrectionField.Duration())
	p.m.updatePathDelay()
	return nil, p.trySample()
}

// HandleTimer processes expiry of one of the port timers.
// A timer that fires for a role the port no longer has simply dies out,
// role transitions re-arm what the new role needs.
func (p *Port) HandleTimer(t Timer) []Action {
	switch t {
	case TimerAnnounce:
		return p.onAnnounceTimer()
	case TimerSync:
		return p.onSyncTimer()
	case TimerDelayRequest:
		return p.onDelayRequestTimer()
	case TimerAnnounceReceipt:
		return p.onAnnounceReceiptTimeout()
	}
	return nil
}

func (p *Port) onAnnounceTimer() []Action {
	if p.state != ptp.PortStateMaster {
		return nil
	}
	p.seqAnnounce++
	msg := &ptp.Announce{
		Header: ptp.Header{
			SdoIDAndMsgType:    ptp.NewSdoIDAndMsgType(ptp.MessageAnnounce, 0),
			Version:            ptp.Version,
			MessageLength:      announceLen,
			DomainNumber:       p.cfg.DomainNumber,
			FlagField:          ptp.FlagPTPTimescale,
			SourcePortIdentity: p.cfg.PortIdentity,
			SequenceID:         p.seqAnnounce,
			ControlField:       ctrlOther,
			LogMessageInterval: p.cfg.AnnounceInterval,
		},
		AnnounceBody: ptp.AnnounceBody{
			CurrentUTCOffset:        p.cfg.CurrentUTCOffset,
			GrandmasterPriority1:    p.cfg.Priority1,
			GrandmasterClockQuality: p.cfg.ClockQuality,
			GrandmasterPriority2:    p.cfg.Priority2,
			GrandmasterIdentity:     p.cfg.PortIdentity.ClockIdentity,
			StepsRemoved:            0,
			TimeSource:              p.cfg.TimeSource,
		},
	}
	if p.cfg.CurrentUTCOffset != 0 {
		msg.FlagField |= ptp.FlagCurrentUtcOffsetValid
	}
	b, err := ptp.Bytes(msg)
	if err != nil {
		log.Errorf("[%s] building announce: %v", p.cfg.PortIdentity, err)
		return nil
	}
	p.counters.TxAnnounce++
	return []Action{
		SendGeneralAction{Data: b},
		ResetTimerAction{Timer: TimerAnnounce, Duration: p.cfg.AnnounceInterval.Duration()},
	}
}

func (p *Port) onSyncTimer() []Action {
	if p.state != ptp.PortStateMaster {
		return nil
	}
	p.seqSync++
	msg := &ptp.SyncDelayReq{
		Header: ptp.Header{
			SdoIDAndMsgType:    ptp.NewSdoIDAndMsgType(ptp.MessageSync, 0),
			Version:            ptp.Version,
			MessageLength:      syncLen,
			DomainNumber:       p.cfg.DomainNumber,
			FlagField:          ptp.FlagTwoStep,
			SourcePortIdentity: p.cfg.PortIdentity,
			SequenceID:         p.seqSync,
			ControlField:       ctrlSync,
			LogMessageInterval: p.cfg.SyncInterval,
		},
	}
	b, err := ptp.Bytes(msg)
	if err != nil {
		log.Errorf("[%s] building sync: %v", p.cfg.PortIdentity, err)
		return nil
	}
	if p.pending != nil {
		p.counters.TxSuperseded++
		p.discardPending()
	}
	ctx := p.newSendContext(ptp.MessageSync, p.seqSync)
	p.pending = &ctx
	p.counters.TxSync++
	return []Action{
		SendEventAction{Context: ctx, Data: b},
		ResetTimerAction{Timer: TimerSync, Duration: p.cfg.SyncInterval.Duration()},
	}
}

func (p *Port) onDelayRequestTimer() []Action {
	if p.state != ptp.PortStateSlave {
		return nil
	}
	p.seqDelayReq++
	msg := &ptp.SyncDelayReq{
		Header: ptp.Header{
			SdoIDAndMsgType:    ptp.NewSdoIDAndMsgType(ptp.MessageDelayReq, 0),
			Version:            ptp.Version,
			MessageLength:      syncLen,
			DomainNumber:       p.cfg.DomainNumber,
			SourcePortIdentity: p.cfg.PortIdentity,
			SequenceID:         p.seqDelayReq,
			ControlField:       ctrlDelayReq,
			LogMessageInterval: 0x7f,
		},
	}
	b, err := ptp.Bytes(msg)
	if err != nil {
		log.Errorf("[%s] building delay request: %v", p.cfg.PortIdentity, err)
		return nil
	}
	if p.pending != nil {
		p.counters.TxSuperseded++
		p.discardPending()
	}
	ctx := p.newSendContext(ptp.MessageDelayReq, p.seqDelayReq)
	p.pending = &ctx
	p.counters.TxDelayReq++
	return []Action{
		SendEventAction{Context: ctx, Data: b},
		ResetTimerAction{Timer: TimerDelayRequest, Duration: p.cfg.MinDelayReqInterval.Duration()},
	}
}

// onAnnounceReceiptTimeout demotes to LISTENING whatever role the port had.
// The next BMCA sweep over the cleared dataset decides what happens next.
func (p *Port) onAnnounceReceiptTimeout() []Action {
	switch p.state {
	case ptp.PortStateDisabled, ptp.PortStateFaulty, ptp.PortStateInitializing:
		return nil
	}
	p.counters.AnnounceTimeouts++
	log.Warningf("[%s] announce receipt timeout, no announce from %v", p.cfg.PortIdentity, p.best)
	if p.steering && p.state == ptp.PortStateSlave {
		// hold the best known frequency until a new master shows up
		freqAdj := p.pi.MeanFreq()
		p.pi.SetLastFreq(freqAdj)
		if err := p.clk.AdjFreqPPB(-freqAdj); err != nil {
			log.Errorf("[%s] failed to adjust freq to %v: %v", p.cfg.PortIdentity, -freqAdj, err)
		}
		log.Infof("[%s] holdover, freq %+7.0f", p.cfg.PortIdentity, -freqAdj)
	}
	p.best = nil
	p.discardPending()
	p.m.cleanup()
	p.lastResult = nil
	p.setState(ptp.PortStateListening)
	return []Action{
		ResetTimerAction{Timer: TimerAnnounceReceipt, Duration: p.announceReceiptTimeout()},
	}
}

// HandleSendTimestamp reports the transmit timestamp of an earlier
// SendEventAction back to the state machine. Timestamps for superseded sends
// are counted and dropped. A context the port never issued violates the
// executor contract and faults the port.
func (p *Port) HandleSendTimestamp(ctx SendContext, ts time.Time) ([]Action, error) {
	if p.pending == nil || *p.pending != ctx {
		if p.superseded != nil && *p.superseded == ctx {
			p.counters.TimestampsLate++
			return nil, nil
		}
		return nil, p.fault(fmt.Errorf("send timestamp for unknown %s", ctx))
	}
	p.pending = nil

	switch ctx.Kind {
	case ptp.MessageSync:
		if p.state != ptp.PortStateMaster {
			return nil, nil
		}
		msg := &ptp.FollowUp{
			Header: ptp.Header{
				SdoIDAndMsgType:    ptp.NewSdoIDAndMsgType(ptp.MessageFollowUp, 0),
				Version:            ptp.Version,
				MessageLength:      followUpLen,
				DomainNumber:       p.cfg.DomainNumber,
				SourcePortIdentity: p.cfg.PortIdentity,
				SequenceID:         ctx.SequenceID,
				ControlField:       ctrlFollowUp,
				LogMessageInterval: p.cfg.SyncInterval,
			},
			FollowUpBody: ptp.FollowUpBody{
				PreciseOriginTimestamp: ptp.NewTimestamp(ts),
			},
		}
		b, err := ptp.Bytes(msg)
		if err != nil {
			return nil, fmt.Errorf("building follow up: %w", err)
		}
		p.counters.TxFollowUp++
		return []Action{SendGeneralAction{Data: b}}, nil
	case ptp.MessageDelayReq:
		if p.state != ptp.PortStateSlave {
			return nil, nil
		}
		p.m.addT3(ctx.SequenceID, ts)
		// the response may have arrived before the tx timestamp did
		p.m.updatePathDelay()
		return nil, p.trySample()
	}
	return nil, p.fault(fmt.Errorf("send timestamp for non-event %s", ctx))
}

// trySample produces a measurement from the latest complete exchange legs
// and, when this port is the elected steering port, drives the clock
func (p *Port) trySample() error {
	result, err := p.m.latest()
	if err != nil {
		if errors.Is(err, errNotEnoughData) {
			return nil
		}
		return err
	}
	p.lastResult = result
	log.Debugf("[%s] offset %v delay %v (t1=%v t2=%v t3=%v t4=%v)",
		p.cfg.PortIdentity, result.Offset, result.Delay, result.T1, result.T2, result.T3, result.T4)
	if !p.steering {
		return nil
	}

	freqAdj, state := p.pi.Sample(int64(result.Offset), uint64(result.T2.UnixNano()))
	switch state {
	case servo.StateJump:
		if err := p.clk.Step(-result.Offset); err != nil {
			return p.fault(fmt.Errorf("stepping clock by %v: %v", -result.Offset, err))
		}
		log.Infof("[%s] stepped clock by %v", p.cfg.PortIdentity, -result.Offset)
	case servo.StateLocked:
		if err := p.clk.AdjFreqPPB(-freqAdj); err != nil {
			return p.fault(fmt.Errorf("adjusting clock frequency to %f: %v", -freqAdj, err))
		}
		if err := p.clk.SetSync(); err != nil {
			log.Warningf("[%s] failed to set clock sync state: %v", p.cfg.PortIdentity, err)
		}
		p.pi.UnsetFirstUpdate()
	}
	return nil
}
