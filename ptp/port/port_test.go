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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ptp "github.com/timelab/ptpd/ptp/protocol"
	"github.com/timelab/ptpd/servo"
)

var (
	localID  = ptp.PortIdentity{ClockIdentity: 0x001122fffe334455, PortNumber: 1}
	masterID = ptp.PortIdentity{ClockIdentity: 0xaabbccfffeddeeff, PortNumber: 1}
	otherID  = ptp.PortIdentity{ClockIdentity: 0xbbbbccfffeddeeff, PortNumber: 1}
)

type fakeServo struct {
	state    servo.State
	freq     float64
	lastFreq float64
	samples  []int64
}

func (f *fakeServo) Sample(offset int64, localTs uint64) (float64, servo.State) {
	f.samples = append(f.samples, offset)
	return f.freq, f.state
}
func (f *fakeServo) SyncInterval(interval float64) {}
func (f *fakeServo) MeanFreq() float64             { return f.freq }
func (f *fakeServo) SetLastFreq(freq float64)      { f.lastFreq = freq }
func (f *fakeServo) UnsetFirstUpdate()             {}
func (f *fakeServo) GetState() servo.State         { return f.state }

type fakeClock struct {
	steps   []time.Duration
	freqs   []float64
	syncs   int
	stepErr error
	adjErr  error
}

func (f *fakeClock) Now() (time.Time, error) { return time.Time{}, nil }
func (f *fakeClock) AdjFreqPPB(freqPPB float64) error {
	if f.adjErr != nil {
		return f.adjErr
	}
	f.freqs = append(f.freqs, freqPPB)
	return nil
}
func (f *fakeClock) Step(step time.Duration) error {
	if f.stepErr != nil {
		return f.stepErr
	}
	f.steps = append(f.steps, step)
	return nil
}
func (f *fakeClock) FrequencyPPB() (float64, error) { return 0, nil }
func (f *fakeClock) MaxFreqPPB() (float64, error)   { return 500000, nil }
func (f *fakeClock) SetSync() error {
	f.syncs++
	return nil
}

func testConfig() *Config {
	return &Config{
		PortIdentity:           localID,
		DomainNumber:           0,
		Priority1:              128,
		Priority2:              128,
		ClockQuality:           ptp.ClockQuality{ClockClass: ptp.ClockClassDefault, ClockAccuracy: ptp.ClockAccuracyUnknown, OffsetScaledLogVariance: 0xffff},
		TimeSource:             ptp.TimeSourceInternalOscillator,
		AnnounceInterval:       0, // 1s
		SyncInterval:           0,
		MinDelayReqInterval:    0,
		AnnounceReceiptTimeout: 3,
		MaxClockClass:          ptp.ClockClass52,
		MaxClockAccuracy:       ptp.ClockAccuracyMicrosecond100,
	}
}

func newTestPort(t *testing.T) (*Port, *fakeClock, *fakeServo) {
	t.Helper()
	clk := &fakeClock{}
	srv := &fakeServo{state: servo.StateInit}
	p, err := New(testConfig(), clk, srv)
	require.NoError(t, err)
	require.Equal(t, ptp.PortStateInitializing, p.State())
	actions := p.Start()
	require.Equal(t, ptp.PortStateListening, p.State())
	require.Equal(t, []Action{ResetTimerAction{Timer: TimerAnnounceReceipt, Duration: 3 * time.Second}}, actions)
	return p, clk, srv
}

func mustBytes(t *testing.T, p ptp.Packet) []byte {
	t.Helper()
	b, err := ptp.Bytes(p)
	require.NoError(t, err)
	return b
}

func announceFrom(src ptp.PortIdentity) *ptp.Announce {
	return &ptp.Announce{
		Header: ptp.Header{
			SdoIDAndMsgType:    ptp.NewSdoIDAndMsgType(ptp.MessageAnnounce, 0),
			Version:            ptp.Version,
			MessageLength:      announceLen,
			FlagField:          ptp.FlagPTPTimescale,
			SourcePortIdentity: src,
			SequenceID:         1,
			ControlField:       ctrlOther,
		},
		AnnounceBody: ptp.AnnounceBody{
			GrandmasterPriority1: 128,
			GrandmasterClockQuality: ptp.ClockQuality{
				ClockClass:              ptp.ClockClass6,
				ClockAccuracy:           ptp.ClockAccuracyNanosecond100,
				OffsetScaledLogVariance: 0x100,
			},
			GrandmasterPriority2: 128,
			GrandmasterIdentity:  src.ClockIdentity,
			StepsRemoved:         0,
			TimeSource:           ptp.TimeSourceGNSS,
		},
	}
}

func syncFrom(src ptp.PortIdentity, seq uint16, twoStep bool, origin time.Time) *ptp.SyncDelayReq {
	flags := uint16(0)
	if twoStep {
		flags = ptp.FlagTwoStep
	}
	return &ptp.SyncDelayReq{
		Header: ptp.Header{
			SdoIDAndMsgType:    ptp.NewSdoIDAndMsgType(ptp.MessageSync, 0),
			Version:            ptp.Version,
			MessageLength:      syncLen,
			FlagField:          flags,
			SourcePortIdentity: src,
			SequenceID:         seq,
			ControlField:       ctrlSync,
		},
		SyncDelayReqBody: ptp.SyncDelayReqBody{OriginTimestamp: ptp.NewTimestamp(origin)},
	}
}

func followUpFrom(src ptp.PortIdentity, seq uint16, origin time.Time) *ptp.FollowUp {
	return &ptp.FollowUp{
		Header: ptp.Header{
			SdoIDAndMsgType:    ptp.NewSdoIDAndMsgType(ptp.MessageFollowUp, 0),
			Version:            ptp.Version,
			MessageLength:      followUpLen,
			SourcePortIdentity: src,
			SequenceID:         seq,
			ControlField:       ctrlFollowUp,
		},
		FollowUpBody: ptp.FollowUpBody{PreciseOriginTimestamp: ptp.NewTimestamp(origin)},
	}
}

func delayRespFrom(src ptp.PortIdentity, seq uint16, to ptp.PortIdentity, t4 time.Time) *ptp.DelayResp {
	return &ptp.DelayResp{
		Header: ptp.Header{
			SdoIDAndMsgType:    ptp.NewSdoIDAndMsgType(ptp.MessageDelayResp, 0),
			Version:            ptp.Version,
			MessageLength:      delayRespLen,
			SourcePortIdentity: src,
			SequenceID:         seq,
			ControlField:       ctrlDelayResp,
		},
		DelayRespBody: ptp.DelayRespBody{
			ReceiveTimestamp:       ptp.NewTimestamp(t4),
			RequestingPortIdentity: to,
		},
	}
}

func toSlave(t *testing.T, p *Port) {
	t.Helper()
	_, err := p.HandleMessage(mustBytes(t, announceFrom(masterID)), time.Time{})
	require.NoError(t, err)
	actions := p.Recommend(ptp.PortStateSlave)
	require.Equal(t, ptp.PortStateSlave, p.State())
	require.Len(t, actions, 2)
}

// runExchange drives one full sync + delay exchange with 500us offset and
// 100us symmetric path delay
func runExchange(t *testing.T, p *Port, base time.Time, seq uint16) {
	t.Helper()
	t1 := base
	t2 := base.Add(600 * time.Microsecond)
	t3 := base.Add(time.Millisecond)
	t4 := base.Add(600 * time.Microsecond)

	_, err := p.HandleMessage(mustBytes(t, syncFrom(masterID, seq, true, time.Time{})), t2)
	require.NoError(t, err)
	_, err = p.HandleMessage(mustBytes(t, followUpFrom(masterID, seq, t1)), time.Time{})
	require.NoError(t, err)

	actions := p.HandleTimer(TimerDelayRequest)
	require.Len(t, actions, 2)
	se, ok := actions[0].(SendEventAction)
	require.True(t, ok)
	require.Equal(t, ptp.MessageDelayReq, se.Context.Kind)

	_, err = p.HandleSendTimestamp(se.Context, t3)
	require.NoError(t, err)
	_, err = p.HandleMessage(mustBytes(t, delayRespFrom(masterID, se.Context.SequenceID, localID, t4)), time.Time{})
	require.NoError(t, err)
}

func TestPortStart(t *testing.T) {
	p, _, _ := newTestPort(t)
	// starting twice is a no-op
	require.Nil(t, p.Start())
	require.Equal(t, ptp.PortStateListening, p.State())
}

func TestAnnounceSelectsBest(t *testing.T) {
	p, _, _ := newTestPort(t)

	actions, err := p.HandleMessage(mustBytes(t, announceFrom(masterID)), time.Time{})
	require.NoError(t, err)
	require.Equal(t, []Action{ResetTimerAction{Timer: TimerAnnounceReceipt, Duration: 3 * time.Second}}, actions)
	best := p.BestDataset()
	require.NotNil(t, best)
	assert.Equal(t, masterID.ClockIdentity, best.GrandmasterIdentity)

	// worse source from elsewhere is remembered nowhere and resets nothing
	worse := announceFrom(otherID)
	worse.GrandmasterPriority1 = 200
	actions, err = p.HandleMessage(mustBytes(t, worse), time.Time{})
	require.NoError(t, err)
	require.Nil(t, actions)
	assert.Equal(t, masterID.ClockIdentity, p.BestDataset().GrandmasterIdentity)

	// better source replaces the best
	better := announceFrom(otherID)
	better.GrandmasterPriority1 = 10
	actions, err = p.HandleMessage(mustBytes(t, better), time.Time{})
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, otherID.ClockIdentity, p.BestDataset().GrandmasterIdentity)

	// re-announcement from the current best always refreshes, even when worse
	degraded := announceFrom(otherID)
	degraded.GrandmasterPriority1 = 250
	actions, err = p.HandleMessage(mustBytes(t, degraded), time.Time{})
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, uint8(250), p.BestDataset().GrandmasterPriority1)
}

func TestAnnounceQualityCaps(t *testing.T) {
	p, _, _ := newTestPort(t)
	bad := announceFrom(masterID)
	bad.GrandmasterClockQuality.ClockClass = ptp.ClockClassDefault
	_, err := p.HandleMessage(mustBytes(t, bad), time.Time{})
	require.ErrorIs(t, err, ErrDiscarded)
	require.Nil(t, p.BestDataset())

	tooManySteps := announceFrom(masterID)
	tooManySteps.StepsRemoved = 255
	_, err = p.HandleMessage(mustBytes(t, tooManySteps), time.Time{})
	require.ErrorIs(t, err, ErrDiscarded)
	require.Nil(t, p.BestDataset())
}

func TestDiscards(t *testing.T) {
	p, _, _ := newTestPort(t)

	_, err := p.HandleMessage([]byte{0x0b, 0x02}, time.Time{})
	require.ErrorIs(t, err, ErrDiscarded)

	foreign := announceFrom(masterID)
	foreign.DomainNumber = 5
	_, err = p.HandleMessage(mustBytes(t, foreign), time.Time{})
	require.ErrorIs(t, err, ErrDiscarded)

	looped := announceFrom(ptp.PortIdentity{ClockIdentity: localID.ClockIdentity, PortNumber: 2})
	_, err = p.HandleMessage(mustBytes(t, looped), time.Time{})
	require.ErrorIs(t, err, ErrDiscarded)

	assert.Equal(t, uint64(3), p.Counters().RxDiscarded)
	require.Nil(t, p.BestDataset())
}

func TestMasterAnnounceAndSync(t *testing.T) {
	p, _, _ := newTestPort(t)
	actions := p.Recommend(ptp.PortStateMaster)
	require.Equal(t, []Action{
		ResetTimerAction{Timer: TimerAnnounce, Duration: time.Second},
		ResetTimerAction{Timer: TimerSync, Duration: time.Second},
		ResetTimerAction{Timer: TimerAnnounceReceipt, Duration: masterReceiptIdle},
	}, actions)

	actions = p.HandleTimer(TimerAnnounce)
	require.Len(t, actions, 2)
	sg, ok := actions[0].(SendGeneralAction)
	require.True(t, ok)
	packet, err := ptp.DecodePacket(sg.Data)
	require.NoError(t, err)
	ann, ok := packet.(*ptp.Announce)
	require.True(t, ok)
	assert.Equal(t, localID, ann.Header.SourcePortIdentity)
	assert.Equal(t, localID.ClockIdentity, ann.GrandmasterIdentity)
	assert.Equal(t, uint16(1), ann.SequenceID)
	assert.Equal(t, uint16(0), ann.StepsRemoved)
	require.Equal(t, ResetTimerAction{Timer: TimerAnnounce, Duration: time.Second}, actions[1])

	actions = p.HandleTimer(TimerSync)
	require.Len(t, actions, 2)
	se, ok := actions[0].(SendEventAction)
	require.True(t, ok)
	require.Equal(t, ptp.MessageSync, se.Context.Kind)
	packet, err = ptp.DecodePacket(se.Data)
	require.NoError(t, err)
	sync, ok := packet.(*ptp.SyncDelayReq)
	require.True(t, ok)
	assert.Equal(t, ptp.MessageSync, sync.MessageType())
	assert.NotZero(t, sync.FlagField&ptp.FlagTwoStep)
	assert.True(t, sync.OriginTimestamp.Empty())

	// tx timestamp produces the FollowUp carrying the precise origin
	txTS := time.Unix(1700000000, 12345)
	actions, err = p.HandleSendTimestamp(se.Context, txTS)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	sg, ok = actions[0].(SendGeneralAction)
	require.True(t, ok)
	packet, err = ptp.DecodePacket(sg.Data)
	require.NoError(t, err)
	fu, ok := packet.(*ptp.FollowUp)
	require.True(t, ok)
	assert.Equal(t, se.Context.SequenceID, fu.SequenceID)
	assert.True(t, fu.PreciseOriginTimestamp.Time().Equal(txTS))
}

func TestMasterDelayResp(t *testing.T) {
	p, _, _ := newTestPort(t)
	p.Recommend(ptp.PortStateMaster)

	req := syncFrom(otherID, 42, false, time.Time{})
	req.SdoIDAndMsgType = ptp.NewSdoIDAndMsgType(ptp.MessageDelayReq, 0)
	req.ControlField = ctrlDelayReq
	req.CorrectionField = ptp.NewCorrection(1500)

	// event message without rx timestamp can't be answered
	_, err := p.HandleMessage(mustBytes(t, req), time.Time{})
	require.ErrorIs(t, err, ErrDiscarded)

	rxTS := time.Unix(1700000100, 42)
	actions, err := p.HandleMessage(mustBytes(t, req), rxTS)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	sg, ok := actions[0].(SendGeneralAction)
	require.True(t, ok)
	packet, err := ptp.DecodePacket(sg.Data)
	require.NoError(t, err)
	resp, ok := packet.(*ptp.DelayResp)
	require.True(t, ok)
	assert.Equal(t, uint16(42), resp.SequenceID)
	assert.Equal(t, ptp.NewCorrection(1500), resp.CorrectionField)
	assert.Equal(t, otherID, resp.RequestingPortIdentity)
	assert.True(t, resp.ReceiveTimestamp.Time().Equal(rxTS))
	assert.Equal(t, localID, resp.Header.SourcePortIdentity)
}

func TestSlaveMeasurement(t *testing.T) {
	p, clk, srv := newTestPort(t)
	toSlave(t, p)

	base := time.Unix(1700000000, 0)
	runExchange(t, p, base, 1)

	result := p.LastResult()
	require.NotNil(t, result)
	assert.Equal(t, 500*time.Microsecond, result.Offset)
	assert.Equal(t, 100*time.Microsecond, result.Delay)
	assert.Equal(t, 600*time.Microsecond, result.S2CDelay)
	assert.Equal(t, -400*time.Microsecond, result.C2SDelay)

	// not the elected steering port: observe only
	require.Empty(t, srv.samples)
	require.Empty(t, clk.steps)
	require.Empty(t, clk.freqs)
}

func TestSlaveSteersClock(t *testing.T) {
	p, clk, srv := newTestPort(t)
	toSlave(t, p)
	p.SetSteering(true)

	srv.state = servo.StateJump
	runExchange(t, p, time.Unix(1700000000, 0), 1)
	require.Equal(t, []int64{500000}, srv.samples)
	require.Equal(t, []time.Duration{-500 * time.Microsecond}, clk.steps)
	assert.Equal(t, 0, clk.syncs)

	srv.state = servo.StateLocked
	srv.freq = 42.5
	runExchange(t, p, time.Unix(1700000001, 0), 2)
	require.Equal(t, []float64{-42.5}, clk.freqs)
	// locking marks the kernel clock as synchronized
	assert.Equal(t, 1, clk.syncs)
}

func TestHoldoverOnAnnounceTimeout(t *testing.T) {
	p, clk, srv := newTestPort(t)
	toSlave(t, p)
	p.SetSteering(true)
	srv.freq = 12.5

	actions := p.HandleTimer(TimerAnnounceReceipt)
	require.Equal(t, ptp.PortStateListening, p.State())
	require.Equal(t, []Action{ResetTimerAction{Timer: TimerAnnounceReceipt, Duration: 3 * time.Second}}, actions)
	// the clock holds the servo's best frequency estimate until a new
	// master shows up
	assert.Equal(t, []float64{-12.5}, clk.freqs)
	assert.Equal(t, 12.5, srv.lastFreq)
}

// runExchangeVia is runExchange against an arbitrary master with explicit
// timestamps
func runExchangeVia(t *testing.T, p *Port, src ptp.PortIdentity, seq uint16, t1, t2, t3, t4 time.Time) {
	t.Helper()
	_, err := p.HandleMessage(mustBytes(t, syncFrom(src, seq, true, time.Time{})), t2)
	require.NoError(t, err)
	_, err = p.HandleMessage(mustBytes(t, followUpFrom(src, seq, t1)), time.Time{})
	require.NoError(t, err)

	actions := p.HandleTimer(TimerDelayRequest)
	require.Len(t, actions, 2)
	se, ok := actions[0].(SendEventAction)
	require.True(t, ok)
	_, err = p.HandleSendTimestamp(se.Context, t3)
	require.NoError(t, err)
	_, err = p.HandleMessage(mustBytes(t, delayRespFrom(src, se.Context.SequenceID, localID, t4)), time.Time{})
	require.NoError(t, err)
}

func TestBetterMasterResetsMeasurements(t *testing.T) {
	p, clk, srv := newTestPort(t)
	toSlave(t, p)
	p.SetSteering(true)
	srv.state = servo.StateJump

	// synchronized to the current master over a 1ms path, zero offset
	base := time.Unix(1700000000, 0)
	runExchangeVia(t, p, masterID, 1,
		base, base.Add(time.Millisecond),
		base.Add(2*time.Millisecond), base.Add(3*time.Millisecond))
	require.Equal(t, []int64{0}, srv.samples)
	result := p.LastResult()
	require.NotNil(t, result)
	assert.Equal(t, time.Millisecond, result.Delay)

	// a better master takes over: the filtered path delay and any partial
	// exchanges describe the path to the old one and must not survive the
	// switch
	better := announceFrom(otherID)
	better.GrandmasterPriority1 = 10
	actions, err := p.HandleMessage(mustBytes(t, better), time.Time{})
	require.NoError(t, err)
	require.Len(t, actions, 1)
	require.Nil(t, p.LastResult())

	// first exchange against the new master runs over a 10us path with zero
	// offset and reuses the old sequence number
	base = time.Unix(1700000010, 0)
	runExchangeVia(t, p, otherID, 1,
		base, base.Add(10*time.Microsecond),
		base.Add(time.Millisecond), base.Add(time.Millisecond+10*time.Microsecond))
	require.Equal(t, []int64{0, 0}, srv.samples)
	require.Equal(t, []time.Duration{0, 0}, clk.steps)
	result = p.LastResult()
	require.NotNil(t, result)
	assert.Equal(t, 10*time.Microsecond, result.Delay)
}

func TestSlaveOneStepSync(t *testing.T) {
	p, _, _ := newTestPort(t)
	toSlave(t, p)

	base := time.Unix(1700000000, 0)
	// one-step sync carries t1 in the origin timestamp, no follow up needed
	_, err := p.HandleMessage(mustBytes(t, syncFrom(masterID, 1, false, base)), base.Add(600*time.Microsecond))
	require.NoError(t, err)

	actions := p.HandleTimer(TimerDelayRequest)
	se := actions[0].(SendEventAction)
	_, err = p.HandleSendTimestamp(se.Context, base.Add(time.Millisecond))
	require.NoError(t, err)
	_, err = p.HandleMessage(mustBytes(t, delayRespFrom(masterID, se.Context.SequenceID, localID, base.Add(600*time.Microsecond))), time.Time{})
	require.NoError(t, err)

	result := p.LastResult()
	require.NotNil(t, result)
	assert.Equal(t, 500*time.Microsecond, result.Offset)
}

func TestSlaveDiscards(t *testing.T) {
	p, _, _ := newTestPort(t)
	toSlave(t, p)

	// sync from a source we didn't select
	_, err := p.HandleMessage(mustBytes(t, syncFrom(otherID, 1, true, time.Time{})), time.Unix(1, 0))
	require.ErrorIs(t, err, ErrDiscarded)

	// sync without rx timestamp
	_, err = p.HandleMessage(mustBytes(t, syncFrom(masterID, 1, true, time.Time{})), time.Time{})
	require.ErrorIs(t, err, ErrDiscarded)

	// delay response we never asked for
	_, err = p.HandleMessage(mustBytes(t, delayRespFrom(masterID, 9, localID, time.Unix(1, 0))), time.Time{})
	require.ErrorIs(t, err, ErrDiscarded)

	// delay response addressed to someone else
	actions := p.HandleTimer(TimerDelayRequest)
	se := actions[0].(SendEventAction)
	_, err = p.HandleMessage(mustBytes(t, delayRespFrom(masterID, se.Context.SequenceID, otherID, time.Unix(1, 0))), time.Time{})
	require.ErrorIs(t, err, ErrDiscarded)
}

func TestAnnounceReceiptTimeout(t *testing.T) {
	for _, state := range []ptp.PortState{ptp.PortStateSlave, ptp.PortStateMaster, ptp.PortStatePassive} {
		t.Run(state.String(), func(t *testing.T) {
			p, _, _ := newTestPort(t)
			_, err := p.HandleMessage(mustBytes(t, announceFrom(masterID)), time.Time{})
			require.NoError(t, err)
			p.Recommend(state)
			require.Equal(t, state, p.State())

			actions := p.HandleTimer(TimerAnnounceReceipt)
			assert.Equal(t, ptp.PortStateListening, p.State())
			assert.Nil(t, p.BestDataset())
			require.Equal(t, []Action{ResetTimerAction{Timer: TimerAnnounceReceipt, Duration: 3 * time.Second}}, actions)
			assert.Equal(t, uint64(1), p.Counters().AnnounceTimeouts)
		})
	}
}

func TestTimersDieOutAfterRoleChange(t *testing.T) {
	p, _, _ := newTestPort(t)
	toSlave(t, p)
	// master timers in slave state produce nothing and don't re-arm
	require.Nil(t, p.HandleTimer(TimerAnnounce))
	require.Nil(t, p.HandleTimer(TimerSync))

	p.Recommend(ptp.PortStateMaster)
	require.Nil(t, p.HandleTimer(TimerDelayRequest))
}

func TestSupersededSend(t *testing.T) {
	p, _, _ := newTestPort(t)
	p.Recommend(ptp.PortStateMaster)

	first := p.HandleTimer(TimerSync)[0].(SendEventAction)
	second := p.HandleTimer(TimerSync)[0].(SendEventAction)
	assert.Equal(t, uint64(1), p.Counters().TxSuperseded)

	// late timestamp for the superseded send is dropped without fault
	actions, err := p.HandleSendTimestamp(first.Context, time.Unix(1, 0))
	require.NoError(t, err)
	require.Nil(t, actions)
	assert.Equal(t, uint64(1), p.Counters().TimestampsLate)

	// the live one still completes
	actions, err = p.HandleSendTimestamp(second.Context, time.Unix(1, 0))
	require.NoError(t, err)
	require.Len(t, actions, 1)
}

func TestUnknownSendContextFaults(t *testing.T) {
	p, _, _ := newTestPort(t)
	p.Recommend(ptp.PortStateMaster)

	_, err := p.HandleSendTimestamp(SendContext{Kind: ptp.MessageSync, SequenceID: 99, id: 99}, time.Unix(1, 0))
	require.ErrorIs(t, err, ErrFault)
	assert.Equal(t, ptp.PortStateFaulty, p.State())

	// a faulted port processes nothing
	_, err = p.HandleMessage(mustBytes(t, announceFrom(masterID)), time.Time{})
	require.ErrorIs(t, err, ErrDiscarded)
	require.Nil(t, p.HandleTimer(TimerAnnounce))
	require.Nil(t, p.Recommend(ptp.PortStateMaster))
}

func TestRoleChangeDiscardsPending(t *testing.T) {
	p, _, _ := newTestPort(t)
	toSlave(t, p)
	se := p.HandleTimer(TimerDelayRequest)[0].(SendEventAction)

	p.Recommend(ptp.PortStateMaster)
	actions, err := p.HandleSendTimestamp(se.Context, time.Unix(1, 0))
	require.NoError(t, err)
	require.Nil(t, actions)
	assert.Equal(t, uint64(1), p.Counters().TimestampsLate)
}

func TestRecommendIdempotent(t *testing.T) {
	p, _, _ := newTestPort(t)
	_, err := p.HandleMessage(mustBytes(t, announceFrom(masterID)), time.Time{})
	require.NoError(t, err)

	actions := p.Recommend(ptp.PortStateSlave)
	require.NotEmpty(t, actions)
	require.Nil(t, p.Recommend(ptp.PortStateSlave))
	require.Nil(t, p.Recommend(ptp.PortStateFaulty))
}

func TestClockFaultIsFatal(t *testing.T) {
	p, clk, srv := newTestPort(t)
	toSlave(t, p)
	p.SetSteering(true)
	clk.stepErr = assert.AnError
	srv.state = servo.StateJump

	base := time.Unix(1700000000, 0)
	t2 := base.Add(600 * time.Microsecond)
	_, err := p.HandleMessage(mustBytes(t, syncFrom(masterID, 1, true, time.Time{})), t2)
	require.NoError(t, err)
	_, err = p.HandleMessage(mustBytes(t, followUpFrom(masterID, 1, base)), time.Time{})
	require.NoError(t, err)
	actions := p.HandleTimer(TimerDelayRequest)
	se := actions[0].(SendEventAction)
	_, err = p.HandleSendTimestamp(se.Context, base.Add(time.Millisecond))
	require.NoError(t, err)
	_, err = p.HandleMessage(mustBytes(t, delayRespFrom(masterID, se.Context.SequenceID, localID, base.Add(600*time.Microsecond))), time.Time{})
	require.ErrorIs(t, err, ErrFault)
	assert.Equal(t, ptp.PortStateFaulty, p.State())
}

func TestSlaveStepsWithRealServo(t *testing.T) {
	servoCfg := servo.DefaultServoConfig()
	servoCfg.FirstUpdate = true
	servoCfg.FirstStepThreshold = int64(100 * time.Microsecond)
	pi := servo.NewPiServo(servoCfg, servo.DefaultPiServoCfg(), 0)
	pi.SyncInterval(1)

	clk := &fakeClock{}
	p, err := New(testConfig(), clk, pi)
	require.NoError(t, err)
	p.Start()
	toSlave(t, p)
	p.SetSteering(true)

	// warm-up sample produces no correction
	runExchange(t, p, time.Unix(1700000000, 0), 1)
	require.Empty(t, clk.steps)
	require.Empty(t, clk.freqs)

	// second sample sees the offset above the first step threshold
	runExchange(t, p, time.Unix(1700000001, 0), 2)
	require.Equal(t, []time.Duration{-500 * time.Microsecond}, clk.steps)
}

func TestSnapshot(t *testing.T) {
	p, _, _ := newTestPort(t)
	toSlave(t, p)
	runExchange(t, p, time.Unix(1700000000, 0), 1)

	s := p.Snapshot()
	assert.Equal(t, "SLAVE", s.State)
	assert.Equal(t, masterID.ClockIdentity.String(), s.GMIdentity)
	assert.Equal(t, int64(500000), s.OffsetNS)
	assert.Equal(t, int64(100000), s.PathDelayNS)
	assert.False(t, s.Steering)
	assert.Equal(t, uint64(1), s.Counters.RxSync)
	assert.Equal(t, uint64(1), s.Counters.RxFollowUp)
	assert.Equal(t, uint64(1), s.Counters.TxDelayReq)
	assert.Equal(t, uint64(1), s.Counters.RxDelayResp)
}
