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

// Package daemon wires the protocol engine to the real world: sockets,
// timers and the system clock. The engine itself never blocks and never
// talks to the network, it only emits actions. One goroutine per daemon
// executes those actions and feeds packets, timer expiries and transmit
// timestamps back in, so every port sees a strictly serialized stream
// of events.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/timelab/ptpd/clock"
	"github.com/timelab/ptpd/ptp/instance"
	"github.com/timelab/ptpd/ptp/port"
	ptp "github.com/timelab/ptpd/ptp/protocol"
	"github.com/timelab/ptpd/servo"
	"github.com/timelab/ptpd/stats"
	"github.com/timelab/ptpd/timestamp"
)

// number of timers every port owns, mirrors the port.Timer enum
const numPortTimers = 4

var allPortTimers = []port.Timer{
	port.TimerAnnounce,
	port.TimerSync,
	port.TimerDelayRequest,
	port.TimerAnnounceReceipt,
}

// rxPacket is one received message on its way to the dispatch loop
type rxPacket struct {
	portIdx int
	data    []byte
	rxTS    time.Time
}

// timerEvent is one timer expiry on its way to the dispatch loop
type timerEvent struct {
	portIdx int
	timer   port.Timer
}

// portNet holds the network resources backing one protocol port
type portNet struct {
	event   eventTransport
	general generalTransport
	timers  [numPortTimers]*time.Timer
}

// Daemon runs a multi-port PTP instance over real sockets
type Daemon struct {
	cfg   *Config
	stats *stats.JSONStats

	clk  clock.Clock
	pi   *servo.PiServo
	inst *instance.Instance

	nets    []*portNet
	portIdx map[*port.Port]int

	rxCh    chan rxPacket
	timerCh chan timerEvent

	sys       *stats.SysStats
	aggregate *stats.OffsetAggregate
	// timestamp of the last servo sample per port, dedupes aggregation
	lastSample []time.Time
}

// New constructs a daemon from a validated config
func New(cfg *Config, statsServer *stats.JSONStats) (*Daemon, error) {
	d := &Daemon{
		cfg:       cfg,
		stats:     statsServer,
		rxCh:      make(chan rxPacket, 128),
		timerCh:   make(chan timerEvent, 16),
		sys:       &stats.SysStats{},
		aggregate: stats.NewOffsetAggregate(),
		portIdx:   map[*port.Port]int{},
	}
	if err := d.init(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Daemon) init() error {
	clockID, err := d.cfg.ClockIdentity()
	if err != nil {
		return err
	}
	log.Infof("clock identity: %s", clockID)

	if d.cfg.FreeRunning {
		log.Warning("operating in free running mode, will NOT adjust clock")
		d.clk = &clock.FreeRunningClock{}
	} else if d.cfg.Timestamping == timestamp.HW {
		// with hardware timestamping we steer the NIC clock the
		// timestamps come from, not the system clock
		phc, err := clock.NewPHCClock(d.cfg.Interfaces[0])
		if err != nil {
			return err
		}
		log.Infof("steering PHC %s", phc.Device())
		d.clk = phc
	} else {
		d.clk = &clock.SysClock{}
	}

	freq, err := d.clk.FrequencyPPB()
	if err != nil {
		return err
	}
	log.Debugf("starting clock frequency: %v", freq)

	servoCfg := servo.DefaultServoConfig()
	if d.cfg.FirstStepThreshold != 0 {
		servoCfg.FirstUpdate = true
		servoCfg.FirstStepThreshold = int64(d.cfg.FirstStepThreshold)
	}
	pi := servo.NewPiServo(servoCfg, servo.DefaultPiServoCfg(), -freq)
	maxFreq, err := d.clk.MaxFreqPPB()
	if err != nil {
		log.Warningf("reading max clock frequency: %v", err)
		maxFreq = clock.DefaultMaxFreqPPB
	}
	pi.SetMaxFreq(maxFreq)
	servo.NewPiServoFilter(pi, servo.DefaultPiServoFilterCfg())
	d.pi = pi

	ports := make([]*port.Port, 0, len(d.cfg.Interfaces))
	for n := range d.cfg.Interfaces {
		pcfg := d.cfg.portConfig(clockID, n+1)
		p, err := port.New(pcfg, d.clk, d.pi)
		if err != nil {
			return err
		}
		d.portIdx[p] = n
		ports = append(ports, p)
	}
	d.lastSample = make([]time.Time, len(ports))

	d.inst, err = instance.New(&instance.Config{
		ClockIdentity: clockID,
		Priority1:     d.cfg.Priority1,
		Priority2:     d.cfg.Priority2,
		ClockQuality: ptp.ClockQuality{
			ClockClass:              d.cfg.ClockClass,
			ClockAccuracy:           d.cfg.ClockAccuracy,
			OffsetScaledLogVariance: 0xffff,
		},
	}, ports)
	return err
}

// Run opens the sockets and drives the instance until the context is
// cancelled or a socket fails
func (d *Daemon) Run(ctx context.Context) error {
	defer d.closeConns()
	for i, name := range d.cfg.Interfaces {
		iface, err := net.InterfaceByName(name)
		if err != nil {
			return fmt.Errorf("looking up interface %q: %w", name, err)
		}
		econn, err := newEventConn(iface, d.cfg.Timestamping, d.cfg.DSCP)
		if err != nil {
			return err
		}
		gconn, err := newGeneralConn(iface)
		if err != nil {
			econn.Close()
			return err
		}
		pn := &portNet{event: econn, general: gconn}
		for _, t := range allPortTimers {
			pn.timers[t] = d.newPortTimer(i, t)
		}
		d.nets = append(d.nets, pn)
		log.Infof("port %d on %s, multicast %s", i+1, name, ptpMulticastIP)
	}

	eg, ctx := errgroup.WithContext(ctx)
	for i := range d.nets {
		i := i
		eg.Go(func() error { return d.eventReader(ctx, i) })
		eg.Go(func() error { return d.generalReader(ctx, i) })
	}
	eg.Go(func() error { return d.loop(ctx) })
	return eg.Wait()
}

func (d *Daemon) closeConns() {
	for _, pn := range d.nets {
		for _, t := range pn.timers {
			if t != nil {
				t.Stop()
			}
		}
		if pn.event != nil {
			pn.event.Close()
		}
		if pn.general != nil {
			pn.general.Close()
		}
	}
}

// newPortTimer creates a stopped timer whose expiry lands in the dispatch loop
func (d *Daemon) newPortTimer(portIdx int, t port.Timer) *time.Timer {
	tm := time.AfterFunc(time.Hour, func() {
		d.timerCh <- timerEvent{portIdx: portIdx, timer: t}
	})
	tm.Stop()
	return tm
}

// eventReader pumps event port packets with RX timestamps into the loop
func (d *Daemon) eventReader(ctx context.Context, portIdx int) error {
	buf := make([]byte, timestamp.PayloadSizeBytes)
	oob := make([]byte, timestamp.ControlSizeBytes)
	for {
		n, rxts, err := d.nets[portIdx].event.ReadWithRXTimestamp(buf, oob)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("reading event packet on port %d: %w", portIdx+1, err)
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case d.rxCh <- rxPacket{portIdx: portIdx, data: data, rxTS: rxts}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// generalReader pumps general port packets into the loop, no RX timestamps
func (d *Daemon) generalReader(ctx context.Context, portIdx int) error {
	buf := make([]byte, timestamp.PayloadSizeBytes)
	for {
		n, _, err := d.nets[portIdx].general.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("reading general packet on port %d: %w", portIdx+1, err)
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case d.rxCh <- rxPacket{portIdx: portIdx, data: data}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// loop is the single writer over all protocol state
func (d *Daemon) loop(ctx context.Context) error {
	for i, p := range d.inst.Ports() {
		d.execute(i, p.Start())
	}
	d.runSweep()
	d.publishStats()

	sweep := time.NewTicker(d.cfg.SweepInterval)
	defer sweep.Stop()
	metrics := time.NewTicker(d.cfg.MetricInterval)
	defer metrics.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case pkt := <-d.rxCh:
			p := d.inst.Ports()[pkt.portIdx]
			actions, err := p.HandleMessage(pkt.data, pkt.rxTS)
			d.logHandlerErr(pkt.portIdx, err)
			d.execute(pkt.portIdx, actions)
		case ev := <-d.timerCh:
			p := d.inst.Ports()[ev.portIdx]
			d.execute(ev.portIdx, p.HandleTimer(ev.timer))
		case <-sweep.C:
			d.runSweep()
		case <-metrics.C:
			d.publishStats()
		}
	}
}

func (d *Daemon) runSweep() {
	for _, res := range d.inst.Sweep() {
		d.execute(d.portIdx[res.Port], res.Actions)
	}
}

func (d *Daemon) logHandlerErr(portIdx int, err error) {
	if err == nil || errors.Is(err, port.ErrDiscarded) {
		return
	}
	log.Errorf("port %d: %v", portIdx+1, err)
}

// execute performs actions in order. Completing a send may produce
// follow-up actions, those are drained from the same worklist.
func (d *Daemon) execute(portIdx int, actions []port.Action) {
	p := d.inst.Ports()[portIdx]
	pn := d.nets[portIdx]
	work := actions
	for len(work) > 0 {
		a := work[0]
		work = work[1:]
		switch a := a.(type) {
		case port.SendEventAction:
			txts, err := pn.event.WriteWithTS(a.Data)
			if err != nil {
				// the packet may still have left, report an approximate
				// timestamp off the steered clock so the exchange can
				// complete
				log.Warningf("port %d: %v, using software timestamp", portIdx+1, err)
				if txts, err = d.clk.Now(); err != nil {
					txts = time.Now()
				}
			}
			more, err := p.HandleSendTimestamp(a.Context, txts)
			d.logHandlerErr(portIdx, err)
			work = append(work, more...)
		case port.SendGeneralAction:
			if err := pn.general.Send(a.Data); err != nil {
				log.Errorf("port %d: sending general packet: %v", portIdx+1, err)
			}
		case port.ResetTimerAction:
			pn.timers[a.Timer].Reset(a.Duration)
		}
	}
	d.recordSample(portIdx)
}

// recordSample folds freshly produced measurements into the offset aggregate
func (d *Daemon) recordSample(portIdx int) {
	r := d.inst.Ports()[portIdx].LastResult()
	if r == nil || r.Timestamp.Equal(d.lastSample[portIdx]) {
		return
	}
	d.lastSample[portIdx] = r.Timestamp
	d.aggregate.Add(float64(r.Offset.Nanoseconds()))
}

// publishStats pushes a fresh snapshot and counters to the stats server
func (d *Daemon) publishStats() {
	snap := d.inst.Snapshot()
	d.stats.SetSnapshot(snap)
	d.stats.SetCounters(stats.FromSnapshot(snap))
	extra := stats.Counters{}
	if sys, err := d.sys.Collect(); err == nil {
		for k, v := range sys {
			extra[k] = v
		}
	} else {
		log.Warningf("collecting system stats: %v", err)
	}
	d.aggregate.Export(extra)
	d.stats.UpdateCounters(extra)
}
