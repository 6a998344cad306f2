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
	"math"
	"time"

	log "github.com/sirupsen/logrus"

	ptp "github.com/timelab/ptpd/ptp/protocol"
)

var errNotEnoughData = fmt.Errorf("not enough data")

// Supported path delay filters
const (
	FilterNone   = ""
	FilterMedian = "median"
	FilterMean   = "mean"
)

// MeasurementConfig describes configuration for how we measure offset
type MeasurementConfig struct {
	PathDelayFilterLength         int           `yaml:"path_delay_filter_length"`          // over how many last path delays we filter
	PathDelayFilter               string        `yaml:"path_delay_filter"`                 // which filter to use, see supported filters
	PathDelayDiscardFilterEnabled bool          `yaml:"path_delay_discard_filter_enabled"` // controls filter that allows us to discard anomalously small or big path delays
	PathDelayDiscardBelow         time.Duration `yaml:"path_delay_discard_below"`          // discard path delays that are below this threshold
	PathDelayDiscardMultiplier    int           `yaml:"path_delay_discard_multiplier"`     // discard path delays that are above path delay multiplied by this value
	PathDelayDiscardFrom          time.Duration `yaml:"path_delay_discard_from"`           // do not apply discard multiplier below this threshold
}

// Validate returns an error if the config is obviously unusable
func (c *MeasurementConfig) Validate() error {
	if c.PathDelayFilterLength < 0 {
		return fmt.Errorf("path_delay_filter_length must not be negative")
	}
	switch c.PathDelayFilter {
	case FilterNone, FilterMedian, FilterMean:
	default:
		return fmt.Errorf("unsupported path delay filter %q", c.PathDelayFilter)
	}
	if c.PathDelayDiscardFilterEnabled && c.PathDelayDiscardMultiplier < 1 {
		return fmt.Errorf("path_delay_discard_multiplier must be at least 1")
	}
	return nil
}

// syncLeg is raw data of one master-to-us Sync exchange
type syncLeg struct {
	t1 time.Time     // departure time of Sync packet from the master
	t2 time.Time     // arrival time of Sync packet on our port
	c1 time.Duration // correctionField of Sync, plus FollowUp for two-step
}

func (l *syncLeg) complete() bool {
	return !l.t1.IsZero() && !l.t2.IsZero()
}

// delayLeg is raw data of one us-to-master DelayReq/DelayResp exchange
type delayLeg struct {
	t3 time.Time     // departure time of DelayReq from our port
	t4 time.Time     // arrival time of DelayReq packet on the master
	c2 time.Duration // correctionField of DelayResp
}

func (l *delayLeg) complete() bool {
	return !l.t3.IsZero() && !l.t4.IsZero()
}

// MeasurementResult is a single measured datapoint
type MeasurementResult struct {
	Delay             time.Duration
	Offset            time.Duration
	S2CDelay          time.Duration
	C2SDelay          time.Duration
	CorrectionFieldRX time.Duration
	CorrectionFieldTX time.Duration
	Timestamp         time.Time
	T1                time.Time
	T2                time.Time
	T3                time.Time
	T4                time.Time
	BadDelay          bool
}

// measurements abstracts away tracking and calculation of various packet
// timestamps. Sync and DelayReq sequence numbers advance independently,
// so the two legs of the exchange are tracked separately: a completed
// delay exchange feeds the path delay filter, a completed sync leg
// produces at most one offset sample.
// All access happens from the single goroutine driving the port.
type measurements struct {
	cfg          *MeasurementConfig
	syncs        map[uint16]*syncLeg
	delays       map[uint16]*delayLeg
	usedSync     *syncLeg
	usedDelay    *delayLeg
	gmIdentity   ptp.ClockIdentity
	delaysWindow *slidingWindow
	pathDelay    time.Duration
	haveDelay    bool
	lastBadDelay bool
}

// partial exchanges tracked at most, protects against unbounded growth
// when a counterpart message never arrives
const maxTracked = 16

func (m *measurements) setGM(identity ptp.ClockIdentity) {
	m.gmIdentity = identity
}

func (m *measurements) addT2andCF1(seq uint16, ts time.Time, correction time.Duration) {
	v, found := m.syncs[seq]
	if found {
		v.t2 = ts
		v.c1 += correction
	} else {
		m.pruneSyncs(seq)
		m.syncs[seq] = &syncLeg{t2: ts, c1: correction}
	}
}

func (m *measurements) addT1(seq uint16, ts time.Time) {
	v, found := m.syncs[seq]
	if found {
		v.t1 = ts
	} else {
		m.pruneSyncs(seq)
		m.syncs[seq] = &syncLeg{t1: ts}
	}
}

// addFollowUp completes a two-step Sync leg: the precise origin timestamp
// plus the FollowUp correction on top of the one carried by the Sync itself.
// The leg is created when missing, general and event messages may be
// reordered relative to each other.
func (m *measurements) addFollowUp(seq uint16, ts time.Time, correction time.Duration) {
	v, found := m.syncs[seq]
	if found {
		v.t1 = ts
		v.c1 += correction
	} else {
		m.pruneSyncs(seq)
		m.syncs[seq] = &syncLeg{t1: ts, c1: correction}
	}
}

func (m *measurements) addT3(seq uint16, ts time.Time) {
	v, found := m.delays[seq]
	if found {
		v.t3 = ts
	} else {
		m.pruneDelays(seq)
		m.delays[seq] = &delayLeg{t3: ts}
	}
}

// addT4andCF2 records the master side of the delay exchange. The response
// can beat our own tx timestamp report, so the leg is created when missing.
func (m *measurements) addT4andCF2(seq uint16, ts time.Time, correction time.Duration) {
	v, found := m.delays[seq]
	if found {
		v.t4 = ts
		v.c2 = correction
	} else {
		m.pruneDelays(seq)
		m.delays[seq] = &delayLeg{t4: ts, c2: correction}
	}
}

func (m *measurements) pruneSyncs(current uint16) {
	if len(m.syncs) < maxTracked {
		return
	}
	for k := range m.syncs {
		if k != current {
			delete(m.syncs, k)
		}
	}
}

func (m *measurements) pruneDelays(current uint16) {
	if len(m.delays) < maxTracked {
		return
	}
	for k := range m.delays {
		if k != current {
			delete(m.delays, k)
		}
	}
}

func (m *measurements) newestCompleteSync() *syncLeg {
	var newest *syncLeg
	for _, v := range m.syncs {
		if !v.complete() {
			continue
		}
		if newest == nil || v.t2.After(newest.t2) {
			newest = v
		}
	}
	return newest
}

func (m *measurements) newestCompleteDelay() *delayLeg {
	var newest *delayLeg
	for _, v := range m.delays {
		if !v.complete() {
			continue
		}
		if newest == nil || v.t3.After(newest.t3) {
			newest = v
		}
	}
	return newest
}

// updatePathDelay recomputes the mean path delay from the newest complete
// pair of legs and runs it through the configured filter.
// Called when a delay exchange completes, never produces an offset sample.
func (m *measurements) updatePathDelay() {
	s := m.newestCompleteSync()
	d := m.newestCompleteDelay()
	if s == nil || d == nil || d == m.usedDelay {
		return
	}
	m.usedDelay = d
	// delay = ((t2 − t1 − c1) + (t4 − t3 − c2))/2
	C2SDelay := d.t4.Sub(d.t3) - d.c2
	S2CDelay := s.t2.Sub(s.t1) - s.c1
	newDelay := (C2SDelay + S2CDelay) / 2
	m.lastBadDelay = !m.delay(newDelay, s, d)
	m.haveDelay = m.haveDelay || !m.lastBadDelay
}

// delay evaluates the latest path delay and applies filter logic.
// It returns false if delay is bad and wasn't used.
func (m *measurements) delay(newDelay time.Duration, s *syncLeg, d *delayLeg) bool {
	lastDelay := m.delaysWindow.lastSample()
	maxPathDelay := time.Duration(m.cfg.PathDelayDiscardMultiplier) * m.pathDelay
	// we want to have at least one sample recorded, even if it doesn't meet the filter, otherwise we'll never sync
	if math.IsNaN(lastDelay) || !m.cfg.PathDelayDiscardFilterEnabled {
		m.applyDelay(newDelay)
		return true
	}

	// Filter territory
	if newDelay < m.cfg.PathDelayDiscardBelow {
		// Discard below min from the beginning
		log.Warningf("(%s) low path delay %v is not in (%v, %v) - filtered out", m.gmIdentity, newDelay, m.cfg.PathDelayDiscardBelow, maxPathDelay)
		return false
	} else if newDelay > m.cfg.PathDelayDiscardFrom && newDelay > maxPathDelay && maxPathDelay > m.cfg.PathDelayDiscardBelow && m.delaysWindow.Full() {
		// Ignore spikes above maxPathDelay starting from m.cfg.PathDelayDiscardFrom
		log.Warningf("(%s) high path delay %v is not in (%v, %v) - filtered out", m.gmIdentity, newDelay, m.cfg.PathDelayDiscardBelow, maxPathDelay)
		return false
	} else if s.c1 < 0 || d.c2 < 0 {
		// Ignore negative CF
		log.Warningf("(%s) bad correction fields: CF1 (sync): %v, CF2 (delay_resp): %v - filtered out", m.gmIdentity, s.c1, d.c2)
		return false
	}

	m.applyDelay(newDelay)
	return true
}

func (m *measurements) applyDelay(newDelay time.Duration) {
	m.delaysWindow.add(float64(newDelay))

	switch m.cfg.PathDelayFilter {
	case FilterMedian:
		m.pathDelay = time.Duration(m.delaysWindow.median())
	case FilterMean:
		m.pathDelay = time.Duration(m.delaysWindow.mean())
	default:
		m.pathDelay = newDelay
	}
}

// latest produces an offset sample from the newest complete sync leg and
// the current filtered path delay. Each sync leg produces at most one
// sample: the servo must never see the same t2 twice.
func (m *measurements) latest() (*MeasurementResult, error) {
	s := m.newestCompleteSync()
	d := m.newestCompleteDelay()
	if s == nil || d == nil || !m.haveDelay {
		return nil, errNotEnoughData
	}
	if s == m.usedSync {
		return nil, errNotEnoughData
	}
	m.usedSync = s
	// offset = (t2 − t1 − c1) − meanPathDelay
	C2SDelay := d.t4.Sub(d.t3) - d.c2
	S2CDelay := s.t2.Sub(s.t1) - s.c1
	offset := S2CDelay - m.pathDelay
	return &MeasurementResult{
		Delay:             m.pathDelay,
		Offset:            offset,
		S2CDelay:          S2CDelay,
		C2SDelay:          C2SDelay,
		CorrectionFieldRX: s.c1,
		CorrectionFieldTX: d.c2,
		Timestamp:         s.t2,
		T1:                s.t1,
		T2:                s.t2,
		T3:                d.t3,
		T4:                d.t4,
		BadDelay:          m.lastBadDelay,
	}, nil
}

// cleanup drops all partial exchanges and filter state.
// Called when the port changes role or the best master changes.
func (m *measurements) cleanup() {
	clear(m.syncs)
	clear(m.delays)
	m.usedSync = nil
	m.usedDelay = nil
	m.pathDelay = 0
	m.haveDelay = false
	m.lastBadDelay = false
	m.delaysWindow = newSlidingWindow(m.cfg.PathDelayFilterLength)
}

func newMeasurements(cfg *MeasurementConfig) *measurements {
	return &measurements{
		cfg:          cfg,
		syncs:        map[uint16]*syncLeg{},
		delays:       map[uint16]*delayLeg{},
		delaysWindow: newSlidingWindow(cfg.PathDelayFilterLength),
	}
}
