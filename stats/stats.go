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

// Package stats exposes the observable state of the daemon: per-port
// snapshots and flat counters over a small JSON HTTP interface, plus an
// optional prometheus exporter on top of it.
package stats

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/eclesh/welford"

	"github.com/timelab/ptpd/ptp/instance"
)

// counter key prefixes
const (
	PortStatsTxPrefix = "ptp.portstats.tx."
	PortStatsRxPrefix = "ptp.portstats.rx."
)

// Counters is a flat map of everything countable the daemon exports
type Counters map[string]int64

// PortStats returns two maps: packet type to counter, TX and RX
func (c Counters) PortStats() (tx map[string]uint64, rx map[string]uint64) {
	tx = map[string]uint64{}
	rx = map[string]uint64{}
	for k, v := range c {
		if strings.HasPrefix(k, PortStatsTxPrefix) {
			tx[strings.TrimPrefix(k, PortStatsTxPrefix)] = uint64(v)
		}
		if strings.HasPrefix(k, PortStatsRxPrefix) {
			rx[strings.TrimPrefix(k, PortStatsRxPrefix)] = uint64(v)
		}
	}
	return
}

// SysStats returns everything that isn't a port packet counter
func (c Counters) SysStats() map[string]int64 {
	res := map[string]int64{}
	for k, v := range c {
		if strings.HasPrefix(k, PortStatsTxPrefix) {
			continue
		}
		if strings.HasPrefix(k, PortStatsRxPrefix) {
			continue
		}
		res[k] = v
	}
	return res
}

// FromSnapshot flattens an instance snapshot into counter keys,
// one set per port, keyed by port identity
func FromSnapshot(s instance.Snapshot) Counters {
	c := Counters{}
	for _, p := range s.Ports {
		rx := map[string]uint64{
			"announce":   p.Counters.RxAnnounce,
			"sync":       p.Counters.RxSync,
			"follow_up":  p.Counters.RxFollowUp,
			"delay_req":  p.Counters.RxDelayReq,
			"delay_resp": p.Counters.RxDelayResp,
		}
		tx := map[string]uint64{
			"announce":   p.Counters.TxAnnounce,
			"sync":       p.Counters.TxSync,
			"follow_up":  p.Counters.TxFollowUp,
			"delay_req":  p.Counters.TxDelayReq,
			"delay_resp": p.Counters.TxDelayResp,
		}
		for k, v := range rx {
			c[fmt.Sprintf("%s%s.%s", PortStatsRxPrefix, p.PortIdentity, k)] = int64(v)
		}
		for k, v := range tx {
			c[fmt.Sprintf("%s%s.%s", PortStatsTxPrefix, p.PortIdentity, k)] = int64(v)
		}
		prefix := fmt.Sprintf("ptp.port.%s.", p.PortIdentity)
		c[prefix+"rx_discarded"] = int64(p.Counters.RxDiscarded)
		c[prefix+"tx_superseded"] = int64(p.Counters.TxSuperseded)
		c[prefix+"timestamps_late"] = int64(p.Counters.TimestampsLate)
		c[prefix+"announce_timeouts"] = int64(p.Counters.AnnounceTimeouts)
		c[prefix+"faults"] = int64(p.Counters.Faults)
		c[prefix+"offset_ns"] = p.OffsetNS
		c[prefix+"path_delay_ns"] = p.PathDelayNS
		if p.Steering {
			c[prefix+"steering"] = 1
		} else {
			c[prefix+"steering"] = 0
		}
	}
	return c
}

// OffsetAggregate summarizes the offsets seen during one reporting window
type OffsetAggregate struct {
	w     *welford.Stats
	max   float64
	count int64
}

// NewOffsetAggregate creates an empty aggregate
func NewOffsetAggregate() *OffsetAggregate {
	return &OffsetAggregate{w: welford.New()}
}

// Add records one offset observation in nanoseconds
func (a *OffsetAggregate) Add(offsetNS float64) {
	if offsetNS < 0 {
		offsetNS = -offsetNS
	}
	a.w.Add(offsetNS)
	if offsetNS > a.max {
		a.max = offsetNS
	}
	a.count++
}

// Export dumps the aggregate into counters and resets it
func (a *OffsetAggregate) Export(c Counters) {
	if a.count == 0 {
		return
	}
	c["ptp.offset_ns.abs_mean"] = int64(a.w.Mean())
	c["ptp.offset_ns.abs_max"] = int64(a.max)
	c["ptp.offset_ns.stddev"] = int64(a.w.Stddev())
	c["ptp.offset_ns.samples"] = a.count
	a.w = welford.New()
	a.max = 0
	a.count = 0
}

// FetchStats returns an instance snapshot fetched from a running daemon
func FetchStats(url string) (*instance.Snapshot, error) {
	c := http.Client{
		Timeout: time.Second * 2,
	}
	resp, err := c.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	s := &instance.Snapshot{}
	err = json.Unmarshal(b, s)
	return s, err
}

// FetchCounters returns the counters map fetched from a running daemon
func FetchCounters(url string) (Counters, error) {
	counters := make(Counters)
	url = fmt.Sprintf("%s/counters", url)
	c := http.Client{
		Timeout: time.Second * 2,
	}
	resp, err := c.Get(url)
	if err != nil {
		return counters, err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return counters, err
	}
	err = json.Unmarshal(b, &counters)
	return counters, err
}
