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

// Package instance ties the ports of one PTP node together: it owns the
// description of the local clock and periodically decides, via the best
// master clock algorithm, which role every port plays and which single
// port is allowed to steer the clock.
package instance

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/timelab/ptpd/ptp/bmc"
	"github.com/timelab/ptpd/ptp/port"
	ptp "github.com/timelab/ptpd/ptp/protocol"
)

// Config describes the local clock the instance represents
type Config struct {
	ClockIdentity ptp.ClockIdentity
	Priority1     uint8
	Priority2     uint8
	ClockQuality  ptp.ClockQuality
}

// Instance owns the ports of one PTP node.
// Like the ports themselves it is not safe for concurrent use, the caller
// serializes Sweep against the port entry points.
type Instance struct {
	cfg   *Config
	local *bmc.Dataset
	ports []*port.Port
}

// SweepResult carries the actions one port produced during a sweep
type SweepResult struct {
	Port    *port.Port
	Actions []port.Action
}

// Snapshot is a point-in-time copy of the whole instance state
type Snapshot struct {
	ClockIdentity string          `json:"clock_identity"`
	Ports         []port.Snapshot `json:"ports"`
}

// New creates an Instance over already constructed ports
func New(cfg *Config, ports []*port.Port) (*Instance, error) {
	if len(ports) == 0 {
		return nil, fmt.Errorf("instance needs at least one port")
	}
	return &Instance{
		cfg:   cfg,
		local: bmc.LocalDataset(cfg.ClockIdentity, cfg.Priority1, cfg.Priority2, cfg.ClockQuality),
		ports: ports,
	}, nil
}

// Ports returns the ports the instance owns
func (i *Instance) Ports() []*port.Port {
	return i.ports
}

// LocalDataset returns a copy of the descriptor of the local clock
func (i *Instance) LocalDataset() bmc.Dataset {
	return *i.local
}

// Sweep runs one round of master selection over the current per-port
// datasets and applies the outcome. The decision per port:
//   - the port that observed the overall best foreign source becomes SLAVE
//     and is the only port allowed to steer the clock
//   - any other port whose own best loses to the local clock becomes MASTER
//   - the rest stay PASSIVE
//
// When the local clock beats every observed source, all ports are MASTER.
// The sweep is idempotent: over unchanged datasets it changes nothing and
// returns no actions.
func (i *Instance) Sweep() []SweepResult {
	bests := make([]*bmc.Dataset, len(i.ports))
	var gbest *bmc.Dataset
	gbestIdx := -1
	for idx, p := range i.ports {
		ds := p.BestDataset()
		bests[idx] = ds
		if ds == nil {
			continue
		}
		if gbest == nil || bmc.Compare(ds, gbest) > 0 {
			gbest = ds
			gbestIdx = idx
		}
	}
	localWins := gbest == nil || bmc.Compare(i.local, gbest) > 0
	if !localWins && gbest != nil {
		log.Debugf("best master is %s via port %s", gbest.GrandmasterIdentity, i.ports[gbestIdx].Identity())
	}

	results := make([]SweepResult, 0, len(i.ports))
	for idx, p := range i.ports {
		switch p.State() {
		case ptp.PortStateFaulty, ptp.PortStateDisabled, ptp.PortStateInitializing:
			p.SetSteering(false)
			continue
		}
		var state ptp.PortState
		switch {
		case localWins:
			state = ptp.PortStateMaster
		case idx == gbestIdx:
			state = ptp.PortStateSlave
		case bests[idx] == nil || bmc.Compare(i.local, bests[idx]) > 0:
			state = ptp.PortStateMaster
		default:
			state = ptp.PortStatePassive
		}
		p.SetSteering(state == ptp.PortStateSlave)
		actions := p.Recommend(state)
		if len(actions) > 0 {
			results = append(results, SweepResult{Port: p, Actions: actions})
		}
	}
	return results
}

// Snapshot returns a copy of the observable instance state
func (i *Instance) Snapshot() Snapshot {
	s := Snapshot{ClockIdentity: i.cfg.ClockIdentity.String()}
	for _, p := range i.ports {
		s.Ports = append(s.Ports, p.Snapshot())
	}
	return s
}
