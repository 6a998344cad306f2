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

package stats

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/timelab/ptpd/ptp/instance"
)

// JSONStats serves the daemon state over HTTP in JSON, the daemon
// publishes into it and any number of readers poll it
type JSONStats struct {
	mux sync.RWMutex

	snapshot instance.Snapshot
	counters Counters
}

// NewJSONStats returns a new empty JSONStats
func NewJSONStats() *JSONStats {
	return &JSONStats{counters: Counters{}}
}

// SetSnapshot publishes a new instance snapshot
func (s *JSONStats) SetSnapshot(snap instance.Snapshot) {
	s.mux.Lock()
	defer s.mux.Unlock()
	s.snapshot = snap
}

// SetCounters publishes a new counters map, replacing the previous one
func (s *JSONStats) SetCounters(c Counters) {
	s.mux.Lock()
	defer s.mux.Unlock()
	s.counters = c
}

// UpdateCounters merges the given counters into the published ones
func (s *JSONStats) UpdateCounters(c Counters) {
	s.mux.Lock()
	defer s.mux.Unlock()
	for k, v := range c {
		s.counters[k] = v
	}
}

// Snapshot returns the currently published snapshot
func (s *JSONStats) Snapshot() instance.Snapshot {
	s.mux.RLock()
	defer s.mux.RUnlock()
	return s.snapshot
}

// Counters returns a copy of the currently published counters
func (s *JSONStats) Counters() Counters {
	s.mux.RLock()
	defer s.mux.RUnlock()
	c := make(Counters, len(s.counters))
	for k, v := range s.counters {
		c[k] = v
	}
	return c
}

func (s *JSONStats) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.Snapshot()); err != nil {
		log.Errorf("writing snapshot response: %v", err)
	}
}

func (s *JSONStats) handleCounters(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.Counters()); err != nil {
		log.Errorf("writing counters response: %v", err)
	}
}

// Handler returns the http handler serving the stats endpoints
func (s *JSONStats) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleSnapshot)
	mux.HandleFunc("/counters", s.handleCounters)
	return mux
}

// Start runs the http server, does not return until it fails
func (s *JSONStats) Start(monitoringPort int) {
	addr := fmt.Sprintf(":%d", monitoringPort)
	log.Infof("stats server listening on %s", addr)
	log.Fatal(http.ListenAndServe(addr, s.Handler()))
}
