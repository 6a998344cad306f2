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
	"os"
	"time"

	"github.com/cespare/xxhash"
	yaml "gopkg.in/yaml.v2"

	"github.com/timelab/ptpd/ptp/port"
	ptp "github.com/timelab/ptpd/ptp/protocol"
	"github.com/timelab/ptpd/timestamp"
)

// Config specifies the daemon run options, one PTP port per listed interface
type Config struct {
	Interfaces     []string `yaml:"interfaces"`
	Timestamping   string   `yaml:"timestamping"`
	DomainNumber   uint8    `yaml:"domain_number"`
	DSCP           int      `yaml:"dscp"`
	MonitoringPort int      `yaml:"monitoring_port"`
	PrometheusPort int      `yaml:"prometheus_port"`

	Priority1        uint8             `yaml:"priority1"`
	Priority2        uint8             `yaml:"priority2"`
	ClockClass       ptp.ClockClass    `yaml:"clock_class"`
	ClockAccuracy    ptp.ClockAccuracy `yaml:"clock_accuracy"`
	CurrentUTCOffset int16             `yaml:"current_utc_offset"`

	AnnounceInterval       time.Duration `yaml:"announce_interval"`
	SyncInterval           time.Duration `yaml:"sync_interval"`
	MinDelayReqInterval    time.Duration `yaml:"min_delay_req_interval"`
	AnnounceReceiptTimeout uint8         `yaml:"announce_receipt_timeout"`

	// caps on foreign masters we're willing to sync to
	MaxClockClass    ptp.ClockClass    `yaml:"max_clock_class"`
	MaxClockAccuracy ptp.ClockAccuracy `yaml:"max_clock_accuracy"`

	Measurement port.MeasurementConfig `yaml:"measurement"`

	FreeRunning        bool          `yaml:"free_running"`
	FirstStepThreshold time.Duration `yaml:"first_step_threshold"`

	SweepInterval  time.Duration `yaml:"sweep_interval"`
	MetricInterval time.Duration `yaml:"metric_interval"`
}

// DefaultConfig returns a config with sane defaults,
// intervals follow the common profile (1s announce/sync, timeout 3)
func DefaultConfig() *Config {
	return &Config{
		Timestamping:           timestamp.SW,
		MonitoringPort:         4269,
		Priority1:              128,
		Priority2:              128,
		ClockClass:             ptp.ClockClassSlaveOnly,
		ClockAccuracy:          ptp.ClockAccuracyUnknown,
		AnnounceInterval:       time.Second,
		SyncInterval:           time.Second,
		MinDelayReqInterval:    time.Second,
		AnnounceReceiptTimeout: 3,
		MaxClockClass:          ptp.ClockClassDefault,
		MaxClockAccuracy:       ptp.ClockAccuracyUnknown,
		Measurement: port.MeasurementConfig{
			PathDelayFilterLength: 59,
			PathDelayFilter:       port.FilterNone,
		},
		FirstStepThreshold: 100 * time.Millisecond,
		SweepInterval:      time.Second,
		MetricInterval:     10 * time.Second,
	}
}

// ReadConfig reads the daemon config from a yaml file on top of the defaults
func ReadConfig(path string) (*Config, error) {
	c := DefaultConfig()
	cData, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(cData, c); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate returns an error if the config can't produce a working daemon
func (c *Config) Validate() error {
	if len(c.Interfaces) == 0 {
		return fmt.Errorf("at least one interface is required")
	}
	if err := timestamp.CheckMode(c.Timestamping); err != nil {
		return err
	}
	if c.DSCP < 0 || c.DSCP > 63 {
		return fmt.Errorf("dscp must be between 0 and 63, got %d", c.DSCP)
	}
	for _, d := range []time.Duration{c.AnnounceInterval, c.SyncInterval, c.MinDelayReqInterval} {
		li, err := ptp.NewLogInterval(d)
		if err != nil {
			return err
		}
		if li.Duration() != d {
			return fmt.Errorf("interval %s must be a power of two seconds", d)
		}
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep_interval must be positive")
	}
	if c.MetricInterval <= 0 {
		return fmt.Errorf("metric_interval must be positive")
	}
	return nil
}

// ClockIdentity derives the daemon clock identity from the MAC address of
// the first interface, falling back to a hash of the hostname when the
// interface carries no usable MAC (e.g. in tests over loopback).
func (c *Config) ClockIdentity() (ptp.ClockIdentity, error) {
	iface, err := net.InterfaceByName(c.Interfaces[0])
	if err != nil {
		return 0, fmt.Errorf("looking up interface %q: %w", c.Interfaces[0], err)
	}
	if len(iface.HardwareAddr) >= 6 {
		return ptp.NewClockIdentity(iface.HardwareAddr)
	}
	hostname, err := os.Hostname()
	if err != nil {
		return 0, err
	}
	return ptp.ClockIdentity(xxhash.Sum64String(hostname)), nil
}

// portConfig expands the daemon config into the config of the n-th port.
// Port numbers start at 1.
func (c *Config) portConfig(clockID ptp.ClockIdentity, n int) *port.Config {
	ai, _ := ptp.NewLogInterval(c.AnnounceInterval)
	si, _ := ptp.NewLogInterval(c.SyncInterval)
	di, _ := ptp.NewLogInterval(c.MinDelayReqInterval)
	return &port.Config{
		PortIdentity: ptp.PortIdentity{
			ClockIdentity: clockID,
			PortNumber:    uint16(n),
		},
		DomainNumber: c.DomainNumber,
		Priority1:    c.Priority1,
		Priority2:    c.Priority2,
		ClockQuality: ptp.ClockQuality{
			ClockClass:              c.ClockClass,
			ClockAccuracy:           c.ClockAccuracy,
			OffsetScaledLogVariance: 0xffff,
		},
		CurrentUTCOffset:       c.CurrentUTCOffset,
		TimeSource:             ptp.TimeSourceInternalOscillator,
		AnnounceInterval:       ai,
		SyncInterval:           si,
		MinDelayReqInterval:    di,
		AnnounceReceiptTimeout: c.AnnounceReceiptTimeout,
		MaxClockClass:          c.MaxClockClass,
		MaxClockAccuracy:       c.MaxClockAccuracy,
		Measurement:            c.Measurement,
	}
}
