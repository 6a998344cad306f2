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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ptp "github.com/timelab/ptpd/ptp/protocol"
	"github.com/timelab/ptpd/timestamp"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Interfaces = []string{"eth0"}
	require.NoError(t, cfg.Validate())
}

func TestValidateErrors(t *testing.T) {
	cfg := DefaultConfig()
	assert.Error(t, cfg.Validate(), "no interfaces")

	cfg = DefaultConfig()
	cfg.Interfaces = []string{"eth0"}
	cfg.Timestamping = "quantum"
	assert.Error(t, cfg.Validate(), "unsupported timestamping")

	cfg = DefaultConfig()
	cfg.Interfaces = []string{"eth0"}
	cfg.DSCP = 64
	assert.Error(t, cfg.Validate(), "dscp out of range")

	cfg = DefaultConfig()
	cfg.Interfaces = []string{"eth0"}
	cfg.SyncInterval = 3 * time.Second
	assert.Error(t, cfg.Validate(), "interval not a power of two")

	cfg = DefaultConfig()
	cfg.Interfaces = []string{"eth0"}
	cfg.SweepInterval = 0
	assert.Error(t, cfg.Validate(), "zero sweep interval")
}

func TestReadConfig(t *testing.T) {
	content := `
interfaces: ["eth0", "eth1"]
timestamping: hardware
domain_number: 12
priority1: 10
announce_interval: 2s
announce_receipt_timeout: 4
measurement:
  path_delay_filter: median
  path_delay_filter_length: 7
`
	path := filepath.Join(t.TempDir(), "ptpd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := ReadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"eth0", "eth1"}, cfg.Interfaces)
	assert.Equal(t, timestamp.HW, cfg.Timestamping)
	assert.Equal(t, uint8(12), cfg.DomainNumber)
	assert.Equal(t, uint8(10), cfg.Priority1)
	assert.Equal(t, 2*time.Second, cfg.AnnounceInterval)
	assert.Equal(t, uint8(4), cfg.AnnounceReceiptTimeout)
	assert.Equal(t, "median", cfg.Measurement.PathDelayFilter)
	assert.Equal(t, 7, cfg.Measurement.PathDelayFilterLength)
	// defaults survive partial configs
	assert.Equal(t, time.Second, cfg.SyncInterval)
	assert.Equal(t, uint8(128), cfg.Priority2)
}

func TestReadConfigRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ptpd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("timestamping: hardware\n"), 0644))
	_, err := ReadConfig(path)
	assert.Error(t, err)
}

func TestClockIdentityFallback(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Interfaces = []string{"lo"}
	// loopback has no MAC, identity comes from the hostname hash
	id, err := cfg.ClockIdentity()
	require.NoError(t, err)
	assert.NotEqual(t, ptp.ClockIdentity(0), id)

	again, err := cfg.ClockIdentity()
	require.NoError(t, err)
	assert.Equal(t, id, again)
}

func TestPortConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Interfaces = []string{"eth0", "eth1"}
	cfg.DomainNumber = 5
	cfg.AnnounceInterval = 2 * time.Second

	clockID := ptp.ClockIdentity(0x001122fffe334455)
	pcfg := cfg.portConfig(clockID, 2)
	require.NoError(t, pcfg.Validate())
	assert.Equal(t, clockID, pcfg.PortIdentity.ClockIdentity)
	assert.Equal(t, uint16(2), pcfg.PortIdentity.PortNumber)
	assert.Equal(t, uint8(5), pcfg.DomainNumber)
	assert.Equal(t, ptp.LogInterval(1), pcfg.AnnounceInterval)
	assert.Equal(t, ptp.LogInterval(0), pcfg.SyncInterval)
	assert.Equal(t, 2*time.Second, pcfg.AnnounceInterval.Duration())
}
