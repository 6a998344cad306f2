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

// Package bmc implements the dataset comparison part of the
// Best Master Clock Algorithm, IEEE 1588-2019 section 9.3.
package bmc

import (
	ptp "github.com/timelab/ptpd/ptp/protocol"
)

// ComparisonResult is the type to represent comparisons
type ComparisonResult int8

const (
	// ABetterTopo means A is better based on topology
	ABetterTopo ComparisonResult = 2
	// ABetter means A is better based on dataset content
	ABetter ComparisonResult = 1
	// Same means datasets are identical in all compared fields
	Same ComparisonResult = 0
	// BBetter means B is better based on dataset content
	BBetter ComparisonResult = -1
	// BBetterTopo means B is better based on topology
	BBetterTopo ComparisonResult = -2
)

// Dataset describes a single competing time source, either built from
// a received Announce or synthesized for the local clock.
type Dataset struct {
	GrandmasterPriority1    uint8
	GrandmasterIdentity     ptp.ClockIdentity
	GrandmasterClockQuality ptp.ClockQuality
	GrandmasterPriority2    uint8
	StepsRemoved            uint16
	SourcePortIdentity      ptp.PortIdentity
}

// DatasetFromAnnounce builds the foreign source descriptor from a received Announce
func DatasetFromAnnounce(a *ptp.Announce) *Dataset {
	return &Dataset{
		GrandmasterPriority1:    a.GrandmasterPriority1,
		GrandmasterIdentity:     a.GrandmasterIdentity,
		GrandmasterClockQuality: a.GrandmasterClockQuality,
		GrandmasterPriority2:    a.GrandmasterPriority2,
		StepsRemoved:            a.StepsRemoved,
		SourcePortIdentity:      a.Header.SourcePortIdentity,
	}
}

// LocalDataset synthesizes the descriptor of the local clock itself (defaultDS).
// StepsRemoved for the local clock is always zero.
func LocalDataset(identity ptp.ClockIdentity, priority1, priority2 uint8, quality ptp.ClockQuality) *Dataset {
	return &Dataset{
		GrandmasterPriority1:    priority1,
		GrandmasterIdentity:     identity,
		GrandmasterClockQuality: quality,
		GrandmasterPriority2:    priority2,
		SourcePortIdentity:      ptp.PortIdentity{ClockIdentity: identity},
	}
}

// compareTopo finds better dataset based on network topology
func compareTopo(a, b *Dataset) ComparisonResult {
	if a.StepsRemoved+1 < b.StepsRemoved {
		return ABetter
	}
	if b.StepsRemoved+1 < a.StepsRemoved {
		return BBetter
	}

	diff := a.SourcePortIdentity.Compare(b.SourcePortIdentity)
	if diff < 0 {
		return ABetterTopo
	}
	if diff > 0 {
		return BBetterTopo
	}
	return Same
}

// Compare finds the better of two datasets, 9.3.4 Figure 34/35.
// The order is priority1, clock class, clock accuracy, offset scaled log
// variance, priority2, grandmaster identity, then topology. The identity
// tie-break guarantees a strict total order: Same is only returned when
// every compared field matches.
func Compare(a, b *Dataset) ComparisonResult {
	if *a == *b {
		return Same
	}
	if a.GrandmasterIdentity == b.GrandmasterIdentity {
		return compareTopo(a, b)
	}
	if a.GrandmasterPriority1 < b.GrandmasterPriority1 {
		return ABetter
	}
	if a.GrandmasterPriority1 > b.GrandmasterPriority1 {
		return BBetter
	}
	if a.GrandmasterClockQuality.ClockClass < b.GrandmasterClockQuality.ClockClass {
		return ABetter
	}
	if a.GrandmasterClockQuality.ClockClass > b.GrandmasterClockQuality.ClockClass {
		return BBetter
	}
	if a.GrandmasterClockQuality.ClockAccuracy < b.GrandmasterClockQuality.ClockAccuracy {
		return ABetter
	}
	if a.GrandmasterClockQuality.ClockAccuracy > b.GrandmasterClockQuality.ClockAccuracy {
		return BBetter
	}
	if a.GrandmasterClockQuality.OffsetScaledLogVariance < b.GrandmasterClockQuality.OffsetScaledLogVariance {
		return ABetter
	}
	if a.GrandmasterClockQuality.OffsetScaledLogVariance > b.GrandmasterClockQuality.OffsetScaledLogVariance {
		return BBetter
	}
	if a.GrandmasterPriority2 < b.GrandmasterPriority2 {
		return ABetter
	}
	if a.GrandmasterPriority2 > b.GrandmasterPriority2 {
		return BBetter
	}
	if a.GrandmasterIdentity < b.GrandmasterIdentity {
		return ABetter
	}
	return BBetter
}

// Qualified limits which grandmasters we're willing to sync to.
// Sources with clock class or accuracy worse (greater) than the caps are never selected.
func Qualified(ds *Dataset, maxClockClass ptp.ClockClass, maxClockAccuracy ptp.ClockAccuracy) bool {
	if ds == nil {
		return false
	}
	return ds.GrandmasterClockQuality.ClockClass <= maxClockClass &&
		ds.GrandmasterClockQuality.ClockAccuracy <= maxClockAccuracy
}
