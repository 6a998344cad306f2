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

package cmd

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/timelab/ptpd/stats"
)

// flags
var (
	statusServerFlag   string
	statusCountersFlag bool
)

func init() {
	RootCmd.AddCommand(statusCmd)
	statusCmd.Flags().StringVarP(&statusServerFlag, "server", "s", "http://localhost:4269", "monitoring endpoint of a running daemon")
	statusCmd.Flags().BoolVarP(&statusCountersFlag, "counters", "c", false, "also print per-port packet counters")
}

func coloredState(state string) string {
	switch state {
	case "SLAVE":
		return color.GreenString(state)
	case "MASTER":
		return color.CyanString(state)
	case "PASSIVE", "LISTENING":
		return color.YellowString(state)
	case "FAULTY":
		return color.RedString(state)
	}
	return state
}

func printStatus(url string) error {
	snap, err := stats.FetchStats(url)
	if err != nil {
		return fmt.Errorf("fetching status from %q: %w", url, err)
	}
	fmt.Printf("clock identity: %s\n", snap.ClockIdentity)

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("port", "state", "grandmaster", "steering", "offset", "path delay", "servo")
	for _, p := range snap.Ports {
		gm := p.GMIdentity
		if gm == "" {
			gm = "-"
		}
		if err := table.Append(
			p.PortIdentity,
			coloredState(p.State),
			gm,
			fmt.Sprintf("%v", p.Steering),
			time.Duration(p.OffsetNS).String(),
			time.Duration(p.PathDelayNS).String(),
			p.ServoState,
		); err != nil {
			return err
		}
	}
	if err := table.Render(); err != nil {
		return err
	}

	if !statusCountersFlag {
		return nil
	}
	counters, err := stats.FetchCounters(url)
	if err != nil {
		return fmt.Errorf("fetching counters from %q: %w", url, err)
	}
	tx, rx := counters.PortStats()
	keys := make([]string, 0, len(rx))
	for k := range rx {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ctable := tablewriter.NewWriter(os.Stdout)
	ctable.Header("counter", "rx", "tx")
	for _, k := range keys {
		if err := ctable.Append(k, fmt.Sprintf("%d", rx[k]), fmt.Sprintf("%d", tx[k])); err != nil {
			return err
		}
	}
	return ctable.Render()
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the state of a running daemon",
	Run: func(_ *cobra.Command, _ []string) {
		ConfigureVerbosity()
		if err := printStatus(statusServerFlag); err != nil {
			log.Fatal(err)
		}
	},
}
