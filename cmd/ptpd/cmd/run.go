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
	"context"
	"net/http"
	"os/signal"
	"syscall"

	sd "github.com/coreos/go-systemd/daemon"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/timelab/ptpd/daemon"
	"github.com/timelab/ptpd/stats"
)

// flags
var (
	runConfigFlag string
	runIfaceFlag  string
	runPprofFlag  string
)

func init() {
	RootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVarP(&runConfigFlag, "config", "c", "", "path to the config file")
	runCmd.Flags().StringVarP(&runIfaceFlag, "iface", "i", "", "network interface to use, overrides the config")
	runCmd.Flags().StringVar(&runPprofFlag, "pprof", "", "address to have the profiler listen on, disabled if empty")
}

func runDaemon() error {
	var cfg *daemon.Config
	var err error
	if runConfigFlag != "" {
		cfg, err = daemon.ReadConfig(runConfigFlag)
		if err != nil {
			return err
		}
	} else {
		cfg = daemon.DefaultConfig()
	}
	if runIfaceFlag != "" {
		cfg.Interfaces = []string{runIfaceFlag}
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	statsServer := stats.NewJSONStats()
	go statsServer.Start(cfg.MonitoringPort)
	if cfg.PrometheusPort != 0 {
		exporter := stats.NewPrometheusExporter(statsServer, cfg.PrometheusPort, cfg.MetricInterval)
		go exporter.Start()
	}
	if runPprofFlag != "" {
		go func() {
			if err := http.ListenAndServe(runPprofFlag, nil); err != nil {
				log.Errorf("starting pprof: %v", err)
			}
		}()
	}

	d, err := daemon.New(cfg, statsServer)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if ok, err := sd.SdNotify(false, sd.SdNotifyReady); err != nil {
		log.Debugf("systemd notify skipped (ok=%v): %v", ok, err)
	}
	return d.Run(ctx)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the PTP daemon",
	Run: func(_ *cobra.Command, _ []string) {
		ConfigureVerbosity()
		if err := runDaemon(); err != nil {
			log.Fatal(err)
		}
	},
}
