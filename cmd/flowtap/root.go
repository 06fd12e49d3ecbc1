// Package main implements the flowtap CLI: the root command loads a TOML
// config, starts per-port capture and per-core ingress workers, and
// serves periodic stdout/CSV/Prometheus metrics until signaled to stop;
// the validate-filter subcommand checks a filter expression.
package main

import (
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/flowtap/flowtap/printer"
	"github.com/flowtap/flowtap/util"
)

var (
	configPath  string
	metricsAddr string
	csvPath     string
	filterExpr  string
)

var rootCmd = &cobra.Command{
	Use:   "flowtap",
	Short: "Multi-core packet capture, flow tracking and protocol filtering",
	Long: `flowtap ingests packets from a live interface or a pcap file, tracks
connections per core, evaluates staged filter predicates against packet,
protocol and session state, and delivers matches to subscribed callbacks.`,
	SilenceErrors: true,
	SilenceUsage:  true,
	RunE:          runFlowtap,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "flowtap.toml", "path to the TOML configuration file")
	flags.IntP("verbose", "v", 0, "console verbosity level")
	flags.StringVar(&metricsAddr, "metrics-addr", "", "address to serve Prometheus metrics on, e.g. :9090 (disabled if empty)")
	flags.StringVar(&csvPath, "stats-csv", "", "path to append per-core stats as CSV (disabled if empty)")
	flags.StringVar(&filterExpr, "filter", "tcp or udp", "engine filter expression, compiled at the Packet stage and also used by the demo Connection subscription")

	if err := viper.BindPFlag("verbose-level", flags.Lookup("verbose")); err != nil {
		panic(err)
	}
}

// Execute runs the root command, translating a returned util.ExitError
// into the process exit code.
func Execute() {
	if _, err := rootCmd.ExecuteC(); err != nil {
		exitCode := 1
		var exitErr util.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode
		}
		printer.Stderr.Errorln(err)
		os.Exit(exitCode)
	}
}
