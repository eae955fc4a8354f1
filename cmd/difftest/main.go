// difftest - replay simulator stores through guest physical memory and verify
// them against a reference model's store trace.
package main

import (
	"fmt"
	"os"

	"github.com/colorfulnotion/pmem/config"
	"github.com/colorfulnotion/pmem/difftest"
	"github.com/colorfulnotion/pmem/log"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildTime = "unknown"
)

func main() {
	var (
		configID     string
		logLevel     string
		debugModules string
	)

	var rootCmd = &cobra.Command{
		Use:   "difftest",
		Short: "Guest physical memory difftest driver",
		Long: `Replays the stores a simulator committed through the guest physical memory
core with store recording enabled, then checks the recorded commits against
the store trace of a reference model.`,
		Version: fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, BuildTime),
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			log.InitLogger(logLevel)
			log.EnableModules(debugModules)
		},
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVar(&configID, "config", "nemu", "Config preset ("+fmt.Sprint(config.Presets())+") or JSON file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: trace, debug, info, warn, error, crit")
	rootCmd.PersistentFlags().StringVar(&debugModules, "debug", "", "Comma separated modules to enable debug logs for (or \"all\")")

	var configCmd = &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.ReadConfig(configID)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), cfg.Tree().String())
			return nil
		},
	}

	var opts replayOptions
	var replayCmd = &cobra.Command{
		Use:   "replay",
		Short: "Replay a simulator store log and verify it against a reference trace",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := config.ReadConfig(configID)
			if err != nil {
				log.Crit(log.DifftestMonitoring, "config", "err", err)
			}
			verdict, err := runReplay(cfg, opts, cmd.OutOrStdout())
			if err != nil {
				log.Crit(log.DifftestMonitoring, "replay failed", "err", err)
			}
			if verdict != difftest.Match {
				os.Exit(1)
			}
		},
	}
	replayCmd.Flags().StringVar(&opts.storeLog, "stores", "", "Simulator store log (JSONL with widths)")
	replayCmd.Flags().StringVar(&opts.reference, "ref", "", "Reference store trace (.gz) or JSONL")
	replayCmd.Flags().StringVar(&opts.image, "image", "", "Raw image loaded at mbase before replay")
	replayCmd.Flags().Uint64Var(&opts.pc, "pc", 0, "Program counter reported with divergences")
	replayCmd.Flags().StringVar(&opts.recordOut, "record-out", "", "Also write every store that reached guest RAM to this JSONL file")
	replayCmd.Flags().BoolVar(&opts.keepGoing, "keep-going", false, "Check every reference store instead of stopping at the first divergence")
	_ = replayCmd.MarkFlagRequired("stores")
	_ = replayCmd.MarkFlagRequired("ref")

	var convertIn, convertOut string
	var convertCmd = &cobra.Command{
		Use:   "convert",
		Short: "Convert a JSONL reference log into a gzip store trace",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := convertTrace(convertIn, convertOut)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d stores to %s\n", n, convertOut)
			return nil
		},
	}
	convertCmd.Flags().StringVar(&convertIn, "in", "", "JSONL reference log")
	convertCmd.Flags().StringVar(&convertOut, "out", "", "Output store trace (.gz)")
	_ = convertCmd.MarkFlagRequired("in")
	_ = convertCmd.MarkFlagRequired("out")

	rootCmd.AddCommand(configCmd, replayCmd, convertCmd, newCheckpointCmd(&configID))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
