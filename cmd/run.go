package cmd

import (
	"github.com/relloyd/lakepipe/actions"
	"github.com/spf13/cobra"
)

var runPipeCfg = actions.RunPipeConfig{}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run or resume a batch copy described by a run config file",
	Long: `Run or resume a batch copy described by a run config file.

Batches of rows are extracted in key order, transformed, written as Parquet partitions
and checkpointed one at a time. A run that is interrupted resumes after the last
committed batch. Interrupt with Ctrl+C, or POST /stop to the HTTP server, to stop
after the batch in flight.`,
	Example: `  lp run -f run.yaml
  lp run -f run.yaml --batch-size 10000 --http-addr :8080`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPipe()
	},
}

func runPipe() error {
	runPipeCfg.StackDumpOnPanic = stackDumpOnPanic
	return actions.RunPipe(&runPipeCfg)
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().SortFlags = false
	switches.addFlag(runCmd, &runPipeCfg.ConfigFile, "file", "", false, "")
	switches.addFlag(runCmd, &runPipeCfg.ConfigYaml, "run-config", "", false, "")
	switches.addFlag(runCmd, &runPipeCfg.BatchSize, "batch-size", "0", false, "")
	switches.addFlag(runCmd, &runPipeCfg.StartWatermark, "start-watermark", "", false, "")
	switches.addFlag(runCmd, &runPipeCfg.ConflictPolicy, "conflict-policy", "", false, "")
	switches.addFlag(runCmd, &runPipeCfg.HttpAddr, "http-addr", "", false, "")
	switches.addFlag(runCmd, &runPipeCfg.LogLevel, "log-level", "", false, " (default from the run config)")
	switches.addFlag(runCmd, &runPipeCfg.StatsDumpFrequencySeconds, "stats", "0", false, "")
	runCmd.SilenceUsage = true
}
