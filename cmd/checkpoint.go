package cmd

import (
	"os"

	"github.com/relloyd/lakepipe/actions"
	"github.com/spf13/cobra"
)

var checkpointCfg = actions.CheckpointConfig{}

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Show or reset the checkpoint of a run",
}

var checkpointShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the checkpoint of a run",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCheckpointShow()
	},
}

var checkpointResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete the checkpoint of a run so the next run starts from the beginning",
	Long: `Delete the checkpoint of a run so the next run starts from the beginning.

Partitions already written are left in place. A rerun finds identical partitions
already present and fails on partitions whose content has changed, unless the
conflict policy says otherwise.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCheckpointReset()
	},
}

func runCheckpointShow() error {
	checkpointCfg.StackDumpOnPanic = stackDumpOnPanic
	checkpointCfg.Writer = os.Stdout
	return actions.RunCheckpointShow(&checkpointCfg)
}

func runCheckpointReset() error {
	checkpointCfg.StackDumpOnPanic = stackDumpOnPanic
	checkpointCfg.Writer = os.Stdout
	return actions.RunCheckpointReset(&checkpointCfg)
}

func init() {
	rootCmd.AddCommand(checkpointCmd)
	checkpointCmd.AddCommand(checkpointShowCmd)
	checkpointCmd.AddCommand(checkpointResetCmd)
	for _, c := range []*cobra.Command{checkpointShowCmd, checkpointResetCmd} {
		c.Flags().SortFlags = false
		switches.addFlag(c, &checkpointCfg.ConfigFile, "file", "", false, "")
		switches.addFlag(c, &checkpointCfg.ConfigYaml, "run-config", "", false, "")
		switches.addFlag(c, &checkpointCfg.LogLevel, "log-level", "warn", false, "")
		c.SilenceUsage = true
	}
	switches.addFlag(checkpointShowCmd, &checkpointCfg.Output, "output", actions.OutputYaml, false, "")
}
