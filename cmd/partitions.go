package cmd

import (
	"os"

	"github.com/relloyd/lakepipe/actions"
	"github.com/spf13/cobra"
)

var partitionsListCfg = actions.PartitionsListConfig{}

var partitionsCmd = &cobra.Command{
	Use:   "partitions",
	Short: "Inspect the partitions written by a run",
}

var partitionsListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List the partitions of a run and report gaps between them",
	Long: `List the partitions of a run in sequence order.

Missing sequence numbers, watermark ranges that do not join up and staging objects
left behind by failed promotions are reported after the list.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPartitionsList()
	},
}

func runPartitionsList() error {
	partitionsListCfg.StackDumpOnPanic = stackDumpOnPanic
	partitionsListCfg.Writer = os.Stdout
	return actions.RunPartitionsList(&partitionsListCfg)
}

func init() {
	rootCmd.AddCommand(partitionsCmd)
	partitionsCmd.AddCommand(partitionsListCmd)
	partitionsListCmd.Flags().SortFlags = false
	switches.addFlag(partitionsListCmd, &partitionsListCfg.ConfigFile, "file", "", false, "")
	switches.addFlag(partitionsListCmd, &partitionsListCfg.ConfigYaml, "run-config", "", false, "")
	switches.addFlag(partitionsListCmd, &partitionsListCfg.Inspect, "inspect", "false", false, "")
	switches.addFlag(partitionsListCmd, &partitionsListCfg.Output, "output", "", false, " (default is a table)")
	switches.addFlag(partitionsListCmd, &partitionsListCfg.LogLevel, "log-level", "warn", false, "")
	partitionsListCmd.SilenceUsage = true
}
