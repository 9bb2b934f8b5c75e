package cmd

import (
	"fmt"
	"os"

	"github.com/relloyd/lakepipe/actions"
	"github.com/relloyd/lakepipe/config"
	"github.com/spf13/cobra"
)

var (
	defaultAddCfg    = actions.DefaultAddConfig{}
	defaultRemoveCfg = actions.DefaultRemoveConfig{}
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configure default flag values",
}

var defaultCmd = &cobra.Command{
	Use:   "defaults",
	Short: "Manage default flag values",
	Long: fmt.Sprintf(`Manage default flag values stored in config file %q.
A default takes effect in every command that has a flag of the same name.
Keys must be one of:
  %v`, config.Main.FullPath, switches.configurableKeys()),
}

var defaultAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add or set a default flag value",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaultAddCfg.ConfigFile = config.Main
		defaultAddCfg.ValidKeys = switches.configurableKeys()
		defaultAddCfg.Writer = os.Stdout
		return actions.RunDefaultAdd(&defaultAddCfg)
	},
}

var defaultListCmd = &cobra.Command{
	Use:   "list",
	Short: "Print all default flag values",
	RunE: func(cmd *cobra.Command, args []string) error {
		return actions.RunDefaultList(config.Main, cmd.OutOrStdout())
	},
}

var defaultRemoveCmd = &cobra.Command{
	Use:     "remove",
	Aliases: []string{"rm", "del", "delete"},
	Short:   "Remove a default flag value",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaultRemoveCfg.ConfigFile = config.Main
		defaultRemoveCfg.Writer = os.Stdout
		return actions.RunDefaultRemove(&defaultRemoveCfg)
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(defaultCmd)
	defaultCmd.AddCommand(defaultAddCmd, defaultListCmd, defaultRemoveCmd)

	defaultAddCmd.Flags().SortFlags = false
	switches.addFlag(defaultAddCmd, &defaultAddCfg.Key, "key", "", true, "")
	switches.addFlag(defaultAddCmd, &defaultAddCfg.Value, "value", "", true, "")
	switches.addFlag(defaultAddCmd, &defaultAddCfg.Force, "force", "false", false, "")
	switches.addFlag(defaultRemoveCmd, &defaultRemoveCfg.Key, "key", "", true, "")
	for _, c := range []*cobra.Command{defaultAddCmd, defaultListCmd, defaultRemoveCmd} {
		c.SilenceUsage = true
	}
}
