package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/weftmesh/weft/core"
	"github.com/weftmesh/weft/state"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Inspect the running node",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := state.LoadConfig(state.DefaultConfigPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		report, err := core.IPCGet(cfg.IPCPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Print(report)
	},
	GroupID: "weft",
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
