package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/weftmesh/weft/core"
	"github.com/weftmesh/weft/state"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run weft",
	Long:  `This will run a weft node on the current host, joining the mesh through the configured seed peers.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := state.LoadConfig(state.DefaultConfigPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		keys, err := state.LoadKeyStore(cfg.KeyPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		for _, pub := range cfg.KnownPeers {
			if _, err := keys.Learn(pub); err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
		}

		level := slog.LevelInfo
		if ok, _ := cmd.Flags().GetBool("verbose"); ok {
			level = slog.LevelDebug
		}

		if err := core.Run(cfg, keys, level); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	},
	GroupID: "weft",
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().BoolP("verbose", "v", false, "enable debug logging")
}
