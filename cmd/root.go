package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/weftmesh/weft/state"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "weft",
	Short: "Weft Mesh Overlay CLI",
	Long: `Weft weaves a self-healing mesh overlay across untrusted networks.
Nodes discover multi-hop routes on demand, traverse NATs cooperatively, and
carry every payload over an end-to-end encrypted channel.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddGroup(&cobra.Group{
		ID:    "setup",
		Title: "Set up Weft",
	})
	rootCmd.AddGroup(&cobra.Group{
		ID:    "weft",
		Title: "Weft Commands",
	})
	rootCmd.PersistentFlags().StringVarP(&state.DefaultConfigPath, "config", "c", state.DefaultConfigPath, "node config file")
}
