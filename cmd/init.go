package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/weftmesh/weft/state"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate this node's identity keypair",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := state.LoadConfig(state.DefaultConfigPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		force, _ := cmd.Flags().GetBool("force")
		ks, err := state.GenerateIdentity(cfg.KeyPath, force)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		pub, _ := ks.Pubkey().MarshalText()
		fmt.Printf("identity written to %s\n", cfg.KeyPath)
		fmt.Printf("peer id: %s\n", ks.Id())
		fmt.Printf("public key: %s\n", string(pub))
	},
	GroupID: "setup",
}

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().BoolP("force", "f", false, "overwrite an existing identity key")
}
