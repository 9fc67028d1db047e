package cmd

import (
	"fmt"
	"net/netip"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/weftmesh/weft/state"
)

var connectCmd = &cobra.Command{
	Use:   "connect [address:port]",
	Short: "Add a seed peer to the node config",
	Run: func(cmd *cobra.Command, args []string) {
		if len(args) != 1 {
			_ = cmd.Usage()
			return
		}
		seed, err := netip.ParseAddrPort(args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid seed address %q: %v\n", args[0], err)
			os.Exit(1)
		}
		cfg, err := state.LoadConfig(state.DefaultConfigPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		if slices.Contains(cfg.SeedPeers, seed) {
			fmt.Printf("%s is already a seed peer\n", seed)
			return
		}
		cfg.SeedPeers = append(cfg.SeedPeers, seed)
		if err := state.SaveConfig(state.DefaultConfigPath, cfg); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Printf("added seed peer %s\n", seed)
	},
	GroupID: "setup",
}

func init() {
	rootCmd.AddCommand(connectCmd)
}
