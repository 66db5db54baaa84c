package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/routelab/ripsim/state"
)

var checkCmd = &cobra.Command{
	Use:   "check <scenario.yaml>",
	Short: "Validate a scenario file without running it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := state.LoadScenario(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s: %d nodes, %d networks, %d timeline events, stop at %v\n",
			cfg.Name, len(cfg.Nodes), len(cfg.Networks), len(cfg.Timeline), cfg.Stop)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(checkCmd)
}
