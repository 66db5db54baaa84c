package cmd

import (
	"github.com/spf13/cobra"

	"github.com/routelab/ripsim/core"
	"github.com/routelab/ripsim/state"
)

var (
	flagScenario     string
	flagSplitHorizon string
	flagSeed         uint64
	flagShowPings    bool
	flagPrintTables  bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a scenario to completion",
	RunE: func(cmd *cobra.Command, args []string) error {
		log, err := newLogger()
		if err != nil {
			return err
		}

		cfg := state.DefaultScenario()
		if flagScenario != "" {
			cfg, err = state.LoadScenario(flagScenario)
			if err != nil {
				return err
			}
		}
		if cmd.Flags().Changed("split-horizon") {
			cfg.SplitHorizon, err = state.ParseSplitHorizon(flagSplitHorizon)
			if err != nil {
				return err
			}
		}
		if cmd.Flags().Changed("seed") {
			cfg.Seed = flagSeed
		}

		s, err := core.NewScenario(cfg, log, &core.LogObserver{
			Log:        log,
			ShowPings:  flagShowPings,
			ShowTables: flagPrintTables,
		})
		if err != nil {
			return err
		}
		log.Info("scenario starting", "name", cfg.Name, "split_horizon", cfg.SplitHorizon,
			"seed", cfg.Seed, "stop", cfg.Stop)
		if err := s.Run(); err != nil {
			return err
		}

		counts := make(map[core.ProbeResult]int)
		for _, o := range s.Rec.Outcomes {
			counts[o.Result]++
		}
		log.Info("scenario complete",
			"probes", len(s.Rec.Outcomes),
			"delivered", counts[core.ProbeDelivered],
			"lost", counts[core.ProbeLost],
			"unreachable", counts[core.ProbeUnreachable],
			"route_changes", s.Rec.RouteChanges)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVarP(&flagScenario, "scenario", "s", "", "scenario YAML file (builtin six-node topology when empty)")
	runCmd.Flags().StringVar(&flagSplitHorizon, "split-horizon", "NoSplitHorizon",
		"split-horizon mode: NoSplitHorizon, SplitHorizon or PoisonReverse")
	runCmd.Flags().Uint64Var(&flagSeed, "seed", 1, "jitter seed")
	runCmd.Flags().BoolVar(&flagShowPings, "show-pings", false, "log each probe outcome")
	runCmd.Flags().BoolVar(&flagPrintTables, "print-routing-tables", false, "print routing-table snapshots")
}
