package cmd

import (
	"fmt"
	"log/slog"

	"github.com/encodeous/qaodv/core"
	"github.com/encodeous/qaodv/sim"
	"github.com/spf13/cobra"
)

var simCmd = &cobra.Command{
	Use:   "sim <scenario.yaml>",
	Short: "Replay a scenario on a simulated network",
	Long: `Runs every node of the scenario on a virtual clock and prints per-node counters and the
next hops chosen for each destination. Runs with the same seed produce the same report.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := sim.LoadScenario(args[0])
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("seed") {
			s.Seed, _ = cmd.Flags().GetUint64("seed")
		}
		if cmd.Flags().Changed("duration") {
			s.Duration, _ = cmd.Flags().GetDuration("duration")
		}
		if err := s.Validate(); err != nil {
			return err
		}

		level := slog.LevelWarn
		if verbose(cmd) {
			level = slog.LevelDebug
		}
		logger, closer, err := core.SetupLogger("sim", simLogPath, level)
		if err != nil {
			return err
		}
		defer closer.Close()

		report, err := s.Run(logger)
		if err != nil {
			return err
		}
		_, err = fmt.Fprint(cmd.OutOrStdout(), report.String())
		return err
	},
	GroupID: "sim",
}

var simLogPath string

func init() {
	rootCmd.AddCommand(simCmd)

	simCmd.Flags().Uint64("seed", 1, "override the scenario seed")
	simCmd.Flags().Duration("duration", 0, "override the simulated duration")
	simCmd.Flags().StringVar(&simLogPath, "log", "", "also append logs to this file")
}
