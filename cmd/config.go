package cmd

import (
	"fmt"
	"net/netip"

	"github.com/encodeous/qaodv/core"
	"github.com/encodeous/qaodv/sim"
	"github.com/encodeous/qaodv/state"
	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Prints a node config holding every default value",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		id, _ := cmd.Flags().GetString("id")
		addr, _ := cmd.Flags().GetString("address")
		cfg := state.NewNodeCfg()
		cfg.Id = id
		a, err := netip.ParseAddr(addr)
		if err != nil {
			return fmt.Errorf("invalid address: %w", err)
		}
		cfg.Address = a
		state.ExpandNodeConfig(&cfg)
		if err := state.NodeConfigValidator(&cfg); err != nil {
			return err
		}
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	},
	GroupID: "node",
}

var checkCmd = &cobra.Command{
	Use:   "check <file>",
	Short: "Validates a node config, or a scenario with --scenario",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if ok, _ := cmd.Flags().GetBool("scenario"); ok {
			s, err := sim.LoadScenario(args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "scenario is valid: %d nodes, %d links, %d flows, %d events\n",
				len(s.Nodes), len(s.Links), len(s.Flows), len(s.Events))
			return err
		}
		cfg, err := core.ReadNodeConfig(args[0])
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "node %s is valid: address %s, %d peers, %d flows\n",
			cfg.Id, cfg.Address, len(cfg.Peers), len(cfg.Flows))
		return err
	},
	GroupID: "node",
}

func init() {
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(checkCmd)

	configCmd.Flags().String("id", "node", "node name")
	configCmd.Flags().String("address", "10.0.0.1", "overlay address")
	checkCmd.Flags().Bool("scenario", false, "the file is a simulation scenario")
}
