package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "qaodv",
	Short: "On-demand overlay routing with a learned link estimator",
	Long: `qaodv discovers routes on demand with AODV and can steer traffic towards the
fastest neighbour using per-link delay estimates learned from hop-by-hop feedback.
Nodes run over a UDP underlay, or a whole network can be replayed in the simulator.`,
	SilenceUsage: true,
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
		ID:    "node",
		Title: "Node Commands",
	})
	rootCmd.AddGroup(&cobra.Group{
		ID:    "sim",
		Title: "Simulation Commands",
	})
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")
}

func verbose(cmd *cobra.Command) bool {
	ok, _ := cmd.Flags().GetBool("verbose")
	return ok
}
