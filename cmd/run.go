package cmd

import (
	"github.com/encodeous/qaodv/core"
	"github.com/spf13/cobra"
)

var (
	nodeConfigPath string
	logPath        string
	debugAddr      string
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a node",
	Long:  `This will run a node on the current host, exchanging control and data packets with its configured peers over UDP.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return core.Bootstrap(nodeConfigPath, logPath, debugAddr, verbose(cmd))
	},
	GroupID: "node",
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&nodeConfigPath, "config", "c", "node.yaml", "node config")
	runCmd.Flags().StringVar(&logPath, "log", "", "also append logs to this file")
	runCmd.Flags().StringVar(&debugAddr, "debug-addr", "", "serve metrics on this address")
}
