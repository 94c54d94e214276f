// Command noeticd serves the cognitive-tool orchestration engine over MCP
// and provides workflow authoring helpers (validate, workflows run).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "noeticd",
	Short: "Cognitive tool orchestration engine",
	Long: `noeticd registers tools behind a single dispatch funnel, schedules
them as DAG workflows with retry and checkpointing, and exposes both over
the Model Context Protocol.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./noetic.yaml or $HOME/.config/noetic/config.yaml)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(workflowsCmd)
	workflowsCmd.AddCommand(workflowsRunCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
