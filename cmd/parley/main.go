package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/parley/internal/logger"
)

var (
	modelFlag   string
	profileFlag string
	debugFlag   bool
)

var rootCmd = &cobra.Command{
	Use:   "parley",
	Short: "Parley - Concurrent conversational sessions over a local model",
	Long: `Parley multiplexes independent, interruptible conversation sessions over a
streaming model engine. Each session has its own input queue, history, and
lifecycle; tool use goes through a permission gate.

It connects to any OpenAI-compatible endpoint (Ollama by default) and loads
tools from MCP servers.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logger.Init(os.Stderr)
		if debugFlag {
			logger.SetDebug(true)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&modelFlag, "model", "", "Model to use (overrides config)")
	rootCmd.PersistentFlags().StringVar(&profileFlag, "profile", "", "Session profile to use (e.g. default, coder)")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "Enable debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
