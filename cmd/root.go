package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lumen-bio/trialscope/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "trialscope",
	Short: "Clinical trials acquisition and analysis pipeline",
	Long:  "Fetches clinical trial records from ClinicalTrials.gov, classifies drug interventions via Claude with a heuristic fallback, analyzes sponsor companies and stock performance, and publishes run artifacts to cloud storage.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
