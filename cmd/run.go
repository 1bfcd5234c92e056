package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lumen-bio/trialscope/internal/model"
	"github.com/lumen-bio/trialscope/internal/pipeline"
)

var (
	runCondition     string
	runMaxTrials     int
	runYearsBack     int
	runIndustryOnly  bool
	runUseRemote     bool
	runSkipFinancial bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the full analysis pipeline for a condition",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("run"); err != nil {
			return err
		}
		ctx := cmd.Context()

		e := buildEnv(ctx)

		params := model.RunParams{
			Condition:     runCondition,
			MaxTrials:     runMaxTrials,
			YearsBack:     runYearsBack,
			IndustryOnly:  runIndustryOnly,
			UseRemote:     runUseRemote,
			SkipFinancial: runSkipFinancial,
		}
		if params.MaxTrials == 0 {
			params.MaxTrials = cfg.Pipeline.MaxTrials
		}
		if params.YearsBack == 0 {
			params.YearsBack = cfg.Pipeline.YearsBack
		}
		if params.UseRemote && cfg.Anthropic.Key == "" {
			zap.L().Warn("no anthropic key configured, falling back to heuristic classification")
			params.UseRemote = false
		}

		runID := pipeline.NewRunID()
		if _, err := e.Registry.Create(runID, params); err != nil {
			return err
		}

		summary, err := e.Pipeline.Run(ctx, runID, params)
		if err != nil {
			return eris.Wrap(err, "pipeline run")
		}

		rec, _ := e.Registry.Get(runID)
		zap.L().Info("run complete",
			zap.String("run_id", runID),
			zap.Int("trials", summary.QuantitativeSummary.TotalTrials),
			zap.Int("interventions", summary.QuantitativeSummary.TotalInterventions),
			zap.Int("files", len(rec.Files)),
		)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	},
}

func init() {
	runCmd.Flags().StringVar(&runCondition, "condition", "", "medical condition to search (required)")
	runCmd.Flags().IntVar(&runMaxTrials, "max-trials", 0, "maximum trials to analyze (default from config)")
	runCmd.Flags().IntVar(&runYearsBack, "years-back", 0, "lookback window in years (default from config)")
	runCmd.Flags().BoolVar(&runIndustryOnly, "industry-only", true, "keep only industry-sponsored trials")
	runCmd.Flags().BoolVar(&runUseRemote, "use-remote", true, "classify interventions with the Anthropic API")
	runCmd.Flags().BoolVar(&runSkipFinancial, "skip-financial", false, "skip company and stock analysis")
	_ = runCmd.MarkFlagRequired("condition")
	rootCmd.AddCommand(runCmd)
}
