package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lumen-bio/trialscope/internal/pipeline"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List runs with artifacts on local disk",
	RunE: func(cmd *cobra.Command, args []string) error {
		entries, err := os.ReadDir(cfg.Pipeline.OutputDir)
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Println("no runs found")
				return nil
			}
			return err
		}

		var ids []string
		for _, entry := range entries {
			if entry.IsDir() && strings.HasPrefix(entry.Name(), "run_") {
				ids = append(ids, entry.Name())
			}
		}
		if len(ids) == 0 {
			fmt.Println("no runs found")
			return nil
		}
		sort.Sort(sort.Reverse(sort.StringSlice(ids)))

		for _, id := range ids {
			files := 0
			for _, dir := range []string{pipeline.DataDir, pipeline.ResultsDir, pipeline.FiguresDir} {
				if found, err := os.ReadDir(filepath.Join(cfg.Pipeline.OutputDir, id, dir)); err == nil {
					files += len(found)
				}
			}
			fmt.Printf("%s\t%d files\n", id, files)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runsCmd)
}
