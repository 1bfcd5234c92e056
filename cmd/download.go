package main

import (
	"fmt"
	"path/filepath"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var downloadDest string

var downloadCmd = &cobra.Command{
	Use:   "download <run-id>",
	Short: "Download a run's artifacts from remote storage",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		runID := args[0]

		store := initStore(ctx)
		if store == nil {
			return eris.New("remote storage is not available")
		}

		dest := downloadDest
		if dest == "" {
			dest = filepath.Join(cfg.Pipeline.OutputDir, runID)
		}

		n := store.DownloadAll(ctx, runID, dest)
		if n == 0 {
			return eris.Errorf("no artifacts found for run %s", runID)
		}

		zap.L().Info("download complete",
			zap.String("run_id", runID),
			zap.Int("files", n),
			zap.String("dest", dest))
		fmt.Printf("downloaded %d files to %s\n", n, dest)
		return nil
	},
}

func init() {
	downloadCmd.Flags().StringVar(&downloadDest, "dest", "", "destination directory (default <output-dir>/<run-id>)")
	rootCmd.AddCommand(downloadCmd)
}
