package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/zhouzirui/graymar/client/internal/terminal"
)

var (
	format    string
	outputDir string
)

var exportCmd = &cobra.Command{
	Use:   "export [run-id]",
	Short: "Export a run's transcript",
	Long: `Export the transcript of a run as yaml or json.

Without a run id the active run is exported. Without --out the transcript
is written to stdout.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		exporter, err := terminal.NewExporter(format)
		if err != nil {
			return err
		}

		rt := newRuntime()
		defer rt.Close()

		ctx := cmd.Context()
		runID, err := resolveRunID(ctx, rt, args)
		if err != nil {
			return err
		}
		if err := rt.store.Resume(ctx, runID); err != nil {
			return err
		}
		transcript := terminal.NewTranscript(rt.store.Snapshot())

		if outputDir == "" {
			return exporter.Export(transcript, cmd.OutOrStdout())
		}

		if err := os.MkdirAll(outputDir, 0o755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
		path := filepath.Join(outputDir, runID+"."+exporter.Extension())
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", path, err)
		}
		defer f.Close()

		if err := exporter.Export(transcript, f); err != nil {
			return fmt.Errorf("failed to export %s: %w", runID, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "exported %s\n", path)
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVarP(&format, "format", "f", "yaml", "Export format (yaml, json)")
	exportCmd.Flags().StringVarP(&outputDir, "out", "o", "", "Output directory")
	rootCmd.AddCommand(exportCmd)
}
