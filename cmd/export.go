package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentic-research/pdom/internal/export"
)

var exportCmd = &cobra.Command{
	Use:   "export <out.sqlite>",
	Short: "Write the index to a SQLite database",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		frag, err := openFragment()
		if err != nil {
			return err
		}
		defer func() { _ = frag.Close() }()

		doc, err := export.Snapshot(frag)
		if err != nil {
			return err
		}
		if err := export.ToSQLite(doc, args[0], logger); err != nil {
			return fmt.Errorf("export %s: %w", args[0], err)
		}
		logger.Info("exported index", "out", args[0], "files", len(doc.Files), "bindings", len(doc.Bindings))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(exportCmd)
}
