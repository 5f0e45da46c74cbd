package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentic-research/pdom/internal/indexer"
)

var (
	rebuild bool
	since   string
)

var indexCmd = &cobra.Command{
	Use:   "index [roots...]",
	Short: "Bring the index up to date with the source tree",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) > 0 {
			cfg.Roots = args
		}
		frag, err := openFragment()
		if err != nil {
			return err
		}
		p := newProject(frag)

		m := indexer.NewManager(logger)
		if err := m.Register(p); err != nil {
			_ = frag.Close()
			return err
		}
		defer func() { _ = m.Close() }()

		ctx := cmd.Context()
		var d indexer.Delta
		switch {
		case rebuild:
			err = m.Rebuild(p.Name)
		case since != "":
			if d, err = indexer.GitDelta(ctx, rootDir, since, cfg); err == nil {
				err = m.Enqueue(p.Name, d)
			}
		default:
			if d, err = indexer.Scan(ctx, p.FS, frag, cfg); err == nil {
				err = m.Enqueue(p.Name, d)
			}
		}
		if err != nil {
			return err
		}

		start := time.Now()
		m.Start(ctx)
		if err := m.Wait(ctx); err != nil {
			return err
		}
		r, jobErr := m.LastResult(p.Name)
		if r == nil {
			return jobErr
		}
		logger.Info("index updated", "status", r.Status, "duration", time.Since(start))
		if err := printJSON(cmd.OutOrStdout(), r); err != nil {
			return err
		}
		if jobErr != nil {
			return fmt.Errorf("indexing aborted: %w", jobErr)
		}
		return nil
	},
}

func init() {
	indexCmd.Flags().BoolVar(&rebuild, "rebuild", false, "Clear the index and index everything")
	indexCmd.Flags().StringVar(&since, "since", "", "Index only the files git reports changed since this revision")
	rootCmd.AddCommand(indexCmd)
}
