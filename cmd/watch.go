package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agentic-research/pdom/internal/indexer"
)

var watchCmd = &cobra.Command{
	Use:   "watch [roots...]",
	Short: "Index the source tree, then keep the index current as files change",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) > 0 {
			cfg.Roots = args
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		frag, err := openFragment()
		if err != nil {
			return err
		}
		p := newProject(frag)

		m := indexer.NewManager(logger)
		m.OnResult = func(project string, r *indexer.Result, err error) {
			if err != nil {
				logger.Error("job failed", "project", project, "error", err)
				return
			}
			if len(r.Changes) > 0 {
				_ = printJSON(cmd.OutOrStdout(), r.Changes)
			}
		}
		if err := m.Register(p); err != nil {
			_ = frag.Close()
			return err
		}
		defer func() { _ = m.Close() }()

		d, err := indexer.Scan(ctx, p.FS, frag, cfg)
		if err != nil {
			return err
		}
		if err := m.Enqueue(p.Name, d); err != nil {
			return err
		}
		m.Start(ctx)

		logger.Info("watching", "root", rootDir, "roots", cfg.Roots)
		return m.Watch(ctx, p.Name)
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
}
