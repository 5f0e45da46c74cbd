package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/spf13/cobra"

	"github.com/agentic-research/pdom/internal/config"
	"github.com/agentic-research/pdom/internal/cparse"
	"github.com/agentic-research/pdom/internal/indexer"
	"github.com/agentic-research/pdom/internal/pdom"
)

var (
	rootDir     string
	configPath  string
	dbPath      string
	includeDirs []string
	indexAll    bool
	maxErrors   int
	verbose     bool

	cfg    *config.Config
	logger *slog.Logger
)

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVarP(&rootDir, "root", "C", ".", "Project directory")
	f.StringVarP(&configPath, "config", "c", "", "Config file (default <root>/.pdom/config.yaml)")
	f.StringVar(&dbPath, "db", "", "Index database path")
	f.StringSliceVarP(&includeDirs, "include", "I", nil, "Include search directory, relative to the root")
	f.BoolVar(&indexAll, "index-all", false, "Also index headers no source includes")
	f.IntVar(&maxErrors, "max-errors", 0, "Per-job error budget")
	f.BoolVarP(&verbose, "verbose", "v", false, "Debug logging")
}

var rootCmd = &cobra.Command{
	Use:           "pdom",
	Short:         "Persistent program database for C and C++ sources",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		abs, err := filepath.Abs(rootDir)
		if err != nil {
			return err
		}
		rootDir = abs

		path := configPath
		if path == "" {
			path = filepath.Join(rootDir, ".pdom", "config.yaml")
		}
		cfg, err = config.Load(path)
		if err != nil {
			return err
		}

		fl := cmd.Flags()
		if fl.Changed("db") {
			cfg.Database = dbPath
		}
		if fl.Changed("include") {
			cfg.IncludeDirs = includeDirs
		}
		if fl.Changed("index-all") {
			cfg.IndexAllFiles = indexAll
		}
		if fl.Changed("max-errors") {
			cfg.MaxErrors = maxErrors
		}
		if verbose {
			cfg.LogLevel = "debug"
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		if !filepath.IsAbs(cfg.Database) {
			cfg.Database = filepath.Join(rootDir, cfg.Database)
		}

		logger = newLogger(cmd.ErrOrStderr(), cfg.LogLevel)
		slog.SetDefault(logger)
		return nil
	},
}

func newLogger(w io.Writer, level string) *slog.Logger {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: l}))
}

// openFragment opens the configured index, creating it and its directory
// when missing.
func openFragment() (*pdom.PDOM, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Database), 0o755); err != nil {
		return nil, fmt.Errorf("create index directory: %w", err)
	}
	return pdom.Open(cfg.Database, pdom.Options{
		Logger:        logger,
		FlushInterval: cfg.FlushInterval,
		ControlPath:   cfg.ControlPath,
	})
}

// newProject wires frag to the source tree under rootDir.
func newProject(frag *pdom.PDOM) *indexer.Project {
	fsys := osfs.New(rootDir)
	return &indexer.Project{
		Name:   filepath.Base(rootDir),
		Frag:   frag,
		FS:     fsys,
		Parser: cparse.New(fsys, cfg.IncludeDirs, logger),
		Config: cfg,
		Root:   rootDir,
	}
}

func printJSON(w io.Writer, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
