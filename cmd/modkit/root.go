package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
)

// cli holds state shared by every command.
type cli struct {
	configPath string
	logLevel   string
	outputDir  string
	workDir    string

	cfg    *Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:   "modkit",
		Short: "Install modlists from their source archives",
		Long: `modkit reproduces a modlist installation: it downloads the source archives a
modlist references, extracts, patches and repacks files as the modlist
directs, and verifies every output against its recorded hash.

Interrupted or partially failed installs resume where they stopped.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.setup(cmd.Flags().Changed, cmd.ErrOrStderr())
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&c.configPath, "config", "c", "", "YAML config file")
	flags.StringVar(&c.logLevel, "log-level", "", "log level: debug, info, warn or error")
	flags.StringVarP(&c.outputDir, "output", "o", "", "install directory")
	flags.StringVar(&c.workDir, "work-dir", "", "directory for downloads and install state (default <output>/.modkit)")

	root.AddCommand(
		newInstallCmd(c),
		newStatusCmd(c),
		newPruneCmd(c),
	)
	return root
}

// setup loads the config, applies flag overrides and builds the logger.
func (c *cli) setup(changed func(string) bool, stderr io.Writer) error {
	cfg, err := LoadConfig(c.configPath)
	if err != nil {
		return err
	}
	if changed("log-level") {
		cfg.LogLevel = c.logLevel
	}
	if changed("output") {
		cfg.OutputDir = c.outputDir
	}
	if changed("work-dir") {
		cfg.WorkDir = c.workDir
	}

	level, err := parseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	c.cfg = cfg
	c.logger = slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}
