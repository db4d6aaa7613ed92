package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/meigma/modkit"
	"github.com/meigma/modkit/manifest"
)

// errIncomplete is returned when a run finished with failed or canceled
// directives.
var errIncomplete = errors.New("install incomplete")

func newInstallCmd(c *cli) *cobra.Command {
	var (
		workers int
		quiet   bool
	)
	cmd := &cobra.Command{
		Use:   "install <bundle>",
		Short: "Install a modlist bundle",
		Long: `Install downloads missing source archives and produces every output the
modlist describes. Outputs recorded by an earlier run are verified and
skipped; everything else is produced again.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("workers") {
				c.cfg.Workers = workers
			}
			return c.install(cmd, args[0], quiet)
		},
	}
	cmd.Flags().IntVarP(&workers, "workers", "j", 0, "directives executed at once (default GOMAXPROCS)")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "do not print per-directive failures")
	return cmd
}

func (c *cli) install(cmd *cobra.Command, bundlePath string, quiet bool) error {
	bundle, err := manifest.Open(bundlePath, manifest.WithLogger(c.logger))
	if err != nil {
		return err
	}
	defer bundle.Close()

	c.logger.Info("installing modlist",
		"name", bundle.Info.Name,
		"version", bundle.Info.Version,
		"author", bundle.Info.Author,
		"archives", len(bundle.Manifest.Sources),
		"directives", len(bundle.Manifest.Directives),
	)

	engine, err := c.engine(progressLogger(c.logger))
	if err != nil {
		return err
	}
	summary, runErr := engine.Run(cmd.Context(), bundle.Manifest)
	if summary != nil {
		printSummary(cmd.OutOrStdout(), summary, quiet)
	}
	if runErr != nil {
		return runErr
	}
	if !summary.OK() {
		return fmt.Errorf("%w: %d failed, %d canceled", errIncomplete, summary.Failed, summary.Canceled)
	}
	return nil
}

func (c *cli) engine(extra ...modkit.Option) (*modkit.Engine, error) {
	if err := c.cfg.Validate(); err != nil {
		return nil, err
	}
	opts := append(c.cfg.EngineOptions(), modkit.WithLogger(c.logger))
	opts = append(opts, extra...)
	return modkit.New(c.cfg.OutputDir, c.cfg.Downloader(), opts...)
}

// progressLogger logs each finished directive at debug level.
func progressLogger(logger *slog.Logger) modkit.Option {
	return modkit.WithProgress(func(ev modkit.Event) {
		switch ev.To {
		case modkit.StateDone, modkit.StateSkipped:
			logger.Debug("directive "+ev.To.String(), "directive", ev.ID, "path", ev.Path)
		case modkit.StateFailed:
			logger.Warn("directive failed", "directive", ev.ID, "path", ev.Path, "err", ev.Err)
		}
	})
}

func printSummary(w io.Writer, s *modkit.Summary, quiet bool) {
	fmt.Fprintln(w, s.String())
	if quiet {
		return
	}
	for _, f := range s.Failures {
		fmt.Fprintf(w, "  %s: %v\n", f.Path, f.Err)
	}
}
