package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/meigma/modkit/manifest"
	"github.com/meigma/modkit/state"
)

func newStatusCmd(c *cli) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "status <bundle>",
		Short: "Show what the install journal records for a modlist",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bundle, err := manifest.Open(args[0], manifest.WithLogger(c.logger))
			if err != nil {
				return err
			}
			defer bundle.Close()

			engine, err := c.engine()
			if err != nil {
				return err
			}
			statuses, err := engine.Status(bundle.Manifest)
			if err != nil {
				return err
			}

			var done, failed, pending int
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, st := range statuses {
				label := "pending"
				switch {
				case st.Recorded && st.Status == state.StatusDone:
					done++
					label = "done"
				case st.Recorded && st.Status == state.StatusFailed:
					failed++
					label = "failed"
				default:
					pending++
				}
				if !all && label == "done" {
					continue
				}
				updated := ""
				if !st.UpdatedAt.IsZero() {
					updated = st.UpdatedAt.Format(time.RFC3339)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", label, st.Kind, st.Path, updated, st.Error)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d directives: %d done, %d failed, %d pending\n",
				len(statuses), done, failed, pending)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "list done directives too")
	return cmd
}
