package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newPruneCmd(c *cli) *cobra.Command {
	var keep int64
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove downloaded source archives",
		Long: `Prune removes the least recently written source archives until the download
directory holds at most --keep bytes. Installed outputs are not touched.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			engine, err := c.engine()
			if err != nil {
				return err
			}
			freed, err := engine.PruneDownloads(keep)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "freed %d bytes\n", freed)
			return nil
		},
	}
	cmd.Flags().Int64Var(&keep, "keep", 0, "bytes of downloads to keep")
	return cmd
}
