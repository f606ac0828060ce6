package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/handleprobe/internal/catalog"
)

// newSitesCmd lists the enabled catalog so operators can check a catalog
// edit before running a search.
func newSitesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sites",
		Short: "Validate the site catalog and list the enabled sites",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			snap, err := catalog.Load(rt.cfg.Catalog.SitesFile, rt.cfg.Catalog.IndicatorsFile, rt.logger)
			if err != nil {
				return fmt.Errorf("load catalog: %w", err)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SITE\tTYPE\tURL PATTERN")
			for _, s := range snap.Sites {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", s.Name, s.CheckType, s.URLPattern)
			}
			if err := tw.Flush(); err != nil {
				return fmt.Errorf("write site list: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d enabled, %d skipped, %d indicator phrases\n",
				len(snap.Sites), snap.Skipped, snap.Indicators.Len())
			return nil
		},
	}
}
