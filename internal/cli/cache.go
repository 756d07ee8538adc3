package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"octoedge/internal/swcache"
)

func newCacheCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect cache generations",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "generations",
		Short: "List cache generations and their entry counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGenerations(root, func(cfg swcache.Config, g *swcache.Generations) error {
				current := cfg.Generations().Set()
				for _, name := range g.Names() {
					mark := "stale"
					if _, ok := current[name]; ok {
						mark = "current"
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\t%s\n", name, g.EntryCount(name), mark)
				}
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "purge",
		Short: "Delete every generation that does not belong to the configured version",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGenerations(root, func(cfg swcache.Config, g *swcache.Generations) error {
				deleted, err := g.EnsureCurrent(cfg.Generations().Set())
				if err != nil {
					return err
				}
				for _, name := range deleted {
					fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", name)
				}
				return nil
			})
		},
	})
	return cmd
}

func withGenerations(root *rootOptions, fn func(swcache.Config, *swcache.Generations) error) error {
	cfg, err := root.load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	g, err := swcache.OpenGenerations(cfg.CacheDir(), 0, 0)
	if err != nil {
		return err
	}
	defer g.Close()
	return fn(cfg, g)
}
