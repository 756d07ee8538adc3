package cli

import (
	"os"

	"github.com/spf13/cobra"

	"octoedge/internal/swcache"
)

type rootOptions struct {
	configPath string
}

func Execute() error {
	return ExecuteWithVersion("dev")
}

func ExecuteWithVersion(version string) error {
	cmd := newRootCmd()
	cmd.Version = version
	return cmd.Execute()
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "octoedge",
		Short:         "Offline-first cache proxy and submission outbox for the Octomatic site",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", getenvDefault("OCTOEDGE_CONFIG", "octoedge.yaml"), "path to octoedge.yaml")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newOutboxCmd(opts))
	cmd.AddCommand(newCacheCmd(opts))
	return cmd
}

func (o *rootOptions) load() (swcache.Config, error) {
	return swcache.LoadConfig(o.configPath)
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
