package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"usergate.org/internal/config"
	"usergate.org/internal/obs"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "usergate",
		Short:         "Token authentication and role-based authorization service",
		Version:       fmt.Sprintf("%s (%s)", obs.Version, obs.Commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", os.Getenv("USERGATE_CONFIG"), "path to the YAML config file")

	root.AddCommand(
		newServeCmd(opts),
		newMigrateCmd(opts),
		newBootstrapAdminCmd(opts),
		newHashPasswordCmd(),
	)
	return root
}

func (o *rootOptions) load() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
