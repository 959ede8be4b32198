package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "omnichannel",
		Short:         "Omnichannel messaging service for the CRM",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", os.Getenv("CONFIG_PATH"), "path to config.toml (env CONFIG_PATH)")

	root.AddCommand(
		newServeCommand(),
		newMigrateCommand(),
		newArchiveCommand(),
		newMergeTelegramGroupsCommand(),
		newTokenCommand(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
