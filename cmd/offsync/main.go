package main

import (
	"os"

	"github.com/spf13/cobra"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "offsync",
	Short: "Offline-first sync between a local database and the cloud",
	Long: `offsync keeps a local SQLite database and a cloud database (Turso/libSQL)
in step. Work continues offline; when the cloud is reachable again local
changes are pushed, cloud changes are pulled, and records edited on both
sides are settled by each entity's conflict strategy.

Configuration is read from offsync.toml (or .yaml/.json) in the current
directory, ./.offsync or ~/.config/offsync. Run 'offsync config init' to
create one.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file (default: search ., ./.offsync, ~/.config/offsync)")

	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "inspect", Title: "Inspect:"},
		&cobra.Group{ID: "advanced", Title: "Advanced:"},
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
