package main

import (
	"fmt"
	"net/url"
	"os"

	"github.com/spf13/cobra"

	"github.com/Mschirtzinger/offsync/internal/config"
	"github.com/Mschirtzinger/offsync/internal/ui"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "advanced",
	Short:   "Create and check the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter offsync.toml",
	Long: `Write a starter configuration with one example entity. Edit the
[[entities]] sections to match the tables you want to sync.

  offsync config init
  offsync config init --cloud-url libsql://mydb.turso.io
  offsync config init --path ~/.config/offsync/offsync.toml`,
	Run: func(cmd *cobra.Command, args []string) {
		path, _ := cmd.Flags().GetString("path")
		cloudURL, _ := cmd.Flags().GetString("cloud-url")
		force, _ := cmd.Flags().GetBool("force")

		if err := config.WriteDefault(path, cloudURL, force); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Wrote %s\n", ui.RenderPass("✓"), path)
		fmt.Printf("   Set the auth token with OFFSYNC_CLOUD_AUTH_TOKEN rather than in the file\n")
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load and validate the configuration",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load(configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderFail("✗"), err)
			os.Exit(1)
		}

		source := cfg.File
		if source == "" {
			source = "defaults and environment (no config file found)"
		}
		fmt.Printf("%s Configuration is valid\n", ui.RenderPass("✓"))
		fmt.Printf("   Source: %s\n", source)
		fmt.Printf("   Mode: %s\n", cfg.Mode)
		fmt.Printf("   Local: %s\n", cfg.Local.Path)
		fmt.Printf("   State: %s\n", cfg.StatePath())
		fmt.Printf("   Cloud: %s\n", redactURL(cfg.Cloud.URL))
		fmt.Printf("   Entities: %d\n", len(cfg.Entities))
		if len(cfg.Entities) == 0 {
			fmt.Printf("%s No entities configured; sessions will have nothing to sync\n", ui.RenderWarn("⚠"))
		}
	},
}

// redactURL hides credentials in a cloud URL.
func redactURL(raw string) string {
	if raw == "" {
		return "(none)"
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return raw
	}
	redacted := false
	if u.User != nil {
		u.User = url.User("redacted")
		redacted = true
	}
	if q := u.Query(); q.Has("authToken") {
		q.Set("authToken", "redacted")
		u.RawQuery = q.Encode()
		redacted = true
	}
	if !redacted {
		return raw
	}
	return u.String()
}

func init() {
	configInitCmd.Flags().String("path", "offsync.toml", "Where to write the file")
	configInitCmd.Flags().String("cloud-url", "", "Cloud database URL (libsql://..., a file path or memory://)")
	configInitCmd.Flags().Bool("force", false, "Overwrite an existing file")

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(configCmd)
}
