package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"os/user"
	"slices"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Mschirtzinger/offsync/internal/engine"
	"github.com/Mschirtzinger/offsync/internal/schema"
	"github.com/Mschirtzinger/offsync/internal/ui"
)

// maxErrorsShown caps the per-record errors printed after a session.
const maxErrorsShown = 10

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Run one sync session",
	Long: `Run one sync session between the local and the cloud database.

Without flags an incremental, bidirectional session runs: only records
changed since the last sync of each entity type, plus failed records whose
retry is due, are considered.

  offsync sync                  # incremental, both directions
  offsync sync --full           # re-diff everything and repair drift
  offsync sync --entity order   # incremental, one entity type
  offsync sync --push           # local changes to the cloud only
  offsync sync --pull           # cloud changes to local only

Press Ctrl+C to stop early; records in flight finish and the session is
recorded as partial.`,
	Run: func(cmd *cobra.Command, args []string) {
		full, _ := cmd.Flags().GetBool("full")
		entityName, _ := cmd.Flags().GetString("entity")
		push, _ := cmd.Flags().GetBool("push")
		pull, _ := cmd.Flags().GetBool("pull")
		initiatedBy, _ := cmd.Flags().GetString("initiated-by")

		selected := 0
		for _, set := range []bool{full, entityName != "", push, pull} {
			if set {
				selected++
			}
		}
		if selected > 1 {
			fmt.Fprintf(os.Stderr, "Error: --full, --entity, --push and --pull are mutually exclusive\n")
			os.Exit(1)
		}
		if initiatedBy == "" {
			initiatedBy = defaultInitiator()
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		a := mustOpenApp(ctx)
		defer a.Close()

		opt := engine.InitiatedBy(initiatedBy)
		var (
			label  string
			result *engine.SyncResult
			err    error
		)
		switch {
		case full:
			label = "full sync"
			fmt.Printf("%s Running %s...\n", ui.RenderAccent("🔄"), label)
			result, err = a.svc.SyncAll(ctx, opt)
		case entityName != "":
			label = "sync of " + entityName
			fmt.Printf("%s Running %s...\n", ui.RenderAccent("🔄"), label)
			result, err = a.svc.SyncEntity(ctx, entityName, opt)
		case push:
			label = "push to cloud"
			fmt.Printf("%s Running %s...\n", ui.RenderAccent("⬆"), label)
			result, err = a.svc.PushToCloud(ctx, opt)
		case pull:
			label = "pull from cloud"
			fmt.Printf("%s Running %s...\n", ui.RenderAccent("⬇"), label)
			result, err = a.svc.PullFromCloud(ctx, opt)
		default:
			label = "incremental sync"
			fmt.Printf("%s Running %s...\n", ui.RenderAccent("🔄"), label)
			result, err = a.svc.SyncIncremental(ctx, opt)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error during %s: %v\n", label, err)
			os.Exit(1)
		}

		printResult(result)
		if result.Status == schema.LogFailed {
			os.Exit(1)
		}
	},
}

func defaultInitiator() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return "cli:" + u.Username
	}
	return "cli"
}

func printResult(r *engine.SyncResult) {
	elapsed := r.Duration().Round(time.Millisecond)
	switch r.Status {
	case schema.LogCompleted:
		fmt.Printf("%s Sync complete in %v\n", ui.RenderPass("✓"), elapsed)
	case schema.LogPartialSuccess:
		fmt.Printf("%s Sync finished with problems in %v\n", ui.RenderWarn("⚠"), elapsed)
	default:
		fmt.Printf("%s Sync failed after %v: %s\n", ui.RenderFail("✗"), elapsed, r.ErrorMessage)
	}

	fmt.Printf("   Session: %s\n", ui.RenderMuted(r.SessionID))
	fmt.Printf("   Synced: %d   Failed: %d\n", r.EntitiesSynced, r.EntitiesFailed)
	fmt.Printf("   Conflicts: %d detected, %d resolved\n", r.ConflictsDetected, r.ConflictsResolved)

	if len(r.EntityCounts) > 0 {
		names := make([]string, 0, len(r.EntityCounts))
		for name := range r.EntityCounts {
			names = append(names, name)
		}
		slices.Sort(names)

		rows := make([][]string, 0, len(names))
		for _, name := range names {
			c := r.EntityCounts[name]
			rows = append(rows, []string{name, fmt.Sprint(c.Synced), fmt.Sprint(c.Failed), fmt.Sprint(c.Conflicts)})
		}
		fmt.Println(ui.Table([]string{"ENTITY", "SYNCED", "FAILED", "CONFLICTS"}, rows))
	}

	if len(r.Errors) > 0 {
		fmt.Printf("\n%s Errors:\n", ui.RenderWarn("⚠"))
		for i, e := range r.Errors {
			if i == maxErrorsShown {
				fmt.Printf("   ... and %d more (see 'offsync retry --list')\n", len(r.Errors)-maxErrorsShown)
				break
			}
			fmt.Printf("   [%s] %v\n", e.Category, e)
		}
	}
}

func init() {
	syncCmd.Flags().Bool("full", false, "Full sync: ignore cursors and re-diff every record")
	syncCmd.Flags().String("entity", "", "Sync only this entity type")
	syncCmd.Flags().Bool("push", false, "Only push local changes to the cloud")
	syncCmd.Flags().Bool("pull", false, "Only pull cloud changes to local")
	syncCmd.Flags().String("initiated-by", "", "Initiator recorded in the sync log (default: cli:<user>)")

	rootCmd.AddCommand(syncCmd)
}
