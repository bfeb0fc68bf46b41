package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Mschirtzinger/offsync/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "inspect",
	Short:   "Show connection and sync status",
	Long: `Probe the cloud and show the connection mode, cloud availability, the
last successful sync and how many records are waiting, failed or in
conflict. The entity table lists each sync configuration in processing
order.`,
	Run: func(cmd *cobra.Command, args []string) {
		format, _ := cmd.Flags().GetString("format")
		if err := checkFormat(format, "text", "yaml"); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		ctx := context.Background()
		a := mustOpenApp(ctx)
		defer a.Close()

		a.conn.CheckCloudStatusNow(ctx)
		st, err := a.svc.Status(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading status: %v\n", err)
			os.Exit(1)
		}

		if format == "yaml" {
			if err := writeYAML(os.Stdout, st); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			return
		}

		cloud := ui.RenderPass("available")
		if !st.IsCloudAvailable {
			cloud = ui.RenderFail("unreachable")
		}

		fmt.Printf("\n%s Sync Status\n\n", ui.RenderAccent("📊"))
		fmt.Printf("Device: %s\n", a.cfg.DeviceID)
		fmt.Printf("Mode: %s\n", st.Mode)
		fmt.Printf("Cloud: %s\n", cloud)
		fmt.Printf("Last sync: %s\n", ui.FormatTime(st.LastSyncTime))
		fmt.Printf("Pending: %d\n", st.PendingCount)
		fmt.Printf("Failed: %d\n", st.FailedCount)
		fmt.Printf("Conflicts: %d\n", st.ConflictCount)
		if st.Running {
			fmt.Printf("%s A sync session is running\n", ui.RenderWarn("⚠"))
		}
		fmt.Println()

		rows := [][]string{}
		for _, c := range a.svc.Configurations() {
			enabled := ui.RenderPass("yes")
			if !c.IsEnabled {
				enabled = ui.RenderMuted("no")
			}
			rows = append(rows, []string{
				c.EntityName,
				enabled,
				fmt.Sprint(c.Priority),
				string(c.Direction),
				string(c.ConflictResolution),
				fmt.Sprint(c.BatchSize),
			})
		}
		if len(rows) == 0 {
			fmt.Printf("%s No entities configured\n\n", ui.RenderWarn("⚠"))
			return
		}
		fmt.Println(ui.Table([]string{"ENTITY", "ENABLED", "PRIORITY", "DIRECTION", "CONFLICTS", "BATCH"}, rows))
	},
}

func init() {
	statusCmd.Flags().String("format", "text", "Output format: text or yaml")
	rootCmd.AddCommand(statusCmd)
}
