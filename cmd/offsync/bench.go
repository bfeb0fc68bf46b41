package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Mschirtzinger/offsync/internal/engine"
	"github.com/Mschirtzinger/offsync/internal/loadtest"
	"github.com/Mschirtzinger/offsync/internal/schema"
	"github.com/Mschirtzinger/offsync/internal/ui"
)

var benchCmd = &cobra.Command{
	Use:     "bench",
	GroupID: "advanced",
	Short:   "Measure sync throughput on generated data",
	Long: `Run sync sessions over generated records in an in-memory local/cloud
pair and report throughput and session latency. Configured databases are
not touched and no config file is needed.

The first session is a full sync of the generated data. Before every later
session --changes records are edited locally and --conflicts of them are
also edited in the cloud, then an incremental session runs.`,
	Run: func(cmd *cobra.Command, args []string) {
		records, _ := cmd.Flags().GetInt("records")
		sessions, _ := cmd.Flags().GetInt("sessions")
		changes, _ := cmd.Flags().GetInt("changes")
		conflicts, _ := cmd.Flags().GetInt("conflicts")
		workers, _ := cmd.Flags().GetInt("workers")
		cloudShare, _ := cmd.Flags().GetFloat64("cloud-share")

		if records <= 0 || sessions <= 0 || changes < 0 || conflicts < 0 {
			fmt.Fprintf(os.Stderr, "Error: --records and --sessions must be positive, --changes and --conflicts not negative\n")
			os.Exit(1)
		}
		changes = min(changes, records)
		conflicts = min(conflicts, changes)

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		dir, err := os.MkdirTemp("", "offsync-bench-")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer os.RemoveAll(dir)

		h, err := loadtest.NewHarness(ctx, dir, workers, schema.StrategyLastWriteWins, nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating harness: %v\n", err)
			os.Exit(1)
		}
		defer h.Close()

		fmt.Printf("%s Generating %d records...\n", ui.RenderAccent("🔄"), records)
		ds, err := loadtest.Populate(ctx, h.Local, h.Cloud, records, cloudShare, 42)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error generating data: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("   Local: %d   Cloud: %d\n", ds.LocalOnly, ds.CloudOnly)

		first := true
		run := func(ctx context.Context) (*engine.SyncResult, error) {
			if first {
				first = false
				return h.Service.SyncAll(ctx)
			}
			return h.Service.SyncIncremental(ctx)
		}
		before := func(i int) error {
			offset := (i * changes) % records
			ids := make([]string, 0, changes)
			for j := 0; j < changes; j++ {
				ids = append(ids, ds.IDs[(offset+j)%records])
			}
			now := time.Now()
			if err := loadtest.Touch(ctx, h.Local, ids, now, "bench-local"); err != nil {
				return err
			}
			return loadtest.Touch(ctx, h.Cloud, ids[:conflicts], now.Add(time.Millisecond), "bench-cloud")
		}

		fmt.Printf("%s Running %d sessions with %d workers...\n\n", ui.RenderAccent("⏱"), sessions, workers)
		report, err := loadtest.Run(ctx, run, sessions, before)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		report.Print(os.Stdout)
	},
}

func init() {
	benchCmd.Flags().Int("records", 5000, "Records to generate")
	benchCmd.Flags().Float64("cloud-share", 0.3, "Fraction of records created on the cloud side")
	benchCmd.Flags().Int("sessions", 5, "Sessions to run")
	benchCmd.Flags().Int("changes", 200, "Records edited locally before each later session")
	benchCmd.Flags().Int("conflicts", 20, "Of those, records also edited in the cloud")
	benchCmd.Flags().Int("workers", 4, "Concurrent record workers")
	rootCmd.AddCommand(benchCmd)
}
