package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/Mschirtzinger/offsync/internal/ui"
)

var logCmd = &cobra.Command{
	Use:     "log",
	GroupID: "inspect",
	Short:   "Show recent sync sessions",
	Long: `Show the sync log, newest session first.

--since accepts a timestamp (2026-03-01, 2026-03-01T10:00:00Z) or plain
English such as "yesterday", "2 days ago" or "last week".`,
	Run: func(cmd *cobra.Command, args []string) {
		sinceText, _ := cmd.Flags().GetString("since")
		limit, _ := cmd.Flags().GetInt("limit")
		format, _ := cmd.Flags().GetString("format")
		if err := checkFormat(format, "table", "yaml"); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		var since *time.Time
		if sinceText != "" {
			t, err := parseSince(sinceText, time.Now())
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			since = &t
		}

		ctx := context.Background()
		a := mustOpenApp(ctx)
		defer a.Close()

		logs, err := a.svc.Logs(ctx, limit, since)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading sync log: %v\n", err)
			os.Exit(1)
		}

		if format == "yaml" {
			if err := writeYAML(os.Stdout, logs); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			return
		}

		if len(logs) == 0 {
			fmt.Println("No sync sessions recorded")
			return
		}

		rows := make([][]string, 0, len(logs))
		for _, l := range logs {
			started := l.StartedAt
			duration := "-"
			if d := l.Duration(); d > 0 {
				duration = d.Round(time.Millisecond).String()
			}
			rows = append(rows, []string{
				ui.FormatTime(&started),
				string(l.SyncType),
				ui.RenderLogStatus(l.Status),
				fmt.Sprint(l.EntitiesSynced),
				fmt.Sprint(l.EntitiesFailed),
				fmt.Sprintf("%d/%d", l.ConflictsResolved, l.ConflictsDetected),
				duration,
				l.InitiatedBy,
			})
		}
		fmt.Println(ui.Table([]string{"STARTED", "TYPE", "STATUS", "SYNCED", "FAILED", "CONFLICTS", "DURATION", "BY"}, rows))
	},
}

// parseSince understands absolute dates as well as relative English
// phrases, both resolved against now.
func parseSince(text string, now time.Time) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, time.DateTime, time.DateOnly} {
		if t, err := time.ParseInLocation(layout, text, time.Local); err == nil {
			return t, nil
		}
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)

	r, err := w.Parse(text, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse --since %q: %w", text, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("could not understand --since %q", text)
	}
	return r.Time, nil
}

func init() {
	logCmd.Flags().String("since", "", `Only sessions started after this time ("2 days ago", 2026-03-01)`)
	logCmd.Flags().Int("limit", 20, "Maximum sessions to show")
	logCmd.Flags().String("format", "table", "Output format: table or yaml")
	rootCmd.AddCommand(logCmd)
}
