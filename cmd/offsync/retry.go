package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/Mschirtzinger/offsync/internal/ui"
)

var retryCmd = &cobra.Command{
	Use:     "retry [ID]",
	GroupID: "sync",
	Short:   "Requeue a record that ran out of retries",
	Long: `A record that keeps failing is retried with backoff until it reaches its
entity's max_retries, after which it stays failed. 'offsync retry <ID>'
resets its retry budget so the next session tries it again.

Use --list to see failed records and their IDs.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		list, _ := cmd.Flags().GetBool("list")
		limit, _ := cmd.Flags().GetInt("limit")

		if !list && len(args) == 0 {
			fmt.Fprintf(os.Stderr, "Error: give a metadata ID or --list\n")
			os.Exit(1)
		}

		ctx := context.Background()
		a := mustOpenApp(ctx)
		defer a.Close()

		if list {
			failed, err := a.svc.Failed(ctx, limit)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error listing failed records: %v\n", err)
				os.Exit(1)
			}
			if len(failed) == 0 {
				fmt.Printf("%s No failed records\n", ui.RenderPass("✓"))
				return
			}
			rows := make([][]string, 0, len(failed))
			for _, m := range failed {
				rows = append(rows, []string{
					fmt.Sprint(m.ID),
					m.EntityName,
					m.EntityID,
					fmt.Sprint(m.RetryCount),
					ui.FormatTime(m.NextRetryAt),
					m.ErrorMessage,
				})
			}
			fmt.Println(ui.Table([]string{"ID", "ENTITY", "RECORD", "RETRIES", "NEXT RETRY", "ERROR"}, rows))
			return
		}

		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: invalid metadata ID %q\n", args[0])
			os.Exit(1)
		}
		m, err := a.svc.Requeue(ctx, id)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Requeued %s/%s; it will be retried on the next sync\n", ui.RenderPass("✓"), m.EntityName, m.EntityID)
	},
}

func init() {
	retryCmd.Flags().Bool("list", false, "List failed records")
	retryCmd.Flags().Int("limit", 50, "Maximum records to list")
	rootCmd.AddCommand(retryCmd)
}
