package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/Mschirtzinger/offsync/internal/engine"
	"github.com/Mschirtzinger/offsync/internal/schema"
	"github.com/Mschirtzinger/offsync/internal/ui"
)

var conflictsCmd = &cobra.Command{
	Use:     "conflicts",
	GroupID: "inspect",
	Short:   "List and resolve records in conflict",
	Long: `Records edited on both sides under the manual strategy are parked in
conflict and skipped by every session until resolved here.`,
}

var conflictsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List records in conflict",
	Run: func(cmd *cobra.Command, args []string) {
		entityName, _ := cmd.Flags().GetString("entity")
		format, _ := cmd.Flags().GetString("format")
		if err := checkFormat(format, "table", "yaml"); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		ctx := context.Background()
		a := mustOpenApp(ctx)
		defer a.Close()

		conflicts, err := a.svc.Conflicts(ctx, entityName)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing conflicts: %v\n", err)
			os.Exit(1)
		}

		if format == "yaml" {
			if err := writeYAML(os.Stdout, conflicts); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			return
		}

		if len(conflicts) == 0 {
			fmt.Printf("%s No conflicts\n", ui.RenderPass("✓"))
			return
		}

		rows := make([][]string, 0, len(conflicts))
		for _, m := range conflicts {
			rows = append(rows, []string{
				fmt.Sprint(m.ID),
				m.EntityName,
				m.EntityID,
				ui.FormatTime(m.ConflictDetectedAt),
				ui.FormatTime(m.LastSyncedAt),
			})
		}
		fmt.Println(ui.Table([]string{"ID", "ENTITY", "RECORD", "DETECTED", "LAST SYNCED"}, rows))
		fmt.Printf("\nResolve with 'offsync conflicts resolve <ID> --strategy <strategy>'\n")
	},
}

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve ID",
	Short: "Resolve one conflict with an automatic strategy",
	Long: `Resolve the conflict identified by its metadata ID (see 'offsync conflicts
list'). The chosen strategy decides which side wins and the loser is
overwritten:

  last_write_wins    later modification wins, cloud on a tie
  first_write_wins   earlier modification wins, cloud on a tie
  keep_local         local version wins
  keep_cloud         cloud version wins

Without --strategy an interactive picker is shown when running in a
terminal.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: invalid conflict ID %q\n", args[0])
			os.Exit(1)
		}
		strategyFlag, _ := cmd.Flags().GetString("strategy")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		a := mustOpenApp(ctx)
		defer a.Close()

		var strategy schema.ConflictStrategy
		switch {
		case strategyFlag != "":
			strategy, err = schema.ParseConflictStrategy(strategyFlag)
		case ui.IsTerminal():
			strategy, err = pickStrategy(ctx, a.svc, id)
		default:
			err = fmt.Errorf("--strategy is required when not running in a terminal")
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		result, err := a.svc.ResolveConflict(ctx, id, strategy, engine.InitiatedBy(defaultInitiator()))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error resolving conflict %d: %v\n", id, err)
			os.Exit(1)
		}

		if result.ConflictsResolved == 1 {
			fmt.Printf("%s Conflict %d resolved with %s\n", ui.RenderPass("✓"), id, strategy)
			return
		}
		printResult(result)
		os.Exit(1)
	},
}

// pickStrategy asks the operator which automatic strategy to apply.
func pickStrategy(ctx context.Context, svc *engine.Service, id int64) (schema.ConflictStrategy, error) {
	title := fmt.Sprintf("Resolve conflict %d", id)
	conflicts, err := svc.Conflicts(ctx, "")
	if err != nil {
		return "", err
	}
	for _, m := range conflicts {
		if m.ID == id {
			title = fmt.Sprintf("Resolve %s/%s (detected %s)", m.EntityName, m.EntityID, ui.FormatTime(m.ConflictDetectedAt))
			break
		}
	}

	var options []huh.Option[schema.ConflictStrategy]
	for _, s := range schema.Strategies {
		if s.Automatic() {
			options = append(options, huh.NewOption(string(s), s))
		}
	}

	var choice schema.ConflictStrategy
	form := huh.NewForm(huh.NewGroup(
		huh.NewSelect[schema.ConflictStrategy]().
			Title(title).
			Description("The losing side is overwritten.").
			Options(options...).
			Value(&choice),
	))
	if err := form.RunWithContext(ctx); err != nil {
		return "", fmt.Errorf("no strategy chosen: %w", err)
	}
	return choice, nil
}

func init() {
	conflictsListCmd.Flags().String("entity", "", "Only show this entity type")
	conflictsListCmd.Flags().String("format", "table", "Output format: table or yaml")
	conflictsResolveCmd.Flags().String("strategy", "", "last_write_wins, first_write_wins, keep_local or keep_cloud")

	conflictsCmd.AddCommand(conflictsListCmd)
	conflictsCmd.AddCommand(conflictsResolveCmd)
	rootCmd.AddCommand(conflictsCmd)
}
