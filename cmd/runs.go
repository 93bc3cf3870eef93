package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/andresmejia3/posepipe/internal/store"
	"github.com/spf13/cobra"
)

var runsLimit int

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recorded pipeline runs, newest first",
	Annotations: map[string]string{
		annotationRegistry: registryRequired,
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRuns(cmd.Context(), os.Stdout)
	},
}

func init() {
	runsCmd.Flags().IntVarP(&runsLimit, "limit", "n", 20, "Maximum number of runs to show")
	rootCmd.AddCommand(runsCmd)
}

func runRuns(ctx context.Context, w io.Writer) error {
	if DB == nil {
		return fmt.Errorf("run registry is disabled")
	}
	runs, err := DB.ListRuns(ctx, runsLimit)
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}
	printRuns(w, runs)
	return nil
}

func printRuns(w io.Writer, runs []store.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded.")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTAGE\tSTATUS\tSTARTED\tDURATION\tDETAIL")
	fmt.Fprintln(tw, "--\t-----\t------\t-------\t--------\t------")

	for _, r := range runs {
		duration := "-"
		if r.FinishedAt != nil {
			duration = r.Duration().Round(time.Millisecond).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			shortID(r.ID), r.Stage, r.Status, r.StartedAt.Local().Format("2006-01-02 15:04"), duration, r.Detail)
	}
	tw.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
