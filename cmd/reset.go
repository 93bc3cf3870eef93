package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var (
	resetDB    bool
	resetFiles bool
	resetYes   bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset pipeline state (run registry, dataset, models, converted output)",
	Long:  "Clears all generated state. By default, it resets everything. Use flags to clear specific components.",
	RunE: func(cmd *cobra.Command, args []string) error {
		// If no flags are set, default to clearing EVERYTHING
		if !resetDB && !resetFiles {
			resetDB = true
			resetFiles = true
		}
		var in io.Reader = os.Stdin
		if resetYes {
			in = strings.NewReader(strings.Repeat("y\n", 2))
		}
		return runReset(cmd.Context(), bufio.NewReader(in), os.Stdout, resetDB, resetFiles)
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetDB, "registry", false, "Clear the run registry")
	resetCmd.Flags().BoolVar(&resetFiles, "files", false, "Clear generated files (dataset, models, converted output)")
	resetCmd.Flags().BoolVarP(&resetYes, "yes", "y", false, "Do not prompt for confirmation")
	rootCmd.AddCommand(resetCmd)
}

func runReset(ctx context.Context, r *bufio.Reader, w io.Writer, db, files bool) error {
	if db {
		if DB == nil {
			fmt.Fprintln(w, "⚠️  Run registry unavailable, nothing to clear.")
		} else if confirm(r, w, "⚠️  Are you sure you want to delete all recorded runs?") {
			fmt.Fprintln(w, "🗑️  Clearing Run Registry...")
			if err := DB.Reset(ctx); err != nil {
				return fmt.Errorf("failed to reset run registry: %w", err)
			}
		}
	}

	if files {
		if confirm(r, w, "⚠️  Are you sure you want to delete the dataset, trained models and converted output?") {
			fmt.Fprintln(w, "🗑️  Clearing Generated Files...")
			removePath(w, Cfg.DatasetPath)
			removePath(w, Cfg.ModelDir)
			removePath(w, Cfg.OutputDir)
		}
	}

	fmt.Fprintln(w, "✨ Reset Complete.")
	return nil
}

func confirm(r *bufio.Reader, w io.Writer, prompt string) bool {
	fmt.Fprintf(w, "%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}

func removePath(w io.Writer, path string) {
	if err := os.RemoveAll(path); err != nil {
		fmt.Fprintf(w, "⚠️  Failed to remove %s: %v\n", path, err)
	}
}
