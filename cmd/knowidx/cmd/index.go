package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/knowidx/knowidx/internal/index"
)

// newIndexCmd creates the index command, which rebuilds the knowledge
// index incrementally.
func newIndexCmd() *cobra.Command {
	var (
		basePath string
		quiet    bool
	)

	cmd := &cobra.Command{
		Use:   "index",
		Short: "Rebuild the knowledge index incrementally",
		RunE: func(cmd *cobra.Command, _ []string) error {
			coord, s, err := openCoordinator()
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			ctx := cmd.Context()
			if basePath != "" {
				if err := coord.SetBasePath(ctx, basePath); err != nil {
					return err
				}
			}

			var onProgress index.ProgressFunc
			if !quiet {
				onProgress = func(current, total int, path string) {
					fmt.Printf("\r\033[K[%d/%d] %s", current, total, truncatePath(path, 60))
				}
			}

			// Rebuild runs on a background goroutine; the command only
			// waits on the completion callback.
			type outcome struct {
				result index.RebuildResult
				err    error
			}
			done := make(chan outcome, 1)
			coord.RebuildAsync(ctx, onProgress, func(result index.RebuildResult, err error) {
				done <- outcome{result: result, err: err}
			})

			out := <-done
			if !quiet {
				fmt.Print("\r\033[K")
			}
			if out.err != nil {
				return out.err
			}

			printRebuildResult(out.result)
			if skipped, errors := coord.LastRunDetails(); !quiet && (len(skipped) > 0 || len(errors) > 0) {
				printDiagnostics(skipped, errors)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&basePath, "base", "", "Directory to index (persisted for future runs)")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Suppress progress output")
	return cmd
}

func printRebuildResult(result index.RebuildResult) {
	status := "complete"
	if result.Cancelled {
		status = "cancelled"
	}
	fmt.Printf("%s %s\n", render(titleStyle, "Rebuild"), status)
	fmt.Printf("  documents: %d\n", result.Documents)
	fmt.Printf("  scanned:   %d\n", result.TotalScanned)
	fmt.Printf("  updated:   %d\n", result.Updated)
	fmt.Printf("  skipped:   %d\n", result.Skipped)
	fmt.Printf("  errors:    %d\n", result.Errors)
}

func printDiagnostics(skipped, errors []index.Diag) {
	if len(skipped) > 0 {
		fmt.Println(render(titleStyle, "Skipped"))
		for _, d := range skipped {
			fmt.Printf("  %s: %s\n", render(pathStyle, d.Path), d.Reason)
		}
	}
	if len(errors) > 0 {
		fmt.Println(render(titleStyle, "Errors"))
		for _, d := range errors {
			fmt.Printf("  %s: %s\n", render(pathStyle, d.Path), d.Reason)
		}
	}
}

// truncatePath shortens long paths for single-line progress output.
func truncatePath(path string, max int) string {
	if len(path) <= max {
		return path
	}
	return "..." + path[len(path)-max+3:]
}
