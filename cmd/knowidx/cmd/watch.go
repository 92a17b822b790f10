package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/knowidx/knowidx/internal/watcher"
)

// newWatchCmd creates the watch command: one rebuild, then live change
// delivery until interrupted.
func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Rebuild the index, then keep it current as files change",
		RunE: func(cmd *cobra.Command, _ []string) error {
			coord, s, err := openCoordinator()
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			result, err := coord.Rebuild(ctx, nil)
			if err != nil {
				return err
			}
			printRebuildResult(result)

			w, err := watcher.New(coord, watcher.Options{})
			if err != nil {
				return err
			}

			base := coord.BasePath(ctx)
			if err := w.Watch(base); err != nil {
				return err
			}
			fmt.Printf("Watching %s (Ctrl-C to stop)\n", base)
			return w.Run(ctx)
		},
	}
}
